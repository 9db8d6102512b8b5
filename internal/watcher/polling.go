package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// PollingWatcher detects feed file changes by periodically listing the
// directory. Used when fsnotify is unavailable.
type PollingWatcher struct {
	interval time.Duration
	matches  func(string) bool
	logger   *slog.Logger

	mu      sync.Mutex
	state   map[string]fileSnapshot
	dir     string
	events  chan FileEvent
	errors  chan error
	stopCh  chan struct{}
	stopped bool
}

type fileSnapshot struct {
	modTime time.Time
	size    int64
}

// NewPollingWatcher creates a polling watcher for files accepted by opts.
func NewPollingWatcher(opts Options, logger *slog.Logger) *PollingWatcher {
	opts = opts.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &PollingWatcher{
		interval: opts.PollInterval,
		matches:  opts.matches,
		logger:   logger,
		state:    make(map[string]fileSnapshot),
		events:   make(chan FileEvent, 100),
		errors:   make(chan error, 10),
		stopCh:   make(chan struct{}),
	}
}

// Start records a baseline listing of dir and then polls until ctx is done
// or Stop is called. Files present at start produce no events.
func (p *PollingWatcher) Start(ctx context.Context, dir string) error {
	p.mu.Lock()
	p.dir = dir
	current, err := p.list()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("initial scan: %w", err)
	}
	p.state = current
	p.mu.Unlock()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Stop()
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			if err := p.detectChanges(); err != nil {
				p.emitError(err)
			}
		}
	}
}

// Stop stops polling and closes the channels. Safe to call twice.
func (p *PollingWatcher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.events)
	close(p.errors)
}

// Events returns unmerged file events.
func (p *PollingWatcher) Events() <-chan FileEvent { return p.events }

// Errors returns non-fatal scan errors.
func (p *PollingWatcher) Errors() <-chan error { return p.errors }

// list must be called with mu held.
func (p *PollingWatcher) list() (map[string]fileSnapshot, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]fileSnapshot, len(entries))
	for _, e := range entries {
		if e.IsDir() || !p.matches(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out[e.Name()] = fileSnapshot{modTime: info.ModTime(), size: info.Size()}
	}
	return out, nil
}

func (p *PollingWatcher) detectChanges() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}

	current, err := p.list()
	if err != nil {
		return fmt.Errorf("scan feed directory: %w", err)
	}
	now := time.Now()
	for name, snap := range current {
		prev, ok := p.state[name]
		switch {
		case !ok:
			p.emitLocked(FileEvent{Name: name, Operation: OpCreate, Timestamp: now})
		case prev != snap:
			p.emitLocked(FileEvent{Name: name, Operation: OpModify, Timestamp: now})
		}
	}
	for name := range p.state {
		if _, ok := current[name]; !ok {
			p.emitLocked(FileEvent{Name: name, Operation: OpDelete, Timestamp: now})
		}
	}
	p.state = current
	return nil
}

func (p *PollingWatcher) emitLocked(e FileEvent) {
	select {
	case p.events <- e:
	default:
		p.logger.Warn("polling watcher buffer full, dropping event",
			slog.String("file", e.Name),
			slog.String("op", e.Operation.String()))
	}
}

func (p *PollingWatcher) emitError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	select {
	case p.errors <- err:
	default:
	}
}
