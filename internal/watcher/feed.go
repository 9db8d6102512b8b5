package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher kinds reported by FeedWatcher.Kind.
const (
	KindFsnotify = "fsnotify"
	KindPolling  = "polling"
)

// FeedWatcher emits debounced batches of feed file changes for one
// directory. It uses fsnotify and falls back to polling.
type FeedWatcher struct {
	opts      Options
	logger    *slog.Logger
	debouncer *Debouncer

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	poller  *PollingWatcher
	kind    string
	errors  chan error
	stopCh  chan struct{}
	stopped bool

	ready     chan struct{}
	readyOnce sync.Once
}

// NewFeedWatcher creates a watcher. Call Start to begin watching.
func NewFeedWatcher(opts Options, logger *slog.Logger) *FeedWatcher {
	opts = opts.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedWatcher{
		opts:      opts,
		logger:    logger,
		debouncer: NewDebouncer(opts.DebounceWindow, logger),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
		ready:     make(chan struct{}),
	}
}

// Start watches dir until ctx is done or Stop is called. It blocks.
func (w *FeedWatcher) Start(ctx context.Context, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve feed directory: %w", err)
	}

	if !w.opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			err = fsw.Add(abs)
			if err != nil {
				_ = fsw.Close()
			}
		}
		if err == nil {
			w.mu.Lock()
			w.fsw, w.kind = fsw, KindFsnotify
			w.mu.Unlock()
			w.markReady()
			w.logger.Info("watching feed directory",
				slog.String("dir", abs), slog.String("kind", KindFsnotify))
			return w.runFsnotify(ctx, fsw)
		}
		w.logger.Warn("fsnotify unavailable, falling back to polling",
			slog.String("dir", abs), slog.String("error", err.Error()))
	}

	poller := NewPollingWatcher(w.opts, w.logger)
	w.mu.Lock()
	w.poller, w.kind = poller, KindPolling
	w.mu.Unlock()
	w.markReady()
	w.logger.Info("watching feed directory",
		slog.String("dir", abs), slog.String("kind", KindPolling),
		slog.Duration("interval", w.opts.PollInterval))
	go w.forwardPolling(poller)
	err = poller.Start(ctx, abs)
	if ctx.Err() != nil {
		w.Stop()
	}
	return err
}

func (w *FeedWatcher) runFsnotify(ctx context.Context, fsw *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

func (w *FeedWatcher) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !w.opts.matches(name) {
		return
	}
	var op Operation
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		op = OpRename
	default:
		return
	}
	w.debouncer.Add(FileEvent{Name: name, Operation: op, Timestamp: time.Now()})
}

func (w *FeedWatcher) forwardPolling(p *PollingWatcher) {
	events, errs := p.Events(), p.Errors()
	for events != nil || errs != nil {
		select {
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.debouncer.Add(e)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.emitError(err)
		}
	}
}

// Events returns debounced batches. The channel closes after Stop.
func (w *FeedWatcher) Events() <-chan []FileEvent { return w.debouncer.Output() }

// Errors returns non-fatal watch errors.
func (w *FeedWatcher) Errors() <-chan error { return w.errors }

// Ready is closed once Start has chosen a mechanism and begun watching.
func (w *FeedWatcher) Ready() <-chan struct{} { return w.ready }

func (w *FeedWatcher) markReady() {
	w.readyOnce.Do(func() { close(w.ready) })
}

// Kind reports the active mechanism, or "" before Start.
func (w *FeedWatcher) Kind() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.kind
}

// Stop releases watch resources and closes the channels. Safe to call twice.
func (w *FeedWatcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopCh)
	fsw, poller := w.fsw, w.poller
	close(w.errors)
	w.mu.Unlock()

	if fsw != nil {
		_ = fsw.Close()
	}
	if poller != nil {
		poller.Stop()
	}
	w.debouncer.Stop()
}

func (w *FeedWatcher) emitError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.errors <- err:
	default:
		w.logger.Warn("watch error dropped", slog.String("error", err.Error()))
	}
}
