package watcher

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Debouncer merges bursts of events per file and emits them as one batch
// after the window passes without new events. Per file:
//   - CREATE then MODIFY stays CREATE
//   - CREATE then DELETE drops the file from the batch
//   - DELETE then CREATE becomes MODIFY
//   - otherwise the latest operation wins
type Debouncer struct {
	window time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]FileEvent
	first   map[string]Operation
	timer   *time.Timer
	output  chan []FileEvent
	stopped bool
}

// NewDebouncer creates a debouncer with the given quiet window.
func NewDebouncer(window time.Duration, logger *slog.Logger) *Debouncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		window:  window,
		logger:  logger,
		pending: make(map[string]FileEvent),
		first:   make(map[string]Operation),
		output:  make(chan []FileEvent, 8),
	}
}

// Add records an event and restarts the window.
func (d *Debouncer) Add(e FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if _, seen := d.pending[e.Name]; !seen {
		d.pending[e.Name] = e
		d.first[e.Name] = e.Operation
	} else if merged, keep := merge(d.first[e.Name], d.pending[e.Name], e); keep {
		d.pending[e.Name] = merged
	} else {
		delete(d.pending, e.Name)
		delete(d.first, e.Name)
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func merge(first Operation, prev, next FileEvent) (FileEvent, bool) {
	switch {
	case first == OpCreate && next.Operation == OpModify:
		prev.Timestamp = next.Timestamp
		return prev, true
	case first == OpCreate && next.Operation == OpDelete:
		return FileEvent{}, false
	case first == OpDelete && next.Operation == OpCreate:
		next.Operation = OpModify
		return next, true
	}
	return next, true
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]FileEvent, 0, len(d.pending))
	for _, e := range d.pending {
		batch = append(batch, e)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Name < batch[j].Name })
	d.pending = make(map[string]FileEvent)
	d.first = make(map[string]Operation)

	select {
	case d.output <- batch:
	default:
		d.logger.Warn("debouncer output full, dropping batch", slog.Int("batch_size", len(batch)))
	}
}

// Output returns the batch channel. It is closed by Stop.
func (d *Debouncer) Output() <-chan []FileEvent {
	return d.output
}

// Stop discards pending events and closes Output. Safe to call twice.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
