// Package audit records every externally visible operation to a sink.
// Recording is fire-and-forget: a failing sink never fails the operation,
// its failures surface as warnings instead.
package audit

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

// Outcome of an audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Event is one audited operation.
type Event struct {
	Time      time.Time         `json:"time"`
	Subject   string            `json:"subject"`
	Operation string            `json:"operation"`
	Target    string            `json:"target,omitempty"`
	Outcome   Outcome           `json:"outcome"`
	ErrorCode string            `json:"error_code,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Sink persists events.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Warning reports a sink failure.
type Warning struct {
	Event Event
	Err   error
}

// Default sizes.
const (
	DefaultQueueSize    = 1024
	DefaultWarningsSize = 64
)

// Auditor queues events and delivers them to the sink on a background
// goroutine behind a circuit breaker.
type Auditor struct {
	sink     Sink
	breaker  *ierrors.CircuitBreaker
	queue    chan Event
	warnings chan Warning
	clock    func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped uint64
	done    chan struct{}
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithQueueSize sets the event buffer size.
func WithQueueSize(n int) Option {
	return func(a *Auditor) { a.queue = make(chan Event, n) }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *ierrors.CircuitBreaker) Option {
	return func(a *Auditor) { a.breaker = cb }
}

// WithClock overrides the event timestamp clock.
func WithClock(clock func() time.Time) Option {
	return func(a *Auditor) { a.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) { a.logger = l }
}

// New starts an auditor delivering to sink.
func New(sink Sink, opts ...Option) *Auditor {
	a := &Auditor{
		sink:     sink,
		breaker:  ierrors.NewCircuitBreaker("audit", ierrors.WithMaxFailures(5), ierrors.WithResetTimeout(30*time.Second)),
		queue:    make(chan Event, DefaultQueueSize),
		warnings: make(chan Warning, DefaultWarningsSize),
		clock:    time.Now,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Record queues e for delivery. It never blocks; when the queue is full the
// event is dropped and a warning is raised.
func (a *Auditor) Record(e Event) {
	if e.Time.IsZero() {
		e.Time = a.clock()
	}
	e.Details = maps.Clone(e.Details)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- e:
	default:
		a.dropped++
		a.warn(e, ierrors.New(ierrors.ErrCodeInternal, "audit queue full, event dropped", nil))
	}
}

// Warnings returns the channel on which sink failures are reported. It is
// buffered; warnings are dropped when nobody drains it.
func (a *Auditor) Warnings() <-chan Warning { return a.warnings }

// Dropped returns the number of events dropped because the queue was full.
func (a *Auditor) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close stops accepting events and waits until queued events are delivered
// or ctx ends.
func (a *Auditor) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Auditor) run() {
	defer close(a.done)
	for e := range a.queue {
		err := a.breaker.Execute(func() error {
			return a.sink.Record(context.Background(), e)
		})
		if err != nil {
			a.warn(e, err)
		}
	}
}

func (a *Auditor) warn(e Event, err error) {
	a.logger.Warn("audit sink failure",
		slog.String("operation", e.Operation),
		slog.String("subject", e.Subject),
		slog.String("error", err.Error()))
	select {
	case a.warnings <- Warning{Event: e, Err: err}:
	default:
	}
}
