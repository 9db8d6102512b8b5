package audit

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// LogSink writes events as structured log records. Pointed at a dedicated
// JSON handler it becomes an append-only audit log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, e Event) error {
	attrs := []slog.Attr{
		slog.Time("event_time", e.Time),
		slog.String("subject", e.Subject),
		slog.String("operation", e.Operation),
		slog.String("outcome", string(e.Outcome)),
	}
	if e.Target != "" {
		attrs = append(attrs, slog.String("target", e.Target))
	}
	if e.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", e.ErrorCode))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		details := make([]any, 0, len(keys))
		for _, k := range keys {
			details = append(details, slog.String(k, e.Details[k]))
		}
		attrs = append(attrs, slog.Group("details", details...))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// Record implements Sink.
func (s *MemorySink) Record(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

// Fail makes subsequent Record calls return err. Nil restores success.
func (s *MemorySink) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}
