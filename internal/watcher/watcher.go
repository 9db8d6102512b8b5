package watcher

import (
	"strings"
	"time"
)

// Operation is a file system change.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
	OpRename
)

// String returns the operation name.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one change to a feed file.
type FileEvent struct {
	// Name is the file name relative to the watched directory.
	Name      string
	Operation Operation
	Timestamp time.Time
}

// Options configures a FeedWatcher.
type Options struct {
	// DebounceWindow is the quiet period before a batch is emitted. Default: 500ms.
	DebounceWindow time.Duration
	// PollInterval is the polling fallback interval. Default: 5s.
	PollInterval time.Duration
	// EventBufferSize bounds undelivered batches. Default: 16.
	EventBufferSize int
	// Suffix restricts events to matching file names, e.g. ".jsonl". Empty matches all.
	Suffix string
	// ForcePolling skips fsnotify.
	ForcePolling bool
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  500 * time.Millisecond,
		PollInterval:    5 * time.Second,
		EventBufferSize: 16,
	}
}

// WithDefaults fills zero values from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = d.DebounceWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = d.EventBufferSize
	}
	return o
}

// matches reports whether name is a feed file of interest. Hidden and
// temporary files are ignored so writers can stage then rename.
func (o Options) matches(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return false
	}
	return o.Suffix == "" || strings.HasSuffix(name, o.Suffix)
}
