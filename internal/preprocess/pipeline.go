// Package preprocess holds the named, pure transform functions applied to raw
// DICOM tag values before they enter the index and to filter values at query
// time. The same chain runs on both paths, so a function must depend only on
// its input value and the optional context date.
package preprocess

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

// Context carries the optional per-record inputs a function may read.
type Context struct {
	// Date is the record's context date (typically StudyDate). Zero means absent.
	Date time.Time
}

// Func is a preprocessing stage. It must be deterministic and side-effect free.
type Func func(value string, ctx Context) (string, error)

// Pipeline is a registry of named preprocessing functions.
type Pipeline struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// New creates a pipeline preloaded with the built-in functions.
func New() *Pipeline {
	p := &Pipeline{funcs: make(map[string]Func, len(builtins))}
	for name, fn := range builtins {
		p.funcs[name] = fn
	}
	return p
}

// Register adds a function under name. Names are unique.
func (p *Pipeline) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("preprocessor name and function are required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.funcs[name]; exists {
		return ierrors.New(ierrors.ErrCodeDuplicateName,
			fmt.Sprintf("preprocessor already registered: %s", name), nil)
	}
	p.funcs[name] = fn
	return nil
}

// Has reports whether name is registered.
func (p *Pipeline) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.funcs[name]
	return ok
}

// Names returns the registered function names in lexical order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.funcs))
	for name := range p.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate returns UnknownPreprocessorError for the first unregistered name in chain.
func (p *Pipeline) Validate(chain []string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, name := range chain {
		if _, ok := p.funcs[name]; !ok {
			return ierrors.UnknownPreprocessorError(name)
		}
	}
	return nil
}

// Apply threads raw through chain in declared order.
// The first failing stage aborts with a PreprocessingError naming that stage.
func (p *Pipeline) Apply(tag string, chain []string, raw string, ctx Context) (string, error) {
	value := raw
	for _, name := range chain {
		fn, err := p.lookup(name)
		if err != nil {
			return "", err
		}
		out, err := fn(value, ctx)
		if err != nil {
			slog.Debug("preprocessing stage failed",
				slog.String("tag", tag),
				slog.String("function", name),
				slog.String("input", value))
			return "", ierrors.PreprocessingError(name, value, err).WithDetail("tag", tag)
		}
		value = out
	}
	return value, nil
}

// Test runs a single function on a sample input for interactive verification.
// It never touches the index.
func (p *Pipeline) Test(name, sample string, ctx Context) (string, error) {
	fn, err := p.lookup(name)
	if err != nil {
		return "", err
	}
	out, err := fn(sample, ctx)
	if err != nil {
		return "", ierrors.PreprocessingError(name, sample, err)
	}
	return out, nil
}

func (p *Pipeline) lookup(name string) (Func, error) {
	p.mu.RLock()
	fn, ok := p.funcs[name]
	p.mu.RUnlock()
	if !ok {
		return nil, ierrors.UnknownPreprocessorError(name)
	}
	return fn, nil
}
