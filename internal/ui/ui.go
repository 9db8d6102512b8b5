// Package ui renders the live progress of indexing jobs on a terminal.
//
// Interactive terminals get a bubbletea view with a progress bar, stage
// indicators and a throughput sparkline. CI runs and plain mode get one
// line per stage and per progress step.
package ui

import (
	"context"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/dicomindex/internal/jobs"
)

// Renderer displays the progress of one job.
type Renderer interface {
	// Start begins rendering.
	Start(ctx context.Context) error

	// Update draws a new progress snapshot.
	Update(snap jobs.ProgressSnapshot)

	// Complete draws the terminal job summary.
	Complete(j jobs.Job)

	// Stop releases the terminal. It is safe to call after Complete.
	Stop() error
}

// Config configures renderer selection.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	// Title is shown in the panel header, typically the job id and kind.
	Title string
	// OnInterrupt runs when the user presses ctrl+c in the TUI, which
	// captures the key instead of the process receiving SIGINT.
	OnInterrupt func()
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// WithForcePlain forces line-based output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) { c.ForcePlain = force }
}

// WithNoColor disables colors.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) { c.NoColor = noColor }
}

// WithTitle sets the panel title.
func WithTitle(title string) ConfigOption {
	return func(c *Config) { c.Title = title }
}

// WithOnInterrupt sets the ctrl+c handler of the TUI.
func WithOnInterrupt(fn func()) ConfigOption {
	return func(c *Config) { c.OnInterrupt = fn }
}

// NewConfig creates a Config writing to output.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{Output: output}
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectNoColor() {
		cfg.NoColor = true
	}
	return cfg
}

// NewRenderer picks the TUI for interactive terminals and the plain
// renderer for pipes, CI, and when plain output is forced.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor reports whether NO_COLOR is set.
func DetectNoColor() bool {
	_, ok := os.LookupEnv("NO_COLOR")
	return ok
}

// DetectCI reports whether the process runs under a CI system.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, ok := os.LookupEnv(v); ok {
			return true
		}
	}
	return false
}

// stages are the phases a job moves through, in order.
var stages = []struct {
	stage jobs.Stage
	label string
}{
	{jobs.StagePulling, "Pull"},
	{jobs.StageIndexing, "Index"},
	{jobs.StageCommitting, "Commit"},
}

// stageRank orders stages; unknown stages rank before pulling.
func stageRank(s jobs.Stage) int {
	switch s {
	case jobs.StagePulling:
		return 1
	case jobs.StageIndexing:
		return 2
	case jobs.StageCommitting:
		return 3
	case jobs.StageDone:
		return 4
	}
	return 0
}
