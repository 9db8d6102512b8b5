package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Aman-CERP/dicomindex/internal/jobs"
)

// stopTimeout bounds how long Stop waits for the program to exit.
const stopTimeout = 2 * time.Second

// TUIRenderer draws job progress with bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	model   *jobModel
	program *tea.Program
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. It fails when the output is not a
// terminal.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, errors.New("output is not a terminal")
	}
	return &TUIRenderer{
		cfg:   cfg,
		model: newJobModel(NewTracker(), cfg.Title, GetStyles(cfg.NoColor), cfg.OnInterrupt),
		done:  make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.program != nil {
		return nil
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.program = tea.NewProgram(r.model,
		tea.WithOutput(r.cfg.Output),
		tea.WithContext(ctx),
		tea.WithoutSignalHandler(),
	)
	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// Update implements Renderer.
func (r *TUIRenderer) Update(snap jobs.ProgressSnapshot) {
	r.model.tracker.Observe(snap)
	r.send(snapshotMsg(snap))
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(j jobs.Job) {
	r.model.tracker.Observe(j.Progress)
	r.send(completeMsg(j))
}

func (r *TUIRenderer) send(msg tea.Msg) {
	r.mu.Lock()
	p := r.program
	r.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	p, cancel := r.program, r.cancel
	r.mu.Unlock()

	if p == nil {
		return nil
	}
	p.Quit()
	select {
	case <-r.done:
	case <-time.After(stopTimeout):
	}
	cancel()
	return nil
}

type (
	snapshotMsg jobs.ProgressSnapshot
	completeMsg jobs.Job
	tickMsg     time.Time
)

// jobModel is the bubbletea model of one job's progress.
type jobModel struct {
	tracker     *Tracker
	title       string
	styles      Styles
	spinner     spinner.Model
	bar         progress.Model
	width       int
	onInterrupt func()
	cancelling  bool
	complete    bool
	final       jobs.Job
}

func newJobModel(tracker *Tracker, title string, styles Styles, onInterrupt func()) *jobModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.Active

	bar := progress.New(
		progress.WithSolidFill(ColorTeal),
		progress.WithWidth(50),
		progress.WithoutPercentage(),
	)
	if title == "" {
		title = "dicomindex"
	}
	return &jobModel{
		tracker:     tracker,
		title:       title,
		styles:      styles,
		spinner:     s,
		bar:         bar,
		width:       80,
		onInterrupt: onInterrupt,
	}
}

// Init implements tea.Model.
func (m *jobModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m *jobModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() != "ctrl+c" || m.cancelling {
			return m, nil
		}
		m.cancelling = true
		if m.onInterrupt == nil {
			return m, tea.Quit
		}
		// The job finishes its current batch; completeMsg ends the program.
		go m.onInterrupt()
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-20, 20)
	case completeMsg:
		m.complete = true
		m.final = jobs.Job(msg)
		return m, tea.Quit
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *jobModel) View() string {
	width := max(m.width-4, 40)
	if m.complete {
		return m.renderComplete(width)
	}
	stats := m.tracker.Stats()
	sections := []string{
		m.renderStages(stats.Snapshot.Stage),
		m.divider(width),
		m.renderProgress(stats),
		m.renderSpeed(stats),
		m.divider(width),
		m.styles.Spark.Render(m.tracker.Sparkline(max(width-14, 10))) + " " + m.styles.Dim.Render("records/s"),
	}
	if n := stats.Snapshot.Skipped; n > 0 {
		sections = append(sections, m.styles.Warning.Render(fmt.Sprintf("⚠ %d records skipped", n)))
	}
	hint := m.styles.Dim.Render("ctrl+c to cancel")
	if m.cancelling {
		hint = m.styles.Warning.Render("Cancelling...")
	}
	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorDarkGray)).
		Padding(0, 1).
		Width(width)
	return lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render(m.title),
		panel.Render(strings.Join(sections, "\n")),
		hint,
	) + "\n"
}

func (m *jobModel) renderStages(current jobs.Stage) string {
	rank := stageRank(current)
	parts := make([]string, 0, len(stages))
	for _, s := range stages {
		r := stageRank(s.stage)
		switch {
		case r < rank:
			parts = append(parts, m.styles.Success.Render("● "+s.label))
		case r == rank:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.label))
		default:
			parts = append(parts, m.styles.Dim.Render("○ "+s.label))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" → "))
}

func (m *jobModel) renderProgress(stats Stats) string {
	snap := stats.Snapshot
	if snap.Total == 0 {
		return fmt.Sprintf("%s %s...", m.spinner.View(), snap.Stage)
	}
	return fmt.Sprintf("%s  %s\n%s",
		m.bar.ViewAs(stats.Fraction),
		m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Fraction*100)),
		m.styles.Label.Render(fmt.Sprintf("%d / %d records  •  batch %d", snap.Processed, snap.Total, snap.Batches)))
}

func (m *jobModel) renderSpeed(stats Stats) string {
	line := fmt.Sprintf("Speed: %.0f/s", stats.Speed.Current)
	if stats.Speed.Avg > 0 {
		line += fmt.Sprintf(" (avg: %.0f, peak: %.0f)", stats.Speed.Avg, stats.Speed.Peak)
	}
	parts := []string{m.styles.Label.Render(line)}
	if stats.ETA > 0 {
		parts = append(parts, m.styles.Label.Render("ETA: "+formatDuration(stats.ETA)))
	}
	return strings.Join(parts, m.styles.Dim.Render("  •  "))
}

func (m *jobModel) divider(width int) string {
	return m.styles.Border.Render(strings.Repeat("─", width))
}

func (m *jobModel) renderComplete(width int) string {
	j := m.final
	header, border := m.styles.Success.Render("✓ Job "+j.ID+" completed"), ColorTeal
	if j.State != jobs.StateCompleted {
		header, border = m.styles.Error.Render(fmt.Sprintf("✗ Job %s %s", j.ID, j.State)), ColorRed
	}
	lines := []string{
		header,
		"",
		m.styles.Label.Render("Indexed:  ") + m.styles.Active.Render(fmt.Sprint(j.Progress.Indexed)),
		m.styles.Label.Render("Deleted:  ") + m.styles.Active.Render(fmt.Sprint(j.Progress.Deleted)),
		m.styles.Label.Render("Skipped:  ") + m.styles.Active.Render(fmt.Sprint(j.Progress.Skipped)),
	}
	if !j.StartedAt.IsZero() && !j.FinishedAt.IsZero() {
		lines = append(lines, m.styles.Label.Render("Duration: ")+m.styles.Active.Render(formatDuration(j.FinishedAt.Sub(j.StartedAt))))
	}
	if j.Error != "" {
		lines = append(lines, "", m.styles.Error.Render(j.Error))
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(border)).
		Padding(1, 2).
		Width(width).
		Render(strings.Join(lines, "\n")) + "\n"
}

// formatDuration formats d as "42s", "3m 5s" or "1h 2m".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		if s := int(d.Seconds()) % 60; s != 0 {
			return fmt.Sprintf("%dm %ds", int(d.Minutes()), s)
		}
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

var _ Renderer = (*TUIRenderer)(nil)
