package ui

import "strings"

// sparkLevels are the block characters of a sparkline, lowest first.
var sparkLevels = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline keeps the most recent throughput samples in a ring buffer and
// renders them as block characters scaled to the buffer maximum.
type Sparkline struct {
	samples []float64
	head    int
	count   int
}

// NewSparkline creates a sparkline holding up to capacity samples.
func NewSparkline(capacity int) *Sparkline {
	if capacity <= 0 {
		capacity = 60
	}
	return &Sparkline{samples: make([]float64, capacity)}
}

// Add appends a sample, evicting the oldest once full.
func (s *Sparkline) Add(v float64) {
	s.samples[s.head] = v
	s.head = (s.head + 1) % len(s.samples)
	s.count++
}

// Len returns how many samples are currently held.
func (s *Sparkline) Len() int {
	return min(s.count, len(s.samples))
}

// Clear drops all samples.
func (s *Sparkline) Clear() {
	clear(s.samples)
	s.head = 0
	s.count = 0
}

// recent returns up to n of the newest samples, oldest first.
func (s *Sparkline) recent(n int) []float64 {
	held := s.Len()
	n = min(n, held)
	out := make([]float64, 0, n)
	start := (s.head - n + len(s.samples)) % len(s.samples)
	for i := 0; i < n; i++ {
		out = append(out, s.samples[(start+i)%len(s.samples)])
	}
	return out
}

// Render draws the newest samples right-aligned in width cells.
func (s *Sparkline) Render(width int) string {
	if width <= 0 {
		width = len(s.samples)
	}
	values := s.recent(width)

	peak := 0.0
	for _, v := range values {
		peak = max(peak, v)
	}

	var sb strings.Builder
	sb.Grow(width * 3)
	sb.WriteString(strings.Repeat(" ", width-len(values)))
	for _, v := range values {
		level := 0
		if peak > 0 && v > 0 {
			level = int(v / peak * float64(len(sparkLevels)-1))
			level = min(max(level, 0), len(sparkLevels)-1)
		}
		sb.WriteRune(sparkLevels[level])
	}
	return sb.String()
}
