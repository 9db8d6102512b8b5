package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFromString(tt.in), tt.in)
	}
}

func TestSetup_WritesJSONFile(t *testing.T) {
	// Given file logging at info level
	path := filepath.Join(t.TempDir(), "logs", "dicomindex.log")
	logger, cleanup, err := Setup(Config{Level: "info", FilePath: path})
	require.NoError(t, err)

	// When logging below and at the level
	logger.Debug("hidden")
	logger.Info("job completed", slog.String("job", "job-000001"), slog.Int64("version", 3))
	cleanup()

	// Then only the info record is written, as JSON
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"job completed"`)
	assert.Contains(t, lines[0], `"job":"job-000001"`)
}

func TestSetup_StderrOnly(t *testing.T) {
	logger, cleanup, err := Setup(DefaultConfig())
	require.NoError(t, err)
	defer cleanup()
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestFanout_RespectsEachLevel(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	h := fanout{
		slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	logger := slog.New(h).With(slog.String("component", "jobs"))

	logger.Info("routine")
	logger.Warn("slow feed")

	assert.Equal(t, 2, strings.Count(debugBuf.String(), "\n"))
	assert.Equal(t, 1, strings.Count(warnBuf.String(), "\n"))
	assert.Contains(t, warnBuf.String(), `"component":"jobs"`)
}

func TestRotatingWriter_Rotates(t *testing.T) {
	// Given a writer with a 1MB limit keeping two files
	path := filepath.Join(t.TempDir(), "dicomindex.log")
	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	w.SetSyncEachWrite(false)
	defer func() { _ = w.Close() }()

	// When writing well past the limit several times
	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 5; i++ {
		_, err := w.Write(chunk)
		require.NoError(t, err)
	}

	// Then at most two rotated files exist next to the live file
	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingWriter_AppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dicomindex.log")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o644))

	w, err := NewRotatingWriter(path, 1, 1)
	require.NoError(t, err)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}

const sampleLog = `{"time":"2024-03-01T10:00:00.000Z","level":"INFO","msg":"job started","job":"job-000001"}
not json
{"time":"2024-03-01T10:00:01.000Z","level":"DEBUG","msg":"batch staged","job":"job-000001","batch":1}
{"time":"2024-03-01T10:00:02.000Z","level":"INFO","msg":"audit","subject":"alice","operation":"execute","outcome":"success"}
{"time":"2024-03-01T10:00:03.000Z","level":"WARN","msg":"feed unavailable, retrying","job":"job-000002"}
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dicomindex.log")
	require.NoError(t, os.WriteFile(path, []byte(sampleLog), 0o644))
	return path
}

func TestViewer_Filters(t *testing.T) {
	path := writeSample(t)
	tests := []struct {
		name string
		cfg  ViewerConfig
		n    int
		msgs []string
	}{
		{"all", ViewerConfig{}, 0, []string{"job started", "", "batch staged", "audit", "feed unavailable, retrying"}},
		{"tail", ViewerConfig{}, 2, []string{"audit", "feed unavailable, retrying"}},
		{"level", ViewerConfig{Level: "info"}, 0, []string{"job started", "", "audit", "feed unavailable, retrying"}},
		{"job", ViewerConfig{Job: "job-000001"}, 0, []string{"job started", "batch staged"}},
		{"audit", ViewerConfig{Audit: true}, 0, []string{"audit"}},
		{"pattern", ViewerConfig{Pattern: regexp.MustCompile(`retrying`)}, 0, []string{"feed unavailable, retrying"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := NewViewer(tt.cfg, nil).Tail(path, tt.n)
			require.NoError(t, err)
			var msgs []string
			for _, e := range entries {
				msgs = append(msgs, e.Msg)
			}
			assert.Equal(t, tt.msgs, msgs)
		})
	}
}

func TestViewer_FormatEntry(t *testing.T) {
	var out bytes.Buffer
	v := NewViewer(ViewerConfig{NoColor: true, Audit: true}, &out)
	entries, err := v.Tail(writeSample(t), 0)
	require.NoError(t, err)

	v.Print(entries)

	line := strings.TrimSpace(out.String())
	assert.True(t, strings.HasSuffix(line, "INFO  audit operation=execute outcome=success subject=alice"), line)
}

func TestViewer_Follow(t *testing.T) {
	// Given a follower started on an existing file
	path := writeSample(t)
	v := NewViewer(ViewerConfig{Level: "warn"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	entries := make(chan LogEntry, 4)
	done := make(chan error, 1)
	go func() { done <- v.Follow(ctx, path, entries) }()
	time.Sleep(150 * time.Millisecond)

	// When new lines are appended
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"time":"2024-03-01T10:00:04Z","level":"INFO","msg":"quiet"}` + "\n" +
		`{"time":"2024-03-01T10:00:05Z","level":"ERROR","msg":"commit failed"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Then only the new matching entry arrives
	select {
	case e := <-entries:
		assert.Equal(t, "commit failed", e.Msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no entry followed")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestFindLogFile(t *testing.T) {
	path := writeSample(t)
	got, err := FindLogFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = FindLogFile(filepath.Join(t.TempDir(), "missing.log"))
	assert.Error(t, err)
}
