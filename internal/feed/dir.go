package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

// Extension is the file suffix DirFeed reads.
const Extension = ".jsonl"

// maxLineBytes bounds a single change line.
const maxLineBytes = 4 << 20

// DirFeed reads changes from newline-delimited JSON files in a directory.
// Files are read in name order; each line is one Change. Malformed lines are
// logged and skipped.
type DirFeed struct {
	dir    string
	logger *slog.Logger
}

// NewDirFeed creates a feed over dir.
func NewDirFeed(dir string, logger *slog.Logger) *DirFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirFeed{dir: dir, logger: logger}
}

// Dir returns the watched directory.
func (f *DirFeed) Dir() string { return f.dir }

// PullChangedRecords implements Feed.
func (f *DirFeed) PullChangedRecords(ctx context.Context, since time.Time) ([]Change, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, ierrors.TransientIngestionError(
			fmt.Sprintf("feed directory %s unreadable", f.dir), err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), Extension) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var all []Change
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changes, err := f.readFile(filepath.Join(f.dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, after(changes, since)...)
	}
	sortChanges(all)
	return all, nil
}

func (f *DirFeed) readFile(path string) ([]Change, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Removed between listing and opening.
			return nil, nil
		}
		return nil, ierrors.TransientIngestionError(fmt.Sprintf("open feed file %s", path), err)
	}
	defer func() { _ = file.Close() }()

	var out []Change
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var c Change
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			f.logger.Warn("skipping malformed feed line",
				slog.String("file", path),
				slog.Int("line", line),
				slog.String("error", err.Error()))
			continue
		}
		if err := c.validate(); err != nil {
			f.logger.Warn("skipping invalid feed change",
				slog.String("file", path),
				slog.Int("line", line),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ierrors.MalformedFeedError(
				fmt.Sprintf("feed file %s line %d exceeds %d bytes", path, line+1, maxLineBytes), err).
				WithDetail("file", path)
		}
		return nil, ierrors.TransientIngestionError(fmt.Sprintf("read feed file %s", path), err)
	}
	return out, nil
}
