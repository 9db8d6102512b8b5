package feed

import (
	"context"
	"maps"
	"sync"
	"time"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

// MemoryFeed is an in-process feed. It backs tests and embedded use.
type MemoryFeed struct {
	mu       sync.Mutex
	changes  []Change
	failures int
	pulls    int
	clock    func() time.Time
}

// NewMemoryFeed creates an empty feed. A nil clock uses time.Now.
func NewMemoryFeed(clock func() time.Time) *MemoryFeed {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryFeed{clock: clock}
}

// Upsert records a new or updated record and returns its change time.
func (f *MemoryFeed) Upsert(recordID string, values map[string]string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	typ := ChangeNew
	for _, c := range f.changes {
		if c.RecordID == recordID && c.ChangeType != ChangeDeleted {
			typ = ChangeUpdated
		}
	}
	return f.appendLocked(Change{RecordID: recordID, ChangeType: typ, Values: maps.Clone(values)})
}

// Delete records a deletion and returns its change time.
func (f *MemoryFeed) Delete(recordID string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked(Change{RecordID: recordID, ChangeType: ChangeDeleted})
}

// Append adds an explicit change.
func (f *MemoryFeed) Append(c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.Values = maps.Clone(c.Values)
	f.changes = append(f.changes, c)
	sortChanges(f.changes)
}

func (f *MemoryFeed) appendLocked(c Change) time.Time {
	c.ChangedAt = f.clock()
	f.changes = append(f.changes, c)
	sortChanges(f.changes)
	return c.ChangedAt
}

// FailNext makes the next n pulls fail with a TransientIngestionError.
func (f *MemoryFeed) FailNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

// Pulls returns how many times the feed was pulled.
func (f *MemoryFeed) Pulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

// PullChangedRecords implements Feed.
func (f *MemoryFeed) PullChangedRecords(ctx context.Context, since time.Time) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.failures > 0 {
		f.failures--
		return nil, ierrors.TransientIngestionError("memory feed unavailable", nil)
	}
	out := after(f.changes, since)
	for i := range out {
		out[i].Values = maps.Clone(out[i].Values)
	}
	return out, nil
}
