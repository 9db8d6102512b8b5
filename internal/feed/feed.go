// Package feed defines the ingestion feed contract and its implementations.
// A feed reports record changes after a watermark; indexing jobs pull from it.
package feed

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ChangeType classifies a record change.
type ChangeType string

const (
	ChangeNew     ChangeType = "new"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	return t == ChangeNew || t == ChangeUpdated || t == ChangeDeleted
}

// Change is one record change reported by the feed.
type Change struct {
	RecordID   string            `json:"record_id"`
	ChangeType ChangeType        `json:"change_type"`
	ChangedAt  time.Time         `json:"changed_at"`
	Values     map[string]string `json:"values,omitempty"`
}

func (c Change) validate() error {
	if c.RecordID == "" {
		return fmt.Errorf("change without record_id")
	}
	if !c.ChangeType.Valid() {
		return fmt.Errorf("record %s: unknown change_type %q", c.RecordID, c.ChangeType)
	}
	if c.ChangedAt.IsZero() {
		return fmt.Errorf("record %s: changed_at is required", c.RecordID)
	}
	return nil
}

// Feed reports changed records.
type Feed interface {
	// PullChangedRecords returns every change with ChangedAt strictly after
	// since, ordered by ChangedAt then RecordID. A zero since returns the whole
	// history. Temporary unavailability is reported as a retryable
	// TransientIngestionError.
	PullChangedRecords(ctx context.Context, since time.Time) ([]Change, error)
}

// Latest reduces a change history to the last change per record, keeping the
// input order of those last changes.
func Latest(changes []Change) []Change {
	last := make(map[string]int, len(changes))
	for i, c := range changes {
		last[c.RecordID] = i
	}
	out := make([]Change, 0, len(last))
	for i, c := range changes {
		if last[c.RecordID] == i {
			out = append(out, c)
		}
	}
	return out
}

// Watermark returns the greatest ChangedAt in changes, or since when empty.
func Watermark(since time.Time, changes []Change) time.Time {
	w := since
	for _, c := range changes {
		if c.ChangedAt.After(w) {
			w = c.ChangedAt
		}
	}
	return w
}

func sortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		if !changes[i].ChangedAt.Equal(changes[j].ChangedAt) {
			return changes[i].ChangedAt.Before(changes[j].ChangedAt)
		}
		return changes[i].RecordID < changes[j].RecordID
	})
}

func after(changes []Change, since time.Time) []Change {
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if c.ChangedAt.After(since) {
			out = append(out, c)
		}
	}
	return out
}
