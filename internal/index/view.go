package index

import (
	"context"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"
)

// Page selects a window of the ordered result. Limit 0 means unbounded.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Sort orders results by the indexed value of Field. An empty Field selects
// the default order: committedAt descending, record id ascending. Ties under
// a custom field always fall back to the default order.
type Sort struct {
	Field      string `json:"field,omitempty"`
	Descending bool   `json:"descending,omitempty"`
	Order      Order  `json:"-"`
}

// Result is one page of matching records.
type Result struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Version int64    `json:"version"`
}

// View is a consistent read-only snapshot. Every method observes the same
// committed prefix of segments.
type View struct {
	v           *view
	parallelism int
}

// Version returns the version of this view.
func (v *View) Version() int64 { return v.v.version }

// SegmentCount returns the number of committed segments.
func (v *View) SegmentCount() int { return len(v.v.segments) }

// TombstoneCount returns the number of superseded rows still held in segments.
func (v *View) TombstoneCount() int { return int(v.v.tombstones.GetCardinality()) }

// RecordCount returns the number of live records.
func (v *View) RecordCount() int {
	var n int
	for _, seg := range v.v.segments {
		n += seg.Len()
	}
	return n - v.TombstoneCount()
}

// Get returns the live version of recordID.
func (v *View) Get(recordID string) (Record, bool) {
	for i := len(v.v.segments) - 1; i >= 0; i-- {
		seg := v.v.segments[i]
		row, ok := seg.byID[recordID]
		if !ok {
			continue
		}
		if v.v.tombstones.Contains(row) {
			return Record{}, false
		}
		return *seg.record(row), true
	}
	return Record{}, false
}

// Match returns the live rows matching pred. Segments are evaluated in parallel.
func (v *View) Match(ctx context.Context, pred Predicate) (*roaring.Bitmap, error) {
	segs := v.v.segments
	if len(segs) == 0 {
		return roaring.New(), nil
	}
	parts := make([]*roaring.Bitmap, len(segs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(v.parallelism, 1))
	for i, seg := range segs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			parts[i] = pred.match(seg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := roaring.FastOr(parts...)
	out.AndNot(v.v.tombstones)
	return out, nil
}

// Query returns the page of records matching pred, ordered by sort.
func (v *View) Query(ctx context.Context, pred Predicate, page Page, sort Sort) (Result, error) {
	rows, err := v.Match(ctx, pred)
	if err != nil {
		return Result{}, err
	}

	records := make([]*Record, 0, rows.GetCardinality())
	segs := v.v.segments
	var seg *Segment
	rows.Iterate(func(row uint32) bool {
		if seg == nil || !seg.contains(row) {
			seg = findSegment(segs, row)
		}
		records = append(records, seg.record(row))
		return true
	})
	orderRecords(records, sort)

	total := len(records)
	start := min(max(page.Offset, 0), total)
	end := total
	if page.Limit > 0 {
		end = min(start+page.Limit, total)
	}

	out := make([]Record, 0, end-start)
	for _, rec := range records[start:end] {
		out = append(out, *rec)
	}
	return Result{Records: out, Total: total, Version: v.v.version}, nil
}

// ScanFacets counts indexed values of field over live rows matching pred.
func (v *View) ScanFacets(ctx context.Context, field string, pred Predicate) (map[string]int, error) {
	rows, err := v.Match(ctx, pred)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, seg := range v.v.segments {
		for value, bm := range seg.postings[field] {
			if n := bm.AndCardinality(rows); n > 0 {
				counts[value] += int(n)
			}
		}
	}
	return counts, nil
}

func orderRecords(records []*Record, s Sort) {
	defaultLess := func(a, b *Record) bool {
		if !a.CommittedAt.Equal(b.CommittedAt) {
			return a.CommittedAt.After(b.CommittedAt)
		}
		return a.ID < b.ID
	}
	if s.Field == "" {
		sort.Slice(records, func(i, j int) bool { return defaultLess(records[i], records[j]) })
		return
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		av, aok := a.IndexedValues[s.Field]
		bv, bok := b.IndexedValues[s.Field]
		switch {
		case aok && !bok:
			return true
		case !aok && bok:
			return false
		case aok && bok:
			c, ok := compareValues(av, bv, s.Order)
			if !ok {
				c = strings.Compare(av, bv)
			}
			if c != 0 {
				if s.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return defaultLess(a, b)
	})
}
