// Package index is the versioned store of indexed DICOM records.
//
// The store is an ordered log of immutable segments plus a tombstone set of
// superseded row ids. Readers take a lock-free snapshot of the current view;
// commits are serialized and publish a new view atomically, so a query never
// observes a partially committed segment.
package index

import (
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

// Record is one indexed entity (a study, series or instance depending on
// granularity). Records are immutable once committed.
type Record struct {
	ID            string            `json:"record_id"`
	RawValues     map[string]string `json:"raw_values"`
	IndexedValues map[string]string `json:"indexed_values"`
	CommittedAt   time.Time         `json:"committed_at"`
	SegmentID     uint64            `json:"segment_id"`
}

// Segment is an immutable batch of records produced by one commit. Rows are
// global ids in [base, base+len(records)).
type Segment struct {
	id          uint64
	committedAt time.Time
	base        uint32
	records     []*Record
	byID        map[string]uint32

	// postings maps field -> indexed value -> rows.
	postings map[string]map[string]*roaring.Bitmap
	all      *roaring.Bitmap
}

func newSegment(id uint64, base uint32, committedAt time.Time, records []*Record) *Segment {
	s := &Segment{
		id:          id,
		committedAt: committedAt,
		base:        base,
		records:     records,
		byID:        make(map[string]uint32, len(records)),
		postings:    make(map[string]map[string]*roaring.Bitmap),
		all:         roaring.New(),
	}
	for i, rec := range records {
		row := base + uint32(i)
		s.byID[rec.ID] = row
		s.all.Add(row)
		for field, value := range rec.IndexedValues {
			values, ok := s.postings[field]
			if !ok {
				values = make(map[string]*roaring.Bitmap)
				s.postings[field] = values
			}
			bm, ok := values[value]
			if !ok {
				bm = roaring.New()
				values[value] = bm
			}
			bm.Add(row)
		}
	}
	for _, values := range s.postings {
		for _, bm := range values {
			bm.RunOptimize()
		}
	}
	s.all.RunOptimize()
	return s
}

// ID returns the segment id.
func (s *Segment) ID() uint64 { return s.id }

// Len returns the number of records in the segment, superseded ones included.
func (s *Segment) Len() int { return len(s.records) }

// CommittedAt returns the commit time.
func (s *Segment) CommittedAt() time.Time { return s.committedAt }

func (s *Segment) record(row uint32) *Record {
	return s.records[row-s.base]
}

func (s *Segment) contains(row uint32) bool {
	return row >= s.base && row < s.base+uint32(len(s.records))
}

// findSegment returns the segment holding row. segs is ordered by base.
func findSegment(segs []*Segment, row uint32) *Segment {
	i := sort.Search(len(segs), func(i int) bool {
		return segs[i].base+uint32(len(segs[i].records)) > row
	})
	if i < len(segs) && segs[i].contains(row) {
		return segs[i]
	}
	return nil
}
