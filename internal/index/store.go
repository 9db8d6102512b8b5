package index

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

// view is one published state of the store. Never mutated after Store.
type view struct {
	version    int64
	segments   []*Segment
	tombstones *roaring.Bitmap
}

// CommitHook runs inside a commit after the segment is built and before it is
// published. An error aborts the commit.
type CommitHook func(ctx context.Context, seg *Segment) error

// Store is the versioned segment log.
type Store struct {
	current atomic.Pointer[view]

	// commitMu serializes commits, compaction and import.
	commitMu    sync.Mutex
	live        map[string]uint32
	nextRow     uint32
	nextSegment uint64

	listenersMu sync.RWMutex
	listeners   []func(version int64)

	hook        CommitHook
	clock       func() time.Time
	parallelism int
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the commit timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithParallelism bounds the number of segments evaluated concurrently per query.
func WithParallelism(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithCommitHook installs a hook run before every publish.
func WithCommitHook(h CommitHook) Option {
	return func(s *Store) { s.hook = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty store at version 0.
func NewStore(opts ...Option) *Store {
	s := &Store{
		live:        make(map[string]uint32),
		clock:       time.Now,
		parallelism: runtime.GOMAXPROCS(0),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&view{tombstones: roaring.New()})
	return s
}

// OnVersion registers fn to be called after every version advance. Listeners
// run outside the commit lock, after the new view is visible.
func (s *Store) OnVersion(fn func(version int64)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(version int64) {
	s.listenersMu.RLock()
	listeners := append([]func(int64){}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(version)
	}
}

// CurrentVersion returns the version of the last published view.
func (s *Store) CurrentVersion() int64 {
	return s.current.Load().version
}

// View returns a consistent read-only snapshot of the store.
func (s *Store) View() *View {
	return &View{v: s.current.Load(), parallelism: s.parallelism}
}

// Query runs pred against the current view.
func (s *Store) Query(ctx context.Context, pred Predicate, page Page, sort Sort) (Result, error) {
	return s.View().Query(ctx, pred, page, sort)
}

// ScanFacets counts indexed values of field over rows matching pred.
func (s *Store) ScanFacets(ctx context.Context, field string, pred Predicate) (map[string]int, error) {
	return s.View().ScanFacets(ctx, field, pred)
}

// Get returns the live version of recordID.
func (s *Store) Get(recordID string) (Record, bool) {
	return s.View().Get(recordID)
}

// ReferencesField reports whether any live record holds an indexed value for tag.
func (s *Store) ReferencesField(tag string) bool {
	v := s.current.Load()
	for _, seg := range v.segments {
		for _, bm := range seg.postings[tag] {
			if bm.GetCardinality() > bm.AndCardinality(v.tombstones) {
				return true
			}
		}
	}
	return false
}

type handleState int

const (
	handleOpen handleState = iota
	handleCommitted
	handleAborted
)

// SegmentHandle accumulates records for one pending segment. Nothing appended
// is visible until CommitSegment succeeds.
type SegmentHandle struct {
	mu         sync.Mutex
	state      handleState
	replaceAll bool
	pending    map[string]*Record
	order      []string
	deletes    map[string]struct{}
}

// SegmentOption configures a new segment.
type SegmentOption func(*SegmentHandle)

// ReplaceAll makes the segment supersede every previously committed record.
// Full re-index jobs use it.
func ReplaceAll() SegmentOption {
	return func(h *SegmentHandle) { h.replaceAll = true }
}

// Len returns the number of pending records.
func (h *SegmentHandle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Deletes returns the number of pending deletions.
func (h *SegmentHandle) Deletes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.deletes)
}

// BeginSegment opens a new pending segment.
func (s *Store) BeginSegment(opts ...SegmentOption) *SegmentHandle {
	h := &SegmentHandle{
		pending: make(map[string]*Record),
		deletes: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AppendRecord stages rec in h. Appending the same record id twice keeps the
// later values.
func (s *Store) AppendRecord(h *SegmentHandle, rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handleOpen {
		return ierrors.InternalError("segment handle is closed", nil)
	}
	if rec.ID == "" {
		return ierrors.InternalError("record id is required", nil)
	}
	stored := &Record{
		ID:            rec.ID,
		RawValues:     copyValues(rec.RawValues),
		IndexedValues: copyValues(rec.IndexedValues),
	}
	if _, exists := h.pending[rec.ID]; !exists {
		h.order = append(h.order, rec.ID)
	}
	h.pending[rec.ID] = stored
	delete(h.deletes, rec.ID)
	return nil
}

// DeleteRecord stages the removal of recordID's live version.
func (s *Store) DeleteRecord(h *SegmentHandle, recordID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handleOpen {
		return ierrors.InternalError("segment handle is closed", nil)
	}
	if _, exists := h.pending[recordID]; exists {
		delete(h.pending, recordID)
		for i, id := range h.order {
			if id == recordID {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
	h.deletes[recordID] = struct{}{}
	return nil
}

// AbortSegment discards everything staged in h.
func (s *Store) AbortSegment(h *SegmentHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handleOpen {
		return
	}
	h.state = handleAborted
	s.logger.Debug("segment aborted",
		slog.Int("records", len(h.pending)),
		slog.Int("deletes", len(h.deletes)))
	h.pending = nil
	h.order = nil
	h.deletes = nil
}

// CommitSegment publishes h atomically and returns the new version.
// On error the segment is aborted and the store is unchanged.
func (s *Store) CommitSegment(ctx context.Context, h *SegmentHandle) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handleOpen {
		return 0, ierrors.InternalError("segment handle is closed", nil)
	}

	s.commitMu.Lock()
	version, err := s.commitLocked(ctx, h)
	s.commitMu.Unlock()

	if err != nil {
		h.state = handleAborted
		h.pending, h.order, h.deletes = nil, nil, nil
		return 0, err
	}
	h.state = handleCommitted
	s.notify(version)
	return version, nil
}

func (s *Store) commitLocked(ctx context.Context, h *SegmentHandle) (int64, error) {
	cur := s.current.Load()

	if uint64(s.nextRow)+uint64(len(h.order)) > math.MaxUint32 {
		return 0, ierrors.New(ierrors.ErrCodeCommitFailed, "row id space exhausted", nil).
			WithSuggestion("run optimize to compact the index")
	}

	now := s.clock().UTC()
	segID := s.nextSegment + 1
	records := make([]*Record, 0, len(h.order))
	for _, id := range h.order {
		rec := h.pending[id]
		rec.CommittedAt = now
		rec.SegmentID = segID
		records = append(records, rec)
	}
	seg := newSegment(segID, s.nextRow, now, records)

	if s.hook != nil {
		if err := s.hook(ctx, seg); err != nil {
			s.logger.Warn("segment commit failed",
				slog.Uint64("segment", segID),
				slog.String("error", err.Error()))
			return 0, ierrors.New(ierrors.ErrCodeCommitFailed, "segment commit failed", err)
		}
	}

	var (
		segments   []*Segment
		tombstones *roaring.Bitmap
		live       map[string]uint32
	)
	if h.replaceAll {
		tombstones = roaring.New()
		live = make(map[string]uint32, len(records))
	} else {
		segments = append(make([]*Segment, 0, len(cur.segments)+1), cur.segments...)
		tombstones = cur.tombstones.Clone()
		live = s.live
		for id := range h.deletes {
			if row, ok := live[id]; ok {
				tombstones.Add(row)
				delete(live, id)
			}
		}
	}
	for i, rec := range records {
		row := seg.base + uint32(i)
		if old, ok := live[rec.ID]; ok {
			tombstones.Add(old)
		}
		live[rec.ID] = row
	}
	if seg.Len() > 0 {
		segments = append(segments, seg)
	}

	next := &view{
		version:    cur.version + 1,
		segments:   segments,
		tombstones: tombstones,
	}
	s.live = live
	s.nextRow += uint32(len(records))
	s.nextSegment = segID
	s.current.Store(next)

	s.logger.Info("segment committed",
		slog.Uint64("segment", segID),
		slog.Int("records", len(records)),
		slog.Int("deletes", len(h.deletes)),
		slog.Bool("replace_all", h.replaceAll),
		slog.Int64("version", next.version))
	return next.version, nil
}

// Compact rewrites every live record into a single segment and drops
// tombstoned rows. It returns the new version and whether anything changed.
func (s *Store) Compact(ctx context.Context) (int64, bool, error) {
	s.commitMu.Lock()
	cur := s.current.Load()
	if len(cur.segments) <= 1 && cur.tombstones.IsEmpty() {
		s.commitMu.Unlock()
		return cur.version, false, nil
	}

	var liveCount int
	for _, seg := range cur.segments {
		liveCount += seg.Len()
	}
	liveCount -= int(cur.tombstones.GetCardinality())
	if uint64(s.nextRow)+uint64(liveCount) > math.MaxUint32 {
		s.nextRow = 0
	}

	segID := s.nextSegment + 1
	records := make([]*Record, 0, liveCount)
	for _, seg := range cur.segments {
		if err := ctx.Err(); err != nil {
			s.commitMu.Unlock()
			return cur.version, false, err
		}
		for i, rec := range seg.records {
			if cur.tombstones.Contains(seg.base + uint32(i)) {
				continue
			}
			copied := *rec
			copied.SegmentID = segID
			records = append(records, &copied)
		}
	}

	merged := newSegment(segID, s.nextRow, s.clock().UTC(), records)
	live := make(map[string]uint32, len(records))
	for i, rec := range records {
		live[rec.ID] = merged.base + uint32(i)
	}
	var segments []*Segment
	if merged.Len() > 0 {
		segments = []*Segment{merged}
	}
	next := &view{
		version:    cur.version + 1,
		segments:   segments,
		tombstones: roaring.New(),
	}
	s.live = live
	s.nextRow = merged.base + uint32(len(records))
	s.nextSegment = segID
	s.current.Store(next)
	s.commitMu.Unlock()

	s.logger.Info("index compacted",
		slog.Int("segments_before", len(cur.segments)),
		slog.Uint64("tombstones_dropped", cur.tombstones.GetCardinality()),
		slog.Int("records", len(records)),
		slog.Int64("version", next.version))
	s.notify(next.version)
	return next.version, true, nil
}

// Dump is the serialized form of every committed segment plus the tombstone set.
type Dump struct {
	Version    int64         `json:"version"`
	Segments   []SegmentDump `json:"segments"`
	Tombstones []byte        `json:"tombstones"`
}

// SegmentDump is one serialized segment.
type SegmentDump struct {
	ID          uint64    `json:"id"`
	Base        uint32    `json:"base"`
	CommittedAt time.Time `json:"committed_at"`
	Records     []Record  `json:"records"`
}

// Export serializes the current view.
func (s *Store) Export() (Dump, error) {
	v := s.current.Load()
	tomb, err := v.tombstones.ToBytes()
	if err != nil {
		return Dump{}, ierrors.InternalError("failed to serialize tombstones", err)
	}
	d := Dump{Version: v.version, Tombstones: tomb}
	for _, seg := range v.segments {
		sd := SegmentDump{ID: seg.id, Base: seg.base, CommittedAt: seg.committedAt}
		for _, rec := range seg.records {
			sd.Records = append(sd.Records, *rec)
		}
		d.Segments = append(d.Segments, sd)
	}
	return d, nil
}

// Import replaces the whole store with d. The version advances past both the
// current and the dumped version so caches keyed by version never collide.
func (s *Store) Import(d Dump) (int64, error) {
	tombstones := roaring.New()
	if len(d.Tombstones) > 0 {
		if err := tombstones.UnmarshalBinary(d.Tombstones); err != nil {
			return 0, ierrors.New(ierrors.ErrCodeSnapshotCorrupt, "invalid tombstone set", err)
		}
	}

	segments := make([]*Segment, 0, len(d.Segments))
	live := make(map[string]uint32)
	var nextRow uint32
	var nextSegment uint64
	for i, sd := range d.Segments {
		if i > 0 && sd.Base < nextRow {
			return 0, ierrors.New(ierrors.ErrCodeSnapshotCorrupt,
				fmt.Sprintf("segment %d overlaps its predecessor", sd.ID), nil)
		}
		records := make([]*Record, len(sd.Records))
		for j := range sd.Records {
			rec := sd.Records[j]
			records[j] = &rec
		}
		seg := newSegment(sd.ID, sd.Base, sd.CommittedAt, records)
		segments = append(segments, seg)
		for j, rec := range records {
			row := sd.Base + uint32(j)
			if !tombstones.Contains(row) {
				live[rec.ID] = row
			}
		}
		nextRow = sd.Base + uint32(len(records))
		nextSegment = max(nextSegment, sd.ID)
	}

	s.commitMu.Lock()
	cur := s.current.Load()
	next := &view{
		version:    max(cur.version, d.Version) + 1,
		segments:   segments,
		tombstones: tombstones,
	}
	s.live = live
	s.nextRow = nextRow
	s.nextSegment = max(s.nextSegment, nextSegment)
	s.current.Store(next)
	s.commitMu.Unlock()

	s.logger.Info("index imported",
		slog.Int("segments", len(segments)),
		slog.Int("records", len(live)),
		slog.Int64("version", next.version))
	s.notify(next.version)
	return next.version, nil
}

func copyValues(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
