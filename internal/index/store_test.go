package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

// tickClock returns a clock advancing one second per call.
func tickClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func rec(id string, values map[string]string) Record {
	return Record{ID: id, RawValues: values, IndexedValues: values}
}

func commit(t *testing.T, s *Store, records ...Record) int64 {
	t.Helper()
	h := s.BeginSegment()
	for _, r := range records {
		require.NoError(t, s.AppendRecord(h, r))
	}
	v, err := s.CommitSegment(context.Background(), h)
	require.NoError(t, err)
	return v
}

func ids(res Result) []string {
	out := make([]string, 0, len(res.Records))
	for _, r := range res.Records {
		out = append(out, r.ID)
	}
	return out
}

func TestCommit_BumpsVersionAndPublishes(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	assert.Equal(t, int64(0), s.CurrentVersion())

	v := commit(t, s,
		rec("1", map[string]string{"Modality": "CT"}),
		rec("2", map[string]string{"Modality": "MR"}))

	assert.Equal(t, int64(1), v)
	res, err := s.Query(context.Background(), Eq("Modality", "CT"), Page{}, Sort{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, []string{"1"}, ids(res))
	assert.Equal(t, uint64(1), res.Records[0].SegmentID)
}

func TestAppend_InvisibleUntilCommit(t *testing.T) {
	s := NewStore()
	h := s.BeginSegment()
	require.NoError(t, s.AppendRecord(h, rec("1", map[string]string{"Modality": "CT"})))

	res, err := s.Query(context.Background(), All(), Page{}, Sort{})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestAbort_LeavesNoTrace(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	commit(t, s, rec("1", map[string]string{"Modality": "CT"}))
	before, err := s.Query(context.Background(), All(), Page{}, Sort{})
	require.NoError(t, err)

	// Given: an unrelated pending segment superseding record 1
	h := s.BeginSegment()
	require.NoError(t, s.AppendRecord(h, rec("1", map[string]string{"Modality": "MR"})))
	require.NoError(t, s.AppendRecord(h, rec("2", map[string]string{"Modality": "US"})))

	// When: it is aborted
	s.AbortSegment(h)

	// Then: results and version are identical
	after, err := s.Query(context.Background(), All(), Page{}, Sort{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(1), s.CurrentVersion())

	_, err = s.CommitSegment(context.Background(), h)
	assert.Error(t, err, "aborted handle cannot be committed")
}

func TestSupersede_TombstonesOldVersion(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	commit(t, s, rec("1", map[string]string{"Modality": "CT"}))
	commit(t, s, rec("1", map[string]string{"Modality": "MR"}))

	res, err := s.Query(context.Background(), All(), Page{}, Sort{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "MR", res.Records[0].IndexedValues["Modality"])

	ct, err := s.Query(context.Background(), Eq("Modality", "CT"), Page{}, Sort{})
	require.NoError(t, err)
	assert.Zero(t, ct.Total)

	got, ok := s.Get("1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.SegmentID)
	assert.Equal(t, 1, s.View().TombstoneCount())
}

func TestDeleteRecord(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	commit(t, s, rec("1", map[string]string{"Modality": "CT"}), rec("2", map[string]string{"Modality": "CT"}))

	h := s.BeginSegment()
	require.NoError(t, s.DeleteRecord(h, "1"))
	_, err := s.CommitSegment(context.Background(), h)
	require.NoError(t, err)

	_, ok := s.Get("1")
	assert.False(t, ok)
	assert.Equal(t, 1, s.View().RecordCount())
}

func TestReplaceAll_SupersedesEverything(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	commit(t, s, rec("1", map[string]string{"Modality": "CT"}), rec("2", map[string]string{"Modality": "MR"}))

	h := s.BeginSegment(ReplaceAll())
	require.NoError(t, s.AppendRecord(h, rec("3", map[string]string{"Modality": "US"})))
	_, err := s.CommitSegment(context.Background(), h)
	require.NoError(t, err)

	res, err := s.Query(context.Background(), All(), Page{}, Sort{})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, ids(res))
	assert.Equal(t, 1, s.View().SegmentCount())
	assert.False(t, s.ReferencesField("Nope"))
}

func TestCommitHookFailure_AbortsSegment(t *testing.T) {
	fail := true
	s := NewStore(WithCommitHook(func(context.Context, *Segment) error {
		if fail {
			return errors.New("disk fault")
		}
		return nil
	}))

	h := s.BeginSegment()
	require.NoError(t, s.AppendRecord(h, rec("1", map[string]string{"Modality": "CT"})))
	_, err := s.CommitSegment(context.Background(), h)

	assert.True(t, errors.Is(err, ierrors.ErrCommitFailed))
	assert.Equal(t, int64(0), s.CurrentVersion())
	res, _ := s.Query(context.Background(), All(), Page{}, Sort{})
	assert.Zero(t, res.Total)
}

func TestPredicates(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	commit(t, s,
		rec("a", map[string]string{"PatientName": "JOHN DOE", "Age": "45", "StudyDate": "2024-01-15"}),
		rec("b", map[string]string{"PatientName": "JANE DOE", "Age": "9", "StudyDate": "2024-02-01"}),
		rec("c", map[string]string{"PatientName": "MAX MUSTER", "Age": "100", "StudyDate": "2023-12-31"}),
		rec("d", map[string]string{"StudyDate": "2024-03-01"}))

	bound := func(v string, incl bool) *Bound { return &Bound{Value: v, Inclusive: incl} }
	tests := []struct {
		name string
		pred Predicate
		want []string
	}{
		{"contains ignores case", Contains("PatientName", "doe"), []string{"a", "b"}},
		{"ne excludes missing", Ne("PatientName", "JOHN DOE"), []string{"b", "c"}},
		{"in", In("Age", "9", "100"), []string{"b", "c"}},
		{"numeric range inclusive", Range("Age", bound("9", true), bound("45", true), OrderNumeric), []string{"a", "b"}},
		{"numeric gt", Range("Age", bound("45", false), nil, OrderNumeric), []string{"c"}},
		{"date range", Range("StudyDate", bound("2024-01-01", true), bound("2024-02-01", true), OrderLexical), []string{"a", "b"}},
		{"unsatisfiable range", Range("Age", bound("50", true), bound("10", true), OrderNumeric), nil},
		{"and short-circuits", And(Eq("PatientName", "NOBODY"), Contains("PatientName", "doe")), nil},
		{"or deduplicates", Or(Contains("PatientName", "doe"), Eq("PatientName", "JOHN DOE")), []string{"a", "b"}},
		{"not", Not(Contains("PatientName", "doe")), []string{"c", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Query(context.Background(), tt.pred, Page{}, Sort{Field: "PatientName"})
			require.NoError(t, err)
			got := ids(res)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.ElementsMatch(t, tt.want, got)
			assert.Equal(t, len(tt.want), res.Total)
		})
	}
}

func TestQuery_DefaultOrderAndPagination(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	commit(t, s, rec("b", nil), rec("a", nil))
	commit(t, s, rec("c", nil))

	res, err := s.Query(context.Background(), All(), Page{}, Sort{})
	require.NoError(t, err)
	// Newest commit first, ties by record id ascending.
	assert.Equal(t, []string{"c", "a", "b"}, ids(res))

	page, err := s.Query(context.Background(), All(), Page{Offset: 1, Limit: 1}, Sort{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(page))
	assert.Equal(t, 3, page.Total)

	beyond, err := s.Query(context.Background(), All(), Page{Offset: 10, Limit: 5}, Sort{})
	require.NoError(t, err)
	assert.Empty(t, beyond.Records)
	assert.Equal(t, 3, beyond.Total)
}

func TestQuery_CustomSortFallsBackToDefault(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	commit(t, s,
		rec("1", map[string]string{"Age": "30"}),
		rec("2", map[string]string{"Age": "4"}),
		rec("3", map[string]string{"Age": "30"}),
		rec("4", nil))

	res, err := s.Query(context.Background(), All(), Page{}, Sort{Field: "Age", Descending: true, Order: OrderNumeric})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3", "2", "4"}, ids(res))
}

func TestQuery_IsDeterministic(t *testing.T) {
	s := NewStore(WithClock(tickClock()), WithParallelism(4))
	for i := 0; i < 8; i++ {
		commit(t, s, rec(fmt.Sprintf("r%02d", i), map[string]string{"Modality": "CT"}),
			rec(fmt.Sprintf("s%02d", i), map[string]string{"Modality": "MR"}))
	}

	first, err := s.Query(context.Background(), Eq("Modality", "CT"), Page{Limit: 5}, Sort{})
	require.NoError(t, err)
	second, err := s.Query(context.Background(), Eq("Modality", "CT"), Page{Limit: 5}, Sort{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestScanFacets(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	commit(t, s,
		rec("1", map[string]string{"Modality": "CT", "BodyPart": "HEAD"}),
		rec("2", map[string]string{"Modality": "CT", "BodyPart": "CHEST"}),
		rec("3", map[string]string{"Modality": "MR", "BodyPart": "HEAD"}))
	commit(t, s, rec("2", map[string]string{"Modality": "US", "BodyPart": "CHEST"}))

	counts, err := s.ScanFacets(context.Background(), "Modality", All())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"CT": 1, "MR": 1, "US": 1}, counts)

	head, err := s.ScanFacets(context.Background(), "Modality", Eq("BodyPart", "HEAD"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"CT": 1, "MR": 1}, head)
}

func TestCompact_PreservesResults(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	commit(t, s, rec("1", map[string]string{"Modality": "CT"}), rec("2", map[string]string{"Modality": "MR"}))
	commit(t, s, rec("1", map[string]string{"Modality": "US"}))
	commit(t, s, rec("3", map[string]string{"Modality": "CT"}))
	before, err := s.Query(context.Background(), All(), Page{}, Sort{})
	require.NoError(t, err)

	v, changed, err := s.Compact(context.Background())

	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(4), v)
	view := s.View()
	assert.Equal(t, 1, view.SegmentCount())
	assert.Zero(t, view.TombstoneCount())

	after, err := s.Query(context.Background(), All(), Page{}, Sort{})
	require.NoError(t, err)
	assert.Equal(t, ids(before), ids(after))

	_, changed, err = s.Compact(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "single segment without tombstones is already compact")
}

func TestExportImport_RoundTrip(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	commit(t, s, rec("1", map[string]string{"Modality": "CT"}), rec("2", map[string]string{"Modality": "MR"}))
	commit(t, s, rec("1", map[string]string{"Modality": "US"}))
	dump, err := s.Export()
	require.NoError(t, err)
	want, err := s.Query(context.Background(), All(), Page{}, Sort{})
	require.NoError(t, err)

	// Mutate after the export, then restore into the same store.
	commit(t, s, rec("9", map[string]string{"Modality": "PT"}))
	v, err := s.Import(dump)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	got, err := s.Query(context.Background(), All(), Page{}, Sort{})
	require.NoError(t, err)
	assert.Equal(t, ids(want), ids(got))
	assert.Equal(t, want.Total, got.Total)

	// New commits after import keep superseding correctly.
	commit(t, s, rec("2", map[string]string{"Modality": "CR"}))
	cr, err := s.Query(context.Background(), Eq("Modality", "MR"), Page{}, Sort{})
	require.NoError(t, err)
	assert.Zero(t, cr.Total)
}

func TestOnVersion_NotifiesEveryAdvance(t *testing.T) {
	s := NewStore()
	var seen []int64
	s.OnVersion(func(v int64) { seen = append(seen, v) })

	commit(t, s, rec("1", nil))
	commit(t, s, rec("2", nil))
	_, _, err := s.Compact(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestReferencesField(t *testing.T) {
	s := NewStore()
	commit(t, s, rec("1", map[string]string{"Modality": "CT"}))
	assert.True(t, s.ReferencesField("Modality"))

	commit(t, s, rec("1", map[string]string{"PatientName": "X"}))
	assert.False(t, s.ReferencesField("Modality"), "superseded values do not count")
}

func TestConcurrentReadersDuringCommits(t *testing.T) {
	s := NewStore(WithClock(tickClock()))
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				res, err := s.Query(ctx, All(), Page{}, Sort{})
				if !assert.NoError(t, err) {
					return
				}
				// Every commit adds two records, so a partial commit would be odd.
				assert.Zero(t, res.Total%2)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		commit(t, s, rec(fmt.Sprintf("x%d", i), nil), rec(fmt.Sprintf("y%d", i), nil))
	}
	wg.Wait()
}
