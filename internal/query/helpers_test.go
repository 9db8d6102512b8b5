package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/dicomindex/internal/index"
	"github.com/Aman-CERP/dicomindex/internal/preprocess"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

// testFields is the catalog shared by the package tests.
func testFields() []registry.Field {
	return []registry.Field{
		{Tag: "PatientName", DataType: registry.TypeString, Searchable: true,
			Preprocessing: []string{preprocess.FuncPersonName}},
		{Tag: "Modality", DataType: registry.TypeEnum, Searchable: true, Facetable: true,
			Preprocessing: []string{preprocess.FuncModality}, EnumValues: []string{"CR", "CT", "MR", "US"}},
		{Tag: "StudyDate", DataType: registry.TypeDate, Searchable: true, Facetable: true},
		{Tag: "SliceThickness", DataType: registry.TypeNumeric, Searchable: true},
		{Tag: "InternalNote", DataType: registry.TypeString},
	}
}

// tickClock advances one second per call so commits order deterministically.
func tickClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type fixture struct {
	registry *registry.Registry
	store    *index.Store
	pipeline *preprocess.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := preprocess.New()
	reg := registry.New(p)
	for _, f := range testFields() {
		_, err := reg.Define(context.Background(), f)
		require.NoError(t, err)
	}
	return &fixture{registry: reg, store: index.NewStore(index.WithClock(tickClock())), pipeline: p}
}

// commit indexes raw records through the field chains in one segment.
func (fx *fixture) commit(t *testing.T, raws map[string]map[string]string) {
	t.Helper()
	snap := fx.registry.Snapshot()
	h := fx.store.BeginSegment()
	for id, raw := range raws {
		indexed := make(map[string]string, len(raw))
		for tag, v := range raw {
			f, ok := snap.Get(tag)
			require.True(t, ok, tag)
			out, err := fx.pipeline.Apply(tag, f.Chain(), v, preprocess.Context{})
			require.NoError(t, err)
			indexed[tag] = out
		}
		require.NoError(t, fx.store.AppendRecord(h, index.Record{ID: id, RawValues: raw, IndexedValues: indexed}))
	}
	_, err := fx.store.CommitSegment(context.Background(), h)
	require.NoError(t, err)
}

func (fx *fixture) seed(t *testing.T) {
	fx.commit(t, map[string]map[string]string{
		"1": {"PatientName": "Doe^John", "Modality": "CT", "StudyDate": "20240110", "SliceThickness": "5"},
		"2": {"PatientName": "Smith^Jane", "Modality": "mri", "StudyDate": "20240215", "SliceThickness": "1.5"},
		"3": {"PatientName": "Doebler^Anna", "Modality": "CT", "StudyDate": "20230520", "SliceThickness": "10"},
		"4": {"PatientName": "Roe^Richard", "Modality": "US", "StudyDate": "20240301"},
	})
}

func recordIDs(resp *Response) []string {
	out := make([]string, 0, len(resp.Records))
	for _, r := range resp.Records {
		out = append(out, r.ID)
	}
	return out
}
