package preprocess

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

func TestBuiltins(t *testing.T) {
	studyDate := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		fn    string
		input string
		ctx   Context
		want  string
	}{
		{"trim", FuncTrim, "  CT  ", Context{}, "CT"},
		{"collapse", FuncCollapseWhitespace, "head   and\tneck", Context{}, "head and neck"},
		{"pn components", FuncPersonName, "Doe^John^Q", Context{}, "JOHN Q DOE"},
		{"pn free text", FuncPersonName, "John  Doe", Context{}, "JOHN DOE"},
		{"pn accents", FuncPersonName, "Müller^Zoë", Context{}, "ZOE MULLER"},
		{"pn ideographic group dropped", FuncPersonName, "Yamada^Tarou=山田^太郎", Context{}, "TAROU YAMADA"},
		{"modality alias", FuncModality, " mri ", Context{}, "MR"},
		{"modality passthrough", FuncModality, "ct", Context{}, "CT"},
		{"dicom date DA", FuncDICOMDate, "20240115", Context{}, "2024-01-15"},
		{"dicom date dotted", FuncDICOMDate, "2024.01.15", Context{}, "2024-01-15"},
		{"month bucket", FuncDateMonth, "20240115", Context{}, "2024-01"},
		{"month bucket idempotent", FuncDateMonth, "2024-01", Context{}, "2024-01"},
		{"year bucket", FuncDateYear, "2024-01-15", Context{}, "2024"},
		{"numeric", FuncNumeric, " 007.50 ", Context{}, "7.5"},
		{"age from AS", FuncAgeYears, "045Y", Context{}, "45"},
		{"age from months", FuncAgeYears, "030M", Context{}, "2"},
		{"age from birth date", FuncAgeYears, "19800316", Context{Date: studyDate}, "43"},
		{"age on birthday", FuncAgeYears, "19800315", Context{Date: studyDate}, "44"},
		{"age already in years", FuncAgeYears, "045", Context{}, "45"},
		{"strip zeros", FuncStripLeadingZeros, "00042", Context{}, "42"},
		{"strip zeros all zero", FuncStripLeadingZeros, "000", Context{}, "0"},
	}

	p := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Test(tt.fn, tt.input, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApply_ThreadsChainInOrder(t *testing.T) {
	p := New()

	// Given: a chain that trims, collapses then uppercases
	chain := []string{FuncTrim, FuncCollapseWhitespace, FuncUpper}

	// When: applied
	got, err := p.Apply("StudyDescription", chain, "  chest   pa  ", Context{})

	// Then: every stage ran in order
	require.NoError(t, err)
	assert.Equal(t, "CHEST PA", got)
}

func TestApply_FailingStageReturnsPreprocessingError(t *testing.T) {
	p := New()

	_, err := p.Apply("StudyDate", []string{FuncTrim, FuncDICOMDate}, " not-a-date ", Context{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ierrors.ErrPreprocessing))
	var ie *ierrors.IndexError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, FuncDICOMDate, ie.Details["function"])
	assert.Equal(t, "not-a-date", ie.Details["input"])
	assert.Equal(t, "StudyDate", ie.Details["tag"])
}

func TestApply_AgeWithoutContextDateFails(t *testing.T) {
	_, err := New().Apply("PatientAge", []string{FuncAgeYears}, "19800101", Context{})
	assert.True(t, errors.Is(err, ierrors.ErrPreprocessing))
}

func TestApply_IsDeterministic(t *testing.T) {
	p := New()
	chain := []string{FuncPersonName}

	first, err := p.Apply("PatientName", chain, "Doe^Jane", Context{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := p.Apply("PatientName", chain, "Doe^Jane", Context{})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestValidate_UnknownName(t *testing.T) {
	p := New()

	assert.NoError(t, p.Validate([]string{FuncTrim, FuncModality}))

	err := p.Validate([]string{FuncTrim, "soundex"})
	assert.True(t, errors.Is(err, ierrors.ErrUnknownPreprocessor))
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	p := New()
	identity := func(v string, _ Context) (string, error) { return v, nil }

	require.NoError(t, p.Register("identity", identity))
	assert.True(t, p.Has("identity"))
	assert.Error(t, p.Register("identity", identity))
	assert.Error(t, p.Register(FuncTrim, identity))
	assert.Contains(t, p.Names(), "identity")
}

func TestParseDate(t *testing.T) {
	for _, in := range []string{"20240229", "2024-02-29", "2024/02/29"} {
		d, err := ParseDate(in)
		require.NoError(t, err, in)
		assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), d)
	}
	_, err := ParseDate("20230229")
	assert.Error(t, err)
}
