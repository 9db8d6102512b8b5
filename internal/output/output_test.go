package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuto_NonTerminalIsJSON(t *testing.T) {
	// Given: a buffer, which is never a terminal
	buf := &bytes.Buffer{}

	// When/Then: Auto picks JSON regardless of the flag
	assert.True(t, Auto(buf, false).JSON())
	assert.True(t, Auto(buf, true).JSON())
	assert.False(t, IsTTY(buf))
}

func TestResult_JSONEncodesValue(t *testing.T) {
	// Given: a JSON writer
	buf := &bytes.Buffer{}
	w := NewJSON(buf)

	// When: writing a result
	called := false
	err := w.Result(map[string]int{"total": 2}, func(*Writer) { called = true })

	// Then: the value is encoded and the text renderer is skipped
	require.NoError(t, err)
	assert.False(t, called)
	var got map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 2, got["total"])
}

func TestResult_TextCallsRenderer(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	err := w.Result(nil, func(w *Writer) { w.Success("indexed 3 records") })

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "✅ indexed 3 records")
}

func TestTable_AlignsColumns(t *testing.T) {
	// Given: a text writer
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing a table
	w.Table([]string{"tag", "type"}, [][]string{{"PatientName", "string"}, {"Modality", "enum"}})

	// Then: the header is upper-cased and rows are aligned
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Equal(t, "TAG          TYPE", string(lines[0]))
	assert.Equal(t, "Modality     enum", string(lines[2]))
}

func TestKV_PrintsPairs(t *testing.T) {
	buf := &bytes.Buffer{}
	New(buf).KV("version", 3, "records", 10)

	assert.Contains(t, buf.String(), "version:")
	assert.Contains(t, buf.String(), "records:")
}
