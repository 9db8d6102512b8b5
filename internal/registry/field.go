// Package registry is the mutable catalog of indexed DICOM tags: their data
// type, whether they are searchable or facetable, and the preprocessing chain
// applied to each.
package registry

import (
	"fmt"
	"slices"
	"sort"

	"github.com/Aman-CERP/dicomindex/internal/preprocess"
)

// DataType is the declared type of an indexed field.
type DataType string

const (
	TypeString  DataType = "string"
	TypeDate    DataType = "date"
	TypeNumeric DataType = "numeric"
	TypeEnum    DataType = "enum"
)

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	switch t {
	case TypeString, TypeDate, TypeNumeric, TypeEnum:
		return true
	}
	return false
}

// Ordinal reports whether range and ordering operators apply to t.
func (t DataType) Ordinal() bool {
	return t == TypeDate || t == TypeNumeric
}

// Field is one indexed tag definition.
type Field struct {
	// Tag is the canonical metadata tag id, e.g. "PatientName" or "00100010".
	Tag           string   `json:"tag" yaml:"tag"`
	DataType      DataType `json:"data_type" yaml:"data_type"`
	Searchable    bool     `json:"searchable" yaml:"searchable"`
	Facetable     bool     `json:"facetable" yaml:"facetable"`
	Preprocessing []string `json:"preprocessing,omitempty" yaml:"preprocessing,omitempty"`
	// EnumValues restricts values of an enum field after preprocessing. Empty allows any.
	EnumValues []string `json:"enum_values,omitempty" yaml:"enum_values,omitempty"`
	// Version is the registry version at which this definition last changed.
	Version int64 `json:"version" yaml:"-"`
}

// Clone returns a deep copy of f.
func (f Field) Clone() Field {
	f.Preprocessing = slices.Clone(f.Preprocessing)
	f.EnumValues = slices.Clone(f.EnumValues)
	return f
}

// Chain returns the preprocessing chain applied to values of f at index and
// query time. Date and numeric fields without a declared chain are
// canonicalized so range comparisons work on raw DICOM values.
func (f Field) Chain() []string {
	if len(f.Preprocessing) > 0 {
		return f.Preprocessing
	}
	switch f.DataType {
	case TypeDate:
		return []string{preprocess.FuncDICOMDate}
	case TypeNumeric:
		return []string{preprocess.FuncNumeric}
	}
	return nil
}

// AllowsEnumValue reports whether v is an allowed enum value.
func (f Field) AllowsEnumValue(v string) bool {
	return len(f.EnumValues) == 0 || slices.Contains(f.EnumValues, v)
}

func (f Field) validate() error {
	if f.Tag == "" {
		return fmt.Errorf("field tag is required")
	}
	if !f.DataType.Valid() {
		return fmt.Errorf("field %s: unknown data type %q", f.Tag, f.DataType)
	}
	if len(f.EnumValues) > 0 && f.DataType != TypeEnum {
		return fmt.Errorf("field %s: enum_values only apply to enum fields", f.Tag)
	}
	return nil
}

// Patch is a partial update. Nil members are left unchanged.
type Patch struct {
	DataType      *DataType `json:"data_type,omitempty"`
	Searchable    *bool     `json:"searchable,omitempty"`
	Facetable     *bool     `json:"facetable,omitempty"`
	Preprocessing *[]string `json:"preprocessing,omitempty"`
	EnumValues    *[]string `json:"enum_values,omitempty"`
}

func (p Patch) applyTo(f Field) Field {
	out := f.Clone()
	if p.DataType != nil {
		out.DataType = *p.DataType
	}
	if p.Searchable != nil {
		out.Searchable = *p.Searchable
	}
	if p.Facetable != nil {
		out.Facetable = *p.Facetable
	}
	if p.Preprocessing != nil {
		out.Preprocessing = slices.Clone(*p.Preprocessing)
	}
	if p.EnumValues != nil {
		out.EnumValues = slices.Clone(*p.EnumValues)
	}
	return out
}

// Snapshot is an immutable view of the registry at one version.
type Snapshot struct {
	Version int64
	fields  map[string]Field
}

// NewSnapshot builds a snapshot from a list of fields.
func NewSnapshot(version int64, fields []Field) Snapshot {
	m := make(map[string]Field, len(fields))
	for _, f := range fields {
		m[f.Tag] = f.Clone()
	}
	return Snapshot{Version: version, fields: m}
}

// Get returns the field for tag.
func (s Snapshot) Get(tag string) (Field, bool) {
	f, ok := s.fields[tag]
	return f, ok
}

// Len returns the number of fields.
func (s Snapshot) Len() int { return len(s.fields) }

// Tags returns the field tags in lexical order.
func (s Snapshot) Tags() []string {
	tags := make([]string, 0, len(s.fields))
	for tag := range s.fields {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// List returns the fields ordered by tag.
func (s Snapshot) List() []Field {
	out := make([]Field, 0, len(s.fields))
	for _, tag := range s.Tags() {
		out = append(out, s.fields[tag].Clone())
	}
	return out
}
