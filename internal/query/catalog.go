package query

import (
	"strings"

	"github.com/Aman-CERP/dicomindex/internal/registry"
)

var allTypes = []registry.DataType{registry.TypeString, registry.TypeDate, registry.TypeNumeric, registry.TypeEnum}
var ordinalTypes = []registry.DataType{registry.TypeDate, registry.TypeNumeric}
var textTypes = []registry.DataType{registry.TypeString, registry.TypeEnum}

// operatorTypes lists the field data types each leaf operator applies to.
var operatorTypes = map[Operator][]registry.DataType{
	OpEq:       allTypes,
	OpNe:       allTypes,
	OpIn:       allTypes,
	OpGt:       ordinalTypes,
	OpGte:      ordinalTypes,
	OpLt:       ordinalTypes,
	OpLte:      ordinalTypes,
	OpRange:    ordinalTypes,
	OpContains: textTypes,
}

// OperatorInfo describes one operator for query builders.
type OperatorInfo struct {
	Operator    Operator            `json:"operator"`
	Description string              `json:"description"`
	Arity       string              `json:"arity"`
	DataTypes   []registry.DataType `json:"data_types,omitempty"`
	Advanced    bool                `json:"advanced,omitempty"`
}

var operatorCatalog = []OperatorInfo{
	{OpEq, "value equals", "value", allTypes, false},
	{OpNe, "value differs or is absent", "value", allTypes, false},
	{OpGt, "value is greater", "value", ordinalTypes, false},
	{OpGte, "value is greater or equal", "value", ordinalTypes, false},
	{OpLt, "value is less", "value", ordinalTypes, false},
	{OpLte, "value is less or equal", "value", ordinalTypes, false},
	{OpRange, "value lies in [low, high]", "values[2]", ordinalTypes, false},
	{OpContains, "value contains substring, case-insensitive", "value", textTypes, false},
	{OpIn, "value is one of the list", "values[1..]", allTypes, false},
	{OpAnd, "all children match", "children[1..]", nil, false},
	{OpOr, "any child matches", "children[1..]", nil, true},
	{OpNot, "child does not match", "children[1]", nil, true},
}

// Operators returns the operator catalog.
func Operators() []OperatorInfo {
	out := make([]OperatorInfo, len(operatorCatalog))
	copy(out, operatorCatalog)
	return out
}

// OperatorsFor returns the leaf operators that apply to dt.
func OperatorsFor(dt registry.DataType) []Operator {
	var out []Operator
	for _, info := range operatorCatalog {
		if info.DataTypes != nil && operatorAllows(info.Operator, dt) {
			out = append(out, info.Operator)
		}
	}
	return out
}

// FieldInfo is a searchable field as seen by query builders.
type FieldInfo struct {
	Tag       string            `json:"tag"`
	DataType  registry.DataType `json:"data_type"`
	Facetable bool              `json:"facetable"`
	Operators []Operator        `json:"operators"`
	Enum      []string          `json:"enum_values,omitempty"`
}

// Shape renders e without values, e.g. "and(eq:Modality,range:StudyDate)".
// Queries that differ only in values share a shape.
func Shape(e Expression) string {
	var b strings.Builder
	writeShape(&b, e)
	return b.String()
}

func writeShape(b *strings.Builder, e Expression) {
	if e.IsLeaf() {
		b.WriteString(string(e.Operator))
		b.WriteByte(':')
		b.WriteString(e.Field)
		return
	}
	b.WriteString(string(e.Operator))
	b.WriteByte('(')
	for i, c := range e.Children {
		if i > 0 {
			b.WriteByte(',')
		}
		writeShape(b, c)
	}
	b.WriteByte(')')
}
