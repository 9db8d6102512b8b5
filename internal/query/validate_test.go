package query

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

func TestValidate_Rejections(t *testing.T) {
	fx := newFixture(t)
	snap := fx.registry.Snapshot()

	tests := []struct {
		name string
		expr Expression
		want error
	}{
		{"unknown field", Leaf("BodyPart", OpEq, "HEAD"), ierrors.ErrFieldNotFound},
		{"not searchable", Leaf("InternalNote", OpEq, "x"), ierrors.ErrFieldNotSearchable},
		{"unknown operator", Leaf("Modality", Operator("like"), "CT"), ierrors.ErrUnsupportedOperator},
		{"contains on date", Leaf("StudyDate", OpContains, "2024"), ierrors.ErrUnsupportedOperator},
		{"gt on string", Leaf("PatientName", OpGt, "A"), ierrors.ErrUnsupportedOperator},
		{"number for string", Leaf("PatientName", OpEq, json.Number("5")), ierrors.ErrTypeMismatch},
		{"text for numeric", Leaf("SliceThickness", OpGt, "thick"), ierrors.ErrTypeMismatch},
		{"bad date", Leaf("StudyDate", OpGte, "yesterday"), ierrors.ErrTypeMismatch},
		{"enum outside set", Leaf("Modality", OpEq, "XA"), ierrors.ErrTypeMismatch},
		{"range arity", Expression{Field: "StudyDate", Operator: OpRange, Values: []any{"20240101"}}, ierrors.ErrValidation},
		{"empty in", Expression{Field: "Modality", Operator: OpIn}, ierrors.ErrValidation},
		{"missing value", Expression{Field: "Modality", Operator: OpEq}, ierrors.ErrValidation},
		{"empty and", And(), ierrors.ErrValidation},
		{"not with two children", Expression{Operator: OpNot, Children: []Expression{
			Leaf("Modality", OpEq, "CT"), Leaf("Modality", OpEq, "MR")}}, ierrors.ErrValidation},
		{"leaf without field", Expression{Operator: OpEq, Value: "CT"}, ierrors.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, c := compileExpression(tt.expr, snap, fx.pipeline, Limits{})
			assert.False(t, result.Valid)
			assert.Nil(t, c)
			require.NotEmpty(t, result.Issues)
			assert.True(t, errors.Is(result.Err(), tt.want), "got %v", result.Err())
		})
	}
}

func TestValidate_AcceptsAliasesThroughChain(t *testing.T) {
	fx := newFixture(t)

	// Given: "mri" is not in the enum set but normalizes to MR
	result, c := compileExpression(Leaf("Modality", OpEq, "mri"), fx.registry.Snapshot(), fx.pipeline, Limits{})

	// Then: it validates and the normalized value is the canonical one
	require.True(t, result.Valid, "%+v", result.Issues)
	assert.Equal(t, "MR", c.normalized.Value)
	assert.Equal(t, []string{"Modality"}, result.Fields)
}

func TestValidate_DepthLimit(t *testing.T) {
	fx := newFixture(t)
	snap := fx.registry.Snapshot()

	nest := func(depth int) Expression {
		e := Leaf("Modality", OpEq, "CT")
		for i := 1; i < depth; i++ {
			e = Not(e)
		}
		return e
	}

	ok, _ := compileExpression(nest(8), snap, fx.pipeline, Limits{})
	assert.True(t, ok.Valid)
	assert.Equal(t, 8, ok.Depth)

	tooDeep, c := compileExpression(nest(9), snap, fx.pipeline, Limits{})
	assert.False(t, tooDeep.Valid)
	assert.Nil(t, c)
	assert.True(t, errors.Is(tooDeep.Err(), ierrors.ErrExpressionTooComplex))

	// Very deep input is rejected without walking the whole tree.
	huge, _ := compileExpression(nest(10000), snap, fx.pipeline, Limits{})
	assert.True(t, errors.Is(huge.Err(), ierrors.ErrExpressionTooComplex))
}

func TestValidate_LeafLimit(t *testing.T) {
	fx := newFixture(t)

	children := make([]Expression, 5)
	for i := range children {
		children[i] = Leaf("Modality", OpEq, "CT")
	}
	result, _ := compileExpression(Or(children...), fx.registry.Snapshot(), fx.pipeline, Limits{MaxLeaves: 4})

	assert.False(t, result.Valid)
	assert.Equal(t, 5, result.Leaves)
	assert.True(t, errors.Is(result.Err(), ierrors.ErrExpressionTooComplex))
}

func TestValidate_CollectsEveryIssue(t *testing.T) {
	fx := newFixture(t)

	result, _ := compileExpression(And(
		Leaf("BodyPart", OpEq, "HEAD"),
		Leaf("StudyDate", OpContains, "2024"),
	), fx.registry.Snapshot(), fx.pipeline, Limits{})

	require.Len(t, result.Issues, 2)
	assert.Equal(t, "$.children[0]", result.Issues[0].Path)
	assert.Equal(t, ierrors.ErrCodeFieldNotFound, result.Issues[0].Code)
	assert.Equal(t, "$.children[1]", result.Issues[1].Path)
	assert.Equal(t, ierrors.ErrCodeUnsupportedOperator, result.Issues[1].Code)
}

func TestNormalize(t *testing.T) {
	fx := newFixture(t)
	snap := fx.registry.Snapshot()

	tests := []struct {
		name  string
		expr  Expression
		want  Expression
		shape string
	}{
		{
			name: "flattens, canonicalizes and dedupes",
			expr: And(
				Leaf("StudyDate", OpGte, "20240101"),
				And(Leaf("Modality", OpEq, "ct"), Leaf("Modality", OpEq, "CT")),
			),
			want: And(
				Leaf("Modality", OpEq, "CT"),
				Leaf("StudyDate", OpGte, "2024-01-01"),
			),
			shape: "and(eq:Modality,gte:StudyDate)",
		},
		{
			name:  "double negation",
			expr:  Not(Not(Leaf("Modality", OpEq, "US"))),
			want:  Leaf("Modality", OpEq, "US"),
			shape: "eq:Modality",
		},
		{
			name:  "single child or",
			expr:  Or(Leaf("SliceThickness", OpLt, json.Number("2.50"))),
			want:  Leaf("SliceThickness", OpLt, "2.5"),
			shape: "lt:SliceThickness",
		},
		{
			name:  "in list sorted and deduped",
			expr:  InList("Modality", "mr", "CT", "MRI"),
			want:  InList("Modality", "CT", "MR"),
			shape: "in:Modality",
		},
		{
			name:  "contains lowercased",
			expr:  Leaf("PatientName", OpContains, "Doe"),
			want:  Leaf("PatientName", OpContains, "doe"),
			shape: "contains:PatientName",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, c := compileExpression(tt.expr, snap, fx.pipeline, Limits{})
			require.True(t, result.Valid, "%+v", result.Issues)
			assert.Equal(t, tt.want, c.normalized)
			assert.Equal(t, tt.shape, Shape(c.normalized))
		})
	}
}

func TestNormalize_EquivalentExpressionsShareKey(t *testing.T) {
	fx := newFixture(t)
	snap := fx.registry.Snapshot()

	a, ca := compileExpression(And(Leaf("Modality", OpEq, "CT"), Leaf("StudyDate", OpLte, "20240101")), snap, fx.pipeline, Limits{})
	b, cb := compileExpression(And(Leaf("StudyDate", OpLte, "2024-01-01"), Leaf("Modality", OpEq, "ct")), snap, fx.pipeline, Limits{})
	require.True(t, a.Valid)
	require.True(t, b.Valid)

	assert.Equal(t, canonicalKey(ca.normalized), canonicalKey(cb.normalized))
}

func TestParseExpression(t *testing.T) {
	e, err := ParseExpression([]byte(`{"operator":"and","children":[
		{"field":"Modality","operator":"eq","value":"CT"},
		{"field":"SliceThickness","operator":"range","values":[1, 2.5]}]}`))
	require.NoError(t, err)

	assert.Equal(t, OpAnd, e.Operator)
	require.Len(t, e.Children, 2)
	assert.Equal(t, []any{json.Number("1"), json.Number("2.5")}, e.Children[1].Values)
	assert.Equal(t, []string{"Modality", "SliceThickness"}, e.Fields())
	assert.False(t, e.UsesAdvanced())
	assert.True(t, Not(e).UsesAdvanced())

	_, err = ParseExpression([]byte(`{"operator":`))
	assert.Error(t, err)
}
