package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/index"
	"github.com/Aman-CERP/dicomindex/internal/preprocess"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

// Default structural limits.
const (
	DefaultMaxDepth  = 8
	DefaultMaxLeaves = 64
)

// Limits bounds expression structure.
type Limits struct {
	MaxDepth  int
	MaxLeaves int
}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	if l.MaxLeaves <= 0 {
		l.MaxLeaves = DefaultMaxLeaves
	}
	return l
}

// Issue is one validation failure located by path ("$" is the root).
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
	err     error
}

// ValidationResult reports whether an expression may be executed.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Issues []Issue  `json:"issues,omitempty"`
	Depth  int      `json:"depth"`
	Leaves int      `json:"leaves"`
	Fields []string `json:"fields,omitempty"`
}

// Err returns the first issue as a typed error, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid || len(r.Issues) == 0 {
		return nil
	}
	first := r.Issues[0]
	if len(r.Issues) > 1 {
		if ie, ok := first.err.(*ierrors.IndexError); ok {
			return ie.WithDetail("issues", strconv.Itoa(len(r.Issues)))
		}
	}
	return first.err
}

// compiled is a validated expression ready to run.
type compiled struct {
	normalized Expression
	predicate  index.Predicate
	fields     []string
}

type compiler struct {
	fields   registry.Snapshot
	pipeline *preprocess.Pipeline
	limits   Limits
	issues   []Issue
}

func (c *compiler) fail(path string, err *ierrors.IndexError) {
	c.issues = append(c.issues, Issue{Path: path, Code: err.Code, Message: err.Message, err: err})
}

// compileExpression validates e and, when valid, returns its normalized form
// and index predicate.
func compileExpression(e Expression, fields registry.Snapshot, pipeline *preprocess.Pipeline, limits Limits) (ValidationResult, *compiled) {
	limits = limits.withDefaults()
	c := &compiler{fields: fields, pipeline: pipeline, limits: limits}

	depth, leaves := measure(e, limits.MaxDepth+1)
	result := ValidationResult{Depth: depth, Leaves: leaves}
	if depth > limits.MaxDepth {
		c.fail("$", ierrors.ExpressionTooComplexError(
			fmt.Sprintf("expression nesting exceeds maximum depth %d", limits.MaxDepth)))
	} else if leaves > limits.MaxLeaves {
		c.fail("$", ierrors.ExpressionTooComplexError(
			fmt.Sprintf("expression has %d leaves, maximum is %d", leaves, limits.MaxLeaves)))
	}
	if len(c.issues) > 0 {
		result.Issues = c.issues
		return result, nil
	}

	normalized := c.normalize(e, "$")
	result.Fields = e.Fields()
	if len(c.issues) > 0 {
		result.Issues = c.issues
		return result, nil
	}
	result.Valid = true
	return result, &compiled{
		normalized: normalized,
		predicate:  toPredicate(normalized, fields),
		fields:     result.Fields,
	}
}

// measure returns depth and leaf count, stopping descent below cutoff.
func measure(e Expression, cutoff int) (depth, leaves int) {
	if e.IsLeaf() {
		return 1, 1
	}
	if cutoff <= 1 {
		return 2, 0
	}
	maxChild := 0
	for _, child := range e.Children {
		d, l := measure(child, cutoff-1)
		maxChild = max(maxChild, d)
		leaves += l
	}
	return maxChild + 1, leaves
}

// normalize validates e and returns its canonical form: leaf values run
// through the field's preprocessing chain, nested and/or flattened, children
// and "in" lists sorted and deduplicated, double negation removed.
func (c *compiler) normalize(e Expression, path string) Expression {
	if e.IsLeaf() {
		return c.normalizeLeaf(e, path)
	}

	if e.Field != "" || e.Value != nil || len(e.Values) > 0 {
		c.fail(path, ierrors.ValidationError(
			fmt.Sprintf("combinator %s takes children only", e.Operator), nil))
	}
	switch e.Operator {
	case OpNot:
		if len(e.Children) != 1 {
			c.fail(path, ierrors.ValidationError("not requires exactly one child", nil))
			return e
		}
		child := c.normalize(e.Children[0], path+".children[0]")
		if child.Operator == OpNot && len(child.Children) == 1 {
			return child.Children[0]
		}
		return Not(child)
	default:
		if len(e.Children) == 0 {
			c.fail(path, ierrors.ValidationError(
				fmt.Sprintf("%s requires at least one child", e.Operator), nil))
			return e
		}
		var flat []Expression
		for i, child := range e.Children {
			n := c.normalize(child, fmt.Sprintf("%s.children[%d]", path, i))
			if n.Operator == e.Operator {
				flat = append(flat, n.Children...)
			} else {
				flat = append(flat, n)
			}
		}
		flat = sortUnique(flat)
		if len(flat) == 1 {
			return flat[0]
		}
		return Expression{Operator: e.Operator, Children: flat}
	}
}

func (c *compiler) normalizeLeaf(e Expression, path string) Expression {
	if !knownLeafOperator(e.Operator) {
		c.fail(path, ierrors.New(ierrors.ErrCodeUnsupportedOperator,
			fmt.Sprintf("unknown operator %q", e.Operator), nil))
		return e
	}
	if e.Field == "" {
		c.fail(path, ierrors.ValidationError("leaf requires a field", nil))
		return e
	}
	if len(e.Children) > 0 {
		c.fail(path, ierrors.ValidationError("leaf cannot have children", nil))
		return e
	}
	f, ok := c.fields.Get(e.Field)
	if !ok {
		c.fail(path, ierrors.NotFoundError(ierrors.ErrCodeFieldNotFound, "field", e.Field))
		return e
	}
	if !f.Searchable {
		c.fail(path, ierrors.New(ierrors.ErrCodeFieldNotSearchable,
			fmt.Sprintf("field %s is not searchable", f.Tag), nil).WithDetail("tag", f.Tag))
		return e
	}
	if !operatorAllows(e.Operator, f.DataType) {
		c.fail(path, ierrors.New(ierrors.ErrCodeUnsupportedOperator,
			fmt.Sprintf("operator %s does not apply to %s field %s", e.Operator, f.DataType, f.Tag), nil).
			WithDetail("tag", f.Tag).
			WithDetail("operator", string(e.Operator)))
		return e
	}

	out := Expression{Field: e.Field, Operator: e.Operator}
	switch e.Operator {
	case OpIn:
		if e.Value != nil || len(e.Values) == 0 {
			c.fail(path, ierrors.ValidationError("in requires a non-empty values list", nil))
			return e
		}
		seen := make(map[string]struct{}, len(e.Values))
		var values []string
		for _, raw := range e.Values {
			v, ok := c.leafValue(f, e.Operator, raw, path)
			if !ok {
				return e
			}
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				values = append(values, v)
			}
		}
		sort.Strings(values)
		out.Values = toAny(values)
	case OpRange:
		if e.Value != nil || len(e.Values) != 2 {
			c.fail(path, ierrors.ValidationError("range requires exactly two values [low, high]", nil))
			return e
		}
		lo, ok := c.leafValue(f, e.Operator, e.Values[0], path)
		if !ok {
			return e
		}
		hi, ok := c.leafValue(f, e.Operator, e.Values[1], path)
		if !ok {
			return e
		}
		out.Values = []any{lo, hi}
	default:
		if e.Value == nil || len(e.Values) > 0 {
			c.fail(path, ierrors.ValidationError(
				fmt.Sprintf("%s requires a single value", e.Operator), nil))
			return e
		}
		v, ok := c.leafValue(f, e.Operator, e.Value, path)
		if !ok {
			return e
		}
		if e.Operator == OpContains {
			v = strings.ToLower(v)
		}
		out.Value = v
	}
	return out
}

// leafValue type-checks raw against the field and runs it through the
// field's preprocessing chain.
func (c *compiler) leafValue(f registry.Field, op Operator, raw any, path string) (string, bool) {
	s, numeric, ok := scalarString(raw)
	mismatch := func(cause error) (string, bool) {
		c.fail(path, ierrors.New(ierrors.ErrCodeTypeMismatch,
			fmt.Sprintf("value %v does not match %s field %s", raw, f.DataType, f.Tag), cause).
			WithDetail("tag", f.Tag).
			WithDetail("data_type", string(f.DataType)))
		return "", false
	}
	if !ok {
		return mismatch(nil)
	}

	switch f.DataType {
	case registry.TypeString, registry.TypeEnum:
		if numeric {
			return mismatch(nil)
		}
	case registry.TypeNumeric:
		if !numeric {
			if _, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
				return mismatch(err)
			}
		}
	case registry.TypeDate:
		if numeric {
			return mismatch(nil)
		}
	}

	v, err := c.pipeline.Apply(f.Tag, f.Chain(), s, preprocess.Context{})
	if err != nil {
		if f.DataType == registry.TypeDate {
			return mismatch(err)
		}
		if ie, ok := err.(*ierrors.IndexError); ok {
			c.fail(path, ie)
		} else {
			c.fail(path, ierrors.Wrap(ierrors.ErrCodePreprocessingFailed, err))
		}
		return "", false
	}

	if f.DataType == registry.TypeEnum && op != OpContains && !f.AllowsEnumValue(v) {
		c.fail(path, ierrors.New(ierrors.ErrCodeTypeMismatch,
			fmt.Sprintf("value %q is not an allowed value of enum field %s", v, f.Tag), nil).
			WithDetail("tag", f.Tag))
		return "", false
	}
	return v, true
}

func knownLeafOperator(op Operator) bool {
	_, ok := operatorTypes[op]
	return ok
}

func operatorAllows(op Operator, dt registry.DataType) bool {
	for _, t := range operatorTypes[op] {
		if t == dt {
			return true
		}
	}
	return false
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// canonicalKey is the stable textual form of a normalized expression.
func canonicalKey(e Expression) string {
	b, _ := json.Marshal(e)
	return string(b)
}

func sortUnique(children []Expression) []Expression {
	keyed := make(map[string]Expression, len(children))
	keys := make([]string, 0, len(children))
	for _, c := range children {
		k := canonicalKey(c)
		if _, dup := keyed[k]; dup {
			continue
		}
		keyed[k] = c
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Expression, len(keys))
	for i, k := range keys {
		out[i] = keyed[k]
	}
	return out
}

// toPredicate translates a normalized, validated expression.
func toPredicate(e Expression, fields registry.Snapshot) index.Predicate {
	switch e.Operator {
	case OpAnd, OpOr:
		preds := make([]index.Predicate, len(e.Children))
		for i, c := range e.Children {
			preds[i] = toPredicate(c, fields)
		}
		if e.Operator == OpAnd {
			return index.And(preds...)
		}
		return index.Or(preds...)
	case OpNot:
		return index.Not(toPredicate(e.Children[0], fields))
	}

	order := index.OrderLexical
	if f, ok := fields.Get(e.Field); ok && f.DataType == registry.TypeNumeric {
		order = index.OrderNumeric
	}
	value, _ := e.Value.(string)
	switch e.Operator {
	case OpEq:
		return index.Eq(e.Field, value)
	case OpNe:
		return index.Ne(e.Field, value)
	case OpContains:
		return index.Contains(e.Field, value)
	case OpIn:
		values := make([]string, len(e.Values))
		for i, v := range e.Values {
			values[i], _ = v.(string)
		}
		return index.In(e.Field, values...)
	case OpGt:
		return index.Range(e.Field, &index.Bound{Value: value}, nil, order)
	case OpGte:
		return index.Range(e.Field, &index.Bound{Value: value, Inclusive: true}, nil, order)
	case OpLt:
		return index.Range(e.Field, nil, &index.Bound{Value: value}, order)
	case OpLte:
		return index.Range(e.Field, nil, &index.Bound{Value: value, Inclusive: true}, order)
	case OpRange:
		lo, _ := e.Values[0].(string)
		hi, _ := e.Values[1].(string)
		return index.Range(e.Field,
			&index.Bound{Value: lo, Inclusive: true},
			&index.Bound{Value: hi, Inclusive: true}, order)
	}
	return index.None()
}
