// Package query parses, validates and executes structured filter expressions
// against the index, and serves the query-building helpers: operator and
// field catalogs, templates, combination and autocomplete suggestions.
package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Operator is a leaf comparison or a boolean combinator.
type Operator string

// Leaf operators.
const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpRange    Operator = "range"
)

// Combinators.
const (
	OpAnd Operator = "and"
	OpOr  Operator = "or"
	OpNot Operator = "not"
)

// IsCombinator reports whether op joins child expressions.
func (op Operator) IsCombinator() bool {
	return op == OpAnd || op == OpOr || op == OpNot
}

// Expression is a filter tree. A leaf carries Field, Operator and Value (or
// Values for "in" and "range"); a combinator carries Operator and Children.
type Expression struct {
	Field    string       `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator     `json:"operator" yaml:"operator"`
	Value    any          `json:"value,omitempty" yaml:"value,omitempty"`
	Values   []any        `json:"values,omitempty" yaml:"values,omitempty"`
	Children []Expression `json:"children,omitempty" yaml:"children,omitempty"`
}

// Leaf builds a single-value leaf.
func Leaf(field string, op Operator, value any) Expression {
	return Expression{Field: field, Operator: op, Value: value}
}

// InList builds an "in" leaf.
func InList(field string, values ...any) Expression {
	return Expression{Field: field, Operator: OpIn, Values: values}
}

// Between builds an inclusive "range" leaf.
func Between(field string, lo, hi any) Expression {
	return Expression{Field: field, Operator: OpRange, Values: []any{lo, hi}}
}

// And joins children conjunctively.
func And(children ...Expression) Expression {
	return Expression{Operator: OpAnd, Children: children}
}

// Or joins children disjunctively.
func Or(children ...Expression) Expression {
	return Expression{Operator: OpOr, Children: children}
}

// Not negates child.
func Not(child Expression) Expression {
	return Expression{Operator: OpNot, Children: []Expression{child}}
}

// IsLeaf reports whether e is a leaf comparison.
func (e Expression) IsLeaf() bool {
	return !e.Operator.IsCombinator()
}

// Fields returns the distinct field tags referenced by e, in first-seen order.
func (e Expression) Fields() []string {
	seen := make(map[string]struct{})
	var out []string
	var walk func(Expression)
	walk = func(n Expression) {
		if n.IsLeaf() {
			if _, ok := seen[n.Field]; !ok && n.Field != "" {
				seen[n.Field] = struct{}{}
				out = append(out, n.Field)
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(e)
	return out
}

// UsesAdvanced reports whether e contains an "or" or "not" node.
func (e Expression) UsesAdvanced() bool {
	if e.Operator == OpOr || e.Operator == OpNot {
		return true
	}
	for _, c := range e.Children {
		if c.UsesAdvanced() {
			return true
		}
	}
	return false
}

// String renders e as compact JSON.
func (e Expression) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("%#v", e)
	}
	return string(b)
}

// ParseExpression decodes a JSON filter expression. Numbers are kept as
// json.Number so integers and decimals survive unchanged.
func ParseExpression(data []byte) (Expression, error) {
	var e Expression
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return Expression{}, fmt.Errorf("decode filter expression: %w", err)
	}
	return e, nil
}

// scalarString converts a leaf value to text. ok is false for values that are
// neither strings nor numbers.
func scalarString(v any) (s string, numeric bool, ok bool) {
	switch x := v.(type) {
	case string:
		return x, false, true
	case json.Number:
		return x.String(), true, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true, true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true, true
	case int:
		return strconv.Itoa(x), true, true
	case int64:
		return strconv.FormatInt(x, 10), true, true
	case uint64:
		return strconv.FormatUint(x, 10), true, true
	}
	return "", false, false
}
