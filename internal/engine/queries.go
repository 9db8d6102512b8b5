package engine

import (
	"context"
	"strconv"

	"github.com/Aman-CERP/dicomindex/internal/auth"
	"github.com/Aman-CERP/dicomindex/internal/query"
	"github.com/Aman-CERP/dicomindex/internal/telemetry"
)

// Validate checks expr against the current field registry without
// executing it. Requires query:basic, plus query:advanced for or/not.
func (e *Engine) Validate(ctx context.Context, expr query.Expression) (query.ValidationResult, error) {
	c, err := e.authorize(ctx, OpValidate, "", queryCaps(expr, false)...)
	if err != nil {
		return query.ValidationResult{}, err
	}
	res := e.query.Validate(expr)
	e.audit(c, OpValidate, "", res.Err(), nil)
	return res, nil
}

// Execute runs a filter query. Requires query:basic, plus query:advanced for
// or/not expressions and facet requests.
func (e *Engine) Execute(ctx context.Context, req query.Request) (*query.Response, error) {
	c, err := e.authorize(ctx, OpExecute, "", queryCaps(req.Expression, len(req.Facets) > 0)...)
	if err != nil {
		return nil, err
	}
	e.compaction.OnQuery()
	resp, err := e.query.Execute(ctx, req)
	details := map[string]string{}
	if resp != nil {
		details["shape"] = resp.Shape
		details["total"] = strconv.Itoa(resp.Total)
		details["cached"] = strconv.FormatBool(resp.Cached)
	}
	e.audit(c, OpExecute, "", err, details)
	return resp, err
}

// Suggest autocompletes field names, or values of a facetable field when
// partialField names one exactly. Requires query:basic.
func (e *Engine) Suggest(ctx context.Context, partialField, partialValue string) ([]query.Suggestion, error) {
	c, err := e.authorize(ctx, OpSuggest, partialField, auth.QueryBasic)
	if err != nil {
		return nil, err
	}
	e.compaction.OnQuery()
	out, err := e.query.Suggest(ctx, partialField, partialValue)
	e.audit(c, OpSuggest, partialField, err, nil)
	return out, err
}

// Combine joins expressions under op. Requires query:basic and query:advanced.
func (e *Engine) Combine(ctx context.Context, exprs []query.Expression, op query.Operator) (query.Expression, error) {
	c, err := e.authorize(ctx, OpCombine, string(op), auth.QueryBasic, auth.QueryAdvanced)
	if err != nil {
		return query.Expression{}, err
	}
	out, err := e.query.Combine(exprs, op)
	e.audit(c, OpCombine, string(op), err, map[string]string{"inputs": strconv.Itoa(len(exprs))})
	return out, err
}

// FieldCatalog lists searchable and facetable fields. Requires query:basic.
func (e *Engine) FieldCatalog(ctx context.Context) ([]query.FieldInfo, error) {
	c, err := e.authorize(ctx, OpCatalog, "fields", auth.QueryBasic)
	if err != nil {
		return nil, err
	}
	e.audit(c, OpCatalog, "fields", nil, nil)
	return e.query.FieldCatalog(), nil
}

// Operators lists the supported operators. Requires query:basic.
func (e *Engine) Operators(ctx context.Context) ([]query.OperatorInfo, error) {
	c, err := e.authorize(ctx, OpCatalog, "operators", auth.QueryBasic)
	if err != nil {
		return nil, err
	}
	e.audit(c, OpCatalog, "operators", nil, nil)
	return query.Operators(), nil
}

// Templates lists the filter templates. Requires query:basic.
func (e *Engine) Templates(ctx context.Context) ([]query.Template, error) {
	c, err := e.authorize(ctx, OpTemplates, "", auth.QueryBasic)
	if err != nil {
		return nil, err
	}
	e.audit(c, OpTemplates, "", nil, nil)
	return e.query.Templates(), nil
}

// InstantiateTemplate fills a template's placeholders. Requires query:basic.
func (e *Engine) InstantiateTemplate(ctx context.Context, name string, params map[string]any) (query.Expression, error) {
	c, err := e.authorize(ctx, OpInstantiate, name, auth.QueryBasic)
	if err != nil {
		return query.Expression{}, err
	}
	out, err := e.query.InstantiateTemplate(name, params)
	e.audit(c, OpInstantiate, name, err, nil)
	return out, err
}

// QueryStats returns query-shape statistics. Requires query:basic.
func (e *Engine) QueryStats(ctx context.Context) (*telemetry.QueryMetricsSnapshot, error) {
	c, err := e.authorize(ctx, OpQueryStats, "", auth.QueryBasic)
	if err != nil {
		return nil, err
	}
	e.audit(c, OpQueryStats, "", nil, nil)
	return e.queryStats.Snapshot(), nil
}
