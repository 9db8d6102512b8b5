package engine

import (
	"context"
	"errors"

	"github.com/Aman-CERP/dicomindex/internal/audit"
	"github.com/Aman-CERP/dicomindex/internal/auth"
	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/query"
)

// Audited operation names.
const (
	OpDefineField       = "registry.define"
	OpUpdateField       = "registry.update"
	OpRemoveField       = "registry.remove"
	OpGetField          = "registry.get"
	OpListFields        = "registry.list"
	OpTestPreprocessor  = "preprocess.test"
	OpValidate          = "query.validate"
	OpExecute           = "query.execute"
	OpSuggest           = "query.suggest"
	OpCombine           = "query.combine"
	OpCatalog           = "query.catalog"
	OpTemplates         = "query.templates"
	OpInstantiate       = "query.instantiate"
	OpQueryStats        = "query.stats"
	OpSubmitFull        = "jobs.submit_full"
	OpSubmitIncremental = "jobs.submit_incremental"
	OpCancelJob         = "jobs.cancel"
	OpJobStatus         = "jobs.status"
	OpListJobs          = "jobs.list"
	OpWaitJob           = "jobs.wait"
	OpOptimize          = "index.optimize"
	OpBackup            = "index.backup"
	OpRestore           = "index.restore"
	OpListSnapshots     = "index.snapshots"
	OpClearCache        = "cache.clear"
	OpCacheStats        = "cache.stats"
	OpStatus            = "engine.status"
)

// anonymous holds no capabilities; it is used when the context carries no caller.
var anonymous = auth.NewCaller("anonymous")

func callerOf(ctx context.Context) auth.Caller {
	if c, ok := auth.FromContext(ctx); ok {
		return c
	}
	return anonymous
}

// authorize checks that the caller holds every capability in caps and
// audits a denial.
func (e *Engine) authorize(ctx context.Context, op, target string, caps ...auth.Capability) (auth.Caller, error) {
	c := callerOf(ctx)
	if err := c.Require(caps...); err != nil {
		e.audit(c, op, target, err, nil)
		return c, err
	}
	return c, nil
}

// authorizeAny checks that the caller holds at least one of caps.
func (e *Engine) authorizeAny(ctx context.Context, op, target string, caps ...auth.Capability) (auth.Caller, error) {
	c := callerOf(ctx)
	for _, cp := range caps {
		if c.Has(cp) {
			return c, nil
		}
	}
	err := c.Require(caps[0])
	e.audit(c, op, target, err, nil)
	return c, err
}

// audit records the outcome of one operation.
func (e *Engine) audit(c auth.Caller, op, target string, err error, details map[string]string) {
	ev := audit.Event{
		Subject:   c.SubjectID,
		Operation: op,
		Target:    target,
		Outcome:   audit.OutcomeSuccess,
		Details:   details,
	}
	if err != nil {
		ev.Outcome = audit.OutcomeFailure
		ev.ErrorCode = ierrors.GetCode(err)
		if errors.Is(err, ierrors.ErrPermissionDenied) {
			ev.Outcome = audit.OutcomeDenied
		}
	}
	e.auditor.Record(ev)
}

// advanced reports whether expr uses a combinator beyond "and".
func advanced(expr query.Expression) bool {
	if expr.Operator == query.OpOr || expr.Operator == query.OpNot {
		return true
	}
	for _, child := range expr.Children {
		if advanced(child) {
			return true
		}
	}
	return false
}

// queryCaps returns the capabilities a query needs.
func queryCaps(expr query.Expression, facets bool) []auth.Capability {
	if facets || advanced(expr) {
		return []auth.Capability{auth.QueryBasic, auth.QueryAdvanced}
	}
	return []auth.Capability{auth.QueryBasic}
}
