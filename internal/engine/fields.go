package engine

import (
	"context"
	"strconv"

	"github.com/Aman-CERP/dicomindex/internal/auth"
	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/preprocess"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

// DefineField adds a field definition. Requires index:configure.
func (e *Engine) DefineField(ctx context.Context, f registry.Field) (registry.Field, error) {
	c, err := e.authorize(ctx, OpDefineField, f.Tag, auth.IndexConfigure)
	if err != nil {
		return registry.Field{}, err
	}
	out, err := e.registry.Define(ctx, f)
	e.audit(c, OpDefineField, f.Tag, err, map[string]string{"data_type": string(f.DataType)})
	return out, err
}

// UpdateField patches a field definition. Requires index:configure.
func (e *Engine) UpdateField(ctx context.Context, tag string, patch registry.Patch) (registry.Field, error) {
	c, err := e.authorize(ctx, OpUpdateField, tag, auth.IndexConfigure)
	if err != nil {
		return registry.Field{}, err
	}
	out, err := e.registry.Update(ctx, tag, patch)
	e.audit(c, OpUpdateField, tag, err, nil)
	return out, err
}

// RemoveField deletes a field definition. Requires index:configure.
func (e *Engine) RemoveField(ctx context.Context, tag string) error {
	c, err := e.authorize(ctx, OpRemoveField, tag, auth.IndexConfigure)
	if err != nil {
		return err
	}
	err = e.registry.Remove(ctx, tag)
	e.audit(c, OpRemoveField, tag, err, nil)
	return err
}

// GetField returns one field definition. Requires index:configure or query:basic.
func (e *Engine) GetField(ctx context.Context, tag string) (registry.Field, error) {
	c, err := e.authorizeAny(ctx, OpGetField, tag, auth.IndexConfigure, auth.QueryBasic)
	if err != nil {
		return registry.Field{}, err
	}
	f, err := e.registry.Get(tag)
	e.audit(c, OpGetField, tag, err, nil)
	return f, err
}

// ListFields returns every field definition ordered by tag. Requires
// index:configure or query:basic.
func (e *Engine) ListFields(ctx context.Context) ([]registry.Field, error) {
	c, err := e.authorizeAny(ctx, OpListFields, "", auth.IndexConfigure, auth.QueryBasic)
	if err != nil {
		return nil, err
	}
	fields := e.registry.List()
	e.audit(c, OpListFields, "", nil, map[string]string{"count": strconv.Itoa(len(fields))})
	return fields, nil
}

// TestPreprocessor applies the named function to sample without touching
// any state. contextDate is optional. Requires index:configure or query:basic.
func (e *Engine) TestPreprocessor(ctx context.Context, fn, sample, contextDate string) (string, error) {
	c, err := e.authorizeAny(ctx, OpTestPreprocessor, fn, auth.IndexConfigure, auth.QueryBasic)
	if err != nil {
		return "", err
	}
	var pctx preprocess.Context
	if contextDate != "" {
		if pctx.Date, err = preprocess.ParseDate(contextDate); err != nil {
			err = ierrors.ValidationError("invalid context date", err)
			e.audit(c, OpTestPreprocessor, fn, err, nil)
			return "", err
		}
	}
	out, err := e.pipeline.Test(fn, sample, pctx)
	e.audit(c, OpTestPreprocessor, fn, err, nil)
	return out, err
}

// Preprocessors lists the registered preprocessing functions.
func (e *Engine) Preprocessors() []string { return e.pipeline.Names() }
