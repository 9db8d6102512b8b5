// Package auth carries caller identity and capability checks. Credentials are
// issued and verified elsewhere; the engine only checks capability membership.
package auth

import (
	"context"
	"slices"
	"sort"
	"strings"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

// Capability is a named permission granted to a caller.
type Capability string

const (
	// IndexConfigure allows field registry mutations.
	IndexConfigure Capability = "index:configure"
	// IndexManage allows job submission, cancellation, optimize, backup,
	// restore and cache clearing.
	IndexManage Capability = "index:manage"
	// QueryBasic allows validate, execute, suggest and the query helpers.
	QueryBasic Capability = "query:basic"
	// QueryAdvanced additionally allows or/not, facets and combine.
	QueryAdvanced Capability = "query:advanced"
)

// All lists every capability.
var All = []Capability{IndexConfigure, IndexManage, QueryBasic, QueryAdvanced}

// Caller is the identity an operation runs on behalf of.
type Caller struct {
	SubjectID    string
	Capabilities map[Capability]struct{}
}

// NewCaller builds a caller with the given capabilities.
func NewCaller(subject string, caps ...Capability) Caller {
	c := Caller{SubjectID: subject, Capabilities: make(map[Capability]struct{}, len(caps))}
	for _, cp := range caps {
		c.Capabilities[cp] = struct{}{}
	}
	return c
}

// System is a caller holding every capability, used by the CLI and by
// automatic maintenance.
func System() Caller {
	return NewCaller("system", All...)
}

// Has reports whether c holds capability cap.
func (c Caller) Has(cp Capability) bool {
	_, ok := c.Capabilities[cp]
	return ok
}

// Require returns a PermissionDeniedError naming the first missing capability.
func (c Caller) Require(caps ...Capability) error {
	for _, cp := range caps {
		if !c.Has(cp) {
			return ierrors.PermissionDeniedError(c.SubjectID, string(cp))
		}
	}
	return nil
}

// List returns the granted capabilities in lexical order.
func (c Caller) List() []Capability {
	out := make([]Capability, 0, len(c.Capabilities))
	for cp := range c.Capabilities {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseCapabilities parses a comma-separated list such as
// "query:basic,query:advanced". Unknown names are rejected.
func ParseCapabilities(s string) ([]Capability, error) {
	var out []Capability
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cp := Capability(part)
		if !slices.Contains(All, cp) {
			return nil, ierrors.ValidationError("unknown capability "+part, nil).
				WithSuggestion("valid capabilities: index:configure, index:manage, query:basic, query:advanced")
		}
		out = append(out, cp)
	}
	return out, nil
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext returns the caller attached to ctx.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
