package query

import (
	"regexp"
	"sort"
	"sync"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
)

// placeholder matches a whole-value template parameter such as "{{from}}".
var placeholder = regexp.MustCompile(`^\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}$`)

// Template is a named expression skeleton. Leaf values of the form
// "{{name}}" are parameters; parameters without a default are required.
type Template struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Expression  Expression     `json:"expression" yaml:"expression"`
	Defaults    map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// Parameters returns every parameter name in the skeleton, sorted.
func (t Template) Parameters() []string {
	seen := make(map[string]struct{})
	var walk func(Expression)
	walk = func(e Expression) {
		if name, ok := paramName(e.Value); ok {
			seen[name] = struct{}{}
		}
		for _, v := range e.Values {
			if name, ok := paramName(v); ok {
				seen[name] = struct{}{}
			}
		}
		for _, c := range e.Children {
			walk(c)
		}
	}
	walk(t.Expression)

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Required returns the parameters that have no default.
func (t Template) Required() []string {
	var out []string
	for _, name := range t.Parameters() {
		if _, ok := t.Defaults[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Instantiate substitutes params (falling back to defaults) into the skeleton.
func (t Template) Instantiate(params map[string]any) (Expression, error) {
	for _, name := range t.Parameters() {
		if _, ok := params[name]; ok {
			continue
		}
		if _, ok := t.Defaults[name]; !ok {
			return Expression{}, ierrors.MissingParameterError(t.Name, name)
		}
	}
	resolve := func(v any) any {
		name, ok := paramName(v)
		if !ok {
			return v
		}
		if p, ok := params[name]; ok {
			return p
		}
		return t.Defaults[name]
	}

	var subst func(Expression) Expression
	subst = func(e Expression) Expression {
		out := Expression{Field: e.Field, Operator: e.Operator, Value: resolve(e.Value)}
		if len(e.Values) > 0 {
			out.Values = make([]any, len(e.Values))
			for i, v := range e.Values {
				out.Values[i] = resolve(v)
			}
		}
		if len(e.Children) > 0 {
			out.Children = make([]Expression, len(e.Children))
			for i, c := range e.Children {
				out.Children[i] = subst(c)
			}
		}
		return out
	}
	return subst(t.Expression), nil
}

func paramName(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	m := placeholder.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// BuiltinTemplates returns the templates shipped with the engine.
func BuiltinTemplates() []Template {
	return []Template{
		{
			Name:        "patient-name",
			Description: "Studies whose patient name contains the given text",
			Expression:  Leaf("PatientName", OpContains, "{{name}}"),
		},
		{
			Name:        "modality-date-range",
			Description: "Studies of one modality within a study date range",
			Expression: And(
				Leaf("Modality", OpEq, "{{modality}}"),
				Between("StudyDate", "{{from}}", "{{to}}"),
			),
			Defaults: map[string]any{"from": "19000101", "to": "99991231"},
		},
		{
			Name:        "recent-studies",
			Description: "Studies on or after the given date",
			Expression:  Leaf("StudyDate", OpGte, "{{since}}"),
		},
	}
}

// TemplateSet is a concurrency-safe collection of templates keyed by name.
type TemplateSet struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateSet creates a set seeded with templates. Later duplicates replace
// earlier ones.
func NewTemplateSet(templates ...Template) *TemplateSet {
	s := &TemplateSet{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		s.templates[t.Name] = t
	}
	return s
}

// Add registers t, replacing any template with the same name.
func (s *TemplateSet) Add(t Template) error {
	if t.Name == "" {
		return ierrors.ValidationError("template name is required", nil)
	}
	s.mu.Lock()
	s.templates[t.Name] = t
	s.mu.Unlock()
	return nil
}

// Get returns the template named name.
func (s *TemplateSet) Get(name string) (Template, error) {
	s.mu.RLock()
	t, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok {
		return Template{}, ierrors.UnknownTemplateError(name)
	}
	return t, nil
}

// List returns the templates ordered by name.
func (s *TemplateSet) List() []Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Instantiate resolves the named template with params.
func (s *TemplateSet) Instantiate(name string, params map[string]any) (Expression, error) {
	t, err := s.Get(name)
	if err != nil {
		return Expression{}, err
	}
	return t.Instantiate(params)
}
