package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/dicomindex/internal/cache"
	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/index"
	"github.com/Aman-CERP/dicomindex/internal/preprocess"
	"github.com/Aman-CERP/dicomindex/internal/registry"
	"github.com/Aman-CERP/dicomindex/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultPageLimit   = 50
	DefaultMaxLimit    = 1000
	DefaultSuggestTopN = 10
	DefaultCacheTTL    = 5 * time.Minute
)

// FieldSource supplies the current field definitions.
type FieldSource interface {
	Snapshot() registry.Snapshot
}

// Index supplies consistent read views.
type Index interface {
	View() *index.View
}

// Cache stores executed responses.
type Cache interface {
	Get(key string) (cache.Value, bool)
	Put(key string, value cache.Value, ttl time.Duration)
}

// StatsRecorder receives one event per executed query.
type StatsRecorder interface {
	Record(event telemetry.QueryEvent)
}

// Config tunes the engine.
type Config struct {
	Limits       Limits
	DefaultLimit int
	MaxLimit     int
	SuggestTopN  int
	CacheTTL     time.Duration
}

func (c Config) withDefaults() Config {
	c.Limits = c.Limits.withDefaults()
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = DefaultPageLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = DefaultMaxLimit
	}
	if c.SuggestTopN <= 0 {
		c.SuggestTopN = DefaultSuggestTopN
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

// Request is one execute call.
type Request struct {
	Expression Expression `json:"expression"`
	Page       index.Page `json:"page"`
	Sort       index.Sort `json:"sort"`
	Facets     []string   `json:"facets,omitempty"`
}

// FacetCount is one facet value and the number of matching records holding it.
type FacetCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Response is the result of execute.
type Response struct {
	Records []index.Record          `json:"records"`
	Total   int                     `json:"total"`
	Facets  map[string][]FacetCount `json:"facets,omitempty"`
	Version int64                   `json:"version"`
	Cached  bool                    `json:"cached"`
	Shape   string                  `json:"shape"`

	fields []string
}

// SizeBytes approximates the memory held by r.
func (r *Response) SizeBytes() int64 {
	size := int64(128)
	for _, rec := range r.Records {
		size += int64(72 + len(rec.ID))
		for k, v := range rec.RawValues {
			size += int64(len(k) + len(v) + 16)
		}
		for k, v := range rec.IndexedValues {
			size += int64(len(k) + len(v) + 16)
		}
	}
	for field, counts := range r.Facets {
		size += int64(len(field))
		for _, c := range counts {
			size += int64(len(c.Value) + 16)
		}
	}
	return size
}

// ReferencedFields reports the fields the cached response was derived from.
func (r *Response) ReferencedFields() []string { return r.fields }

// Suggestion is one autocomplete candidate.
type Suggestion struct {
	Field string `json:"field"`
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Engine validates and executes filter expressions.
type Engine struct {
	fields    FieldSource
	index     Index
	pipeline  *preprocess.Pipeline
	cache     Cache
	stats     StatsRecorder
	templates *TemplateSet
	cfg       Config
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache enables response caching.
func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithStats sets the query-shape statistics recorder.
func WithStats(s StatsRecorder) Option {
	return func(e *Engine) { e.stats = s }
}

// WithTemplates sets the template set. Built-in templates are used otherwise.
func WithTemplates(t *TemplateSet) Option {
	return func(e *Engine) { e.templates = t }
}

// WithConfig sets limits and page defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock overrides the latency clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a query engine.
func NewEngine(fields FieldSource, idx Index, pipeline *preprocess.Pipeline, opts ...Option) *Engine {
	e := &Engine{
		fields:   fields,
		index:    idx,
		pipeline: pipeline,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	if e.templates == nil {
		e.templates = NewTemplateSet(BuiltinTemplates()...)
	}
	return e
}

// Validate checks expr against the current field definitions.
func (e *Engine) Validate(expr Expression) ValidationResult {
	result, _ := compileExpression(expr, e.fields.Snapshot(), e.pipeline, e.cfg.Limits)
	return result
}

// Normalize returns the canonical form of a valid expression.
func (e *Engine) Normalize(expr Expression) (Expression, error) {
	result, c := compileExpression(expr, e.fields.Snapshot(), e.pipeline, e.cfg.Limits)
	if c == nil {
		return Expression{}, result.Err()
	}
	return c.normalized, nil
}

// Execute runs req against the current committed view.
func (e *Engine) Execute(ctx context.Context, req Request) (*Response, error) {
	start := e.clock()
	snap := e.fields.Snapshot()

	result, c := compileExpression(req.Expression, snap, e.pipeline, e.cfg.Limits)
	if c == nil {
		return nil, result.Err()
	}
	page, err := e.resolvePage(req.Page)
	if err != nil {
		return nil, err
	}
	sortSpec, err := resolveSort(req.Sort, snap)
	if err != nil {
		return nil, err
	}
	facets, err := resolveFacets(req.Facets, snap)
	if err != nil {
		return nil, err
	}

	view := e.index.View()
	shape := Shape(c.normalized)
	key := cacheKey(c.normalized, page, sortSpec, facets, view.Version())

	if cached, ok := e.cacheGet(key); ok {
		out := *cached
		out.Cached = true
		e.record(shape, out.Total, start, true)
		return &out, nil
	}

	res, err := view.Query(ctx, c.predicate, page, sortSpec)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Records: res.Records,
		Total:   res.Total,
		Version: res.Version,
		Shape:   shape,
		fields:  mergeFields(c.fields, facets, sortSpec.Field),
	}
	if len(facets) > 0 {
		resp.Facets = make(map[string][]FacetCount, len(facets))
		for _, field := range facets {
			counts, err := view.ScanFacets(ctx, field, c.predicate)
			if err != nil {
				return nil, err
			}
			resp.Facets[field] = rankFacets(counts)
		}
	}

	// A commit after the view was taken has already invalidated the cache;
	// an entry for the older version would only pin its fields.
	if e.index.View().Version() == resp.Version {
		e.cachePut(key, resp)
	}
	e.record(shape, resp.Total, start, false)
	e.logger.Debug("query executed",
		slog.String("shape", shape),
		slog.Int("total", resp.Total),
		slog.Int64("version", resp.Version))
	return resp, nil
}

func (e *Engine) resolvePage(p index.Page) (index.Page, error) {
	if p.Offset < 0 || p.Limit < 0 {
		return p, ierrors.ValidationError("page offset and limit must not be negative", nil)
	}
	if p.Limit == 0 {
		p.Limit = e.cfg.DefaultLimit
	}
	if p.Limit > e.cfg.MaxLimit {
		p.Limit = e.cfg.MaxLimit
	}
	return p, nil
}

func resolveSort(s index.Sort, snap registry.Snapshot) (index.Sort, error) {
	if s.Field == "" {
		return index.Sort{}, nil
	}
	f, ok := snap.Get(s.Field)
	if !ok {
		return s, ierrors.NotFoundError(ierrors.ErrCodeFieldNotFound, "field", s.Field)
	}
	s.Order = index.OrderLexical
	if f.DataType == registry.TypeNumeric {
		s.Order = index.OrderNumeric
	}
	return s, nil
}

func resolveFacets(requested []string, snap registry.Snapshot) ([]string, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	out := slices.Clone(requested)
	sort.Strings(out)
	out = slices.Compact(out)
	for _, tag := range out {
		f, ok := snap.Get(tag)
		if !ok {
			return nil, ierrors.NotFoundError(ierrors.ErrCodeFieldNotFound, "field", tag)
		}
		if !f.Facetable {
			return nil, ierrors.New(ierrors.ErrCodeFieldNotFacetable,
				fmt.Sprintf("field %s is not facetable", tag), nil).WithDetail("tag", tag)
		}
	}
	return out, nil
}

func mergeFields(fields, facets []string, sortField string) []string {
	out := slices.Clone(fields)
	for _, f := range append(slices.Clone(facets), sortField) {
		if f != "" && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// rankFacets orders facet values by count descending, then value ascending.
func rankFacets(counts map[string]int) []FacetCount {
	out := make([]FacetCount, 0, len(counts))
	for v, n := range counts {
		out = append(out, FacetCount{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func cacheKey(e Expression, page index.Page, s index.Sort, facets []string, version int64) string {
	payload, _ := json.Marshal(struct {
		Expression Expression `json:"e"`
		Page       index.Page `json:"p"`
		Sort       index.Sort `json:"s"`
		Facets     []string   `json:"f"`
		Version    int64      `json:"v"`
	}{e, page, s, facets, version})
	sum := sha256.Sum256(payload)
	return "q:" + hex.EncodeToString(sum[:])
}

// cacheGet reads through the cache. A failing cache is bypassed.
func (e *Engine) cacheGet(key string) (resp *Response, ok bool) {
	if e.cache == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("cache read failed, bypassing", slog.Any("panic", r))
			resp, ok = nil, false
		}
	}()
	v, hit := e.cache.Get(key)
	if !hit {
		return nil, false
	}
	resp, ok = v.(*Response)
	return resp, ok
}

func (e *Engine) cachePut(key string, resp *Response) {
	if e.cache == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("cache write failed, bypassing", slog.Any("panic", r))
		}
	}()
	e.cache.Put(key, resp, e.cfg.CacheTTL)
}

func (e *Engine) record(shape string, total int, start time.Time, cached bool) {
	if e.stats == nil {
		return
	}
	now := e.clock()
	e.stats.Record(telemetry.QueryEvent{
		Shape:       shape,
		ResultCount: total,
		Latency:     now.Sub(start),
		Cached:      cached,
		Timestamp:   now,
	})
}

// Suggest returns autocomplete candidates for values of the fields matching
// partialField. An exact tag match selects that field alone; otherwise every
// searchable field whose tag starts with partialField (case-insensitive) is
// scanned. Values match when they, or any word in them, start with
// partialValue. Results rank by count descending, then field and value.
func (e *Engine) Suggest(ctx context.Context, partialField, partialValue string) ([]Suggestion, error) {
	snap := e.fields.Snapshot()
	var fields []registry.Field
	if f, ok := snap.Get(partialField); ok {
		if !f.Searchable {
			return nil, ierrors.New(ierrors.ErrCodeFieldNotSearchable,
				fmt.Sprintf("field %s is not searchable", f.Tag), nil).WithDetail("tag", f.Tag)
		}
		fields = append(fields, f)
	} else {
		prefix := strings.ToLower(partialField)
		for _, f := range snap.List() {
			if f.Searchable && strings.HasPrefix(strings.ToLower(f.Tag), prefix) {
				fields = append(fields, f)
			}
		}
	}

	needle := strings.ToLower(strings.TrimSpace(partialValue))
	view := e.index.View()
	var out []Suggestion
	for _, f := range fields {
		counts, err := view.ScanFacets(ctx, f.Tag, index.All())
		if err != nil {
			return nil, err
		}
		for value, n := range counts {
			if matchesPrefix(value, needle) {
				out = append(out, Suggestion{Field: f.Tag, Value: value, Count: n})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > e.cfg.SuggestTopN {
		out = out[:e.cfg.SuggestTopN]
	}
	return out, nil
}

func matchesPrefix(value, needle string) bool {
	if needle == "" {
		return true
	}
	v := strings.ToLower(value)
	if strings.HasPrefix(v, needle) {
		return true
	}
	for _, w := range strings.Fields(v) {
		if strings.HasPrefix(w, needle) {
			return true
		}
	}
	return false
}

// Combine wraps exprs in an and/or node after validating each independently.
// The combined expression is validated as a whole as well.
func (e *Engine) Combine(exprs []Expression, op Operator) (Expression, error) {
	if op != OpAnd && op != OpOr {
		return Expression{}, ierrors.New(ierrors.ErrCodeUnsupportedOperator,
			fmt.Sprintf("combine requires and or or, got %q", op), nil)
	}
	if len(exprs) == 0 {
		return Expression{}, ierrors.ValidationError("combine requires at least one expression", nil)
	}
	snap := e.fields.Snapshot()
	for i, child := range exprs {
		result, _ := compileExpression(child, snap, e.pipeline, e.cfg.Limits)
		if err := result.Err(); err != nil {
			if ie, ok := err.(*ierrors.IndexError); ok {
				return Expression{}, ie.WithDetail("child", fmt.Sprint(i))
			}
			return Expression{}, err
		}
	}
	combined := Expression{Operator: op, Children: slices.Clone(exprs)}
	result, _ := compileExpression(combined, snap, e.pipeline, e.cfg.Limits)
	if err := result.Err(); err != nil {
		return Expression{}, err
	}
	return combined, nil
}

// FieldCatalog lists the searchable fields with the operators each accepts.
func (e *Engine) FieldCatalog() []FieldInfo {
	var out []FieldInfo
	for _, f := range e.fields.Snapshot().List() {
		if !f.Searchable {
			continue
		}
		out = append(out, FieldInfo{
			Tag:       f.Tag,
			DataType:  f.DataType,
			Facetable: f.Facetable,
			Operators: OperatorsFor(f.DataType),
			Enum:      f.EnumValues,
		})
	}
	return out
}

// Templates returns the available templates.
func (e *Engine) Templates() []Template { return e.templates.List() }

// AddTemplate registers a user template.
func (e *Engine) AddTemplate(t Template) error { return e.templates.Add(t) }

// InstantiateTemplate resolves the named template with params.
func (e *Engine) InstantiateTemplate(name string, params map[string]any) (Expression, error) {
	return e.templates.Instantiate(name, params)
}
