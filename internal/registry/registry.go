package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/preprocess"
)

// ReferenceChecker reports whether some component still depends on a field.
type ReferenceChecker interface {
	ReferencesField(tag string) bool
}

// Persister stores field definitions durably. Implemented by store.SQLiteStore.
type Persister interface {
	SaveField(ctx context.Context, f Field, version int64) error
	DeleteField(ctx context.Context, tag string, version int64) error
	ReplaceFields(ctx context.Context, fields []Field, version int64) error
	LoadFields(ctx context.Context) ([]Field, int64, error)
}

// lease records that a job depends on a set of tags.
type lease struct {
	jobID   string
	tags    map[string]struct{}
	running bool
	// live leases follow the registry: the job runs on whatever is defined
	// when it starts.
	live bool
}

// Registry is the field catalog. Reads take the read lock; mutations take the
// write lock and observe the job lease set atomically, so a job never starts
// against a half-changed definition.
type Registry struct {
	mu      sync.RWMutex
	fields  map[string]Field
	version int64
	leases  map[string]*lease

	pipeline  *preprocess.Pipeline
	persister Persister
	cacheRefs ReferenceChecker
	indexRefs ReferenceChecker
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithPersister stores every mutation through p.
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persister = p }
}

// WithCacheReferences blocks removal of fields referenced by cached queries.
func WithCacheReferences(c ReferenceChecker) Option {
	return func(r *Registry) { r.cacheRefs = c }
}

// WithIndexReferences blocks data type changes of fields with committed values.
func WithIndexReferences(c ReferenceChecker) Option {
	return func(r *Registry) { r.indexRefs = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry validating preprocessing chains against pipeline.
func New(pipeline *preprocess.Pipeline, opts ...Option) *Registry {
	r := &Registry{
		fields:   make(map[string]Field),
		leases:   make(map[string]*lease),
		pipeline: pipeline,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetCacheReferences installs the cache reference checker after construction.
func (r *Registry) SetCacheReferences(c ReferenceChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheRefs = c
}

// SetIndexReferences installs the index reference checker after construction.
func (r *Registry) SetIndexReferences(c ReferenceChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexRefs = c
}

// Load replaces in-memory state with the persisted definitions.
func (r *Registry) Load(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	fields, version, err := r.persister.LoadFields(ctx)
	if err != nil {
		return ierrors.StorageError("failed to load field registry", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields = make(map[string]Field, len(fields))
	for _, f := range fields {
		r.fields[f.Tag] = f.Clone()
	}
	r.version = version
	r.logger.Debug("field registry loaded",
		slog.Int("fields", len(fields)),
		slog.Int64("version", version))
	return nil
}

func (r *Registry) checkDefinition(f Field) error {
	if err := f.validate(); err != nil {
		return ierrors.New(ierrors.ErrCodeInvalidField, err.Error(), nil)
	}
	if r.pipeline != nil {
		if err := r.pipeline.Validate(f.Preprocessing); err != nil {
			return err
		}
	}
	return nil
}

// Define adds a new field. Fails with DuplicateFieldError if the tag exists.
func (r *Registry) Define(ctx context.Context, f Field) (Field, error) {
	if err := r.checkDefinition(f); err != nil {
		return Field{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.fields[f.Tag]; exists {
		return Field{}, ierrors.DuplicateFieldError(f.Tag)
	}

	next := r.version + 1
	f = f.Clone()
	f.Version = next
	if err := r.persist(ctx, f, next); err != nil {
		return Field{}, err
	}
	r.fields[f.Tag] = f
	r.version = next

	r.logger.Info("field defined",
		slog.String("tag", f.Tag),
		slog.String("data_type", string(f.DataType)))
	return f.Clone(), nil
}

// Update applies patch to an existing field.
//
// A data type change is refused with FieldInUseError while a running job
// references the tag or while committed records hold values for it; changing
// a type goes through a full re-index with a new field snapshot.
func (r *Registry) Update(ctx context.Context, tag string, patch Patch) (Field, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.fields[tag]
	if !ok {
		return Field{}, ierrors.NotFoundError(ierrors.ErrCodeFieldNotFound, "field", tag)
	}

	updated := patch.applyTo(current)
	if err := r.checkDefinition(updated); err != nil {
		return Field{}, err
	}

	if updated.DataType != current.DataType {
		if jobID, busy := r.runningLeaseFor(tag); busy {
			return Field{}, ierrors.FieldInUseError(tag, "referenced by running job "+jobID)
		}
		if r.indexRefs != nil && r.indexRefs.ReferencesField(tag) {
			return Field{}, ierrors.FieldInUseError(tag, "committed records hold values for this field").
				WithSuggestion("submit a full re-index with the new field definition")
		}
	}

	next := r.version + 1
	updated.Version = next
	if err := r.persist(ctx, updated, next); err != nil {
		return Field{}, err
	}
	r.fields[tag] = updated
	r.version = next

	r.logger.Info("field updated", slog.String("tag", tag), slog.Int64("version", next))
	return updated.Clone(), nil
}

// Remove deletes a field. Fails with FieldInUseError if any active job or
// cached query references it.
func (r *Registry) Remove(ctx context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.fields[tag]; !ok {
		return ierrors.NotFoundError(ierrors.ErrCodeFieldNotFound, "field", tag)
	}
	for _, l := range r.leases {
		if _, ok := l.tags[tag]; ok {
			return ierrors.FieldInUseError(tag, "referenced by active job "+l.jobID)
		}
	}
	if r.cacheRefs != nil && r.cacheRefs.ReferencesField(tag) {
		return ierrors.FieldInUseError(tag, "referenced by a cached query").
			WithSuggestion("clear the query cache first")
	}

	next := r.version + 1
	if r.persister != nil {
		if err := r.persister.DeleteField(ctx, tag, next); err != nil {
			return ierrors.StorageError("failed to delete field", err)
		}
	}
	delete(r.fields, tag)
	r.version = next

	r.logger.Info("field removed", slog.String("tag", tag))
	return nil
}

// Get returns the definition of tag.
func (r *Registry) Get(tag string) (Field, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fields[tag]
	if !ok {
		return Field{}, ierrors.NotFoundError(ierrors.ErrCodeFieldNotFound, "field", tag)
	}
	return f.Clone(), nil
}

// List returns all definitions ordered by tag.
func (r *Registry) List() []Field {
	return r.Snapshot().List()
}

// Version returns the registry version counter.
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Snapshot returns an immutable copy of the current definitions.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() Snapshot {
	fields := make(map[string]Field, len(r.fields))
	for tag, f := range r.fields {
		fields[tag] = f.Clone()
	}
	return Snapshot{Version: r.version, fields: fields}
}

// Acquire registers jobID as depending on tags. Empty tags means every field
// currently defined, and every field defined by the time the job starts.
func (r *Registry) Acquire(jobID string, tags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := &lease{jobID: jobID, tags: make(map[string]struct{}), live: len(tags) == 0}
	if l.live {
		for tag := range r.fields {
			l.tags[tag] = struct{}{}
		}
	}
	for _, tag := range tags {
		l.tags[tag] = struct{}{}
	}
	r.leases[jobID] = l
}

// Start marks jobID's lease running and returns the definitions the job must
// use, taken under the same lock. A live lease widens to every field in the
// returned snapshot.
func (r *Registry) Start(jobID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.leases[jobID]; ok {
		l.running = true
		if l.live {
			for tag := range r.fields {
				l.tags[tag] = struct{}{}
			}
		}
	}
	return r.snapshotLocked()
}

// Release drops jobID's lease.
func (r *Registry) Release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.leases, jobID)
}

// Adopt replaces every definition with fields. A full re-index calls it after
// committing records built from that field snapshot.
func (r *Registry) Adopt(ctx context.Context, fields []Field) error {
	for _, f := range fields {
		if err := r.checkDefinition(f); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replaceLocked(ctx, fields, r.version+1)
}

// Restore replaces definitions and the version counter from a backup.
func (r *Registry) Restore(ctx context.Context, fields []Field, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replaceLocked(ctx, fields, version)
}

func (r *Registry) replaceLocked(ctx context.Context, fields []Field, version int64) error {
	next := make(map[string]Field, len(fields))
	for _, f := range fields {
		f = f.Clone()
		if f.Version == 0 {
			f.Version = version
		}
		next[f.Tag] = f
	}
	if r.persister != nil {
		list := make([]Field, 0, len(next))
		for _, f := range next {
			list = append(list, f)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Tag < list[j].Tag })
		if err := r.persister.ReplaceFields(ctx, list, version); err != nil {
			return ierrors.StorageError("failed to replace field registry", err)
		}
	}
	r.fields = next
	r.version = version
	r.logger.Info("field registry replaced",
		slog.Int("fields", len(next)),
		slog.Int64("version", version))
	return nil
}

// runningLeaseFor must be called with mu held.
func (r *Registry) runningLeaseFor(tag string) (string, bool) {
	for _, l := range r.leases {
		if !l.running {
			continue
		}
		if _, ok := l.tags[tag]; ok {
			return l.jobID, true
		}
	}
	return "", false
}

func (r *Registry) persist(ctx context.Context, f Field, version int64) error {
	if r.persister == nil {
		return nil
	}
	if err := r.persister.SaveField(ctx, f, version); err != nil {
		return ierrors.StorageError(fmt.Sprintf("failed to persist field %s", f.Tag), err)
	}
	return nil
}
