// Package cache is the bounded, TTL-based cache of query results keyed by
// normalized query shape. It is invalidated as a whole whenever the index
// version advances.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Cache configuration constants.
const (
	// DefaultMaxBytes is the default memory ceiling (64 MiB).
	DefaultMaxBytes = 64 << 20

	// DefaultMaxEntries bounds the entry count independently of size.
	DefaultMaxEntries = 10000

	// DefaultTTL applies when Put is called with a zero ttl.
	DefaultTTL = 5 * time.Minute
)

// Value is a cacheable item that knows its approximate size.
type Value interface {
	SizeBytes() int64
}

// FieldReferencer is implemented by values derived from specific fields.
// The cache keeps a reference count per field so the registry can refuse to
// remove a field a cached query still depends on.
type FieldReferencer interface {
	ReferencedFields() []string
}

// Entry is one cached value with its bookkeeping.
type Entry struct {
	Key            string
	Value          Value
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	TTL            time.Duration
	fields         []string
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) >= e.TTL
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
	Invalidations uint64 `json:"invalidations"`
	Entries       int    `json:"entries"`
	SizeBytes     int64  `json:"size_bytes"`
	MaxBytes      int64  `json:"max_bytes"`
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Config configures a Cache.
type Config struct {
	MaxBytes   int64
	MaxEntries int
	DefaultTTL time.Duration
}

// Cache is an LRU cache bounded by both bytes and entries, with per-entry TTL.
// It has its own lock, independent of the index commit lock.
type Cache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, *Entry]
	size       int64
	maxBytes   int64
	maxEntries int
	defaultTTL time.Duration
	fieldRefs  map[string]int

	hits          uint64
	misses        uint64
	evictions     uint64
	invalidations uint64

	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source for TTL accounting.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache. Zero config members take the package defaults.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	c := &Cache{
		maxBytes:   cfg.MaxBytes,
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
		fieldRefs:  make(map[string]int),
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// Capacity is enforced by hand before every add so evictions are counted;
	// the callback only releases bookkeeping.
	c.lru, _ = simplelru.NewLRU[string, *Entry](cfg.MaxEntries+1, c.release)
	return c
}

// release runs under c.mu for every entry leaving the LRU.
func (c *Cache) release(_ string, e *Entry) {
	c.size -= e.SizeBytes
	for _, f := range e.fields {
		if c.fieldRefs[f]--; c.fieldRefs[f] <= 0 {
			delete(c.fieldRefs, f)
		}
	}
}

// Get returns the value for key. Expired entries are evicted and reported as misses.
func (c *Cache) Get(key string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	now := c.clock()
	if e.expired(now) {
		c.lru.Remove(key)
		c.evictions++
		c.misses++
		return nil, false
	}
	e.LastAccessedAt = now
	c.hits++
	return e.Value, true
}

// Put stores value under key. A zero ttl selects the default TTL. Values
// larger than the whole ceiling are not cached.
func (c *Cache) Put(key string, value Value, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	size := value.SizeBytes()

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxBytes {
		c.logger.Debug("cache value exceeds ceiling, not cached",
			slog.String("key", key),
			slog.Int64("size", size))
		return
	}
	c.lru.Remove(key)

	for c.lru.Len() > 0 && (c.size+size > c.maxBytes || c.lru.Len() >= c.maxEntries) {
		c.lru.RemoveOldest()
		c.evictions++
	}

	now := c.clock()
	e := &Entry{
		Key:            key,
		Value:          value,
		SizeBytes:      size,
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            ttl,
	}
	if fr, ok := value.(FieldReferencer); ok {
		e.fields = fr.ReferencedFields()
		for _, f := range e.fields {
			c.fieldRefs[f]++
		}
	}
	c.size += size
	c.lru.Add(key, e)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.lru.Len()
	c.lru.Purge()
	c.size = 0
	c.fieldRefs = make(map[string]int)
	c.invalidations++
	if n > 0 {
		c.logger.Debug("cache invalidated", slog.Int("entries", n))
	}
}

// Stats returns hit, miss and eviction counters and the occupied size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
		Entries:       c.lru.Len(),
		SizeBytes:     c.size,
		MaxBytes:      c.maxBytes,
	}
}

// ReferencesField reports whether any live cached value was derived from tag.
// Expired entries are evicted first so they never pin a field.
func (c *Cache) ReferencesField(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fieldRefs[tag] == 0 {
		return false
	}
	c.evictExpiredLocked()
	return c.fieldRefs[tag] > 0
}

func (c *Cache) evictExpiredLocked() {
	now := c.clock()
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && e.expired(now) {
			c.lru.Remove(k)
			c.evictions++
		}
	}
}

// Entries returns a copy of the entry metadata, most recently used last.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.lru.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := c.lru.Peek(k); ok {
			out = append(out, *e)
		}
	}
	return out
}
