// Package cache is a namespaced, content-addressed store for provider
// responses, embeddings and derived artifacts. Reads never fail: a backend
// error, a corrupt value or a failed migration is reported as a miss. Writes
// never fail either; errors are logged and counted.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/everstacklabs/evalcore/internal/metrics"
)

// Backend is the storage contract. Implementations must be safe for
// concurrent use.
type Backend interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	Close() error
}

// Counter is implemented by backends that can report their entry count.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Pruner is implemented by backends that can drop entries by age.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ErrUnsupported is returned when a backend lacks an optional capability.
var ErrUnsupported = errors.New("operation not supported by cache backend")

const envelopeVersion = 1

// entry wraps every stored value. Values written before the envelope
// existed are raw bytes and are migrated on first read.
type entry struct {
	Version  int       `json:"v"`
	Value    []byte    `json:"value"`
	CachedAt time.Time `json:"cached_at"`
}

// Stats reports cache activity since construction.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	WriteFailures int64 `json:"write_failures"`
	Migrations    int64 `json:"migrations"`
	Entries       int64 `json:"entries"`
}

// Cache fronts a Backend with the envelope format, migration and counters.
type Cache struct {
	backend Backend
	legacy  map[string]string
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time

	hits          atomic.Int64
	misses        atomic.Int64
	writeFailures atomic.Int64
	migrations    atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLegacyNamespace makes reads in namespace fall back to legacy and copy
// any value found there forward.
func WithLegacyNamespace(namespace, legacy string) Option {
	return func(c *Cache) { c.legacy[namespace] = legacy }
}

// WithMetrics counts hits, misses and write failures on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(c *Cache) { c.metrics = rec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		legacy:  make(map[string]string),
		logger:  slog.Default().With("component", "cache"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Namespace returns an isolated view of the cache.
func (c *Cache) Namespace(name string) *Namespace {
	return &Namespace{cache: c, name: name}
}

// Stats returns the counters and, when the backend supports it, the number of
// stored entries.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		WriteFailures: c.writeFailures.Load(),
		Migrations:    c.migrations.Load(),
	}
	counter, ok := c.backend.(Counter)
	if !ok {
		return s, nil
	}
	n, err := counter.Count(ctx)
	if err != nil {
		return s, err
	}
	s.Entries = n
	return s, nil
}

// Prune drops entries older than olderThan.
func (c *Cache) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	p, ok := c.backend.(Pruner)
	if !ok {
		return 0, ErrUnsupported
	}
	return p.Prune(ctx, olderThan)
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

// Namespace is a view of the cache whose keys cannot collide with any other
// namespace.
type Namespace struct {
	cache *Cache
	name  string
}

// Name returns the namespace name.
func (n *Namespace) Name() string { return n.name }

// Get returns the value stored under key.
func (n *Namespace) Get(ctx context.Context, key string) ([]byte, bool) {
	c := n.cache

	raw, ok, err := c.backend.Get(ctx, n.name, key)
	if err != nil {
		c.logger.Warn("cache read failed", "namespace", n.name, "key", key, "error", err)
		return n.miss()
	}
	if ok {
		value, ok := n.decode(ctx, n.name, key, raw)
		if !ok {
			return n.miss()
		}
		return n.hit(value)
	}

	legacyNS, hasLegacy := c.legacy[n.name]
	if !hasLegacy {
		return n.miss()
	}
	raw, ok, err = c.backend.Get(ctx, legacyNS, key)
	if err != nil || !ok {
		return n.miss()
	}
	value, ok := unwrap(raw)
	if !ok {
		return n.miss()
	}
	if err := n.write(ctx, key, value); err != nil {
		c.logger.Warn("cache migration failed", "namespace", n.name, "from", legacyNS, "key", key, "error", err)
		return n.miss()
	}
	c.migrations.Add(1)
	c.metrics.ObserveCache(n.name, "migrated")
	return n.hit(value)
}

// Set stores value under key. Failures are logged and counted; the next read
// of key will miss.
func (n *Namespace) Set(ctx context.Context, key string, value []byte) {
	if err := n.write(ctx, key, value); err != nil {
		n.cache.writeFailures.Add(1)
		n.cache.metrics.ObserveCache(n.name, "write_failure")
		n.cache.logger.Warn("cache write failed", "namespace", n.name, "key", key, "error", err)
	}
}

// GetJSON decodes a cached JSON value into v.
func (n *Namespace) GetJSON(ctx context.Context, key string, v any) bool {
	data, ok := n.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		n.cache.logger.Warn("cached value is not valid JSON", "namespace", n.name, "key", key, "error", err)
		return false
	}
	return true
}

// SetJSON stores v as JSON.
func (n *Namespace) SetJSON(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.cache.logger.Warn("marshaling cache value", "namespace", n.name, "key", key, "error", err)
		return
	}
	n.Set(ctx, key, data)
}

func (n *Namespace) write(ctx context.Context, key string, value []byte) error {
	data, err := json.Marshal(entry{
		Version:  envelopeVersion,
		Value:    value,
		CachedAt: n.cache.now().UTC(),
	})
	if err != nil {
		return err
	}
	return n.cache.backend.Set(ctx, n.name, key, data)
}

// decode unwraps a stored value, rewriting it in the current envelope when
// it predates one.
func (n *Namespace) decode(ctx context.Context, namespace, key string, raw []byte) ([]byte, bool) {
	var e entry
	err := json.Unmarshal(raw, &e)
	switch {
	case err == nil && e.Version == envelopeVersion && e.Value != nil:
		return e.Value, true
	case err == nil && e.Version > envelopeVersion:
		return nil, false
	}

	value, ok := unwrap(raw)
	if !ok {
		_ = n.cache.backend.Delete(ctx, namespace, key)
		return nil, false
	}
	if err := n.write(ctx, key, value); err != nil {
		n.cache.logger.Warn("cache migration failed", "namespace", namespace, "key", key, "error", err)
		return nil, false
	}
	n.cache.migrations.Add(1)
	n.cache.metrics.ObserveCache(namespace, "migrated")
	return value, true
}

// unwrap returns the payload of raw whether or not it carries an envelope.
func unwrap(raw []byte) ([]byte, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err == nil && e.Version == envelopeVersion && e.Value != nil {
		return e.Value, true
	}
	return raw, true
}

func (n *Namespace) hit(value []byte) ([]byte, bool) {
	n.cache.hits.Add(1)
	n.cache.metrics.ObserveCache(n.name, "hit")
	return value, true
}

func (n *Namespace) miss() ([]byte, bool) {
	n.cache.misses.Add(1)
	n.cache.metrics.ObserveCache(n.name, "miss")
	return nil, false
}
