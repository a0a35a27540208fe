package ratelimit

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/everstacklabs/evalcore/internal/metrics"
	"github.com/everstacklabs/evalcore/internal/provider"
)

// Registry hands out one Controller per provider, created on first use.
type Registry struct {
	profiles *provider.Registry
	metrics  *metrics.Recorder
	now      func() time.Time
	logger   *slog.Logger

	mu          sync.Mutex
	controllers map[string]*Controller
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics publishes concurrency changes to rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = rec }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used by controllers.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a controller registry backed by profiles.
func NewRegistry(profiles *provider.Registry, opts ...Option) *Registry {
	r := &Registry{
		profiles:    profiles,
		now:         time.Now,
		logger:      slog.Default().With("component", "ratelimit"),
		controllers: make(map[string]*Controller),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Controller returns the controller for a provider.
func (r *Registry) Controller(name string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[name]; ok {
		return c
	}
	c := newController(r.profiles.Get(name), r.now, r.metrics.SetConcurrency, r.logger)
	r.controllers[name] = c
	return c
}

// CurrentConcurrency is shorthand for Controller(name).CurrentConcurrency().
func (r *Registry) CurrentConcurrency(name string) int {
	return r.Controller(name).CurrentConcurrency()
}

// Snapshot returns the state of every controller seen so far, sorted by provider.
func (r *Registry) Snapshot() []State {
	r.mu.Lock()
	cs := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		cs = append(cs, c)
	}
	r.mu.Unlock()

	out := make([]State, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
