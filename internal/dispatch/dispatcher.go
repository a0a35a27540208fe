// Package dispatch turns a normalized llm.Request into a classified
// llm.Outcome: validation, cache lookup, admission through the concurrency
// gate, the provider call under a timeout, limiter feedback and cache
// write-back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/everstacklabs/evalcore/internal/cache"
	"github.com/everstacklabs/evalcore/internal/llm"
	"github.com/everstacklabs/evalcore/internal/metrics"
	"github.com/everstacklabs/evalcore/internal/provider"
	"github.com/everstacklabs/evalcore/internal/ratelimit"
)

// ErrUnknownProvider is returned (as Fatal) for models whose provider has no
// configured client.
var ErrUnknownProvider = errors.New("no client configured for provider")

const defaultTimeout = 120 * time.Second

// Dispatcher performs guarded, cached provider calls.
type Dispatcher struct {
	clients map[string]llm.Client
	gate    *ratelimit.Gate
	cache   *cache.Namespace
	metrics *metrics.Recorder
	tracer  trace.Tracer
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCache enables response caching in ns for requests with UseCache set.
func WithCache(ns *cache.Namespace) Option {
	return func(d *Dispatcher) { d.cache = ns }
}

// WithMetrics records call outcomes and latency.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = rec }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDefaultTimeout sets the timeout for requests that carry none.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// New creates a dispatcher. clients is keyed by provider name.
func New(clients map[string]llm.Client, gate *ratelimit.Gate, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		clients: clients,
		gate:    gate,
		tracer:  otel.Tracer("github.com/everstacklabs/evalcore/internal/dispatch"),
		logger:  slog.Default().With("component", "dispatch"),
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call executes req and classifies the result. It never returns a nil
// Outcome and never panics on provider errors.
func (d *Dispatcher) Call(ctx context.Context, req llm.Request) llm.Outcome {
	if err := req.Validate(); err != nil {
		return llm.Fatal{Cause: err}
	}

	providerName := provider.ProviderOf(req.ModelID)
	client, ok := d.clients[providerName]
	if !ok {
		return llm.Fatal{Cause: fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)}
	}

	var key string
	if req.UseCache && d.cache != nil {
		k, err := cache.RequestKey(&req)
		if err != nil {
			d.logger.Warn("computing cache key", "model", req.ModelID, "error", err)
		} else {
			key = k
			if text, ok := d.cache.Get(ctx, key); ok {
				return llm.Success{Text: string(text), FromCache: true}
			}
		}
	}

	completion := llm.Completion{
		Model:       provider.ModelName(req.ModelID),
		System:      req.SystemPrompt,
		Messages:    req.Conversation(),
		Temperature: req.Temperature,
		Seed:        req.Seed,
		MaxTokens:   req.MaxTokens,
	}

	var text string
	outcome := d.Do(ctx, providerName, req.Timeout, func(ctx context.Context) error {
		var err error
		text, err = client.Complete(ctx, completion)
		return err
	})
	if _, ok := outcome.(llm.Success); !ok {
		return outcome
	}

	if key != "" {
		d.cache.Set(context.WithoutCancel(ctx), key, []byte(text))
	}
	return llm.Success{Text: text}
}

// Do runs fn as one guarded call to providerName: it waits for a gate
// permit, bounds fn by timeout (or the default), classifies the error and
// reports the outcome to the provider's controller. Waiting for the permit
// honours ctx cancellation; once admitted, fn runs to completion or timeout
// even if ctx is canceled.
func (d *Dispatcher) Do(ctx context.Context, providerName string, timeout time.Duration, fn func(context.Context) error) llm.Outcome {
	ctx, span := d.tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("llm.provider", providerName),
	))
	defer span.End()

	release, err := d.gate.Acquire(ctx, providerName)
	if err != nil {
		outcome := llm.Classify(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome
	}
	defer release()

	if timeout <= 0 {
		timeout = d.timeout
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	err = fn(callCtx)
	outcome := llm.Classify(err)
	elapsed := time.Since(start)

	d.notify(providerName, outcome)
	d.metrics.ObserveCall(providerName, string(outcome.Kind()), elapsed)

	span.SetAttributes(attribute.String("llm.outcome", string(outcome.Kind())))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Debug("provider call failed",
			"provider", providerName,
			"outcome", outcome.Kind(),
			"duration", elapsed,
			"error", err,
		)
	}
	return outcome
}

func (d *Dispatcher) notify(providerName string, outcome llm.Outcome) {
	ctrl := d.gate.Controller(providerName)
	switch o := outcome.(type) {
	case llm.Success:
		ctrl.OnSuccess()
	case llm.RateLimited:
		ctrl.OnRateLimit(o.RetryAfter)
	default:
		ctrl.OnError()
	}
}
