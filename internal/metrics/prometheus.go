package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder reports call, cache and limiter metrics. A nil *Recorder is valid
// and records nothing, so components can be built without instrumentation.
type Recorder struct {
	calls       *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	cache       *prometheus.CounterVec
	concurrency *prometheus.GaugeVec
	retries     *prometheus.CounterVec
}

// NewRecorder registers the evalcore collectors on registry.
func NewRecorder(registry *prometheus.Registry) (*Recorder, error) {
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	r := &Recorder{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalcore_llm_calls_total",
			Help: "LLM calls by provider and outcome",
		}, []string{"provider", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evalcore_llm_call_duration_seconds",
			Help:    "LLM call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalcore_cache_events_total",
			Help: "Cache lookups and writes by namespace and result",
		}, []string{"namespace", "result"}),
		concurrency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evalcore_provider_concurrency",
			Help: "Current adaptive concurrency per provider",
		}, []string{"provider"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalcore_task_retries_total",
			Help: "Task requeues by reason",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{r.calls, r.durations, r.cache, r.concurrency, r.retries} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// ObserveCall records a completed provider call.
func (r *Recorder) ObserveCall(provider, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.calls.WithLabelValues(provider, outcome).Inc()
	r.durations.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveCache records a cache event such as "hit", "miss" or "write_failure".
func (r *Recorder) ObserveCache(namespace, result string) {
	if r == nil {
		return
	}
	r.cache.WithLabelValues(namespace, result).Inc()
}

// SetConcurrency publishes the limiter's current permit count.
func (r *Recorder) SetConcurrency(provider string, n int) {
	if r == nil {
		return
	}
	r.concurrency.WithLabelValues(provider).Set(float64(n))
}

// ObserveRetry records a task requeue.
func (r *Recorder) ObserveRetry(reason string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(reason).Inc()
}

// Serve exposes registry on addr until ctx is done.
func Serve(ctx context.Context, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
