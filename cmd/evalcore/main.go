package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/everstacklabs/evalcore/internal/cache"
	"github.com/everstacklabs/evalcore/internal/config"
	"github.com/everstacklabs/evalcore/internal/dispatch"
	"github.com/everstacklabs/evalcore/internal/embedding"
	"github.com/everstacklabs/evalcore/internal/httpclient"
	"github.com/everstacklabs/evalcore/internal/job"
	"github.com/everstacklabs/evalcore/internal/judge"
	"github.com/everstacklabs/evalcore/internal/llm"
	"github.com/everstacklabs/evalcore/internal/metrics"
	"github.com/everstacklabs/evalcore/internal/pipeline"
	"github.com/everstacklabs/evalcore/internal/provider"
	"github.com/everstacklabs/evalcore/internal/ratelimit"
)

// responsesNamespace holds chat completion results.
const responsesNamespace = "responses"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "evalcore",
		Short: "Fan prompts out to LLM providers and score the results",
		Long: `evalcore runs every prompt of a job against every model, temperature and seed,
adapting per-provider concurrency to rate limits. Responses are cached,
optionally embedded and compared to ideal answers, scored against rubric
points by a panel of judge models, and ranked.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	rootCmd.AddCommand(runCmd(), profilesCmd(), cacheCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <job.yaml>",
		Short: "Run a job and write the results as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)

			noCache, _ := cmd.Flags().GetBool("no-cache")
			j, err := loadJob(args[0], cfg, noCache)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.Addr
			}
			registry := prometheus.NewRegistry()
			rec, err := metrics.NewRecorder(registry)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				go func() {
					if err := metrics.Serve(ctx, metricsAddr, registry); err != nil {
						slog.Error("metrics server stopped", "error", err)
					}
				}()
			}

			svc, err := buildServices(ctx, cfg, rec)
			if err != nil {
				return err
			}
			defer svc.close()

			opts := []pipeline.Option{pipeline.WithMetrics(rec)}
			if j.EmbeddingModel != "" {
				opts = append(opts, pipeline.WithEmbedder(embedding.NewService(svc.embedders, svc.dispatcher, svc.store, cfg.Embedding.Timeout)))
			}
			if j.HasRubric() {
				judgeOpts := []judge.Option{
					judge.WithDisagreementThreshold(cfg.Judge.DisagreementThreshold),
					judge.WithMaxTokens(cfg.Judge.MaxTokens),
				}
				if j.NoCache {
					judgeOpts = append(judgeOpts, judge.WithoutCache())
				}
				opts = append(opts, pipeline.WithScorer(judge.New(svc.dispatcher, j.Judges, judgeOpts...)))
			}
			p := pipeline.New(svc.dispatcher, cfg.Pipeline, opts...)

			var (
				res    *pipeline.Result
				runErr error
			)
			if logProgress, _ := cmd.Flags().GetBool("log-progress"); logProgress {
				res, runErr = p.Run(ctx, j, pipeline.LogSink{Logger: slog.Default().With("component", "pipeline")})
			} else {
				quiet, _ := cmd.Flags().GetBool("quiet")
				sink := pipeline.NewChannelSink(64)
				printed := make(chan struct{})
				go func() {
					defer close(printed)
					printProgress(cmd.ErrOrStderr(), sink.Events(), quiet)
				}()
				res, runErr = p.Run(ctx, j, sink)
				sink.Close()
				<-printed
			}

			if res == nil {
				return runErr
			}

			output, _ := cmd.Flags().GetString("output")
			if err := writeResult(cmd.OutOrStdout(), output, res); err != nil {
				return err
			}

			if section := judge.RenderSection(res.Assessments()); section != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), section)
			}

			if stats, err := svc.stats(ctx); err == nil {
				slog.Info("run finished",
					"run_id", res.RunID,
					"succeeded", res.Succeeded(),
					"failed", res.Failed(),
					"cache_hits", stats.Hits,
					"cache_misses", stats.Misses,
					"duration", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond),
				)
			}

			return runErr
		},
	}

	cmd.Flags().StringP("output", "o", "", "Write results to file instead of stdout")
	cmd.Flags().Bool("no-cache", false, "Skip the response cache for this run")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().BoolP("quiet", "q", false, "Only report phase completion")
	cmd.Flags().Bool("log-progress", false, "Report progress through the structured logger instead of plain lines")

	return cmd
}

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List provider concurrency profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			profiles, err := provider.NewRegistry(cfg.Profiles)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tBASE\tMIN\tMAX\tSTREAK\tDECREASE\tCOOL DOWN\tRPS\tCONFIGURED")
			keys := cfg.Providers()
			for _, p := range profiles.List() {
				configured := "-"
				if pc, ok := keys[p.Provider]; ok && pc.APIKey != "" {
					configured = "yes"
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.2f\t%s\t%g\t%s\n",
					p.Provider, p.BaseConcurrency, p.MinConcurrency, p.MaxConcurrency,
					p.SuccessStreak, p.DecreaseFactor, p.CoolDown, p.RequestsPerSecond, configured)
			}
			return w.Flush()
		},
	}
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the response cache",
	}
	cmd.AddCommand(cacheStatsCmd(), cachePruneCmd())
	return cmd
}

func cacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache backend and entry count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)

			store, err := openCache(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			if store == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "cache disabled")
				return nil
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading cache stats: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backend: %s\nentries: %d\n", cfg.Cache.Backend, stats.Entries)
			return nil
		},
	}
}

func cachePruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete cache entries older than a given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)

			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			store, err := openCache(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			if store == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "cache disabled")
				return nil
			}
			defer store.Close()

			n, err := store.Prune(cmd.Context(), olderThan)
			if errors.Is(err, cache.ErrUnsupported) {
				return fmt.Errorf("%s backend expires entries by TTL and cannot be pruned", cfg.Cache.Backend)
			}
			if err != nil {
				return fmt.Errorf("pruning cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		},
	}

	cmd.Flags().Duration("older-than", 30*24*time.Hour, "Remove entries older than this")

	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// services holds the shared components of a run.
type services struct {
	store      *cache.Cache
	dispatcher *dispatch.Dispatcher
	embedders  map[string]llm.Embedder
}

func (s *services) close() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("closing cache", "error", err)
	}
}

func (s *services) stats(ctx context.Context) (cache.Stats, error) {
	if s.store == nil {
		return cache.Stats{}, nil
	}
	return s.store.Stats(ctx)
}

func buildServices(ctx context.Context, cfg *config.Config, rec *metrics.Recorder) (*services, error) {
	profiles, err := provider.NewRegistry(cfg.Profiles)
	if err != nil {
		return nil, err
	}
	limiters := ratelimit.NewRegistry(profiles, ratelimit.WithMetrics(rec))
	gate := ratelimit.NewGate(limiters, cfg.Limiter.GlobalConcurrency)

	store, err := openCache(ctx, cfg, rec)
	if err != nil {
		return nil, err
	}

	clients, embedders := configureClients(cfg)
	if len(clients) == 0 {
		slog.Warn("no provider API keys configured; every uncached call will fail")
	}

	opts := []dispatch.Option{
		dispatch.WithMetrics(rec),
		dispatch.WithDefaultTimeout(cfg.Pipeline.Timeout),
	}
	if store != nil {
		opts = append(opts, dispatch.WithCache(store.Namespace(responsesNamespace)))
	}

	return &services{
		store:      store,
		dispatcher: dispatch.New(clients, gate, opts...),
		embedders:  embedders,
	}, nil
}

// openCache returns nil when caching is disabled.
func openCache(ctx context.Context, cfg *config.Config, rec *metrics.Recorder) (*cache.Cache, error) {
	var (
		backend cache.Backend
		err     error
	)
	switch cfg.Cache.Backend {
	case "none":
		return nil, nil
	case "memory":
		backend = cache.NewMemoryBackend(cfg.Cache.Capacity)
	case "sqlite":
		backend, err = cache.NewSQLiteBackend(cfg.Cache.Path)
	case "redis":
		backend, err = cache.DialRedis(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL)
	default:
		backend, err = cache.NewFileBackend(cfg.Cache.Dir)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s cache: %w", cfg.Cache.Backend, err)
	}

	opts := []cache.Option{cache.WithMetrics(rec)}
	for ns, legacy := range cfg.Cache.LegacyNamespaces {
		opts = append(opts, cache.WithLegacyNamespace(ns, legacy))
	}
	return cache.New(backend, opts...), nil
}

// configureClients builds a client for every provider with an API key.
func configureClients(cfg *config.Config) (map[string]llm.Client, map[string]llm.Embedder) {
	clients := make(map[string]llm.Client)
	embedders := make(map[string]llm.Embedder)

	for name, pc := range cfg.Providers() {
		if pc.APIKey == "" {
			continue
		}
		if name == "anthropic" {
			clients[name] = llm.NewAnthropicClient(pc.APIKey, pc.BaseURL, httpclient.New(httpclient.WithName(name)))
			continue
		}
		c := llm.NewOpenAIClient(pc.BaseURL, httpclient.New(
			httpclient.WithName(name),
			httpclient.WithBearerToken(pc.APIKey),
		))
		clients[name] = c
		embedders[name] = c
	}
	return clients, embedders
}

// loadJob reads the job file and fills what it leaves to the config: the
// embedding model and the judge panel.
func loadJob(path string, cfg *config.Config, noCache bool) (*job.Job, error) {
	j, err := job.Load(path)
	if err != nil {
		return nil, err
	}
	if noCache {
		j.NoCache = true
	}
	if j.EmbeddingModel == "" && hasIdealResponses(j) {
		j.EmbeddingModel = cfg.Embedding.Model
	}
	if err := j.ApplyDefaultJudges(cfg.Judge.Models); err != nil {
		return nil, err
	}
	return j, nil
}

func hasIdealResponses(j *job.Job) bool {
	for _, p := range j.Prompts {
		if p.IdealResponse != "" {
			return true
		}
	}
	return false
}

func printProgress(w io.Writer, events <-chan pipeline.Event, quiet bool) {
	for e := range events {
		if quiet && e.Completed != e.Total {
			continue
		}
		if e.TaskID == "" {
			fmt.Fprintf(w, "[%s] %d/%d\n", e.Phase, e.Completed, e.Total)
			continue
		}
		fmt.Fprintf(w, "[%s] %d/%d %s %s\n", e.Phase, e.Completed, e.Total, e.Status, e.TaskID)
	}
}

func writeResult(stdout io.Writer, path string, res *pipeline.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	slog.Info("results written", "path", path)
	return nil
}
