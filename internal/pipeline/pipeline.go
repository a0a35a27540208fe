// Package pipeline fans a job out into generation tasks, retries them through
// the dispatcher, derives embeddings and coverage scores for the successful
// ones, and optionally ranks the results.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/everstacklabs/evalcore/internal/embedding"
	"github.com/everstacklabs/evalcore/internal/job"
	"github.com/everstacklabs/evalcore/internal/judge"
	"github.com/everstacklabs/evalcore/internal/llm"
	"github.com/everstacklabs/evalcore/internal/metrics"
)

// PurposeGeneration tags generation calls in the cache key.
const PurposeGeneration = "generation"

// Caller performs one classified LLM call.
type Caller interface {
	Call(ctx context.Context, req llm.Request) llm.Outcome
}

// Embedder returns the embedding of text under model.
type Embedder interface {
	Get(ctx context.Context, text, model string) ([]float64, error)
}

// Scorer rates a response against a rubric.
type Scorer interface {
	Assess(ctx context.Context, in judge.AssessInput) *judge.CoverageAssessment
}

// Config holds retry and parallelism settings.
type Config struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	Workers     int           `mapstructure:"workers"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		Workers:     64,
		Timeout:     120 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.BaseBackoff)
	}
	if c.Workers < 1 {
		c.Workers = d.Workers
	}
	return c
}

// Status is the terminal state of a cell.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Cell is the outcome of one task and everything derived from it.
type Cell struct {
	Task
	Status         Status                    `json:"status"`
	Text           string                    `json:"text,omitempty"`
	FromCache      bool                      `json:"from_cache,omitempty"`
	Attempts       int                       `json:"attempts"`
	Error          string                    `json:"error,omitempty"`
	ErrorKind      llm.Kind                  `json:"error_kind,omitempty"`
	Embedding      []float64                 `json:"-"`
	EmbeddingError string                    `json:"embedding_error,omitempty"`
	Similarity     *float64                  `json:"similarity,omitempty"`
	Coverage       *judge.CoverageAssessment `json:"coverage,omitempty"`
}

func (c *Cell) fail(kind llm.Kind, err error) {
	c.Status = StatusError
	c.ErrorKind = kind
	c.Error = err.Error()
}

// Result holds every cell of a run keyed by task id.
type Result struct {
	RunID      string           `json:"run_id"`
	Job        string           `json:"job,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Tasks      []Task           `json:"tasks"`
	Cells      map[string]*Cell `json:"cells"`
	// Consistency is the mean pairwise similarity of the responses to each
	// prompt.
	Consistency map[string]float64  `json:"consistency,omitempty"`
	Rankings    map[string][]Ranked `json:"rankings,omitempty"`
}

// Ordered returns the cells in task expansion order.
func (r *Result) Ordered() []*Cell {
	out := make([]*Cell, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		out = append(out, r.Cells[t.ID])
	}
	return out
}

// Succeeded counts successful cells.
func (r *Result) Succeeded() int { return r.count(StatusSuccess) }

// Failed counts failed cells.
func (r *Result) Failed() int { return r.count(StatusError) }

// Assessments returns the coverage assessments in task order.
func (r *Result) Assessments() []*judge.CoverageAssessment {
	var out []*judge.CoverageAssessment
	for _, c := range r.Ordered() {
		if c.Coverage != nil {
			out = append(out, c.Coverage)
		}
	}
	return out
}

func (r *Result) count(s Status) int {
	n := 0
	for _, c := range r.Cells {
		if c.Status == s {
			n++
		}
	}
	return n
}

// Pipeline runs jobs.
type Pipeline struct {
	caller   Caller
	embedder Embedder
	scorer   Scorer
	cfg      Config
	metrics  *metrics.Recorder
	logger   *slog.Logger

	sleep func(context.Context, time.Duration) error
	rand  func() float64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEmbedder enables the embedding phase.
func WithEmbedder(e Embedder) Option {
	return func(p *Pipeline) { p.embedder = e }
}

// WithScorer enables the scoring phase.
func WithScorer(s Scorer) Option {
	return func(p *Pipeline) { p.scorer = s }
}

// WithMetrics counts retries.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = rec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a pipeline around caller.
func New(caller Caller, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		caller: caller,
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With("component", "pipeline"),
		sleep:  sleepContext,
		rand:   defaultRand,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes j. Every task ends up in the result as success or error; a
// failed task never aborts the run. When ctx is canceled, tasks still waiting
// for admission are recorded as errors, calls already admitted finish, later
// phases are skipped, and the partial result is returned with ctx's error.
func (p *Pipeline) Run(ctx context.Context, j *job.Job, sink Sink) (*Result, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = nopSink{}
	}

	tasks := Expand(j)
	res := &Result{
		RunID:       uuid.NewString(),
		Job:         j.Name,
		StartedAt:   time.Now().UTC(),
		Tasks:       tasks,
		Cells:       make(map[string]*Cell, len(tasks)),
		Consistency: make(map[string]float64),
	}
	for _, t := range tasks {
		res.Cells[t.ID] = &Cell{Task: t}
	}

	logger := p.logger.With("run", res.RunID)
	logger.Info("run started",
		"job", j.Name,
		"tasks", len(tasks),
		"prompts", len(j.Prompts),
		"models", len(j.Models),
	)

	p.generate(ctx, j, res, sink)
	logger.Info("generation complete", "succeeded", res.Succeeded(), "failed", res.Failed())

	if ctx.Err() == nil {
		p.embed(ctx, j, res, sink)
	}
	if ctx.Err() == nil {
		p.score(ctx, j, res, sink)
	}
	if ctx.Err() == nil && j.Ranking != nil {
		p.rank(j, res)
	}

	res.FinishedAt = time.Now().UTC()
	if err := ctx.Err(); err != nil {
		logger.Warn("run canceled", "error", err)
		return res, fmt.Errorf("run %s canceled: %w", res.RunID, err)
	}
	logger.Info("run finished", "duration", res.FinishedAt.Sub(res.StartedAt))
	return res, nil
}

func (p *Pipeline) generate(ctx context.Context, j *job.Job, res *Result, sink Sink) {
	prog := newProgress(sink, res.RunID, PhaseGeneration, len(res.Tasks))
	prog.start()

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, t := range res.Tasks {
		cell := res.Cells[t.ID]
		if err := ctx.Err(); err != nil {
			cell.fail(llm.KindFatal, err)
			prog.done(t.ID, cell.Status, nil)
			continue
		}
		g.Go(func() error {
			p.runTask(ctx, j, cell)
			prog.done(t.ID, cell.Status, nil)
			return nil
		})
	}
	_ = g.Wait()
}

// runTask drives one task to a terminal state. Retryable outcomes are
// requeued with backoff until MaxAttempts; Fatal ends the task immediately.
func (p *Pipeline) runTask(ctx context.Context, j *job.Job, cell *Cell) {
	prompt, _ := j.Prompt(cell.PromptID)
	system := prompt.System
	if system == "" {
		system = j.SystemPrompt
	}
	req := llm.Request{
		ModelID:      cell.ModelID,
		Prompt:       prompt.Text,
		SystemPrompt: system,
		Temperature:  cell.Temperature,
		Seed:         cell.Seed,
		MaxTokens:    j.MaxTokens,
		Timeout:      p.cfg.Timeout,
		UseCache:     !j.NoCache,
		Purpose:      PurposeGeneration,
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			cell.fail(llm.KindFatal, err)
			return
		}
		cell.Attempts = attempt
		// The dispatcher stops admitting on cancellation; an admitted call
		// runs to completion.
		outcome := p.caller.Call(ctx, req)

		switch o := outcome.(type) {
		case llm.Success:
			cell.Status = StatusSuccess
			cell.Text = o.Text
			cell.FromCache = o.FromCache
			return
		case llm.Fatal:
			cell.fail(llm.KindFatal, o)
			p.logger.Warn("task failed", "task", cell.ID, "error", o)
			return
		}

		if attempt >= p.cfg.MaxAttempts {
			cell.fail(outcome.Kind(), llm.Err(outcome))
			p.logger.Warn("task failed after retries",
				"task", cell.ID,
				"attempts", attempt,
				"error", llm.Err(outcome),
			)
			return
		}

		delay := backoff(attempt, p.cfg.BaseBackoff, p.cfg.MaxBackoff, p.rand)
		if rl, ok := outcome.(llm.RateLimited); ok && rl.RetryAfter > delay {
			delay = rl.RetryAfter
		}
		p.metrics.ObserveRetry(string(outcome.Kind()))
		p.logger.Debug("requeueing task",
			"task", cell.ID,
			"attempt", attempt,
			"outcome", outcome.Kind(),
			"delay", delay,
		)
		if err := p.sleep(ctx, delay); err != nil {
			cell.fail(outcome.Kind(), fmt.Errorf("%w (last outcome: %v)", err, llm.Err(outcome)))
			return
		}
	}
}

func (p *Pipeline) embed(ctx context.Context, j *job.Job, res *Result, sink Sink) {
	if p.embedder == nil || j.EmbeddingModel == "" {
		return
	}

	var cells []*Cell
	for _, c := range res.Ordered() {
		if c.Status == StatusSuccess {
			cells = append(cells, c)
		}
	}
	var anchors []job.Prompt
	for _, pr := range j.Prompts {
		if pr.IdealResponse != "" {
			anchors = append(anchors, pr)
		}
	}

	prog := newProgress(sink, res.RunID, PhaseEmbedding, len(anchors)+len(cells))
	prog.start()

	var mu sync.Mutex
	anchorVecs := make(map[string][]float64, len(anchors))

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, pr := range anchors {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			vec, err := p.embedder.Get(ctx, pr.IdealResponse, j.EmbeddingModel)
			status := StatusSuccess
			if err != nil {
				status = StatusError
				p.logger.Warn("embedding ideal response failed", "prompt", pr.ID, "error", err)
			} else {
				mu.Lock()
				anchorVecs[pr.ID] = vec
				mu.Unlock()
			}
			prog.done(pr.ID, status, nil)
			return nil
		})
	}
	_ = g.Wait()

	var cg errgroup.Group
	cg.SetLimit(p.cfg.Workers)
	for _, c := range cells {
		if ctx.Err() != nil {
			break
		}
		cg.Go(func() error {
			p.embedCell(ctx, j.EmbeddingModel, c, anchorVecs[c.PromptID])
			status := StatusSuccess
			if c.EmbeddingError != "" {
				status = StatusError
			}
			prog.done(c.ID, status, c.Similarity)
			return nil
		})
	}
	_ = cg.Wait()

	byPrompt := make(map[string][][]float64)
	for _, c := range cells {
		if c.Embedding != nil {
			byPrompt[c.PromptID] = append(byPrompt[c.PromptID], c.Embedding)
		}
	}
	for promptID, vecs := range byPrompt {
		sim, err := embedding.MeanPairwiseSimilarity(vecs)
		if err != nil {
			p.logger.Warn("computing response consistency", "prompt", promptID, "error", err)
			continue
		}
		res.Consistency[promptID] = sim
	}
}

func (p *Pipeline) embedCell(ctx context.Context, model string, c *Cell, anchor []float64) {
	vec, err := p.embedder.Get(ctx, c.Text, model)
	if err != nil {
		c.EmbeddingError = err.Error()
		return
	}
	c.Embedding = vec
	if anchor == nil {
		return
	}
	sim, err := embedding.CosineSimilarity(vec, anchor)
	if err != nil {
		c.EmbeddingError = err.Error()
		return
	}
	c.Similarity = &sim
}

func (p *Pipeline) score(ctx context.Context, j *job.Job, res *Result, sink Sink) {
	if p.scorer == nil || !j.HasRubric() {
		return
	}

	type unit struct {
		cell   *Cell
		prompt job.Prompt
	}
	var units []unit
	for _, c := range res.Ordered() {
		if c.Status != StatusSuccess {
			continue
		}
		pr, _ := j.Prompt(c.PromptID)
		if len(pr.Points) == 0 {
			continue
		}
		units = append(units, unit{cell: c, prompt: pr})
	}

	prog := newProgress(sink, res.RunID, PhaseScoring, len(units))
	prog.start()

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, u := range units {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			a := p.scorer.Assess(ctx, judge.AssessInput{
				PromptID:   u.prompt.ID,
				ModelID:    u.cell.ModelID,
				PromptText: u.prompt.Text,
				Response:   u.cell.Text,
				Points:     u.prompt.Points,
			})
			u.cell.Coverage = a
			status := StatusSuccess
			if a.AvgCoverageExtent == nil {
				status = StatusError
			}
			prog.done(u.cell.ID, status, a.AvgCoverageExtent)
			return nil
		})
	}
	_ = g.Wait()
}

// rank orders the successful cells of each prompt. Prompts without rubric
// points rank on similarity alone; otherwise cells whose assessment failed
// are left out.
func (p *Pipeline) rank(j *job.Job, res *Result) {
	opts := rankOptions(j.Ranking)
	res.Rankings = make(map[string][]Ranked, len(j.Prompts))

	for _, pr := range j.Prompts {
		var candidates []Candidate
		for _, c := range res.Ordered() {
			if c.PromptID != pr.ID || c.Status != StatusSuccess {
				continue
			}
			cand := Candidate{ID: c.ID, Coverage: 1, Similarity: c.Similarity}
			if len(pr.Points) > 0 {
				if c.Coverage == nil || c.Coverage.AvgCoverageExtent == nil {
					continue
				}
				cand.Coverage = *c.Coverage.AvgCoverageExtent
			}
			candidates = append(candidates, cand)
		}
		if ranked := Rank(candidates, opts); len(ranked) > 0 {
			res.Rankings[pr.ID] = ranked
		}
	}
}
