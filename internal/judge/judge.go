// Package judge scores a free-text response against a rubric of points by
// asking one or more judge models how fully each point is covered.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/everstacklabs/evalcore/internal/llm"
)

// Purpose tags judge calls so they never share cache entries with
// generation calls for the same text.
const Purpose = "coverage-judge"

// ErrJudgeEvaluation marks a point for which no judge produced a usable
// score. It is scoped to the point; other points are still aggregated.
var ErrJudgeEvaluation = errors.New("judge evaluation failed")

// Point is one rubric criterion. Inverted points describe something the
// response should not do.
type Point struct {
	Text       string   `yaml:"text" json:"text" validate:"required"`
	Multiplier *float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty" validate:"omitempty,min=0"`
	Inverted   bool     `yaml:"should_not,omitempty" json:"should_not,omitempty"`
}

// weight is the point's multiplier; an unset multiplier weighs 1 and an
// explicit 0 drops the point from the weighted mean.
func (p Point) weight() float64 {
	if p.Multiplier == nil {
		return 1
	}
	return *p.Multiplier
}

// Judgement is one judge model's answer for one point.
type Judgement struct {
	JudgeModel string  `json:"judge_model"`
	Extent     float64 `json:"extent"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func (j Judgement) ok() bool { return j.Error == "" }

// PointAssessment is the aggregated score for one point. CoverageExtent is
// the raw mean judge extent; Score applies inversion.
type PointAssessment struct {
	Text           string      `json:"text"`
	CoverageExtent float64     `json:"coverage_extent"`
	Multiplier     float64     `json:"multiplier"`
	IsInverted     bool        `json:"is_inverted"`
	Judgements     []Judgement `json:"individual_judgements"`
	Variance       float64     `json:"variance"`
	Disagreement   bool        `json:"disagreement,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Score is the point's contribution to the aggregate.
func (p PointAssessment) Score() float64 {
	if p.IsInverted {
		return 1 - p.CoverageExtent
	}
	return p.CoverageExtent
}

// Failed reports whether no judge scored the point.
func (p PointAssessment) Failed() bool { return p.Error != "" }

// CoverageAssessment is the rubric score of one response. AvgCoverageExtent
// is nil when every point failed; that is an error state, not a zero score.
type CoverageAssessment struct {
	PromptID          string            `json:"prompt_id"`
	ModelID           string            `json:"model_id"`
	JudgeModelIDs     []string          `json:"judge_model_ids"`
	Points            []PointAssessment `json:"points"`
	AvgCoverageExtent *float64          `json:"avg_coverage_extent"`
	Error             string            `json:"error,omitempty"`
}

// HasDisagreement reports whether any point's judges disagreed.
func (c *CoverageAssessment) HasDisagreement() bool {
	for _, p := range c.Points {
		if p.Disagreement {
			return true
		}
	}
	return false
}

// Caller performs a single classified LLM call.
type Caller interface {
	Call(ctx context.Context, req llm.Request) llm.Outcome
}

// AssessInput describes one response to score.
type AssessInput struct {
	PromptID   string
	ModelID    string
	PromptText string
	Response   string
	Points     []Point
}

// Evaluator scores responses with a fixed panel of judge models.
type Evaluator struct {
	caller    Caller
	judges    []string
	threshold float64
	maxTokens int
	useCache  bool
	logger    *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithDisagreementThreshold flags points whose judge variance exceeds t.
// Zero disables flagging.
func WithDisagreementThreshold(t float64) Option {
	return func(e *Evaluator) { e.threshold = t }
}

// WithMaxTokens caps judge replies.
func WithMaxTokens(n int) Option {
	return func(e *Evaluator) { e.maxTokens = n }
}

// WithoutCache disables caching of judge calls.
func WithoutCache() Option {
	return func(e *Evaluator) { e.useCache = false }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// New creates an evaluator that asks every model in judges about every point.
func New(caller Caller, judges []string, opts ...Option) *Evaluator {
	e := &Evaluator{
		caller:   caller,
		judges:   judges,
		useCache: true,
		logger:   slog.Default().With("component", "judge"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Judges returns the configured judge model ids.
func (e *Evaluator) Judges() []string { return e.judges }

// Assess scores in.Response against in.Points. It never returns nil; failures
// are recorded on the affected points and, if nothing could be scored, on the
// assessment itself.
func (e *Evaluator) Assess(ctx context.Context, in AssessInput) *CoverageAssessment {
	out := &CoverageAssessment{
		PromptID:      in.PromptID,
		ModelID:       in.ModelID,
		JudgeModelIDs: e.judges,
		Points:        make([]PointAssessment, len(in.Points)),
	}

	if len(in.Points) == 0 {
		out.Error = "no rubric points"
		return out
	}
	if len(e.judges) == 0 {
		out.Error = "no judge models configured"
		return out
	}

	judgements := make([][]Judgement, len(in.Points))
	for i := range judgements {
		judgements[i] = make([]Judgement, len(e.judges))
	}

	// Each goroutine writes its own cell, so no lock is needed.
	var g errgroup.Group
	for i, point := range in.Points {
		for j, model := range e.judges {
			g.Go(func() error {
				judgements[i][j] = e.judge(ctx, model, in.PromptText, in.Response, point)
				return nil
			})
		}
	}
	_ = g.Wait()

	for i, point := range in.Points {
		out.Points[i] = e.aggregatePoint(point, judgements[i])
	}
	out.AvgCoverageExtent = weightedMean(out.Points)
	if out.AvgCoverageExtent == nil {
		out.Error = fmt.Sprintf("all %d points failed", len(in.Points))
		e.logger.Warn("coverage assessment failed",
			"prompt", in.PromptID,
			"model", in.ModelID,
		)
	}
	return out
}

func (e *Evaluator) judge(ctx context.Context, model, promptText, response string, point Point) Judgement {
	j := Judgement{JudgeModel: model}

	outcome := e.caller.Call(ctx, llm.Request{
		ModelID:      model,
		SystemPrompt: buildSystemPrompt(),
		Prompt:       buildUserPrompt(promptText, response, point),
		Temperature:  llm.Float(0),
		MaxTokens:    e.maxTokens,
		UseCache:     e.useCache,
		Purpose:      Purpose,
	})
	success, ok := outcome.(llm.Success)
	if !ok {
		j.Error = llm.Err(outcome).Error()
		return j
	}

	extent, reasoning, err := parseJudgement(success.Text)
	if err != nil {
		j.Error = err.Error()
		return j
	}
	j.Extent = extent
	j.Reasoning = reasoning
	return j
}

func (e *Evaluator) aggregatePoint(point Point, judgements []Judgement) PointAssessment {
	pa := PointAssessment{
		Text:       point.Text,
		Multiplier: point.weight(),
		IsInverted: point.Inverted,
		Judgements: judgements,
	}

	var extents []float64
	var errs []string
	for _, j := range judgements {
		if j.ok() {
			extents = append(extents, j.Extent)
		} else {
			errs = append(errs, j.JudgeModel+": "+j.Error)
		}
	}
	if len(extents) == 0 {
		pa.Error = fmt.Sprintf("%v: %s", ErrJudgeEvaluation, strings.Join(errs, "; "))
		return pa
	}

	mean, variance := meanVariance(extents)
	pa.CoverageExtent = clamp(mean, 0, 1)
	pa.Variance = variance
	if e.threshold > 0 && len(extents) > 1 && variance > e.threshold {
		pa.Disagreement = true
	}
	return pa
}

// weightedMean returns sum(m*s)/sum(m) over the usable points, or nil when
// none are usable. When every usable point weighs zero the plain mean of
// their scores is returned.
func weightedMean(points []PointAssessment) *float64 {
	var num, den, plain float64
	var usable int
	for _, p := range points {
		if p.Failed() {
			continue
		}
		num += p.Multiplier * p.Score()
		den += p.Multiplier
		plain += p.Score()
		usable++
	}
	if usable == 0 {
		return nil
	}
	var v float64
	if den == 0 {
		v = clamp(plain/float64(usable), 0, 1)
	} else {
		v = clamp(num/den, 0, 1)
	}
	return &v
}

func meanVariance(xs []float64) (mean, variance float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, variance
}

// classLabels maps categorical judge answers onto extents.
var classLabels = map[string]float64{
	"CLASS_UNMET":         0,
	"CLASS_MINIMALLY_MET": 0.25,
	"CLASS_PARTIALLY_MET": 0.5,
	"CLASS_MOSTLY_MET":    0.75,
	"CLASS_EXACT":         1,
}

var classLabelRe = regexp.MustCompile(`CLASS_[A-Z_]+`)

type judgeResponse struct {
	CoverageExtent json.RawMessage `json:"coverage_extent"`
	Reasoning      string          `json:"reasoning"`
}

// parseJudgement extracts the extent and rationale from a judge reply. JSON
// (bare, fenced or embedded) is preferred; a bare class label is accepted.
func parseJudgement(content string) (float64, string, error) {
	if jsonStr, err := extractJSON(content); err == nil {
		var resp judgeResponse
		if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
			return 0, "", fmt.Errorf("unmarshaling judge response: %w", err)
		}
		if len(resp.CoverageExtent) == 0 {
			return 0, "", fmt.Errorf("judge response missing coverage_extent")
		}
		extent, err := parseExtent(resp.CoverageExtent)
		if err != nil {
			return 0, "", err
		}
		return clamp(extent, 0, 1), resp.Reasoning, nil
	}

	if label := classLabelRe.FindString(content); label != "" {
		if v, ok := classLabels[label]; ok {
			return v, strings.TrimSpace(content), nil
		}
		return 0, "", fmt.Errorf("unknown class label %q", label)
	}
	return 0, "", fmt.Errorf("no coverage extent found in judge response")
}

func parseExtent(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid coverage_extent %s", raw)
	}
	s = strings.TrimSpace(s)
	if v, ok := classLabels[strings.ToUpper(s)]; ok {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid coverage_extent %q", s)
	}
	return f, nil
}

// extractJSON finds and returns the JSON object from text that may be
// wrapped in markdown code fences or surrounded by other text.
func extractJSON(s string) (string, error) {
	s = strings.TrimSpace(s)

	// Try to parse as-is first
	if isJSONObject(s) {
		return s, nil
	}

	// Strip markdown code fences
	for _, fence := range []string{"```json", "```"} {
		idx := strings.Index(s, fence)
		if idx == -1 {
			continue
		}
		start := idx + len(fence)
		end := strings.Index(s[start:], "```")
		if end == -1 {
			continue
		}
		candidate := strings.TrimSpace(s[start : start+end])
		if isJSONObject(candidate) {
			return candidate, nil
		}
	}

	// Find first { and last }
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first != -1 && last > first {
		candidate := s[first : last+1]
		if isJSONObject(candidate) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no valid JSON found in response")
}

func isJSONObject(s string) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &obj) == nil
}

// clamp bounds v to [min, max]; NaN maps to min.
func clamp(v, min, max float64) float64 {
	if math.IsNaN(v) || v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
