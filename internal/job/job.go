// Package job loads the description of a run: which prompts to send to which
// models, how to vary sampling, and how to evaluate and rank the results.
package job

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/everstacklabs/evalcore/internal/judge"
)

var validate = validator.New()

// Ranking methods.
const (
	RankComposite = "composite"
	RankPareto    = "pareto"
)

// Prompt is one input sent to every model.
type Prompt struct {
	ID            string        `yaml:"id" validate:"required"`
	Text          string        `yaml:"text" validate:"required"`
	System        string        `yaml:"system,omitempty"`
	IdealResponse string        `yaml:"ideal_response,omitempty"`
	Points        []judge.Point `yaml:"points,omitempty" validate:"dive"`
}

// Ranking configures the optional ranking step.
type Ranking struct {
	Method      string   `yaml:"method" validate:"omitempty,oneof=composite pareto"`
	Alpha       *float64 `yaml:"alpha,omitempty" validate:"omitempty,min=0,max=1"`
	MinCoverage float64  `yaml:"min_coverage" validate:"min=0,max=1"`
}

// DefaultAlpha weighs coverage and dissimilarity equally.
const DefaultAlpha = 0.5

// Job is a fully resolved run description.
type Job struct {
	Name           string    `yaml:"name"`
	Models         []string  `yaml:"models" validate:"required,min=1,unique,dive,required"`
	Prompts        []Prompt  `yaml:"prompts" validate:"required,min=1,dive"`
	Temperatures   []float64 `yaml:"temperatures,omitempty" validate:"unique,dive,min=0,max=2"`
	Seeds          []int     `yaml:"seeds,omitempty" validate:"unique"`
	SystemPrompt   string    `yaml:"system_prompt,omitempty"`
	MaxTokens      int       `yaml:"max_tokens,omitempty" validate:"min=0"`
	Judges         []string  `yaml:"judges,omitempty" validate:"dive,required"`
	EmbeddingModel string    `yaml:"embedding_model,omitempty"`
	NoCache        bool      `yaml:"no_cache,omitempty"`
	Ranking        *Ranking  `yaml:"ranking,omitempty"`
}

// Load reads and validates a YAML job file.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML job.
func Parse(data []byte) (*Job, error) {
	var j Job
	if err := yaml.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parsing job: %w", err)
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return &j, nil
}

// Validate checks the job's shape and cross-field rules.
func (j *Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	seen := make(map[string]bool, len(j.Prompts))
	for _, p := range j.Prompts {
		if seen[p.ID] {
			return fmt.Errorf("invalid job: duplicate prompt id %q", p.ID)
		}
		seen[p.ID] = true
	}

	if r := j.Ranking; r != nil {
		if r.Method == "" {
			r.Method = RankComposite
		}
		if r.Alpha == nil {
			alpha := DefaultAlpha
			r.Alpha = &alpha
		}
	}
	return nil
}

// ApplyDefaultJudges uses defaults as the judge panel when the job names
// none. A job with rubric points must end up with at least one judge.
func (j *Job) ApplyDefaultJudges(defaults []string) error {
	if len(j.Judges) == 0 {
		j.Judges = append([]string(nil), defaults...)
	}
	if j.HasRubric() && len(j.Judges) == 0 {
		return fmt.Errorf("invalid job: rubric points need judges, set judges in the job or judge.models in the config")
	}
	return nil
}

// HasRubric reports whether any prompt carries rubric points.
func (j *Job) HasRubric() bool {
	for _, p := range j.Prompts {
		if len(p.Points) > 0 {
			return true
		}
	}
	return false
}

// Prompt returns the prompt with the given id.
func (j *Job) Prompt(id string) (Prompt, bool) {
	for _, p := range j.Prompts {
		if p.ID == id {
			return p, true
		}
	}
	return Prompt{}, false
}
