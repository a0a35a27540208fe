package provider

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Profile holds the static concurrency and backoff defaults for one provider.
type Profile struct {
	Provider          string        `mapstructure:"provider" validate:"required"`
	BaseConcurrency   int           `mapstructure:"base_concurrency" validate:"gtefield=MinConcurrency,ltefield=MaxConcurrency"`
	MinConcurrency    int           `mapstructure:"min_concurrency" validate:"min=1"`
	MaxConcurrency    int           `mapstructure:"max_concurrency" validate:"gtefield=MinConcurrency"`
	SuccessStreak     int           `mapstructure:"success_streak" validate:"min=1"`
	DecreaseFactor    float64       `mapstructure:"decrease_factor" validate:"gt=0,lt=1"`
	CoolDown          time.Duration `mapstructure:"cool_down"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"min=0"`
}

// Validate checks the profile bounds.
func (p Profile) Validate() error {
	return validate.Struct(p)
}

// merge fills zero fields of p from base.
func (p Profile) merge(base Profile) Profile {
	if p.BaseConcurrency == 0 {
		p.BaseConcurrency = base.BaseConcurrency
	}
	if p.MinConcurrency == 0 {
		p.MinConcurrency = base.MinConcurrency
	}
	if p.MaxConcurrency == 0 {
		p.MaxConcurrency = base.MaxConcurrency
	}
	if p.SuccessStreak == 0 {
		p.SuccessStreak = base.SuccessStreak
	}
	if p.DecreaseFactor == 0 {
		p.DecreaseFactor = base.DecreaseFactor
	}
	if p.CoolDown == 0 {
		p.CoolDown = base.CoolDown
	}
	if p.RequestsPerSecond == 0 {
		p.RequestsPerSecond = base.RequestsPerSecond
	}
	return p
}

// DefaultProfile applies to providers without a dedicated entry.
var DefaultProfile = Profile{
	Provider:        "default",
	BaseConcurrency: 5,
	MinConcurrency:  1,
	MaxConcurrency:  10,
	SuccessStreak:   10,
	DecreaseFactor:  0.5,
	CoolDown:        30 * time.Second,
}

func builtinProfiles() []Profile {
	return []Profile{
		{Provider: "openai", BaseConcurrency: 20, MinConcurrency: 2, MaxConcurrency: 50},
		{Provider: "anthropic", BaseConcurrency: 10, MinConcurrency: 1, MaxConcurrency: 30},
		{Provider: "google", BaseConcurrency: 10, MinConcurrency: 1, MaxConcurrency: 30},
		{Provider: "openrouter", BaseConcurrency: 20, MinConcurrency: 2, MaxConcurrency: 40},
		{Provider: "mistral", BaseConcurrency: 5, MinConcurrency: 1, MaxConcurrency: 15, RequestsPerSecond: 5},
		{Provider: "together", BaseConcurrency: 10, MinConcurrency: 1, MaxConcurrency: 25},
		{Provider: "xai", BaseConcurrency: 8, MinConcurrency: 1, MaxConcurrency: 20},
		{Provider: "deepseek", BaseConcurrency: 5, MinConcurrency: 1, MaxConcurrency: 10},
	}
}
