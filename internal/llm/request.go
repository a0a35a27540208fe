// Package llm defines the normalized call contract shared by every provider:
// the request shape, the closed set of call outcomes, error classification,
// and the built-in provider clients.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role" yaml:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" yaml:"content"`
}

// Request is a provider-independent call description. ModelID carries the
// provider prefix, e.g. "openai:gpt-4o-mini".
type Request struct {
	ModelID      string    `validate:"required"`
	Prompt       string    `validate:"required_without=Messages"`
	Messages     []Message `validate:"omitempty,dive"`
	SystemPrompt string
	Temperature  *float64 `validate:"omitempty,min=0,max=2"`
	Seed         *int
	MaxTokens    int `validate:"min=0"`
	Timeout      time.Duration
	UseCache     bool
	// Purpose separates otherwise identical calls made for different reasons
	// (generation vs. judging) in the cache.
	Purpose string
}

// Validate checks the request shape.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// Conversation returns the messages to send, turning a bare prompt into a
// single user turn.
func (r *Request) Conversation() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []Message{{Role: "user", Content: r.Prompt}}
}

// Completion is what a provider client receives: the model name with the
// provider prefix already stripped.
type Completion struct {
	Model       string
	System      string
	Messages    []Message
	Temperature *float64
	Seed        *int
	MaxTokens   int
}

// Client performs chat completions against one provider.
type Client interface {
	Complete(ctx context.Context, c Completion) (string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float64, error)
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
