package provider

import (
	"testing"
	"time"
)

func TestNewRegistry_Builtins(t *testing.T) {
	r, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := r.Get("openai")
	if p.MaxConcurrency != 50 {
		t.Errorf("expected openai max 50, got %d", p.MaxConcurrency)
	}
	// Inherited from the default profile
	if p.SuccessStreak != DefaultProfile.SuccessStreak {
		t.Errorf("expected inherited success streak, got %d", p.SuccessStreak)
	}
	if p.DecreaseFactor != 0.5 {
		t.Errorf("expected decrease factor 0.5, got %f", p.DecreaseFactor)
	}
}

func TestNewRegistry_Override(t *testing.T) {
	r, err := NewRegistry(map[string]Profile{
		"OpenAI": {MaxConcurrency: 60, CoolDown: time.Minute},
		"local":  {BaseConcurrency: 2, MinConcurrency: 1, MaxConcurrency: 4},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := r.Get("openai").MaxConcurrency; got != 60 {
		t.Errorf("expected override max 60, got %d", got)
	}
	if got := r.Get("openai").BaseConcurrency; got != 20 {
		t.Errorf("expected builtin base 20, got %d", got)
	}
	local := r.Get("local")
	if local.MaxConcurrency != 4 || local.SuccessStreak != DefaultProfile.SuccessStreak {
		t.Errorf("unexpected local profile: %+v", local)
	}
}

func TestNewRegistry_InvalidOverride(t *testing.T) {
	_, err := NewRegistry(map[string]Profile{
		"bad": {BaseConcurrency: 20, MinConcurrency: 1, MaxConcurrency: 10},
	})
	if err == nil {
		t.Fatal("expected error for base above max")
	}
}

func TestGet_UnknownProvider(t *testing.T) {
	r, err := NewRegistry(nil)
	if err != nil {
		t.Fatal(err)
	}
	p := r.Get("somebody")
	if p.Provider != "somebody" {
		t.Errorf("expected provider name to be carried, got %q", p.Provider)
	}
	if p.MinConcurrency != DefaultProfile.MinConcurrency {
		t.Errorf("expected default min, got %d", p.MinConcurrency)
	}
}

func TestProviderOf(t *testing.T) {
	tests := []struct {
		id       string
		provider string
		model    string
	}{
		{"openai:gpt-4o-mini", "openai", "gpt-4o-mini"},
		{"anthropic:claude-3-5-haiku", "anthropic", "claude-3-5-haiku"},
		{"openrouter:meta-llama/llama-3-70b", "openrouter", "meta-llama/llama-3-70b"},
		{"meta-llama/llama-3-70b", "openrouter", "meta-llama/llama-3-70b"},
		{"gpt-4o", "openai", "gpt-4o"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := ProviderOf(tt.id); got != tt.provider {
				t.Errorf("ProviderOf(%q) = %q, want %q", tt.id, got, tt.provider)
			}
			if got := ModelName(tt.id); got != tt.model {
				t.Errorf("ModelName(%q) = %q, want %q", tt.id, got, tt.model)
			}
		})
	}
}
