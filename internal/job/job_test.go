package job

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validJob = `
name: comparison
models:
  - openai:gpt-4o-mini
  - anthropic:claude-3-5-haiku-latest
temperatures: [0, 0.7]
seeds: [1]
judges:
  - openai:gpt-4o
embedding_model: openai:text-embedding-3-small
prompts:
  - id: cost
    text: Explain how caching reduces LLM cost.
    ideal_response: Caching avoids paying twice for identical calls.
    points:
      - text: Mentions identical requests
        multiplier: 2
      - text: Recommends disabling caching
        should_not: true
ranking:
  alpha: 0.6
  min_coverage: 0.2
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	if err := os.WriteFile(path, []byte(validJob), 0o644); err != nil {
		t.Fatal(err)
	}

	j, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(j.Models) != 2 {
		t.Errorf("expected 2 models, got %d", len(j.Models))
	}
	if len(j.Temperatures) != 2 || j.Temperatures[1] != 0.7 {
		t.Errorf("unexpected temperatures %v", j.Temperatures)
	}
	p, ok := j.Prompt("cost")
	if !ok {
		t.Fatal("expected prompt cost")
	}
	if len(p.Points) != 2 || !p.Points[1].Inverted || p.Points[0].Multiplier == nil || *p.Points[0].Multiplier != 2 || p.Points[1].Multiplier != nil {
		t.Errorf("unexpected points %+v", p.Points)
	}
	if j.Ranking == nil || j.Ranking.Method != RankComposite {
		t.Errorf("expected ranking method to default to composite, got %+v", j.Ranking)
	}
	if !j.HasRubric() {
		t.Error("expected HasRubric")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no models", "prompts: [{id: a, text: hi}]", "invalid job"},
		{"no prompts", "models: [openai:gpt-4o]", "invalid job"},
		{"prompt without text", "models: [m]\nprompts: [{id: a}]", "invalid job"},
		{"bad temperature", "models: [m]\ntemperatures: [5]\nprompts: [{id: a, text: hi}]", "invalid job"},
		{"duplicate prompt", "models: [m]\nprompts: [{id: a, text: hi}, {id: a, text: ho}]", "duplicate prompt id"},
		{"duplicate model", "models: [m, m]\nprompts: [{id: a, text: hi}]", "invalid job"},
		{"duplicate temperature", "models: [m]\ntemperatures: [0.7, 0.7]\nprompts: [{id: a, text: hi}]", "invalid job"},
		{"duplicate seed", "models: [m]\nseeds: [1, 2, 1]\nprompts: [{id: a, text: hi}]", "invalid job"},
		{"negative multiplier", "models: [m]\nprompts: [{id: a, text: hi, points: [{text: p, multiplier: -1}]}]", "invalid job"},
		{"alpha out of range", "models: [m]\nprompts: [{id: a, text: hi}]\nranking: {alpha: 1.5}", "invalid job"},
		{"bad ranking", "models: [m]\nprompts: [{id: a, text: hi}]\nranking: {method: random}", "invalid job"},
		{"bad yaml", "models: [", "parsing job"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParse_RankingDefaults(t *testing.T) {
	j, err := Parse([]byte("models: [m]\nprompts: [{id: a, text: hi}]\nranking: {min_coverage: 0.3}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Ranking.Method != RankComposite {
		t.Errorf("expected composite, got %q", j.Ranking.Method)
	}
	if j.Ranking.Alpha == nil || *j.Ranking.Alpha != DefaultAlpha {
		t.Errorf("expected alpha to default to %v, got %v", DefaultAlpha, j.Ranking.Alpha)
	}

	j, err = Parse([]byte("models: [m]\nprompts: [{id: a, text: hi}]\nranking: {alpha: 0}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Ranking.Alpha == nil || *j.Ranking.Alpha != 0 {
		t.Errorf("expected explicit alpha 0 to be kept, got %v", j.Ranking.Alpha)
	}
}

func TestApplyDefaultJudges(t *testing.T) {
	const rubricJob = "models: [m]\nprompts: [{id: a, text: hi, points: [{text: p}]}]"

	j, err := Parse([]byte(rubricJob))
	if err != nil {
		t.Fatalf("rubric job without judges should parse, got %v", err)
	}
	if err := j.ApplyDefaultJudges([]string{"openai:gpt-4o"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(j.Judges) != 1 || j.Judges[0] != "openai:gpt-4o" {
		t.Errorf("expected judges from defaults, got %v", j.Judges)
	}

	j, _ = Parse([]byte(rubricJob + "\njudges: [anthropic:claude]"))
	if err := j.ApplyDefaultJudges([]string{"openai:gpt-4o"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(j.Judges) != 1 || j.Judges[0] != "anthropic:claude" {
		t.Errorf("job judges should win over defaults, got %v", j.Judges)
	}

	j, _ = Parse([]byte(rubricJob))
	if err := j.ApplyDefaultJudges(nil); err == nil || !strings.Contains(err.Error(), "need judges") {
		t.Errorf("expected missing judges error, got %v", err)
	}

	j, _ = Parse([]byte("models: [m]\nprompts: [{id: a, text: hi}]"))
	if err := j.ApplyDefaultJudges(nil); err != nil {
		t.Errorf("jobs without rubric need no judges, got %v", err)
	}
}
