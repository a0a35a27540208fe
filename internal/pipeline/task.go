package pipeline

import (
	"context"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/everstacklabs/evalcore/internal/job"
)

// Task is one generation call: a prompt sent to a model under one sampling
// variant.
type Task struct {
	ID          string   `json:"id"`
	PromptID    string   `json:"prompt_id"`
	ModelID     string   `json:"model_id"`
	Temperature *float64 `json:"temperature,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
}

// TaskID builds the stable id "prompt|model|temperature|seed"; absent
// variants are written as "-".
func TaskID(promptID, modelID string, temperature *float64, seed *int) string {
	t, s := "-", "-"
	if temperature != nil {
		t = strconv.FormatFloat(*temperature, 'f', -1, 64)
	}
	if seed != nil {
		s = strconv.Itoa(*seed)
	}
	return promptID + "|" + modelID + "|" + t + "|" + s
}

// Expand returns the cartesian product prompts × models × temperatures ×
// seeds in a deterministic order. Repeated variants collapse to the first
// task with that id.
func Expand(j *job.Job) []Task {
	temps := []*float64{nil}
	if len(j.Temperatures) > 0 {
		temps = temps[:0]
		for _, t := range j.Temperatures {
			temps = append(temps, &t)
		}
	}
	seeds := []*int{nil}
	if len(j.Seeds) > 0 {
		seeds = seeds[:0]
		for _, s := range j.Seeds {
			seeds = append(seeds, &s)
		}
	}

	tasks := make([]Task, 0, len(j.Prompts)*len(j.Models)*len(temps)*len(seeds))
	seen := make(map[string]struct{}, cap(tasks))
	for _, p := range j.Prompts {
		for _, m := range j.Models {
			for _, t := range temps {
				for _, s := range seeds {
					id := TaskID(p.ID, m, t, s)
					if _, dup := seen[id]; dup {
						continue
					}
					seen[id] = struct{}{}
					tasks = append(tasks, Task{
						ID:          id,
						PromptID:    p.ID,
						ModelID:     m,
						Temperature: t,
						Seed:        s,
					})
				}
			}
		}
	}
	return tasks
}

// backoff returns the full-jitter delay before retry number attempt (1-based):
// a uniform draw from [0, min(max, base*2^(attempt-1))].
func backoff(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	ceiling := float64(base) * math.Pow(2, float64(attempt-1))
	if ceiling > float64(max) {
		ceiling = float64(max)
	}
	return time.Duration(rnd() * ceiling)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var defaultRand = rand.Float64
