package pipeline

import (
	"sort"

	"github.com/everstacklabs/evalcore/internal/job"
)

// Candidate is one ranked unit. Similarity is the cosine similarity to the
// anchor text and is nil when it could not be computed.
type Candidate struct {
	ID         string   `json:"id"`
	Coverage   float64  `json:"coverage"`
	Similarity *float64 `json:"similarity,omitempty"`
}

// Ranked is a candidate with its position and costs. Both costs are in
// [0, 1] and lower is better.
type Ranked struct {
	Candidate
	Position      int     `json:"position"`
	CoverageCost  float64 `json:"coverage_cost"`
	Dissimilarity float64 `json:"dissimilarity"`
	Score         float64 `json:"score"`
	Front         int     `json:"front"`
}

// RankOptions selects the ordering.
type RankOptions struct {
	Method      string
	Alpha       float64
	MinCoverage float64
}

// Rank drops candidates below MinCoverage and orders the rest.
//
// Composite ordering sorts by alpha*(1-coverage) + (1-alpha)*dissimilarity,
// where dissimilarity is 1-similarity min-max normalized over the kept
// candidates. Pareto ordering sorts by non-dominated front on the same two
// costs. Ties go to higher coverage, then to the lower id.
func Rank(candidates []Candidate, opts RankOptions) []Ranked {
	var ranked []Ranked
	for _, c := range candidates {
		if c.Coverage < opts.MinCoverage {
			continue
		}
		ranked = append(ranked, Ranked{Candidate: c, CoverageCost: 1 - c.Coverage})
	}
	if len(ranked) == 0 {
		return nil
	}

	normalizeDissimilarity(ranked)
	for i := range ranked {
		ranked[i].Score = opts.Alpha*ranked[i].CoverageCost + (1-opts.Alpha)*ranked[i].Dissimilarity
	}
	assignFronts(ranked)

	less := func(a, b Ranked) bool {
		if opts.Method == job.RankPareto {
			if a.Front != b.Front {
				return a.Front < b.Front
			}
		} else if a.Score != b.Score {
			return a.Score < b.Score
		}
		if a.Coverage != b.Coverage {
			return a.Coverage > b.Coverage
		}
		return a.ID < b.ID
	}
	sort.SliceStable(ranked, func(i, j int) bool { return less(ranked[i], ranked[j]) })

	for i := range ranked {
		ranked[i].Position = i + 1
	}
	return ranked
}

// normalizeDissimilarity maps 1-similarity onto [0, 1] over the set. A
// candidate without similarity gets the worst value, unless no candidate
// has one, in which case the axis is flat.
func normalizeDissimilarity(ranked []Ranked) {
	lo, hi := 2.0, -1.0
	var found bool
	for _, r := range ranked {
		if r.Similarity == nil {
			continue
		}
		d := 1 - *r.Similarity
		lo = min(lo, d)
		hi = max(hi, d)
		found = true
	}
	for i := range ranked {
		switch {
		case !found:
			ranked[i].Dissimilarity = 0
		case ranked[i].Similarity == nil:
			ranked[i].Dissimilarity = 1
		case hi == lo:
			ranked[i].Dissimilarity = 0
		default:
			ranked[i].Dissimilarity = (1 - *ranked[i].Similarity - lo) / (hi - lo)
		}
	}
}

// assignFronts sets Front to the candidate's non-dominated front index,
// starting at 1.
func assignFronts(ranked []Ranked) {
	remaining := make([]int, len(ranked))
	for i := range remaining {
		remaining[i] = i
	}
	for front := 1; len(remaining) > 0; front++ {
		var next, current []int
		for _, i := range remaining {
			dominated := false
			for _, j := range remaining {
				if i != j && dominates(ranked[j], ranked[i]) {
					dominated = true
					break
				}
			}
			if dominated {
				next = append(next, i)
			} else {
				current = append(current, i)
			}
		}
		for _, i := range current {
			ranked[i].Front = front
		}
		remaining = next
	}
}

func dominates(a, b Ranked) bool {
	noWorse := a.CoverageCost <= b.CoverageCost && a.Dissimilarity <= b.Dissimilarity
	better := a.CoverageCost < b.CoverageCost || a.Dissimilarity < b.Dissimilarity
	return noWorse && better
}

func rankOptions(r *job.Ranking) RankOptions {
	alpha := job.DefaultAlpha
	if r.Alpha != nil {
		alpha = *r.Alpha
	}
	return RankOptions{Method: r.Method, Alpha: alpha, MinCoverage: r.MinCoverage}
}
