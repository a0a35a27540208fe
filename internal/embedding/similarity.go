package embedding

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when two vectors differ in length. It
// indicates a caller bug and is never retried.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// CosineSimilarity returns the cosine of the angle between a and b, clamped
// to [-1, 1]. Two empty vectors are identical (1); a zero vector is
// orthogonal to everything (0).
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 1, nil
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim)), nil
}

// CosineDistance is 1 - CosineSimilarity.
func CosineDistance(a, b []float64) (float64, error) {
	sim, err := CosineSimilarity(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}

// MeanPairwiseSimilarity averages the similarity of every unordered pair in
// vectors. Fewer than two vectors yield 1.
func MeanPairwiseSimilarity(vectors [][]float64) (float64, error) {
	if len(vectors) < 2 {
		return 1, nil
	}
	var sum float64
	var pairs int
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim, err := CosineSimilarity(vectors[i], vectors[j])
			if err != nil {
				return 0, err
			}
			sum += sim
			pairs++
		}
	}
	return sum / float64(pairs), nil
}
