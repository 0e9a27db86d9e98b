// Package vector provides in-memory similarity math and ranking over
// fixed-dimension embedding vectors.
package vector

import (
	"math"

	"github.com/casevault/lexrag/internal/errors"
)

// Dot returns the dot product of two equal-length vectors.
func Dot(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.DimensionMismatch(len(a), len(b))
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum, nil
}

// Norm returns the Euclidean (L2) norm of a vector.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns the normalized dot product of a and b, in [-1, 1].
// The similarity of any zero vector is defined as 0, never NaN.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.DimensionMismatch(len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// EuclideanDistance returns the L2 distance between two equal-length vectors.
// Always non-negative, and exactly 0 iff the vectors are equal.
func EuclideanDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.DimensionMismatch(len(a), len(b))
	}

	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Normalize returns a unit-length copy of v. Zero vectors are returned as-is.
func Normalize(v []float32) []float32 {
	mag := Norm(v)
	if mag == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out
}
