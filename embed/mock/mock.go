// Package mock provides a deterministic embedder for tests and local
// development. It has no semantic understanding; texts that share
// tokens get correlated vectors, which is enough to exercise search
// ranking without a model.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultDimensions matches common small sentence-embedding models.
const DefaultDimensions = 384

// Embedder generates deterministic embeddings by summing per-token
// hash-seeded vectors.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with DefaultDimensions.
func New() *Embedder {
	return NewWithDimensions(DefaultDimensions)
}

// NewWithDimensions creates a mock embedder with a custom vector size.
func NewWithDimensions(dims int) *Embedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{dimensions: dims}
}

// Embed implements embed.Embedder. The same text always yields the
// same unit vector, and overlapping token sets yield nearby vectors.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dimensions)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		seed := h.Sum64()

		for i := 0; i < e.dimensions; i++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}
	return normalize(vec), nil
}

// Dimensions implements embed.Embedder.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
