package embedding

import (
	"context"
	"errors"
	"math"
)

// ErrEmbed is returned once retries against the embedding backend are
// exhausted. Callers match it with errors.Is.
var ErrEmbed = errors.New("embedding failed")

// Embedder produces fixed-dimension, L2-normalized dense vectors. Identical
// inputs produce identical outputs within one model version; batch calls are
// order-preserving. Vectors from different model versions must never be
// mixed, so every stored chunk records the version that produced it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelVersion() string
	Dimension() int
}

// normalize scales v to unit L2 norm in place and returns it.
// The zero vector is returned unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}
