package embedding

import (
	"context"
	"hash/fnv"
)

// LocalEmbedder is a deterministic feature-hashing embedder. It needs no
// network and always produces the same vector for the same text, which makes
// it the offline backend and the test double: token overlap between texts
// still yields meaningful cosine similarity.
type LocalEmbedder struct {
	dimension int
}

var _ Embedder = (*LocalEmbedder)(nil)

// NewLocalEmbedder creates a LocalEmbedder with the given dimension
// (default 256 if <= 0).
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalEmbedder{dimension: dimension}
}

func (e *LocalEmbedder) ModelVersion() string { return "local-hash-v1" }
func (e *LocalEmbedder) Dimension() int       { return e.dimension }

func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		idx := int(h.Sum32()) % e.dimension
		if idx < 0 {
			idx += e.dimension
		}
		vec[idx]++
	}
	return normalize(vec), nil
}

func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
