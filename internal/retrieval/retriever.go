package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/praxos/ragpipe/internal/embedding"
)

// Options control a single retrieval run.
type Options struct {
	TopK          int
	MinSimilarity float64
	DenseWeight   float64
	Filters       Filters
}

func (o Options) normalized() Options {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.DenseWeight <= 0 || o.DenseWeight > 1 {
		o.DenseWeight = 0.7
	}
	return o
}

// Retriever runs hybrid search for one or more sub-queries and merges the
// results into a single ranked list.
type Retriever struct {
	store    VectorStore
	embedder embedding.Embedder
}

func NewRetriever(store VectorStore, embedder embedding.Embedder) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

// Retrieve searches each sub-query independently, fuses the per-query
// rankings by reciprocal rank to pick candidates, weights each chunk's
// similarity by its feedback weight, drops results below MinSimilarity,
// and returns the top-k ordered by that final score with ranks 1..k.
// Ties break on raw similarity, then ingest recency, then chunk id.
//
// A chunk found by several sub-queries keeps its best similarity and
// accumulates fusion score from every list it appears in.
func (r *Retriever) Retrieve(ctx context.Context, subQueries []string, opts Options) ([]ScoredChunk, error) {
	opts = opts.normalized()
	if len(subQueries) == 0 {
		return nil, nil
	}

	vectors, err := r.embedder.EmbedBatch(ctx, subQueries)
	if err != nil {
		return nil, fmt.Errorf("embedding sub-queries: %w", err)
	}
	modelVersion := r.embedder.ModelVersion()

	// Over-fetch per sub-query so fusion across lists has candidates to
	// promote; the final cut back to k happens after merging.
	kRaw := opts.TopK * 2

	byID := make(map[string]*ScoredChunk)
	fused := make(map[string]float64)

	for i, sub := range subQueries {
		sparse := embedding.Sparse(sub)
		hits, err := r.store.Hybrid(ctx, vectors[i], sparse, modelVersion, kRaw, opts.Filters, opts.DenseWeight)
		if err != nil {
			return nil, fmt.Errorf("searching %q: %w", sub, err)
		}
		for rank, hit := range hits {
			fused[hit.ID] += 1 / float64(rrfK+rank+1)
			if prev, ok := byID[hit.ID]; !ok || hit.Similarity > prev.Similarity {
				h := hit
				byID[h.ID] = &h
			}
		}
	}

	// Reciprocal-rank fusion picks which candidates survive the merge
	// across sub-query lists; ordering among survivors is decided by the
	// feedback-weighted similarity below.
	candidates := make([]*ScoredChunk, 0, len(byID))
	for _, sc := range byID {
		candidates = append(candidates, sc)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if fused[a.ID] != fused[b.ID] {
			return fused[a.ID] > fused[b.ID]
		}
		return a.ID < b.ID
	})
	if len(candidates) > kRaw {
		candidates = candidates[:kRaw]
	}

	results := make([]ScoredChunk, 0, len(candidates))
	for _, sc := range candidates {
		sc.Final = sc.Similarity * sc.FeedbackWeight
		if sc.Final < opts.MinSimilarity {
			continue
		}
		results = append(results, *sc)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Final != b.Final {
			return a.Final > b.Final
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.DocumentIngestedAt.Equal(b.DocumentIngestedAt) {
			return a.DocumentIngestedAt.After(b.DocumentIngestedAt)
		}
		return a.ID < b.ID
	})

	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}
