package retrieval

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps storage backend failures so callers can
// distinguish them from empty results.
var ErrStoreUnavailable = errors.New("vector store unavailable")

// Document is one ingested source. Its chunks are owned exclusively by it:
// superseding or purging a document removes them.
type Document struct {
	ID           string
	URI          string
	Title        string
	Kind         string
	Content      string
	MetadataJSON string
	IngestedAt   time.Time
}

// Chunk is a retrieval unit derived from a Document.
type Chunk struct {
	ID             string
	DocumentID     string
	Ordinal        int
	Text           string
	Strategy       string
	HeadingPath    string
	StartTime      string
	EndTime        string
	DeclName       string
	ItemIndex      int
	Embedding      []float32
	Sparse         map[string]float64
	ModelVersion   string
	FeedbackWeight float64
	CreatedAt      time.Time
}

// ScoredChunk is a Chunk with its retrieval scores and owning-document
// context attached. Similarity is the raw dense cosine in [-1, 1]; Final is
// similarity multiplied by the chunk's feedback weight.
type ScoredChunk struct {
	Chunk
	Similarity         float64
	Final              float64
	Rank               int
	DocumentTitle      string
	DocumentURI        string
	DocumentIngestedAt time.Time
}

// Filters restrict search to chunks whose fields or owning-document metadata
// match. Values are compared by equality; a []string value means "$in".
// Recognized keys: kind, uri, document_id, strategy; any other key is looked
// up in the document metadata.
type Filters map[string]any

// VectorStore persists documents with their chunk vectors and answers
// similarity queries. The default implementation is SQLite with brute-force
// cosine scan; an ANN-backed implementation can replace it behind this
// interface when corpus size demands it.
type VectorStore interface {
	// PutDocument writes a document and its chunks atomically. A prior
	// live document with the same URI is superseded in the same
	// transaction.
	PutDocument(ctx context.Context, doc Document, chunks []Chunk) error

	// KNN returns the top-k chunks by dense cosine similarity. Chunks whose
	// owning document is deleted, or whose embedding model differs from
	// modelVersion, are never returned. An empty store yields empty results.
	KNN(ctx context.Context, vector []float32, modelVersion string, k int, filters Filters) ([]ScoredChunk, error)

	// Hybrid ranks by reciprocal-rank fusion of the dense and sparse
	// rankings, weighted by denseWeight. Reported similarity stays on the
	// dense cosine scale.
	Hybrid(ctx context.Context, vector []float32, sparse map[string]float64, modelVersion string, k int, filters Filters, denseWeight float64) ([]ScoredChunk, error)

	// AdjustFeedback applies a clamped delta to a chunk's feedback weight
	// and returns the new weight. Weights stay within [0.1, 3.0].
	AdjustFeedback(ctx context.Context, chunkID string, delta float64) (float64, error)

	// GetChunks returns chunks by id, with owning-document context.
	GetChunks(ctx context.Context, ids []string) ([]ScoredChunk, error)

	GetDocument(ctx context.Context, id string) (Document, error)
	FindDocumentByURI(ctx context.Context, uri string) (Document, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]Document, error)

	// PurgeDocument removes a document and all of its chunks.
	PurgeDocument(ctx context.Context, id string) error

	// Scroll iterates chunks in stable (id) order for admin tasks.
	Scroll(ctx context.Context, afterID string, limit int) ([]Chunk, error)

	CountChunks(ctx context.Context) (int, error)
}
