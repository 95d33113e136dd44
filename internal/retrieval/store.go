package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/praxos/ragpipe/internal/embedding"
	"github.com/praxos/ragpipe/internal/storage"
)

// Feedback weights are clamped to this range under any sequence of updates.
const (
	FeedbackMin = 0.1
	FeedbackMax = 3.0
)

// rrfK is the standard reciprocal-rank-fusion constant.
const rrfK = 60

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity
// search over the rag_documents/rag_chunks tables. It shares the *sql.DB
// opened by the storage package.
//
// Brute force holds up well below ~100K chunks. Past that, implement
// VectorStore against an ANN-capable backend and migrate via Scroll.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The schema must already exist (created via storage migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// PutDocument writes doc and its chunks in one transaction. Any live
// document with the same URI is marked deleted and its chunks removed, so
// re-ingesting a URI supersedes atomically and readers never observe a
// half-written swap.
func (s *SQLiteStore) PutDocument(ctx context.Context, doc Document, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning put transaction: %v", ErrStoreUnavailable, err)
	}

	// Supersede prior versions of the same URI.
	if doc.URI != "" {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM rag_documents WHERE uri = ? AND deleted = 0`, doc.URI)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("finding prior documents: %w", err)
		}
		var priorIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				tx.Rollback()
				return fmt.Errorf("scanning prior document id: %w", err)
			}
			priorIDs = append(priorIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			tx.Rollback()
			return err
		}

		for _, id := range priorIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE rag_documents SET deleted = 1 WHERE id = ?`, id); err != nil {
				tx.Rollback()
				return fmt.Errorf("superseding document %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM rag_chunks WHERE document_id = ?`, id); err != nil {
				tx.Rollback()
				return fmt.Errorf("removing superseded chunks of %s: %w", id, err)
			}
		}
	}

	ingestedAt := doc.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rag_documents (id, uri, title, kind, content, metadata, deleted, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		doc.ID, doc.URI, doc.Title, doc.Kind, doc.Content, metadataOrEmpty(doc.MetadataJSON),
		ingestedAt.Format(time.RFC3339),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rag_chunks (id, document_id, ordinal, text_chunk, strategy, heading_path,
			start_time, end_time, decl_name, item_index, embedding, sparse, model_version,
			feedback_weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		sparseJSON, err := encodeSparse(c.Sparse)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encoding sparse vector for chunk %s: %w", c.ID, err)
		}
		weight := c.FeedbackWeight
		if weight == 0 {
			weight = 1.0
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = ingestedAt
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, doc.ID, c.Ordinal, c.Text, c.Strategy, c.HeadingPath,
			c.StartTime, c.EndTime, c.DeclName, c.ItemIndex,
			encodeFloat32s(c.Embedding), sparseJSON, c.ModelVersion,
			weight, createdAt.Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// candidate holds scan-phase state for one chunk: id, scores, and the
// tie-break fields. Full rows are fetched only for top-k winners.
type candidate struct {
	ID        string
	Score     float64
	CreatedAt string
	Sparse    float64
}

// KNN performs brute-force cosine similarity search, returning the top-k
// most similar live chunks for the given embedding model version.
func (s *SQLiteStore) KNN(ctx context.Context, vector []float32, modelVersion string, k int, filters Filters) ([]ScoredChunk, error) {
	cands, err := s.scan(ctx, vector, nil, modelVersion, filters)
	if err != nil {
		return nil, err
	}
	top := topK(cands, k, func(c candidate) float64 { return c.Score })
	return s.hydrate(ctx, top)
}

// Hybrid ranks candidates by reciprocal-rank fusion of the dense and sparse
// orderings, weighted by denseWeight. The similarity reported on each result
// remains the dense cosine so downstream thresholds keep their meaning.
func (s *SQLiteStore) Hybrid(ctx context.Context, vector []float32, sparse map[string]float64, modelVersion string, k int, filters Filters, denseWeight float64) ([]ScoredChunk, error) {
	if len(sparse) == 0 || denseWeight >= 1 {
		return s.KNN(ctx, vector, modelVersion, k, filters)
	}

	cands, err := s.scan(ctx, vector, sparse, modelVersion, filters)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, nil
	}

	denseRank := rankBy(cands, func(c candidate) float64 { return c.Score })
	sparseRank := rankBy(cands, func(c candidate) float64 { return c.Sparse })

	fused := make(map[string]float64, len(cands))
	for id, r := range denseRank {
		fused[id] += denseWeight / float64(rrfK+r)
	}
	for id, r := range sparseRank {
		fused[id] += (1 - denseWeight) / float64(rrfK+r)
	}

	top := topK(cands, k, func(c candidate) float64 { return fused[c.ID] })
	return s.hydrate(ctx, top)
}

// scan is the shared first phase: one pass over live chunks computing dense
// (and optionally sparse TF-IDF) similarity, applying model-version and
// metadata filters. Stale-model chunks are excluded and counted, never
// surfaced. IDF is rebuilt from the candidate set on each scan, so rare
// terms hold their weight as the corpus grows.
func (s *SQLiteStore) scan(ctx context.Context, vector []float32, sparse map[string]float64, modelVersion string, filters Filters) ([]candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.embedding, c.sparse, c.model_version, c.strategy, c.created_at,
			c.document_id, d.kind, d.uri, d.metadata
		FROM rag_chunks c
		JOIN rag_documents d ON d.id = c.document_id
		WHERE d.deleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying vectors: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	var cands []candidate
	// Chunk sparse vectors, parallel to cands, kept until the whole
	// candidate set is known so IDF reflects the searchable corpus.
	var sparseVecs []map[string]float64
	stale := 0

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id, sparseJSON, chunkModel, strategy, createdAt, documentID, kind, uri, docMeta string
		var blob []byte
		if err := rows.Scan(&id, &blob, &sparseJSON, &chunkModel, &strategy, &createdAt, &documentID, &kind, &uri, &docMeta); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		if chunkModel != modelVersion {
			stale++
			continue
		}
		if !matchFilters(filters, documentID, kind, uri, strategy, docMeta) {
			continue
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		c := candidate{
			ID:        id,
			Score:     dotProduct(vector, buf, queryNorm),
			CreatedAt: createdAt,
		}
		if sparse != nil {
			chunkSparse, err := decodeSparseJSON(sparseJSON)
			if err != nil {
				return nil, fmt.Errorf("decoding sparse vector for %s: %w", id, err)
			}
			sparseVecs = append(sparseVecs, chunkSparse)
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if sparse != nil && len(cands) > 0 {
		idf := embedding.IDF(sparseVecs)
		for i := range cands {
			cands[i].Sparse = embedding.IDFSimilarity(sparse, sparseVecs[i], idf)
		}
	}

	if stale > 0 {
		slog.Warn("excluded chunks with stale embedding model",
			"count", stale, "query_model", modelVersion)
	}
	return cands, nil
}

// topK selects the k best candidates by score(c), deterministically:
// ties break on higher dense score, then more recent creation, then
// lexicographic id.
func topK(cands []candidate, k int, score func(candidate) float64) []scoredCandidate {
	if k <= 0 || len(cands) == 0 {
		return nil
	}

	h := &candidateHeap{score: score}
	heap.Init(h)
	for _, c := range cands {
		if h.Len() < k {
			heap.Push(h, c)
		} else if h.beats(c, h.items[0]) {
			h.items[0] = c
			heap.Fix(h, 0)
		}
	}

	out := make([]scoredCandidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		c := heap.Pop(h).(candidate)
		out[i] = scoredCandidate{ID: c.ID, Score: score(c), Dense: c.Score}
	}
	return out
}

type scoredCandidate struct {
	ID    string
	Score float64 // ordering score (cosine for KNN, fused for Hybrid)
	Dense float64 // raw dense cosine, reported as Similarity
}

// rankBy returns 1-based ranks by score descending with the same tie-breaks
// as topK.
func rankBy(cands []candidate, score func(candidate) float64) map[string]int {
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.Slice(sorted, func(i, j int) bool {
		return lessCandidate(sorted[j], sorted[i], score)
	})
	ranks := make(map[string]int, len(sorted))
	for i, c := range sorted {
		ranks[c.ID] = i + 1
	}
	return ranks
}

// lessCandidate reports whether a ranks strictly below b.
func lessCandidate(a, b candidate, score func(candidate) float64) bool {
	sa, sb := score(a), score(b)
	if sa != sb {
		return sa < sb
	}
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID > b.ID
}

// hydrate is the second phase: fetch full chunk rows with document context
// for the winners, preserving their order.
func (s *SQLiteStore) hydrate(ctx context.Context, winners []scoredCandidate) ([]ScoredChunk, error) {
	if len(winners) == 0 {
		return nil, nil
	}

	ids := make([]string, len(winners))
	order := make(map[string]int, len(winners))
	for i, w := range winners {
		ids[i] = w.ID
		order[w.ID] = i
	}

	full, err := s.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredChunk, len(winners))
	found := 0
	for _, c := range full {
		i, ok := order[c.ID]
		if !ok {
			continue
		}
		c.Similarity = winners[i].Dense
		results[i] = c
		found++
	}
	if found != len(winners) {
		return nil, fmt.Errorf("hydrating results: got %d of %d chunks", found, len(winners))
	}
	return results, nil
}

// GetChunks returns chunks by id with their owning document's title, URI,
// and ingest time. Chunks of deleted documents are omitted.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]ScoredChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `
		SELECT c.id, c.document_id, c.ordinal, c.text_chunk, c.strategy, c.heading_path,
			c.start_time, c.end_time, c.decl_name, c.item_index, c.embedding, c.sparse,
			c.model_version, c.feedback_weight, c.created_at,
			d.title, d.uri, d.ingested_at
		FROM rag_chunks c
		JOIN rag_documents d ON d.id = c.document_id
		WHERE d.deleted = 0 AND c.id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying chunks: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var blob []byte
		var sparseJSON, createdAt, ingestedAt string
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.Ordinal, &sc.Text, &sc.Strategy,
			&sc.HeadingPath, &sc.StartTime, &sc.EndTime, &sc.DeclName, &sc.ItemIndex,
			&blob, &sparseJSON, &sc.ModelVersion, &sc.FeedbackWeight, &createdAt,
			&sc.DocumentTitle, &sc.DocumentURI, &ingestedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", sc.ID, err)
		}
		sc.Embedding = embedding
		sc.Sparse, err = decodeSparseJSON(sparseJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding sparse vector for %s: %w", sc.ID, err)
		}
		if sc.CreatedAt, err = parseRFC3339(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", sc.ID, err)
		}
		if sc.DocumentIngestedAt, err = parseRFC3339(ingestedAt); err != nil {
			return nil, fmt.Errorf("parsing ingested_at for %s: %w", sc.ID, err)
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

// AdjustFeedback applies a clamped delta to a chunk's feedback weight in one
// statement (last writer wins) and returns the new weight.
func (s *SQLiteStore) AdjustFeedback(ctx context.Context, chunkID string, delta float64) (float64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rag_chunks SET feedback_weight = MAX(?, MIN(?, feedback_weight + ?))
		WHERE id = ?`,
		FeedbackMin, FeedbackMax, delta, chunkID)
	if err != nil {
		return 0, fmt.Errorf("%w: adjusting feedback for %s: %v", ErrStoreUnavailable, chunkID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, storage.ErrNotFound
	}

	var weight float64
	if err := s.db.QueryRowContext(ctx, `SELECT feedback_weight FROM rag_chunks WHERE id = ?`, chunkID).Scan(&weight); err != nil {
		return 0, err
	}
	return weight, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (Document, error) {
	return s.getDocumentWhere(ctx, `id = ?`, id)
}

// FindDocumentByURI returns the live document for a URI, if any.
func (s *SQLiteStore) FindDocumentByURI(ctx context.Context, uri string) (Document, error) {
	return s.getDocumentWhere(ctx, `uri = ? AND deleted = 0`, uri)
}

func (s *SQLiteStore) getDocumentWhere(ctx context.Context, where string, arg any) (Document, error) {
	var d Document
	var ingestedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uri, title, kind, content, metadata, ingested_at
		FROM rag_documents WHERE `+where, arg,
	).Scan(&d.ID, &d.URI, &d.Title, &d.Kind, &d.Content, &d.MetadataJSON, &ingestedAt)
	if err == sql.ErrNoRows {
		return Document{}, storage.ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.IngestedAt, err = parseRFC3339(ingestedAt); err != nil {
		return Document{}, fmt.Errorf("parsing ingested_at: %w", err)
	}
	return d, nil
}

// ListDocuments returns live documents, newest first.
func (s *SQLiteStore) ListDocuments(ctx context.Context, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uri, title, kind, content, metadata, ingested_at
		FROM rag_documents WHERE deleted = 0
		ORDER BY ingested_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var ingestedAt string
		if err := rows.Scan(&d.ID, &d.URI, &d.Title, &d.Kind, &d.Content, &d.MetadataJSON, &ingestedAt); err != nil {
			return nil, err
		}
		if d.IngestedAt, err = parseRFC3339(ingestedAt); err != nil {
			return nil, fmt.Errorf("parsing ingested_at: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// PurgeDocument removes a document and its chunks permanently.
func (s *SQLiteStore) PurgeDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning purge transaction: %v", ErrStoreUnavailable, err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM rag_documents WHERE id = ?`, id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return err
	}
	if n == 0 {
		tx.Rollback()
		return storage.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rag_chunks WHERE document_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting chunks of %s: %w", id, err)
	}
	return tx.Commit()
}

// Scroll returns up to limit chunks with id > afterID, in id order. Pass ""
// to start from the beginning.
func (s *SQLiteStore) Scroll(ctx context.Context, afterID string, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, ordinal, text_chunk, strategy, heading_path, start_time,
			end_time, decl_name, item_index, embedding, sparse, model_version,
			feedback_weight, created_at
		FROM rag_chunks WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		var sparseJSON, createdAt string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Text, &c.Strategy,
			&c.HeadingPath, &c.StartTime, &c.EndTime, &c.DeclName, &c.ItemIndex,
			&blob, &sparseJSON, &c.ModelVersion, &c.FeedbackWeight, &createdAt); err != nil {
			return nil, err
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.Embedding = embedding
		c.Sparse, err = decodeSparseJSON(sparseJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding sparse vector for %s: %w", c.ID, err)
		}
		if c.CreatedAt, err = parseRFC3339(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks returns the number of chunks belonging to live documents.
func (s *SQLiteStore) CountChunks(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rag_chunks c
		JOIN rag_documents d ON d.id = c.document_id
		WHERE d.deleted = 0`).Scan(&count)
	return count, err
}

// matchFilters applies equality and $in filters against chunk fields and
// document metadata.
func matchFilters(filters Filters, documentID, kind, uri, strategy, docMetaJSON string) bool {
	if len(filters) == 0 {
		return true
	}

	var meta map[string]any
	for key, want := range filters {
		var got any
		switch key {
		case "document_id":
			got = documentID
		case "kind":
			got = kind
		case "uri":
			got = uri
		case "strategy":
			got = strategy
		default:
			if meta == nil {
				if err := json.Unmarshal([]byte(docMetaJSON), &meta); err != nil {
					return false
				}
			}
			got = meta[key]
		}
		if !matchValue(want, got) {
			return false
		}
	}
	return true
}

func matchValue(want, got any) bool {
	switch w := want.(type) {
	case []string:
		g := fmt.Sprintf("%v", got)
		for _, candidate := range w {
			if candidate == g {
				return true
			}
		}
		return false
	case []any:
		g := fmt.Sprintf("%v", got)
		for _, candidate := range w {
			if fmt.Sprintf("%v", candidate) == g {
				return true
			}
		}
		return false
	default:
		return fmt.Sprintf("%v", want) == fmt.Sprintf("%v", got)
	}
}

// candidateHeap is a min-heap of candidates ordered by the topK comparator,
// so the weakest winner sits at the root.
type candidateHeap struct {
	items []candidate
	score func(candidate) float64
}

func (h *candidateHeap) Len() int { return len(h.items) }
func (h *candidateHeap) Less(i, j int) bool {
	return lessCandidate(h.items[i], h.items[j], h.score)
}
func (h *candidateHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *candidateHeap) Push(x any)    { h.items = append(h.items, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// beats reports whether a should replace the current weakest winner b.
func (h *candidateHeap) beats(a, b candidate) bool {
	return lessCandidate(b, a, h.score)
}

// --- encoding helpers ---

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func encodeSparse(v map[string]float64) (string, error) {
	if len(v) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeSparseJSON(s string) (map[string]float64, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var v map[string]float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func metadataOrEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}
