// Package pipeline orchestrates one query end to end: route, cache lookup,
// retrieval, quality gate, answer composition, and durable logging.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxos/ragpipe/internal/cache"
	"github.com/praxos/ragpipe/internal/composer"
	"github.com/praxos/ragpipe/internal/embedding"
	"github.com/praxos/ragpipe/internal/gate"
	"github.com/praxos/ragpipe/internal/querylog"
	"github.com/praxos/ragpipe/internal/retrieval"
	"github.com/praxos/ragpipe/internal/router"
	"github.com/praxos/ragpipe/internal/storage"
)

// ReasonDeadline is recorded when the request budget ran out mid-pipeline.
const ReasonDeadline = "deadline_exceeded"

const maxHistoryTurns = 10

// Options configure query handling.
type Options struct {
	TopK          int
	MinSimilarity float64
	DenseWeight   float64
	CacheEnabled  bool
	RequestBudget time.Duration
}

func (o Options) normalized() Options {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.RequestBudget <= 0 {
		o.RequestBudget = 10 * time.Second
	}
	return o
}

// Request is one incoming query.
type Request struct {
	Query        string
	AgentID      string
	SessionID    string
	Filters      retrieval.Filters
	K            int
	MetadataJSON string
}

// Citation mirrors composer.Citation with the feedback weight attached so
// logging and caching can reconstruct chunk rows.
type Citation struct {
	ChunkID        string
	DocumentTitle  string
	DocumentURI    string
	Excerpt        string
	Rank           int
	Score          float64
	FeedbackWeight float64
}

// Response is the answer envelope for one query.
type Response struct {
	QueryID         string
	Answer          string
	Citations       []Citation
	Route           string
	Cached          bool
	CacheSimilarity float64
	LatencyMS       int64
	Degraded        bool
	Action          string
}

// Pipeline wires the query path together. All stages respect the request
// deadline; overruns abort at the next suspension point and the query is
// recorded as an abstain.
type Pipeline struct {
	router    *router.Router
	cache     *cache.Cache
	embedder  embedding.Embedder
	retriever *retrieval.Retriever
	gate      gate.Gate
	composer  *composer.Composer
	logger    *querylog.Logger
	opts      Options

	mu       sync.Mutex
	sessions map[string][]string
}

func New(
	rt *router.Router,
	c *cache.Cache,
	embedder embedding.Embedder,
	retriever *retrieval.Retriever,
	g gate.Gate,
	comp *composer.Composer,
	logger *querylog.Logger,
	opts Options,
) *Pipeline {
	return &Pipeline{
		router:    rt,
		cache:     c,
		embedder:  embedder,
		retriever: retriever,
		gate:      g,
		composer:  comp,
		logger:    logger,
		opts:      opts.normalized(),
		sessions:  make(map[string][]string),
	}
}

// Answer serves one query. It always writes exactly one QueryRecord (with
// one chunk row per returned citation) before returning a response; an
// error return means nothing could be recorded and the caller should map it
// to a transport failure.
func (p *Pipeline) Answer(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	queryID := uuid.NewString()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.RequestBudget)
		defer cancel()
	}

	decision := p.router.Route(ctx, req.Query, p.history(req.SessionID))
	defer p.remember(req.SessionID, req.Query)

	if decision.Route == router.RouteNoRetrieval {
		return p.respondAbstainless(req, queryID, decision, start)
	}

	// Cache lookup runs on the normalized query so near-verbatim repeats
	// share one entry.
	var queryVec []float32
	if p.cache != nil && p.opts.CacheEnabled {
		vec, err := p.embedder.Embed(ctx, cache.Normalize(decision.Query))
		if err != nil {
			if deadlineHit(ctx, err) {
				return p.respondTimeout(req, queryID, decision, start)
			}
			slog.Warn("cache embedding failed, skipping lookup", "error", err)
		} else {
			queryVec = vec
			if entry, sim, ok := p.cache.Lookup(ctx, vec); ok {
				return p.respondCached(req, queryID, decision, entry, sim, start)
			}
		}
	}

	k := req.K
	if k <= 0 {
		k = p.opts.TopK
	}

	var (
		results  []retrieval.ScoredChunk
		verdict  gate.Decision
		lastErr  error
		retrOpts = retrieval.Options{
			TopK:          k,
			MinSimilarity: p.opts.MinSimilarity,
			DenseWeight:   p.opts.DenseWeight,
			Filters:       req.Filters,
		}
	)
	subQueries := decision.SubQueries
	if len(subQueries) == 0 {
		subQueries = []string{decision.Query}
	}

	for attempt := 1; attempt <= gate.MaxAttempts; attempt++ {
		results, lastErr = p.retriever.Retrieve(ctx, subQueries, retrOpts)
		if lastErr != nil {
			if deadlineHit(ctx, lastErr) {
				return p.respondTimeout(req, queryID, decision, start)
			}
			return Response{}, fmt.Errorf("retrieving: %w", lastErr)
		}

		verdict = p.gate.Evaluate(results, attempt)
		if verdict.Action != storage.ActionRetry {
			break
		}
		// Broaden and re-enter retrieval: drop caller filters, which are
		// the strictest constraint we hold.
		retrOpts.Filters = nil
		slog.Debug("quality gate retry", "query_id", queryID, "score", verdict.Score)
	}

	if err := ctx.Err(); err != nil {
		return p.respondTimeout(req, queryID, decision, start)
	}

	var composed composer.Result
	if verdict.Action == storage.ActionAbstain {
		composed = p.composer.Insufficient()
	} else {
		composed = p.composer.Compose(ctx, decision.Query, results)
	}

	citations := attachWeights(composed.Citations, results)

	resp := Response{
		QueryID:   queryID,
		Answer:    composed.Answer,
		Citations: citations,
		Route:     decision.Route,
		LatencyMS: time.Since(start).Milliseconds(),
		Degraded:  composed.Degraded,
		Action:    verdict.Action,
	}

	if err := p.log(req, resp, decision, verdict.Score, verdict.Reason); err != nil {
		return Response{}, err
	}

	if p.cache != nil && p.opts.CacheEnabled && verdict.Action == storage.ActionPass &&
		!composed.Degraded && queryVec != nil {
		p.cache.Store(decision.Query, queryVec, composed.Answer, toCacheCitations(citations))
	}
	return resp, nil
}

// respondAbstainless serves a no_retrieval query: no sources are consulted
// and none are cited.
func (p *Pipeline) respondAbstainless(req Request, queryID string, decision router.Decision, start time.Time) (Response, error) {
	resp := Response{
		QueryID:   queryID,
		Answer:    "This assistant answers questions from its ingested documents. Ask about their content to get a cited answer.",
		Citations: nil,
		Route:     decision.Route,
		LatencyMS: time.Since(start).Milliseconds(),
		Action:    storage.ActionPass,
	}
	if err := p.log(req, resp, decision, 0, decision.Reason); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (p *Pipeline) respondCached(req Request, queryID string, decision router.Decision, entry cache.Entry, similarity float64, start time.Time) (Response, error) {
	citations := make([]Citation, len(entry.Citations))
	for i, c := range entry.Citations {
		citations[i] = Citation{
			ChunkID:        c.ChunkID,
			DocumentTitle:  c.DocumentTitle,
			DocumentURI:    c.DocumentURI,
			Excerpt:        c.Excerpt,
			Rank:           c.Rank,
			Score:          c.Score,
			FeedbackWeight: c.FeedbackWeight,
		}
	}
	resp := Response{
		QueryID:         queryID,
		Answer:          entry.Answer,
		Citations:       citations,
		Route:           decision.Route,
		Cached:          true,
		CacheSimilarity: similarity,
		LatencyMS:       time.Since(start).Milliseconds(),
		Action:          storage.ActionPass,
	}
	if err := p.log(req, resp, decision, 0, "cache_hit"); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// respondTimeout records an abstain with the deadline reason and returns the
// insufficiency answer. The caller still gets HTTP 200.
func (p *Pipeline) respondTimeout(req Request, queryID string, decision router.Decision, start time.Time) (Response, error) {
	composed := p.composer.Insufficient()
	resp := Response{
		QueryID:   queryID,
		Answer:    composed.Answer,
		Citations: nil,
		Route:     decision.Route,
		LatencyMS: time.Since(start).Milliseconds(),
		Degraded:  true,
		Action:    storage.ActionAbstain,
	}
	if err := p.log(req, resp, decision, 0, ReasonDeadline); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// log writes the QueryRecord and its chunk rows. One row per citation, in
// citation rank order.
func (p *Pipeline) log(req Request, resp Response, decision router.Decision, score float64, reason string) error {
	record := storage.QueryRecord{
		QueryID:         resp.QueryID,
		Query:           req.Query,
		Route:           resp.Route,
		Cached:          resp.Cached,
		CacheSimilarity: resp.CacheSimilarity,
		LatencyMS:       resp.LatencyMS,
		QualityScore:    score,
		QualityAction:   resp.Action,
		QualityReason:   reason,
		Degraded:        resp.Degraded,
		AgentID:         req.AgentID,
		SessionID:       req.SessionID,
		MetadataJSON:    req.MetadataJSON,
		CreatedAt:       time.Now().UTC(),
	}

	rows := make([]storage.QueryChunkRow, len(resp.Citations))
	for i, c := range resp.Citations {
		rows[i] = storage.QueryChunkRow{
			QueryID:        resp.QueryID,
			ChunkID:        c.ChunkID,
			Similarity:     c.Score,
			Rank:           c.Rank,
			FeedbackWeight: c.FeedbackWeight,
		}
	}
	return p.logger.LogQuery(record, rows)
}

func (p *Pipeline) history(sessionID string) []string {
	if sessionID == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[sessionID]
}

func (p *Pipeline) remember(sessionID, query string) {
	if sessionID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	turns := append(p.sessions[sessionID], query)
	if len(turns) > maxHistoryTurns {
		turns = turns[len(turns)-maxHistoryTurns:]
	}
	p.sessions[sessionID] = turns
}

func attachWeights(cits []composer.Citation, results []retrieval.ScoredChunk) []Citation {
	weights := make(map[string]float64, len(results))
	for _, sc := range results {
		weights[sc.ID] = sc.FeedbackWeight
	}
	out := make([]Citation, len(cits))
	for i, c := range cits {
		out[i] = Citation{
			ChunkID:        c.ChunkID,
			DocumentTitle:  c.DocumentTitle,
			DocumentURI:    c.DocumentURI,
			Excerpt:        c.Excerpt,
			Rank:           c.Rank,
			Score:          c.Score,
			FeedbackWeight: weights[c.ChunkID],
		}
	}
	return out
}

func toCacheCitations(cits []Citation) []cache.Citation {
	out := make([]cache.Citation, len(cits))
	for i, c := range cits {
		out[i] = cache.Citation{
			ChunkID:        c.ChunkID,
			DocumentTitle:  c.DocumentTitle,
			DocumentURI:    c.DocumentURI,
			Excerpt:        c.Excerpt,
			Rank:           c.Rank,
			Score:          c.Score,
			FeedbackWeight: c.FeedbackWeight,
		}
	}
	return out
}

func deadlineHit(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}
