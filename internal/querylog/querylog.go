// Package querylog records what every query did and answers the two
// questions the pipeline must be able to answer after the fact: "why did
// this query cite these chunks" (explain) and "what is retrieval worth"
// (roi).
package querylog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/praxos/ragpipe/internal/retrieval"
	"github.com/praxos/ragpipe/internal/storage"
)

// ErrBadEventType is returned for business events outside the known set.
var ErrBadEventType = errors.New("unknown event type")

// Targets are declared business goals the ROI report compares actuals to.
type Targets struct {
	MonthlyRevenueUSD float64
	ConversionRate    float64
}

// Logger persists query records and serves explain and ROI reads.
type Logger struct {
	store   *storage.Store
	vectors retrieval.VectorStore
	targets Targets
}

func New(store *storage.Store, vectors retrieval.VectorStore, targets Targets) *Logger {
	return &Logger{store: store, vectors: vectors, targets: targets}
}

// LogQuery durably writes the record and its retrieved-chunk rows. It must
// complete before the response is sent to the user.
func (l *Logger) LogQuery(record storage.QueryRecord, rows []storage.QueryChunkRow) error {
	if err := l.store.SaveQueryRecord(record); err != nil {
		return fmt.Errorf("saving query record: %w", err)
	}
	if err := l.store.SaveQueryChunks(rows); err != nil {
		return fmt.Errorf("saving query chunks: %w", err)
	}
	return nil
}

// LogBusinessEvent validates and appends a business event attributed to a
// past query.
func (l *Logger) LogBusinessEvent(queryID, eventType string, value float64, metadataJSON string) (storage.BusinessEvent, error) {
	switch eventType {
	case storage.EventHighIntent, storage.EventLeadCreated, storage.EventMeetingBooked, storage.EventDealClosed:
	default:
		return storage.BusinessEvent{}, fmt.Errorf("%w %q", ErrBadEventType, eventType)
	}

	ev := storage.BusinessEvent{
		ID:           uuid.NewString(),
		QueryID:      queryID,
		EventType:    eventType,
		EventValue:   value,
		MetadataJSON: metadataJSON,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.AppendBusinessEvent(ev); err != nil {
		return storage.BusinessEvent{}, err
	}
	return ev, nil
}

// ExplainedChunk is one retrieved chunk with the evidence for its selection.
type ExplainedChunk struct {
	ChunkID        string  `json:"chunk_id"`
	DocumentTitle  string  `json:"document_title"`
	DocumentURI    string  `json:"document_uri"`
	Excerpt        string  `json:"excerpt"`
	Similarity     float64 `json:"similarity"`
	Rank           int     `json:"rank"`
	FeedbackWeight float64 `json:"feedback_weight"`
	WhySelected    string  `json:"why_selected"`
}

// Explanation reconstructs a past query end to end.
type Explanation struct {
	QueryID         string                  `json:"query_id"`
	Query           string                  `json:"query"`
	Route           string                  `json:"route"`
	Cached          bool                    `json:"cached"`
	CacheSimilarity float64                 `json:"cache_similarity,omitempty"`
	QualityAction   string                  `json:"quality_gate_action"`
	QualityScore    float64                 `json:"quality_score"`
	QualityReason   string                  `json:"quality_reason"`
	Degraded        bool                    `json:"degraded,omitempty"`
	LatencyMS       int64                   `json:"latency_ms"`
	CreatedAt       time.Time               `json:"created_at"`
	Chunks          []ExplainedChunk        `json:"chunks"`
	Events          []storage.BusinessEvent `json:"events,omitempty"`
}

// Explain rebuilds the record of queryID: what was retrieved, at what rank
// and similarity, and a plain-language reason per chunk. It reflects the
// state recorded at answer time; only business events appended later change
// its output.
func (l *Logger) Explain(ctx context.Context, queryID string) (Explanation, error) {
	record, err := l.store.GetQueryRecord(queryID)
	if err != nil {
		return Explanation{}, err
	}
	rows, err := l.store.GetQueryChunks(queryID)
	if err != nil {
		return Explanation{}, err
	}
	events, err := l.store.ListBusinessEvents(queryID)
	if err != nil {
		return Explanation{}, err
	}

	// Excerpts come from the live store; a chunk superseded since answer
	// time keeps its logged scores but loses its text.
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ChunkID
	}
	liveText := make(map[string]retrieval.ScoredChunk, len(ids))
	if len(ids) > 0 {
		live, err := l.vectors.GetChunks(ctx, ids)
		if err != nil {
			return Explanation{}, err
		}
		for _, c := range live {
			liveText[c.ID] = c
		}
	}

	chunks := make([]ExplainedChunk, len(rows))
	for i, r := range rows {
		ec := ExplainedChunk{
			ChunkID:        r.ChunkID,
			Similarity:     r.Similarity,
			Rank:           r.Rank,
			FeedbackWeight: r.FeedbackWeight,
			WhySelected:    whySelected(r.Similarity, r.FeedbackWeight),
		}
		if c, ok := liveText[r.ChunkID]; ok {
			ec.DocumentTitle = c.DocumentTitle
			ec.DocumentURI = c.DocumentURI
			ec.Excerpt = excerpt(c.Text, 240)
		} else {
			ec.Excerpt = "(chunk no longer in the store)"
		}
		chunks[i] = ec
	}

	return Explanation{
		QueryID:         record.QueryID,
		Query:           record.Query,
		Route:           record.Route,
		Cached:          record.Cached,
		CacheSimilarity: record.CacheSimilarity,
		QualityAction:   record.QualityAction,
		QualityScore:    record.QualityScore,
		QualityReason:   record.QualityReason,
		Degraded:        record.Degraded,
		LatencyMS:       record.LatencyMS,
		CreatedAt:       record.CreatedAt,
		Chunks:          chunks,
		Events:          events,
	}, nil
}

// whySelected tiers the similarity and notes feedback influence.
func whySelected(similarity, weight float64) string {
	var tier string
	switch {
	case similarity >= 0.8:
		tier = "strong semantic match to the query"
	case similarity >= 0.6:
		tier = "good semantic match to the query"
	case similarity >= 0.4:
		tier = "moderate semantic match to the query"
	default:
		tier = "weak semantic match, included to fill top-k"
	}
	switch {
	case weight > 1.0:
		return fmt.Sprintf("%s; boosted by positive feedback (weight %.2f)", tier, weight)
	case weight < 1.0:
		return fmt.Sprintf("%s; demoted by negative feedback (weight %.2f)", tier, weight)
	default:
		return tier
	}
}

// ROI aggregates activity over the last windowDays days and compares it to
// the declared targets.
func (l *Logger) ROI(windowDays int) (storage.ROIReport, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)

	total, cached, highIntent, converted, err := l.store.QueryCounts(since)
	if err != nil {
		return storage.ROIReport{}, fmt.Errorf("counting queries: %w", err)
	}

	cachedLat, err := l.store.Latencies(since, true)
	if err != nil {
		return storage.ROIReport{}, err
	}
	uncachedLat, err := l.store.Latencies(since, false)
	if err != nil {
		return storage.ROIReport{}, err
	}

	revenue, err := l.store.Revenue(since)
	if err != nil {
		return storage.ROIReport{}, err
	}
	topAgents, err := l.store.TopAgents(since, 5)
	if err != nil {
		return storage.ROIReport{}, err
	}

	report := storage.ROIReport{
		WindowDays:           windowDays,
		TotalQueries:         total,
		CachedQueries:        cached,
		CacheHitRate:         ratio(cached, total),
		HighIntentQueries:    highIntent,
		HighIntentRate:       ratio(highIntent, total),
		Converted:            converted,
		ConversionRate:       ratio(converted, total),
		AvgLatencyCachedMS:   mean(cachedLat),
		AvgLatencyUncachedMS: mean(uncachedLat),
		P50LatencyCachedMS:   p50(cachedLat),
		P50LatencyUncachedMS: p50(uncachedLat),
		TotalRevenueUSD:      revenue,
		TopAgents:            topAgents,
	}

	if l.targets.MonthlyRevenueUSD > 0 {
		prorated := l.targets.MonthlyRevenueUSD * float64(windowDays) / 30
		report.TargetRevenueUSD = prorated
		report.RevenueVsTargetPct = revenue / prorated * 100
	}
	if l.targets.ConversionRate > 0 {
		report.TargetConversionRate = l.targets.ConversionRate
		report.ConversionVsTargetPct = report.ConversionRate / l.targets.ConversionRate * 100
	}
	return report, nil
}

func ratio(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func mean(vals []int64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum int64
	for _, v := range vals {
		sum += v
	}
	return float64(sum) / float64(len(vals))
}

func p50(vals []int64) int64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]int64, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

func excerpt(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "…"
}
