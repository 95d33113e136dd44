package querylog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/praxos/ragpipe/internal/embedding"
	"github.com/praxos/ragpipe/internal/retrieval"
	"github.com/praxos/ragpipe/internal/storage"
)

func newTestLogger(t *testing.T, targets Targets) (*Logger, *storage.Store, *retrieval.SQLiteStore) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	vs := retrieval.NewSQLiteStore(st.DB())
	return New(st, vs, targets), st, vs
}

func seedAnsweredQuery(t *testing.T, l *Logger, vs *retrieval.SQLiteStore) (queryID string, chunkID string) {
	t.Helper()
	ctx := context.Background()

	doc := retrieval.Document{
		ID:         uuid.NewString(),
		URI:        "https://example.test/kb",
		Title:      "Knowledge Base",
		Kind:       "text",
		Content:    "Gamma is the third letter of the Greek alphabet.",
		IngestedAt: time.Now().UTC(),
	}
	chunk := retrieval.Chunk{
		ID:           uuid.NewString(),
		DocumentID:   doc.ID,
		Text:         doc.Content,
		Strategy:     "fixed",
		Embedding:    []float32{1, 0, 0},
		Sparse:       embedding.Sparse(doc.Content),
		ModelVersion: "m1",
	}
	if err := vs.PutDocument(ctx, doc, []retrieval.Chunk{chunk}); err != nil {
		t.Fatalf("putting document: %v", err)
	}

	queryID = uuid.NewString()
	record := storage.QueryRecord{
		QueryID:       queryID,
		Query:         "what is gamma",
		Route:         "single_step",
		LatencyMS:     120,
		QualityScore:  0.85,
		QualityAction: storage.ActionPass,
		QualityReason: "score_above_pass",
		AgentID:       "agent-7",
		CreatedAt:     time.Now().UTC(),
	}
	rows := []storage.QueryChunkRow{{
		QueryID:        queryID,
		ChunkID:        chunk.ID,
		Similarity:     0.85,
		Rank:           1,
		FeedbackWeight: 1.3,
	}}
	if err := l.LogQuery(record, rows); err != nil {
		t.Fatalf("logging query: %v", err)
	}
	return queryID, chunk.ID
}

func TestExplain(t *testing.T) {
	l, _, vs := newTestLogger(t, Targets{})
	queryID, chunkID := seedAnsweredQuery(t, l, vs)

	got, err := l.Explain(context.Background(), queryID)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if got.Query != "what is gamma" || got.Route != "single_step" {
		t.Errorf("explanation header = %q / %s", got.Query, got.Route)
	}
	if got.QualityAction != storage.ActionPass || got.QualityScore != 0.85 {
		t.Errorf("gate fields = %s / %f", got.QualityAction, got.QualityScore)
	}
	if len(got.Chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(got.Chunks))
	}
	c := got.Chunks[0]
	if c.ChunkID != chunkID || c.Rank != 1 || c.FeedbackWeight != 1.3 {
		t.Errorf("chunk = %+v", c)
	}
	if c.DocumentTitle != "Knowledge Base" || c.DocumentURI != "https://example.test/kb" {
		t.Errorf("document context = %q %q", c.DocumentTitle, c.DocumentURI)
	}
	if !strings.Contains(c.Excerpt, "Gamma is the third letter") {
		t.Errorf("excerpt = %q", c.Excerpt)
	}
	if !strings.Contains(c.WhySelected, "strong semantic match") ||
		!strings.Contains(c.WhySelected, "boosted by positive feedback") {
		t.Errorf("why_selected = %q", c.WhySelected)
	}
}

func TestExplainIsIdempotent(t *testing.T) {
	l, _, vs := newTestLogger(t, Targets{})
	queryID, _ := seedAnsweredQuery(t, l, vs)

	first, err := l.Explain(context.Background(), queryID)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	second, err := l.Explain(context.Background(), queryID)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if first.QueryID != second.QueryID || len(first.Chunks) != len(second.Chunks) ||
		first.Chunks[0].WhySelected != second.Chunks[0].WhySelected {
		t.Error("repeated explain calls diverged")
	}
}

func TestExplainSupersededChunkKeepsScores(t *testing.T) {
	l, _, vs := newTestLogger(t, Targets{})
	queryID, _ := seedAnsweredQuery(t, l, vs)

	// Re-ingesting the same URI replaces the cited chunk.
	doc := retrieval.Document{
		ID:         uuid.NewString(),
		URI:        "https://example.test/kb",
		Title:      "Knowledge Base v2",
		Kind:       "text",
		Content:    "updated",
		IngestedAt: time.Now().UTC(),
	}
	if err := vs.PutDocument(context.Background(), doc, nil); err != nil {
		t.Fatalf("superseding: %v", err)
	}

	got, err := l.Explain(context.Background(), queryID)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	c := got.Chunks[0]
	if c.Similarity != 0.85 || c.Rank != 1 {
		t.Errorf("logged scores lost: %+v", c)
	}
	if !strings.Contains(c.Excerpt, "no longer in the store") {
		t.Errorf("excerpt = %q, want the missing-chunk placeholder", c.Excerpt)
	}
}

func TestExplainUnknownQuery(t *testing.T) {
	l, _, _ := newTestLogger(t, Targets{})
	if _, err := l.Explain(context.Background(), uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLogBusinessEventValidation(t *testing.T) {
	l, _, vs := newTestLogger(t, Targets{})
	queryID, _ := seedAnsweredQuery(t, l, vs)

	if _, err := l.LogBusinessEvent(queryID, "made_up_event", 1, ""); err == nil {
		t.Error("unknown event type accepted")
	}
	if _, err := l.LogBusinessEvent(queryID, storage.EventDealClosed, 50000, ""); err != nil {
		t.Fatalf("LogBusinessEvent: %v", err)
	}

	got, err := l.Explain(context.Background(), queryID)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(got.Events) != 1 || got.Events[0].EventType != storage.EventDealClosed {
		t.Errorf("events = %+v, want the deal_closed event", got.Events)
	}
}

func TestROIReport(t *testing.T) {
	l, st, _ := newTestLogger(t, Targets{MonthlyRevenueUSD: 300000, ConversionRate: 0.5})
	now := time.Now().UTC()

	save := func(id string, cached bool, latency int64, agent string) {
		t.Helper()
		err := st.SaveQueryRecord(storage.QueryRecord{
			QueryID:   id,
			Query:     "q",
			Route:     "single_step",
			Cached:    cached,
			LatencyMS: latency,
			AgentID:   agent,
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("saving record: %v", err)
		}
	}
	save("q1", false, 400, "agent-a")
	save("q2", true, 30, "agent-a")
	save("q3", false, 200, "agent-b")
	save("q4", true, 50, "")

	if _, err := l.LogBusinessEvent("q1", storage.EventDealClosed, 50000, ""); err != nil {
		t.Fatalf("LogBusinessEvent: %v", err)
	}

	report, err := l.ROI(30)
	if err != nil {
		t.Fatalf("ROI: %v", err)
	}
	if report.TotalQueries != 4 || report.CachedQueries != 2 {
		t.Errorf("counts = %d/%d, want 4/2", report.TotalQueries, report.CachedQueries)
	}
	if report.CacheHitRate != 0.5 {
		t.Errorf("cache hit rate = %f, want 0.5", report.CacheHitRate)
	}
	if report.Converted != 1 || report.ConversionRate != 0.25 {
		t.Errorf("conversion = %d rate %f, want 1 and 0.25", report.Converted, report.ConversionRate)
	}
	if report.TotalRevenueUSD != 50000 {
		t.Errorf("revenue = %f, want 50000", report.TotalRevenueUSD)
	}
	if report.AvgLatencyCachedMS != 40 || report.AvgLatencyUncachedMS != 300 {
		t.Errorf("avg latencies = %f/%f, want 40/300", report.AvgLatencyCachedMS, report.AvgLatencyUncachedMS)
	}
	if len(report.TopAgents) == 0 || report.TopAgents[0].AgentID != "agent-a" {
		t.Errorf("top agents = %+v, want agent-a first", report.TopAgents)
	}
	if report.TargetRevenueUSD != 300000 {
		t.Errorf("target revenue = %f, want 300000 for a 30 day window", report.TargetRevenueUSD)
	}
	if report.ConversionVsTargetPct != 50 {
		t.Errorf("conversion vs target = %f, want 50", report.ConversionVsTargetPct)
	}
}

func TestROIEmptyWindow(t *testing.T) {
	l, _, _ := newTestLogger(t, Targets{})
	report, err := l.ROI(7)
	if err != nil {
		t.Fatalf("ROI: %v", err)
	}
	if report.TotalQueries != 0 || report.CacheHitRate != 0 || report.TotalRevenueUSD != 0 {
		t.Errorf("empty window report = %+v", report)
	}
}
