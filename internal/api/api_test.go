package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/praxos/ragpipe/internal/cache"
	"github.com/praxos/ragpipe/internal/chunker"
	"github.com/praxos/ragpipe/internal/composer"
	"github.com/praxos/ragpipe/internal/embedding"
	"github.com/praxos/ragpipe/internal/gate"
	"github.com/praxos/ragpipe/internal/ingest"
	"github.com/praxos/ragpipe/internal/pipeline"
	"github.com/praxos/ragpipe/internal/querylog"
	"github.com/praxos/ragpipe/internal/retrieval"
	"github.com/praxos/ragpipe/internal/router"
	"github.com/praxos/ragpipe/internal/storage"
)

type stubGen struct{ answer string }

func (s *stubGen) Generate(_ context.Context, _, _ string, _ int) (string, error) {
	return s.answer, nil
}

type testApp struct {
	handler  http.Handler
	vectors  *retrieval.SQLiteStore
	ingester *ingest.Ingester
}

func newTestApp(t *testing.T, token string) *testApp {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	vs := retrieval.NewSQLiteStore(st.DB())
	emb := embedding.NewLocalEmbedder(0)
	logger := querylog.New(st, vs, querylog.Targets{})

	liveness := func(ctx context.Context, ids []string) (bool, error) {
		chunks, err := vs.GetChunks(ctx, ids)
		if err != nil {
			return false, err
		}
		return len(chunks) == len(ids), nil
	}

	p := pipeline.New(
		router.New(0),
		cache.New(cache.Options{Threshold: 0.95}, liveness),
		emb,
		retrieval.NewRetriever(vs, emb),
		gate.New(0.2, 0.1),
		composer.New(&stubGen{answer: "Answer from sources [1]."}, 0),
		logger,
		pipeline.Options{TopK: 5, DenseWeight: 0.7, CacheEnabled: true},
	)

	fetcher := ingest.NewFetcher(ingest.CrawlOptions{Delay: time.Millisecond})
	ing := ingest.New(vs, emb, fetcher, ingest.Options{
		ChunkOptions: chunker.Options{SizeTarget: 8, Overlap: 2},
	})

	handler := NewAppHandler(AppDeps{
		Pipeline: p,
		Ingester: ing,
		Logger:   logger,
		Vectors:  vs,
		Token:    token,
	})
	return &testApp{handler: handler, vectors: vs, ingester: ing}
}

func (app *testApp) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	app.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, "")
	w := app.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("body = %s", got)
	}
}

func TestIngestURLThenQuery(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "Alpha. Beta. Gamma.")
	}))
	defer origin.Close()

	app := newTestApp(t, "")

	w := app.do(t, http.MethodPost, "/ingest_url", map[string]any{"url": origin.URL + "/a"})
	if w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d: %s", w.Code, w.Body.String())
	}
	ingested := decode[ingest.Result](t, w)
	if ingested.DocumentID == "" {
		t.Error("no document_id in response")
	}
	if ingested.Chunks != 3 {
		t.Errorf("chunks = %d, want 3", ingested.Chunks)
	}

	w = app.do(t, http.MethodPost, "/query", map[string]any{"query": "gamma?"})
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[queryResponse](t, w)
	if resp.QueryID == "" {
		t.Error("no query_id")
	}
	if resp.Route != router.RouteSingleStep {
		t.Errorf("route = %s, want single_step", resp.Route)
	}
	if resp.Cached {
		t.Error("first query reported cached")
	}
	var cited bool
	for i, c := range resp.Citations {
		if c.Rank != i+1 {
			t.Errorf("citation %d rank = %d", i, c.Rank)
		}
		if strings.Contains(c.Excerpt, "Gamma") {
			cited = true
		}
	}
	if !cited {
		t.Errorf("citations %+v do not include the Gamma chunk", resp.Citations)
	}
}

func TestIngestURLValidation(t *testing.T) {
	app := newTestApp(t, "")

	w := app.do(t, http.MethodPost, "/ingest_url", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing url: status = %d", w.Code)
	}

	w = app.do(t, http.MethodPost, "/ingest_url", map[string]any{"url": "ftp://example.test"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad scheme: status = %d", w.Code)
	}
}

func TestIngestURLUnsupportedKind(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 0x50})
	}))
	defer origin.Close()

	app := newTestApp(t, "")
	w := app.do(t, http.MethodPost, "/ingest_url", map[string]any{"url": origin.URL + "/logo.png"})
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415: %s", w.Code, w.Body.String())
	}
}

func TestIngestFileMultipart(t *testing.T) {
	app := newTestApp(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.md")
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	part.Write([]byte("# Notes\n\nAlpha. Beta. Gamma."))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/ingest_file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	app.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	res := decode[ingest.Result](t, w)
	if res.Kind != chunker.KindMarkdown {
		t.Errorf("kind = %s, want markdown", res.Kind)
	}
	if res.URI != "upload://notes.md" {
		t.Errorf("uri = %s", res.URI)
	}

	var buf2 bytes.Buffer
	mw2 := multipart.NewWriter(&buf2)
	part2, _ := mw2.CreateFormFile("file", "photo.png")
	part2.Write([]byte{0x89})
	mw2.Close()

	req2 := httptest.NewRequest(http.MethodPost, "/ingest_file", &buf2)
	req2.Header.Set("Content-Type", mw2.FormDataContentType())
	w2 := httptest.NewRecorder()
	app.handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusUnsupportedMediaType {
		t.Errorf("png upload: status = %d, want 415", w2.Code)
	}
}

func TestQueryValidation(t *testing.T) {
	app := newTestApp(t, "")

	w := app.do(t, http.MethodPost, "/query", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty query: status = %d", w.Code)
	}

	w = app.do(t, http.MethodPost, "/query", map[string]any{"query": "x", "k": 999})
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized k: status = %d", w.Code)
	}
}

func TestAbstainOnEmptyStore(t *testing.T) {
	app := newTestApp(t, "")

	w := app.do(t, http.MethodPost, "/query", map[string]any{"query": "what is gamma"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[queryResponse](t, w)
	if resp.Answer != composer.DefaultInsufficiency {
		t.Errorf("answer = %q", resp.Answer)
	}
	if len(resp.Citations) != 0 {
		t.Errorf("citations = %+v, want empty", resp.Citations)
	}

	w = app.do(t, http.MethodGet, "/explain/"+resp.QueryID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("explain status = %d", w.Code)
	}
	exp := decode[querylog.Explanation](t, w)
	if exp.QualityAction != storage.ActionAbstain {
		t.Errorf("quality_gate_action = %s, want abstain", exp.QualityAction)
	}
}

func TestBusinessAttribution(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Alpha. Beta. Gamma.")
	}))
	defer origin.Close()

	app := newTestApp(t, "")
	if w := app.do(t, http.MethodPost, "/ingest_url", map[string]any{"url": origin.URL + "/a"}); w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d", w.Code)
	}

	w := app.do(t, http.MethodPost, "/query", map[string]any{"query": "gamma?", "agent_id": "agent-7"})
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d", w.Code)
	}
	resp := decode[queryResponse](t, w)

	w = app.do(t, http.MethodPost, "/business_event", map[string]any{
		"query_id":    resp.QueryID,
		"event_type":  storage.EventDealClosed,
		"event_value": 50000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("business_event status = %d: %s", w.Code, w.Body.String())
	}
	ack := decode[map[string]bool](t, w)
	if !ack["ok"] {
		t.Errorf("response = %s", w.Body.String())
	}

	w = app.do(t, http.MethodGet, "/roi_dashboard?days=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("roi status = %d", w.Code)
	}
	report := decode[storage.ROIReport](t, w)
	if report.TotalRevenueUSD < 50000 {
		t.Errorf("total_revenue_usd = %.0f, want >= 50000", report.TotalRevenueUSD)
	}
	if report.Converted < 1 {
		t.Errorf("converted = %d, want >= 1", report.Converted)
	}
}

func TestBusinessEventValidation(t *testing.T) {
	app := newTestApp(t, "")

	w := app.do(t, http.MethodPost, "/business_event", map[string]any{
		"query_id": "q-missing", "event_type": "made_up",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad event type: status = %d", w.Code)
	}

	w = app.do(t, http.MethodPost, "/business_event", map[string]any{
		"query_id": "q-missing", "event_type": storage.EventDealClosed,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown query: status = %d", w.Code)
	}
}

func TestFeedbackAdjustsWeight(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Alpha. Beta. Gamma.")
	}))
	defer origin.Close()

	app := newTestApp(t, "")
	if w := app.do(t, http.MethodPost, "/ingest_url", map[string]any{"url": origin.URL + "/a"}); w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d", w.Code)
	}

	w := app.do(t, http.MethodPost, "/query", map[string]any{"query": "gamma?"})
	resp := decode[queryResponse](t, w)
	if len(resp.Citations) == 0 {
		t.Fatal("no citations to give feedback on")
	}
	chunkID := resp.Citations[0].ChunkID

	helpful := true
	w = app.do(t, http.MethodPost, "/feedback", map[string]any{
		"query_id": resp.QueryID, "chunk_id": chunkID, "helpful": helpful,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("feedback status = %d: %s", w.Code, w.Body.String())
	}
	ack := decode[map[string]any](t, w)
	if got, _ := ack["feedback_weight"].(float64); got < 1.09 || got > 1.11 {
		t.Errorf("feedback_weight = %v, want ~1.1", got)
	}

	w = app.do(t, http.MethodPost, "/feedback", map[string]any{
		"chunk_id": "no-such-chunk", "helpful": helpful,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown chunk: status = %d", w.Code)
	}

	w = app.do(t, http.MethodPost, "/feedback", map[string]any{"chunk_id": chunkID})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing helpful: status = %d", w.Code)
	}
}

func TestExplainUnknownQuery(t *testing.T) {
	app := newTestApp(t, "")
	w := app.do(t, http.MethodGet, "/explain/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestDocumentsListAndDelete(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Alpha. Beta. Gamma.")
	}))
	defer origin.Close()

	app := newTestApp(t, "")
	w := app.do(t, http.MethodPost, "/ingest_url", map[string]any{"url": origin.URL + "/a"})
	ingested := decode[ingest.Result](t, w)

	w = app.do(t, http.MethodGet, "/documents", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var listing struct {
		Documents []documentSummary `json:"documents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decoding listing: %v", err)
	}
	if len(listing.Documents) != 1 || listing.Documents[0].ID != ingested.DocumentID {
		t.Errorf("documents = %+v", listing.Documents)
	}

	w = app.do(t, http.MethodDelete, "/documents/"+ingested.DocumentID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", w.Code, w.Body.String())
	}

	w = app.do(t, http.MethodDelete, "/documents/"+ingested.DocumentID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	app := newTestApp(t, "secret-token")

	w := app.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health should not require auth: status = %d", w.Code)
	}

	w = app.do(t, http.MethodPost, "/query", map[string]any{"query": "gamma?"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"hello"}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequestIDEcho(t *testing.T) {
	app := newTestApp(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-42")
	w := httptest.NewRecorder()
	app.handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-Id"); got != "req-42" {
		t.Errorf("X-Request-Id = %q, want req-42", got)
	}

	w2 := app.do(t, http.MethodGet, "/health", nil)
	if w2.Header().Get("X-Request-Id") == "" {
		t.Error("no generated X-Request-Id")
	}
}

func TestUpstreamErrorExpiredDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodPost, "/query", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	writeUpstreamError(w, r, fmt.Errorf("%w: interrupted", retrieval.ErrStoreUnavailable))
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status with expired deadline = %d, want %d", w.Code, http.StatusGatewayTimeout)
	}

	r = httptest.NewRequest(http.MethodPost, "/query", nil)
	w = httptest.NewRecorder()
	writeUpstreamError(w, r, fmt.Errorf("%w: disk full", retrieval.ErrStoreUnavailable))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status for store failure = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	app := newTestApp(t, "")
	w := app.do(t, http.MethodPost, "/query", map[string]any{})
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if envelope.Error.Type != "invalid_request_error" || envelope.Error.Message == "" {
		t.Errorf("envelope = %+v", envelope)
	}
}
