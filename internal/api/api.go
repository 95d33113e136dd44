package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/praxos/ragpipe/internal/ingest"
	"github.com/praxos/ragpipe/internal/pipeline"
	"github.com/praxos/ragpipe/internal/querylog"
	"github.com/praxos/ragpipe/internal/retrieval"
	"github.com/praxos/ragpipe/internal/storage"
)

const maxQueryBodySize = 1 << 20   // 1MB
const maxUploadBodySize = 32 << 20 // 32MB

// FeedbackDelta is the weight adjustment applied per feedback signal.
const FeedbackDelta = 0.1

// AppDeps holds everything the HTTP layer needs.
type AppDeps struct {
	Pipeline *pipeline.Pipeline
	Ingester *ingest.Ingester
	Logger   *querylog.Logger
	Vectors  retrieval.VectorStore
	Token    string
}

// NewAppHandler builds the HTTP API. All responses are JSON; errors follow
// the {"error":{"message","type"}} envelope.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID(uuid.NewString))

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ingest_url", handleIngestURL(deps))
		r.Post("/ingest_file", handleIngestFile(deps))
		r.Post("/query", handleQuery(deps))
		r.Post("/business_event", handleBusinessEvent(deps))
		r.Post("/feedback", handleFeedback(deps))
		r.Get("/explain/{query_id}", handleExplain(deps))
		r.Get("/roi_dashboard", handleROIDashboard(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type ingestURLRequest struct {
	URL      string          `json:"url"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Crawl    bool            `json:"crawl,omitempty"`
}

type crawlResponse struct {
	Documents []ingest.Result `json:"documents"`
	Chunks    int             `json:"chunks"`
}

func handleIngestURL(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req ingestURLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}
		if parsed, err := url.Parse(req.URL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url must be http or https: %q", req.URL)
			return
		}

		metadata := string(req.Metadata)

		if req.Crawl {
			results, err := deps.Ingester.Crawl(r.Context(), req.URL, metadata)
			if err != nil {
				writeIngestError(w, r, err)
				return
			}
			total := 0
			for _, res := range results {
				total += res.Chunks
			}
			writeJSON(w, http.StatusOK, crawlResponse{Documents: results, Chunks: total})
			return
		}

		result, err := deps.Ingester.IngestURL(r.Context(), req.URL, metadata)
		if err != nil {
			writeIngestError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleIngestFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field %q is required: %v", "file", err)
			return
		}
		defer file.Close()

		kind, err := ingest.KindForFilename(header.Filename)
		if err != nil {
			httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "unsupported file type: %v", err)
			return
		}

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		metadata := r.FormValue("metadata")
		uri := "upload://" + header.Filename
		result, err := deps.Ingester.IngestContent(r.Context(), uri, header.Filename, kind, data, metadata)
		if err != nil {
			writeIngestError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type queryRequest struct {
	Query     string            `json:"query"`
	AgentID   string            `json:"agent_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Filters   retrieval.Filters `json:"filters,omitempty"`
	K         int               `json:"k,omitempty"`
	Metadata  json.RawMessage   `json:"metadata,omitempty"`
}

type queryCitation struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentTitle string  `json:"document_title"`
	DocumentURI   string  `json:"document_uri"`
	Excerpt       string  `json:"excerpt"`
	Rank          int     `json:"rank"`
	Score         float64 `json:"score"`
}

type queryResponse struct {
	QueryID         string          `json:"query_id"`
	Answer          string          `json:"answer"`
	Citations       []queryCitation `json:"citations"`
	Route           string          `json:"route"`
	Cached          bool            `json:"cached"`
	CacheSimilarity float64         `json:"cache_similarity,omitempty"`
	LatencyMS       int64           `json:"latency_ms"`
	Degraded        bool            `json:"degraded,omitempty"`
}

func handleQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.K < 0 || req.K > 50 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "k must be between 1 and 50")
			return
		}

		resp, err := deps.Pipeline.Answer(r.Context(), pipeline.Request{
			Query:        req.Query,
			AgentID:      req.AgentID,
			SessionID:    req.SessionID,
			Filters:      req.Filters,
			K:            req.K,
			MetadataJSON: string(req.Metadata),
		})
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}

		citations := make([]queryCitation, len(resp.Citations))
		for i, c := range resp.Citations {
			citations[i] = queryCitation{
				ChunkID:       c.ChunkID,
				DocumentTitle: c.DocumentTitle,
				DocumentURI:   c.DocumentURI,
				Excerpt:       c.Excerpt,
				Rank:          c.Rank,
				Score:         c.Score,
			}
		}
		writeJSON(w, http.StatusOK, queryResponse{
			QueryID:         resp.QueryID,
			Answer:          resp.Answer,
			Citations:       citations,
			Route:           resp.Route,
			Cached:          resp.Cached,
			CacheSimilarity: resp.CacheSimilarity,
			LatencyMS:       resp.LatencyMS,
			Degraded:        resp.Degraded,
		})
	}
}

type businessEventRequest struct {
	QueryID    string          `json:"query_id"`
	EventType  string          `json:"event_type"`
	EventValue float64         `json:"event_value,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

func handleBusinessEvent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req businessEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.QueryID == "" || req.EventType == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query_id and event_type are required")
			return
		}

		if _, err := deps.Logger.LogBusinessEvent(req.QueryID, req.EventType, req.EventValue, string(req.Metadata)); err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				httpError(w, http.StatusNotFound, "invalid_request_error", "unknown query_id %q", req.QueryID)
			case errors.Is(err, querylog.ErrBadEventType):
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "recording event: %v", err)
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

type feedbackRequest struct {
	QueryID string `json:"query_id"`
	ChunkID string `json:"chunk_id"`
	Helpful *bool  `json:"helpful"`
}

func handleFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ChunkID == "" || req.Helpful == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "chunk_id and helpful are required")
			return
		}

		delta := FeedbackDelta
		if !*req.Helpful {
			delta = -FeedbackDelta
		}
		weight, err := deps.Vectors.AdjustFeedback(r.Context(), req.ChunkID, delta)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "invalid_request_error", "unknown chunk_id %q", req.ChunkID)
				return
			}
			writeUpstreamError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "feedback_weight": weight})
	}
}

func handleExplain(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queryID := chi.URLParam(r, "query_id")
		exp, err := deps.Logger.Explain(r.Context(), queryID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "invalid_request_error", "unknown query_id %q", queryID)
				return
			}
			writeUpstreamError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, exp)
	}
}

func handleROIDashboard(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := 30
		if raw := r.URL.Query().Get("days"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "days must be a positive integer")
				return
			}
			days = parsed
		}

		report, err := deps.Logger.ROI(days)
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

type documentSummary struct {
	ID         string `json:"id"`
	URI        string `json:"uri"`
	Title      string `json:"title"`
	Kind       string `json:"kind"`
	IngestedAt string `json:"ingested_at"`
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		if offset < 0 {
			offset = 0
		}

		docs, err := deps.Vectors.ListDocuments(r.Context(), limit, offset)
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}

		out := make([]documentSummary, len(docs))
		for i, d := range docs {
			out[i] = documentSummary{
				ID:         d.ID,
				URI:        d.URI,
				Title:      d.Title,
				Kind:       d.Kind,
				IngestedAt: d.IngestedAt.UTC().Format("2006-01-02T15:04:05Z"),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": out, "limit": limit, "offset": offset})
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Vectors.GetDocument(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "invalid_request_error", "unknown document %q", id)
				return
			}
			writeUpstreamError(w, r, err)
			return
		}
		if err := deps.Vectors.PurgeDocument(r.Context(), id); err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// writeIngestError maps ingestion failures to status codes. A fetch error
// with an exceeded request deadline is a gateway timeout; other fetch
// failures are bad-gateway.
func writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrUnsupportedKind):
		httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "%v", err)
	case errors.Is(err, ingest.ErrDecode):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, ingest.ErrFetch) && r.Context().Err() != nil:
		httpError(w, http.StatusGatewayTimeout, "api_error", "fetch timed out: %v", err)
	case errors.Is(err, ingest.ErrFetch):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	default:
		writeUpstreamError(w, r, err)
	}
}

// writeUpstreamError maps downstream failures. When the request deadline
// has expired the failure is reported as a gateway timeout regardless of
// which component surfaced it.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case r.Context().Err() != nil:
		httpError(w, http.StatusGatewayTimeout, "api_error", "request timed out: %v", err)
	case errors.Is(err, retrieval.ErrStoreUnavailable):
		httpError(w, http.StatusServiceUnavailable, "api_error", "store unavailable: %v", err)
	default:
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
