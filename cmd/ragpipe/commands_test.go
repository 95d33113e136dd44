package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"invalid_request_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func withTestClient(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

// resetFlags restores default flag values so one test's flags do not leak
// into the next Execute call.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	}()
	return rootCmd.Execute()
}

func TestIngestCommand_URL(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ingest_url": `{"document_id":"doc-1","chunks":3,"uri":"https://example.test/a"}`,
	})
	withTestClient(t, ts)

	if err := runCommand(t, "ingest", "https://example.test/a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Path != "/ingest_url" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
	if !strings.Contains(r.Body, `"url":"https://example.test/a"`) {
		t.Errorf("body = %s", r.Body)
	}
	if !strings.Contains(r.Body, `"crawl":false`) {
		t.Errorf("body = %s", r.Body)
	}
}

func TestIngestCommand_RecursiveURL(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ingest_url": `{"documents":[{"document_id":"d1","chunks":2}],"chunks":2}`,
	})
	withTestClient(t, ts)

	if err := runCommand(t, "ingest", "https://example.test/docs", "--recursive"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ts.requests[0].Body, `"crawl":true`) {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestIngestCommand_File(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ingest_file": `{"document_id":"doc-2","chunks":1,"kind":"md"}`,
	})
	withTestClient(t, ts)

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("# Notes\n\nAlpha."), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	if err := runCommand(t, "ingest", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := ts.requests[0]
	if r.Path != "/ingest_file" {
		t.Errorf("path = %q", r.Path)
	}
	if !strings.Contains(r.Body, "notes.md") {
		t.Errorf("multipart body does not carry the filename")
	}
}

func TestIngestCommand_DirRequiresRecursive(t *testing.T) {
	ts := newTestServer(t, nil)
	withTestClient(t, ts)

	err := runCommand(t, "ingest", t.TempDir())
	if err == nil {
		t.Fatal("expected error for directory without --recursive")
	}
	if exitCodeFor(err) != exitValidation {
		t.Errorf("exit code = %d, want %d", exitCodeFor(err), exitValidation)
	}
}

func TestIngestCommand_RecursiveDir(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ingest_file": `{"document_id":"doc-3","chunks":1}`,
	})
	withTestClient(t, ts)

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.md"), []byte("Alpha"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("Beta"), 0o644)
	os.WriteFile(filepath.Join(dir, "c.png"), []byte{0x89}, 0o644)

	if err := runCommand(t, "ingest", dir, "--recursive"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Errorf("requests = %d, want 2 (png skipped)", len(ts.requests))
	}
}

func TestIngestCommand_BadMetadata(t *testing.T) {
	err := runCommand(t, "ingest", "https://example.test", "--metadata", "{broken")
	if err == nil {
		t.Fatal("expected error for invalid metadata JSON")
	}
	if exitCodeFor(err) != exitValidation {
		t.Errorf("exit code = %d, want %d", exitCodeFor(err), exitValidation)
	}
}

func TestQueryCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /query": `{"query_id":"q-1","answer":"Gamma is the third letter. [1]",
			"citations":[{"chunk_id":"c1","document_title":"A","document_uri":"https://example.test/a","rank":1,"score":0.9}],
			"route":"single_step","cached":false,"latency_ms":12}`,
	})
	withTestClient(t, ts)

	if err := runCommand(t, "query", "what", "is", "gamma"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := ts.requests[0]
	if !strings.Contains(r.Body, `"query":"what is gamma"`) {
		t.Errorf("body = %s", r.Body)
	}
	if !strings.Contains(r.Body, `"agent_id":"cli"`) {
		t.Errorf("body = %s", r.Body)
	}
}

func TestQueryCommand_SessionAndK(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /query": `{"query_id":"q-2","answer":"ok","citations":[],"route":"single_step","latency_ms":3}`,
	})
	withTestClient(t, ts)

	if err := runCommand(t, "query", "how fast is it?", "--session", "s-1", "--k", "3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := ts.requests[0].Body
	if !strings.Contains(body, `"session_id":"s-1"`) || !strings.Contains(body, `"k":3`) {
		t.Errorf("body = %s", body)
	}
}

func TestExplainCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	withTestClient(t, ts)

	err := runCommand(t, "explain", "nope")
	if err == nil {
		t.Fatal("expected error for unknown query id")
	}
	var ae *apiError
	if !errors.As(err, &ae) || ae.status != 404 {
		t.Errorf("error = %v, want apiError 404", err)
	}
	if exitCodeFor(err) != exitValidation {
		t.Errorf("exit code = %d, want %d", exitCodeFor(err), exitValidation)
	}
}

func TestROICommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /roi_dashboard": `{"window_days":7,"total_queries":10,"cached_queries":4,"cache_hit_rate":0.4,
			"converted":1,"conversion_rate":0.1,"total_revenue_usd":50000,
			"top_agents":[{"agent_id":"agent-a","revenue_usd":50000,"queries":5}]}`,
	})
	withTestClient(t, ts)

	if err := runCommand(t, "roi", "--days", "7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.requests[0].Path; got != "/roi_dashboard?days=7" {
		t.Errorf("path = %q", got)
	}
}

func TestROICommand_BadDays(t *testing.T) {
	err := runCommand(t, "roi", "--days", "-1")
	if err == nil {
		t.Fatal("expected error for negative days")
	}
	if exitCodeFor(err) != exitValidation {
		t.Errorf("exit code = %d, want %d", exitCodeFor(err), exitValidation)
	}
}

func TestFeedbackCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /feedback": `{"ok":true,"feedback_weight":1.1}`,
	})
	withTestClient(t, ts)

	if err := runCommand(t, "feedback", "chunk-1", "--helpful", "--query", "q-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := ts.requests[0].Body
	if !strings.Contains(body, `"chunk_id":"chunk-1"`) || !strings.Contains(body, `"helpful":true`) {
		t.Errorf("body = %s", body)
	}
}

func TestFeedbackCommand_RequiresDirection(t *testing.T) {
	err := runCommand(t, "feedback", "chunk-1")
	if err == nil {
		t.Fatal("expected error without --helpful or --not-helpful")
	}
	if exitCodeFor(err) != exitValidation {
		t.Errorf("exit code = %d, want %d", exitCodeFor(err), exitValidation)
	}
}

func TestDocumentsDelete(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /documents/doc-1": `{"ok":true}`,
	})
	withTestClient(t, ts)

	if err := runCommand(t, "documents", "delete", "doc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.requests[0].Method; got != http.MethodDelete {
		t.Errorf("method = %q", got)
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"usage", usageErrorf("bad input"), exitValidation},
		{"bad request", &apiError{status: 400}, exitValidation},
		{"unsupported kind", &apiError{status: 415}, exitValidation},
		{"not found", &apiError{status: 404}, exitValidation},
		{"bad gateway", &apiError{status: 502}, exitUnavailable},
		{"unavailable", &apiError{status: 503}, exitUnavailable},
		{"gateway timeout", &apiError{status: 504}, exitTimeout},
		{"unreachable", &connectError{cause: errors.New("refused")}, exitUnavailable},
		{"client timeout", &connectError{cause: errors.New("deadline"), timeout: true}, exitTimeout},
		{"other", errors.New("boom"), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeFor(tc.err); got != tc.want {
				t.Errorf("exitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestColorizeRespectsNoColor(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	t.Setenv("NO_COLOR", "")

	noColor = true
	if got := colorize(colorGreen, "done"); got != "done" {
		t.Errorf("colorize with noColor=true = %q", got)
	}
	noColor = false
	if got := colorize(colorGreen, "done"); !strings.Contains(got, colorGreen) {
		t.Errorf("colorize without noColor lost the color code: %q", got)
	}
	t.Setenv("NO_COLOR", "1")
	if got := colorize(colorGreen, "done"); got != "done" {
		t.Errorf("colorize with NO_COLOR set = %q", got)
	}
}
