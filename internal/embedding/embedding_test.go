package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestLocalEmbedder_Deterministic(t *testing.T) {
	e := NewLocalEmbedder(64)

	v1, err := e.Embed(context.Background(), "the quick brown fox")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, err := e.Embed(context.Background(), "the quick brown fox")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("vectors differ at %d: %f vs %f", i, v1[i], v2[i])
		}
	}
}

func TestLocalEmbedder_Normalized(t *testing.T) {
	e := NewLocalEmbedder(64)
	v, err := e.Embed(context.Background(), "some words to embed")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if math.Abs(sum-1.0) > 1e-5 {
		t.Errorf("norm^2 = %f, want 1", sum)
	}
}

func TestLocalEmbedder_TokenOverlapScoresHigher(t *testing.T) {
	e := NewLocalEmbedder(256)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "gamma rays in astrophysics")
	similar, _ := e.Embed(ctx, "what about gamma rays")
	unrelated, _ := e.Embed(ctx, "pasta carbonara recipe")

	simScore := dot(base, similar)
	unrelScore := dot(base, unrelated)
	if simScore <= unrelScore {
		t.Errorf("similar score %f should exceed unrelated %f", simScore, unrelScore)
	}
}

func TestLocalEmbedder_BatchOrderPreserving(t *testing.T) {
	e := NewLocalEmbedder(64)
	ctx := context.Background()

	texts := []string{"alpha", "beta", "gamma"}
	batch, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("got %d vectors, want 3", len(batch))
	}
	for i, text := range texts {
		single, _ := e.Embed(ctx, text)
		if dot(batch[i], single) < 0.999 {
			t.Errorf("batch vector %d does not match single embed of %q", i, text)
		}
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := embedResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{1, 0, 0}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "test-model", 3, 3)
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("dimension = %d, want 3", len(vec))
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (two failures then success)", calls.Load())
	}
}

func TestClient_ExhaustedRetriesReturnsErrEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "test-model", 3, 1)

	_, err := c.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrEmbed) {
		t.Errorf("error %v should wrap ErrEmbed", err)
	}
}

func TestClient_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "test-model", 3, 5)
	if _, err := c.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 400)", calls.Load())
	}
}

func TestSparse_NormalizedAndStopworded(t *testing.T) {
	v := Sparse("the gamma rays and the gamma bursts")
	if v == nil {
		t.Fatal("got nil vector")
	}
	if _, ok := v["the"]; ok {
		t.Error("stopword retained")
	}
	if _, ok := v["gamma"]; !ok {
		t.Error("gamma missing")
	}

	var norm float64
	for _, w := range v {
		norm += w * w
	}
	if math.Abs(norm-1.0) > 1e-9 {
		t.Errorf("norm^2 = %f, want 1", norm)
	}
}

func TestSparseSimilarity(t *testing.T) {
	a := Sparse("gamma radiation detection")
	b := Sparse("detecting gamma radiation")
	c := Sparse("chocolate cake recipe")

	if SparseSimilarity(a, b) <= SparseSimilarity(a, c) {
		t.Error("overlapping texts should score higher than disjoint texts")
	}
	if got := SparseSimilarity(a, nil); got != 0 {
		t.Errorf("similarity with nil = %f, want 0", got)
	}
}

func TestIDF_RareTermsWeighMore(t *testing.T) {
	corpus := []map[string]float64{
		Sparse("postgres connection pool tuning"),
		Sparse("postgres replication lag"),
		Sparse("postgres vacuum schedule"),
		Sparse("kubernetes ingress controller"),
	}
	idf := IDF(corpus)
	if idf["postgres"] >= idf["kubernetes"] {
		t.Errorf("idf[postgres] = %f, idf[kubernetes] = %f; ubiquitous term should weigh less",
			idf["postgres"], idf["kubernetes"])
	}
	if _, ok := idf["chocolate"]; ok {
		t.Error("term outside the corpus has an idf entry")
	}
}

func TestIDFSimilarity_DiscountsCommonTerms(t *testing.T) {
	corpus := []map[string]float64{
		Sparse("postgres connection pool tuning"),
		Sparse("postgres replication lag"),
		Sparse("postgres vacuum schedule monitoring"),
	}
	idf := IDF(corpus)
	query := Sparse("postgres replication")

	// Every document shares "postgres"; only one shares "replication".
	match := IDFSimilarity(query, corpus[1], idf)
	other := IDFSimilarity(query, corpus[0], idf)
	if match <= other {
		t.Errorf("rare-term match = %f, common-term match = %f; want rare term to dominate",
			match, other)
	}
	if got := IDFSimilarity(query, nil, idf); got != 0 {
		t.Errorf("similarity with nil = %f, want 0", got)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
