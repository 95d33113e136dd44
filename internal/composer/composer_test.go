package composer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/praxos/ragpipe/internal/retrieval"
)

// fakeGenerator records prompts and returns a canned answer or error.
type fakeGenerator struct {
	system string
	user   string
	answer string
	err    error
}

func (f *fakeGenerator) Generate(_ context.Context, systemPrompt, userPrompt string, _ int) (string, error) {
	f.system = systemPrompt
	f.user = userPrompt
	return f.answer, f.err
}

func rankedChunks() []retrieval.ScoredChunk {
	mk := func(id, text, title string, rank int, final float64) retrieval.ScoredChunk {
		var sc retrieval.ScoredChunk
		sc.ID = id
		sc.Text = text
		sc.Rank = rank
		sc.Final = final
		sc.DocumentTitle = title
		sc.DocumentURI = "https://example.test/" + id
		return sc
	}
	return []retrieval.ScoredChunk{
		mk("c2", "Beta follows alpha.", "Letters", 2, 0.7),
		mk("c1", "Gamma is the third letter.", "Letters", 1, 0.9),
	}
}

func TestComposeCitesAllChunksInRankOrder(t *testing.T) {
	gen := &fakeGenerator{answer: "Gamma is the third letter [1]."}
	c := New(gen, 0)

	got := c.Compose(context.Background(), "what is gamma?", rankedChunks())
	if got.Degraded {
		t.Fatal("degraded on a healthy generator")
	}
	if got.Answer != "Gamma is the third letter [1]." {
		t.Errorf("answer = %q", got.Answer)
	}
	if len(got.Citations) != 2 {
		t.Fatalf("got %d citations, want one per chunk", len(got.Citations))
	}
	if got.Citations[0].ChunkID != "c1" || got.Citations[1].ChunkID != "c2" {
		t.Errorf("citations out of rank order: %s, %s", got.Citations[0].ChunkID, got.Citations[1].ChunkID)
	}
	if got.Citations[0].Rank != 1 || got.Citations[0].Score != 0.9 {
		t.Errorf("citation = %+v, want rank 1 score 0.9", got.Citations[0])
	}
}

func TestComposePromptNumbersSourcesByRank(t *testing.T) {
	gen := &fakeGenerator{answer: "ok"}
	c := New(gen, 0)
	c.Compose(context.Background(), "what is gamma?", rankedChunks())

	first := strings.Index(gen.user, "[1] Letters\nGamma is the third letter.")
	second := strings.Index(gen.user, "[2] Letters\nBeta follows alpha.")
	if first < 0 || second < 0 || second < first {
		t.Errorf("prompt does not number sources in rank order:\n%s", gen.user)
	}
	if !strings.HasSuffix(gen.user, "Question: what is gamma?") {
		t.Errorf("prompt does not end with the question:\n%s", gen.user)
	}
	if !strings.Contains(gen.system, "ONLY the numbered sources") {
		t.Errorf("system prompt missing grounding instruction: %q", gen.system)
	}
}

func TestComposeDeterministicPrompt(t *testing.T) {
	gen := &fakeGenerator{answer: "ok"}
	c := New(gen, 0)
	c.Compose(context.Background(), "what is gamma?", rankedChunks())
	firstPrompt := gen.user
	c.Compose(context.Background(), "what is gamma?", rankedChunks())
	if gen.user != firstPrompt {
		t.Error("identical inputs produced different prompts")
	}
}

func TestComposeGeneratorFailureFallsBackExtractive(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream down")}
	c := New(gen, 0)

	got := c.Compose(context.Background(), "what is gamma?", rankedChunks())
	if !got.Degraded {
		t.Fatal("generator failure did not set degraded")
	}
	if !strings.Contains(got.Answer, "Gamma is the third letter.") {
		t.Errorf("extractive answer = %q, want top chunk text", got.Answer)
	}
	if len(got.Citations) != 1 || got.Citations[0].ChunkID != "c1" {
		t.Errorf("citations = %+v, want only the top chunk", got.Citations)
	}
}

func TestComposeNoChunksReturnsInsufficiency(t *testing.T) {
	c := New(&fakeGenerator{answer: "should not be called"}, 0)
	got := c.Compose(context.Background(), "anything", nil)
	if got.Answer != DefaultInsufficiency {
		t.Errorf("answer = %q, want the insufficiency message", got.Answer)
	}
	if len(got.Citations) != 0 {
		t.Errorf("insufficiency answer carries citations: %+v", got.Citations)
	}
}

func TestComposeCustomInsufficiencyMessage(t *testing.T) {
	c := New(&fakeGenerator{}, 0)
	c.Insufficiency = "No lo sé."
	if got := c.Insufficient(); got.Answer != "No lo sé." {
		t.Errorf("answer = %q", got.Answer)
	}
}

func TestComposeLongExcerptBounded(t *testing.T) {
	gen := &fakeGenerator{answer: "ok"}
	c := New(gen, 0)

	long := strings.Repeat("word ", 2000)
	var sc retrieval.ScoredChunk
	sc.ID = "big"
	sc.Text = long
	sc.Rank = 1
	sc.DocumentTitle = "Big"

	got := c.Compose(context.Background(), "q", []retrieval.ScoredChunk{sc})
	if n := len([]rune(got.Citations[0].Excerpt)); n > citationExcerpt+1 {
		t.Errorf("citation excerpt length = %d runes, want <= %d", n, citationExcerpt+1)
	}
}
