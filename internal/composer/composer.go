// Package composer turns ranked retrieval results into a cited answer. The
// generator is an external collaborator; when it fails the composer degrades
// to an extractive answer built from the top chunk.
package composer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/praxos/ragpipe/internal/generator"
	"github.com/praxos/ragpipe/internal/retrieval"
)

// DefaultInsufficiency is the answer returned when no sources cover the
// question.
const DefaultInsufficiency = "I don't have enough information in my sources to answer that."

const (
	defaultMaxTokens   = 1024
	sourceExcerptRunes = 1200 // per-source bound inside the prompt
	citationExcerpt    = 240  // per-citation bound in the response
)

const systemPrompt = `You are a retrieval-grounded assistant. Answer the question using ONLY the numbered sources provided. Cite sources inline as [1], [2] and so on. If the sources do not contain the answer, say so plainly instead of guessing. Never invent facts or citations.`

// Citation is a source reference in a composed answer.
type Citation struct {
	ChunkID       string
	DocumentTitle string
	DocumentURI   string
	Excerpt       string
	Rank          int
	Score         float64
}

// Result is a composed answer. Degraded is set when the generator failed and
// the answer is extractive.
type Result struct {
	Answer    string
	Citations []Citation
	Degraded  bool
}

// Composer builds prompts and assembles answers. Insufficiency overrides the
// default no-information answer when non-empty.
type Composer struct {
	gen           generator.Generator
	maxTokens     int
	Insufficiency string
}

// New builds a Composer. A nil generator runs in extractive mode: every
// answer is the top chunk's excerpt, marked degraded.
func New(gen generator.Generator, maxTokens int) *Composer {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Composer{gen: gen, maxTokens: maxTokens}
}

// Compose answers query from chunks. Citations cover exactly the chunks
// passed in, ordered by rank; the prompt numbers sources in the same order
// so inline markers line up with citation ranks.
func (c *Composer) Compose(ctx context.Context, query string, chunks []retrieval.ScoredChunk) Result {
	if len(chunks) == 0 {
		return c.Insufficient()
	}

	ordered := make([]retrieval.ScoredChunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })

	citations := make([]Citation, len(ordered))
	for i, sc := range ordered {
		citations[i] = Citation{
			ChunkID:       sc.ID,
			DocumentTitle: sc.DocumentTitle,
			DocumentURI:   sc.DocumentURI,
			Excerpt:       truncateRunes(collapseSpace(sc.Text), citationExcerpt),
			Rank:          sc.Rank,
			Score:         sc.Final,
		}
	}

	var answer string
	var err error
	if c.gen != nil {
		answer, err = c.gen.Generate(ctx, systemPrompt, buildUserPrompt(query, ordered), c.maxTokens)
	}
	if c.gen == nil || err != nil || strings.TrimSpace(answer) == "" {
		if err != nil {
			slog.Warn("generator failed, falling back to extractive answer", "error", err)
		}
		return Result{
			Answer:    extractiveAnswer(ordered[0]),
			Citations: citations[:1],
			Degraded:  true,
		}
	}

	return Result{Answer: answer, Citations: citations}
}

// Insufficient returns the no-information answer with no citations.
func (c *Composer) Insufficient() Result {
	answer := c.Insufficiency
	if answer == "" {
		answer = DefaultInsufficiency
	}
	return Result{Answer: answer, Citations: []Citation{}}
}

// buildUserPrompt renders the numbered sources and the question. The layout
// is fixed so identical inputs always produce the identical prompt.
func buildUserPrompt(query string, ordered []retrieval.ScoredChunk) string {
	var sb strings.Builder
	sb.WriteString("Sources:\n\n")
	for i, sc := range ordered {
		fmt.Fprintf(&sb, "[%d] %s", i+1, sc.DocumentTitle)
		if sc.HeadingPath != "" {
			fmt.Fprintf(&sb, " / %s", sc.HeadingPath)
		}
		sb.WriteString("\n")
		sb.WriteString(truncateRunes(sc.Text, sourceExcerptRunes))
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(query)
	return sb.String()
}

func extractiveAnswer(top retrieval.ScoredChunk) string {
	return fmt.Sprintf("From %s: %s [1]", top.DocumentTitle, truncateRunes(collapseSpace(top.Text), sourceExcerptRunes))
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
