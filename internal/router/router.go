// Package router classifies queries into retrieval routes, decomposes
// multi-part questions into sub-queries, and rewrites anaphoric queries
// using recent session history.
package router

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Routes a query can take through the pipeline.
const (
	RouteNoRetrieval = "no_retrieval"
	RouteSingleStep  = "single_step"
	RouteMultiStep   = "multi_step"
)

// maxSubQueries caps decomposition of multi-part questions.
const maxSubQueries = 4

// maxHistoryTurns bounds how far back rewriting looks.
const maxHistoryTurns = 10

// Decision is the routing outcome for one query. Query holds the
// (possibly rewritten) text; SubQueries is non-empty only for multi_step.
type Decision struct {
	Route      string
	Query      string
	SubQueries []string
	Rewritten  bool
	Reason     string
}

// Router makes routing decisions from rules alone, with no I/O. Budget
// bounds a single Route call; on overrun the decision falls back to
// single_step with the original query.
type Router struct {
	budget time.Duration
}

func New(budget time.Duration) *Router {
	if budget <= 0 {
		budget = 200 * time.Millisecond
	}
	return &Router{budget: budget}
}

var (
	arithmeticPattern = regexp.MustCompile(`^[\d\s+\-*/().,%^=]+\??$`)
	comparePattern    = regexp.MustCompile(`(?i)^(?:compare|difference between)\s+(.+?)\s+(?:and|with|to|vs\.?|versus)\s+(.+?)[.?!]*$`)
	versusPattern     = regexp.MustCompile(`(?i)\s+(?:vs\.?|versus)\s+`)
	pronounPattern    = regexp.MustCompile(`(?i)\b(it|its|they|them|their|this|that|those|these|he|she|him|her)\b`)
)

var selfContained = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true,
	"thanks": true, "thank you": true, "ok": true, "okay": true,
	"good morning": true, "good evening": true, "goodbye": true, "bye": true,
	"help": true, "who are you": true, "what are you": true,
	"what can you do": true, "how do you work": true,
}

// Route classifies query and, when history is provided, resolves pronoun
// references against the most recent turns. The ctx deadline and the
// router's own budget both force the single_step fallback.
func (r *Router) Route(ctx context.Context, query string, history []string) Decision {
	original := strings.TrimSpace(query)
	deadline := time.Now().Add(r.budget)

	fallback := Decision{Route: RouteSingleStep, Query: original, Reason: "budget_exceeded"}
	overran := func() bool {
		if time.Now().After(deadline) {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}

	normalized := strings.ToLower(strings.TrimRight(original, ".!? "))
	if selfContained[normalized] || arithmeticPattern.MatchString(original) {
		return Decision{Route: RouteNoRetrieval, Query: original, Reason: "self_contained"}
	}
	// Very short queries skip retrieval only when nothing in them could
	// match a document ("thanks!", "ok?"). A lone content term like a
	// product name still retrieves.
	if toks := tokenize(original); len(toks) < 3 && len(topicTerms(original, nil, 1)) == 0 {
		return Decision{Route: RouteNoRetrieval, Query: original, Reason: "too_short"}
	}

	rewritten, didRewrite := rewrite(original, history)
	if overran() {
		return fallback
	}

	if subs := decompose(rewritten); len(subs) > 1 {
		if overran() {
			return fallback
		}
		return Decision{
			Route:      RouteMultiStep,
			Query:      rewritten,
			SubQueries: subs,
			Rewritten:  didRewrite,
			Reason:     "multi_part",
		}
	}

	return Decision{Route: RouteSingleStep, Query: rewritten, Rewritten: didRewrite, Reason: "default"}
}

// rewrite resolves anaphora by appending the topic terms of the most recent
// history turn that has any. It only fires when the query actually contains
// a pronoun; otherwise, or when no topic can be found, the query is returned
// unchanged.
func rewrite(query string, history []string) (string, bool) {
	if len(history) == 0 || !pronounPattern.MatchString(query) {
		return query, false
	}
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}

	queryTerms := termSet(query)
	for i := len(history) - 1; i >= 0; i-- {
		topic := topicTerms(history[i], queryTerms, 4)
		if len(topic) == 0 {
			continue
		}
		base := strings.TrimRight(query, " ?!.")
		return base + " (" + strings.Join(topic, " ") + ")", true
	}
	return query, false
}

// decompose splits comparison and conjunction questions into independent
// sub-queries. A query that does not split cleanly yields a single element.
func decompose(query string) []string {
	if m := comparePattern.FindStringSubmatch(query); m != nil {
		return clamp([]string{strings.TrimSpace(m[1]), strings.TrimSpace(m[2])})
	}
	if versusPattern.MatchString(query) {
		parts := versusPattern.Split(query, -1)
		return clamp(cleanParts(parts, 1))
	}

	// Several full questions in one message.
	if qs := cleanParts(strings.Split(query, "?"), 3); len(qs) > 1 {
		return clamp(qs)
	}

	// Conjunction joining two substantial clauses, each with its own
	// question word or verb-sized length.
	if parts := cleanParts(regexp.MustCompile(`(?i)\s+and also\s+|;\s+`).Split(query, -1), 3); len(parts) > 1 {
		return clamp(parts)
	}

	return []string{query}
}

func cleanParts(parts []string, minTokens int) []string {
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(strings.Trim(p, ".?! "))
		if p == "" || len(tokenize(p)) < minTokens {
			continue
		}
		out = append(out, p)
	}
	return out
}

func clamp(subs []string) []string {
	if len(subs) > maxSubQueries {
		subs = subs[:maxSubQueries]
	}
	return subs
}

var wordPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

func tokenize(s string) []string {
	return wordPattern.FindAllString(strings.ToLower(s), -1)
}

var fillerWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "do": true, "does": true, "did": true, "what": true,
	"how": true, "why": true, "when": true, "where": true, "who": true,
	"which": true, "can": true, "could": true, "would": true, "should": true,
	"i": true, "you": true, "we": true, "me": true, "my": true, "your": true,
	"it": true, "its": true, "they": true, "them": true, "their": true,
	"this": true, "that": true, "those": true, "these": true, "he": true,
	"she": true, "him": true, "her": true, "of": true, "in": true, "on": true,
	"to": true, "for": true, "with": true, "and": true, "or": true,
	"about": true, "tell": true, "please": true, "more": true,
}

func termSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenize(s) {
		set[t] = true
	}
	return set
}

// topicTerms extracts up to max content words from a turn, in order,
// skipping filler and anything already present in the query.
func topicTerms(turn string, exclude map[string]bool, max int) []string {
	var out []string
	for _, t := range tokenize(turn) {
		if fillerWords[t] || exclude[t] {
			continue
		}
		out = append(out, t)
		if len(out) == max {
			break
		}
	}
	return out
}
