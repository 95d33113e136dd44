// Package gate decides whether retrieval results are good enough to answer
// from, worth one broadened retry, or grounds for abstaining.
package gate

import (
	"github.com/praxos/ragpipe/internal/retrieval"
	"github.com/praxos/ragpipe/internal/storage"
)

// MaxAttempts caps retrieval attempts per query, the first attempt included.
const MaxAttempts = 2

// Decision is the gate's verdict on one retrieval attempt.
type Decision struct {
	Action string // storage.ActionPass, ActionRetry, or ActionAbstain
	Score  float64
	Reason string
}

// Gate evaluates retrieval quality against two thresholds. Pass must be
// greater than Retry.
type Gate struct {
	Pass  float64
	Retry float64
}

func New(pass, retry float64) Gate {
	if pass <= 0 {
		pass = 0.60
	}
	if retry <= 0 {
		retry = 0.40
	}
	return Gate{Pass: pass, Retry: retry}
}

// Evaluate scores results as the mean final score of the top three (or
// fewer) chunks. attempt is 1-based; a retry is only offered on the first
// attempt, so no query retrieves more than MaxAttempts times.
func (g Gate) Evaluate(results []retrieval.ScoredChunk, attempt int) Decision {
	if len(results) == 0 {
		return Decision{Action: storage.ActionAbstain, Reason: "no_results"}
	}

	n := len(results)
	if n > 3 {
		n = 3
	}
	var sum float64
	for _, sc := range results[:n] {
		sum += sc.Final
	}
	score := sum / float64(n)

	switch {
	case score >= g.Pass:
		return Decision{Action: storage.ActionPass, Score: score, Reason: "score_above_pass"}
	case score >= g.Retry && attempt < MaxAttempts:
		return Decision{Action: storage.ActionRetry, Score: score, Reason: "retryable_score"}
	case score >= g.Retry:
		return Decision{Action: storage.ActionAbstain, Score: score, Reason: "retries_exhausted"}
	default:
		return Decision{Action: storage.ActionAbstain, Score: score, Reason: "score_below_retry"}
	}
}
