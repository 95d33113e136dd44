package embedding

import (
	"math"
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

// tokenize lowercases text and extracts word and number tokens,
// dropping stopwords.
func tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(raw) == 0 {
		return nil
	}
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Sparse computes an L2-normalized term-frequency vector for lexical
// matching. Weights use sublinear TF scaling so a term repeated many times
// does not dominate. IDF weighting is applied at search time against the
// live corpus, not here, so stored vectors stay valid as documents come
// and go. An empty result means the text had no usable tokens.
func Sparse(text string) map[string]float64 {
	tf := make(map[string]float64)
	for _, tok := range tokenize(text) {
		tf[tok]++
	}
	if len(tf) == 0 {
		return nil
	}

	var norm float64
	for term, count := range tf {
		w := 1 + math.Log(count)
		tf[term] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	for term := range tf {
		tf[term] /= norm
	}
	return tf
}

// SparseSimilarity is the dot product of two sparse vectors. Both sides are
// L2-normalized by Sparse, so this is cosine similarity on shared terms.
func SparseSimilarity(a, b map[string]float64) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	var dot float64
	for term, wa := range a {
		if wb, ok := b[term]; ok {
			dot += wa * wb
		}
	}
	return dot
}

// IDF computes smoothed inverse document frequencies over a corpus of
// sparse vectors: log((1+N)/(1+df)) + 1. Terms absent from the corpus
// have no entry and weigh zero in IDFSimilarity.
func IDF(corpus []map[string]float64) map[string]float64 {
	df := make(map[string]int)
	for _, vec := range corpus {
		for term := range vec {
			df[term]++
		}
	}
	n := float64(len(corpus))
	idf := make(map[string]float64, len(df))
	for term, d := range df {
		idf[term] = math.Log((1+n)/(1+float64(d))) + 1
	}
	return idf
}

// IDFSimilarity is cosine similarity between two sparse vectors after
// scaling both by per-term IDF weights, so terms common across the
// corpus contribute less than rare ones.
func IDFSimilarity(a, b, idf map[string]float64) float64 {
	var dot, na, nb float64
	for term, va := range a {
		wa := va * idf[term]
		na += wa * wa
		if vb, ok := b[term]; ok {
			dot += wa * vb * idf[term]
		}
	}
	for term, vb := range b {
		wb := vb * idf[term]
		nb += wb * wb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to",
		"of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were",
		"be", "been", "being", "it", "this", "that", "these", "those", "from",
		"up", "down", "over", "under", "again", "further", "than", "so", "such",
		"into", "about", "between", "through", "during", "before", "after",
		"above", "below", "out", "off", "own", "same", "too", "very", "can",
		"will", "just", "don", "should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
