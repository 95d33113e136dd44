package chunker

import (
	"strings"
)

// Document kinds recognized by ingestion.
const (
	KindHTML       = "html"
	KindPDF        = "pdf"
	KindMarkdown   = "md"
	KindCode       = "code"
	KindTranscript = "transcript"
	KindStructured = "structured"
	KindText       = "text"
)

// Chunking strategies. Selected by document kind, overridable by callers.
const (
	StrategyFixed      = "fixed"
	StrategySemantic   = "semantic"
	StrategyRecursive  = "recursive"
	StrategyMarkdown   = "markdown"
	StrategyCode       = "code"
	StrategyTranscript = "transcript"
	StrategyStructured = "structured"
)

// Chunk is one retrieval-sized unit of a document, plus the structural
// metadata its strategy extracted.
type Chunk struct {
	Ordinal     int
	Text        string
	Strategy    string
	HeadingPath string // markdown: "Section > Subsection"
	StartTime   string // transcript: "HH:MM:SS"
	EndTime     string
	DeclName    string // code: enclosing declaration name
	ItemIndex   int    // structured: array item index, -1 otherwise
}

// Options bound chunk sizes. Counts are in runes.
type Options struct {
	SizeTarget int
	Overlap    int
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{SizeTarget: 1000, Overlap: 200}
}

func (o Options) normalized() Options {
	if o.SizeTarget <= 0 {
		o.SizeTarget = 1000
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.SizeTarget {
		o.Overlap = o.SizeTarget / 2
	}
	return o
}

// StrategyFor maps a document kind to its default chunking strategy.
func StrategyFor(kind string) string {
	switch kind {
	case KindMarkdown:
		return StrategyMarkdown
	case KindCode:
		return StrategyCode
	case KindTranscript:
		return StrategyTranscript
	case KindStructured:
		return StrategyStructured
	case KindHTML:
		return StrategySemantic
	default:
		// Plain text and anything unrecognized chunk by fixed stride.
		return StrategyFixed
	}
}

// Split chunks text using the named strategy. Empty or whitespace-only input
// yields zero chunks. Every returned chunk has non-empty text and ordinals
// form a contiguous 0..n-1 sequence.
func Split(strategy, text string, opts Options) []Chunk {
	opts = opts.normalized()
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	switch strategy {
	case StrategySemantic:
		chunks = splitSemantic(text, opts)
	case StrategyRecursive:
		chunks = splitRecursive(text, opts)
	case StrategyMarkdown:
		chunks = splitMarkdown(text, opts)
	case StrategyCode:
		chunks = splitCode(text, opts)
	case StrategyTranscript:
		chunks = splitTranscript(text, opts)
	case StrategyStructured:
		chunks = splitStructured(text, opts)
	default:
		chunks = splitFixed(text, opts)
	}

	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		c.Ordinal = len(out)
		out = append(out, c)
	}
	return out
}

// splitFixed strides size_target − overlap through the text, preserving
// overlap runes between consecutive chunks.
func splitFixed(text string, opts Options) []Chunk {
	runes := []rune(text)
	stride := opts.SizeTarget - opts.Overlap

	var chunks []Chunk
	for start := 0; start < len(runes); start += stride {
		end := start + opts.SizeTarget
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Text:      string(runes[start:end]),
			Strategy:  StrategyFixed,
			ItemIndex: -1,
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// splitSemantic packs whole paragraphs greedily until the next one would
// exceed the size target. A single paragraph larger than the target is
// re-chunked with the recursive strategy.
func splitSemantic(text string, opts Options) []Chunk {
	paragraphs := strings.Split(text, "\n\n")

	var chunks []Chunk
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, Chunk{Text: current.String(), Strategy: StrategySemantic, ItemIndex: -1})
			current.Reset()
		}
	}

	for _, p := range paragraphs {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if runeLen(p) > opts.SizeTarget {
			flush()
			for _, sub := range splitRecursive(p, opts) {
				sub.Strategy = StrategySemantic
				chunks = append(chunks, sub)
			}
			continue
		}
		joined := runeLen(p)
		if current.Len() > 0 {
			joined += runeLen(current.String()) + 2
		}
		if joined > opts.SizeTarget {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()
	return chunks
}

// recursiveSeparators are tried coarsest first; Split descends to a finer
// separator only when a piece still exceeds the size target.
var recursiveSeparators = []string{"\n\n\n", "\n\n", "\n", ". ", " "}

func splitRecursive(text string, opts Options) []Chunk {
	pieces := recurse(text, 0, opts)
	chunks := make([]Chunk, 0, len(pieces))
	for _, p := range pieces {
		chunks = append(chunks, Chunk{Text: p, Strategy: StrategyRecursive, ItemIndex: -1})
	}
	return chunks
}

func recurse(text string, sepIdx int, opts Options) []string {
	if runeLen(text) <= opts.SizeTarget {
		return []string{text}
	}
	if sepIdx >= len(recursiveSeparators) {
		// No finer separator left; fall back to fixed strides.
		var out []string
		for _, c := range splitFixed(text, opts) {
			out = append(out, c.Text)
		}
		return out
	}

	sep := recursiveSeparators[sepIdx]
	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		return recurse(text, sepIdx+1, opts)
	}

	var out []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
	}

	for _, part := range parts {
		if part == "" {
			continue
		}
		if runeLen(part) > opts.SizeTarget {
			flush()
			out = append(out, recurse(part, sepIdx+1, opts)...)
			continue
		}
		joined := runeLen(part)
		if current.Len() > 0 {
			joined += runeLen(current.String()) + runeLen(sep)
		}
		if joined > opts.SizeTarget {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(part)
	}
	flush()
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
