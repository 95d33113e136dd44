package chunker

import (
	"regexp"
	"strings"
)

var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)

// splitMarkdown closes a chunk on every heading or when the size bound is
// reached, and attaches the current heading path to each chunk.
func splitMarkdown(text string, opts Options) []Chunk {
	lines := strings.Split(text, "\n")

	var chunks []Chunk
	var current strings.Builder
	// headings[i] holds the active heading at level i+1.
	headings := make([]string, 6)
	depth := 0

	path := func() string {
		active := headings[:depth]
		parts := make([]string, 0, len(active))
		for _, h := range active {
			if h != "" {
				parts = append(parts, h)
			}
		}
		return strings.Join(parts, " > ")
	}

	flush := func(headingPath string) {
		body := current.String()
		current.Reset()
		if strings.TrimSpace(body) == "" {
			return
		}
		if runeLen(body) > opts.SizeTarget+opts.Overlap {
			// Oversize section: re-chunk with the next finer strategy.
			for _, sub := range splitRecursive(body, opts) {
				sub.Strategy = StrategyMarkdown
				sub.HeadingPath = headingPath
				chunks = append(chunks, sub)
			}
			return
		}
		chunks = append(chunks, Chunk{
			Text:        body,
			Strategy:    StrategyMarkdown,
			HeadingPath: headingPath,
			ItemIndex:   -1,
		})
	}

	for _, line := range lines {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			flush(path())
			level := len(m[1])
			headings[level-1] = strings.TrimSpace(m[2])
			for i := level; i < len(headings); i++ {
				headings[i] = ""
			}
			depth = level
			current.WriteString(line)
			current.WriteString("\n")
			continue
		}

		if runeLen(current.String())+runeLen(line)+1 > opts.SizeTarget && current.Len() > 0 {
			flush(path())
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush(path())

	return chunks
}

// declPattern matches the top-level declarations the code strategy splits on:
// Python def/class, JS function/exported const, and Go func/type/const/var.
var declPattern = regexp.MustCompile(`^(?:def\s+(\w+)|class\s+(\w+)|(?:export\s+)?function\s+(\w+)|export\s+const\s+(\w+)|func\s+(?:\([^)]*\)\s+)?(\w+)|type\s+(\w+)|const\s+(\w+)|var\s+(\w+))`)

// splitCode splits source text on top-level declarations and never splits
// inside one. Declarations larger than the size bound are re-chunked with
// the recursive strategy but keep their declaration name.
func splitCode(text string, opts Options) []Chunk {
	lines := strings.Split(text, "\n")

	type block struct {
		name string
		text string
	}
	var blocks []block
	var current strings.Builder
	currentName := ""

	flush := func() {
		if current.Len() > 0 {
			blocks = append(blocks, block{name: currentName, text: current.String()})
			current.Reset()
		}
	}

	for _, line := range lines {
		if m := declPattern.FindStringSubmatch(line); m != nil {
			flush()
			currentName = firstGroup(m)
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()

	var chunks []Chunk
	var acc strings.Builder
	accName := ""
	flushAcc := func() {
		if acc.Len() > 0 {
			chunks = append(chunks, Chunk{Text: acc.String(), Strategy: StrategyCode, DeclName: accName, ItemIndex: -1})
			acc.Reset()
			accName = ""
		}
	}

	for _, b := range blocks {
		if runeLen(b.text) > opts.SizeTarget+opts.Overlap {
			flushAcc()
			for _, sub := range splitRecursive(b.text, opts) {
				sub.Strategy = StrategyCode
				sub.DeclName = b.name
				chunks = append(chunks, sub)
			}
			continue
		}
		if acc.Len() > 0 && runeLen(acc.String())+runeLen(b.text) > opts.SizeTarget {
			flushAcc()
		}
		if acc.Len() == 0 {
			accName = b.name
		}
		acc.WriteString(b.text)
	}
	flushAcc()

	return chunks
}

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}
