package chunker

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	timestampPattern = regexp.MustCompile(`\[(\d{2}:\d{2}:\d{2})\]`)
	speakerPattern   = regexp.MustCompile(`(?m)^[A-Z][\w .'-]{0,40}:\s`)
)

// splitTranscript splits on [HH:MM:SS] markers. Each chunk records its own
// start time and the next marker as a running end time. Segments larger than
// the size bound are split again on speaker changes.
func splitTranscript(text string, opts Options) []Chunk {
	locs := timestampPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		// No markers at all; treat as plain semantic text.
		return splitSemantic(text, opts)
	}

	type segment struct {
		start string
		end   string
		text  string
	}
	var segments []segment
	if lead := text[:locs[0][0]]; strings.TrimSpace(lead) != "" {
		segments = append(segments, segment{end: text[locs[0][2]:locs[0][3]], text: lead})
	}
	for i, loc := range locs {
		start := text[loc[2]:loc[3]]
		bodyStart := loc[1]
		bodyEnd := len(text)
		end := ""
		if i+1 < len(locs) {
			bodyEnd = locs[i+1][0]
			end = text[locs[i+1][2]:locs[i+1][3]]
		}
		segments = append(segments, segment{start: start, end: end, text: text[bodyStart:bodyEnd]})
	}

	var chunks []Chunk
	for _, seg := range segments {
		if runeLen(seg.text) <= opts.SizeTarget {
			chunks = append(chunks, Chunk{
				Text:      strings.TrimSpace(seg.text),
				Strategy:  StrategyTranscript,
				StartTime: seg.start,
				EndTime:   seg.end,
				ItemIndex: -1,
			})
			continue
		}
		for _, piece := range splitBySpeaker(seg.text, opts) {
			chunks = append(chunks, Chunk{
				Text:      strings.TrimSpace(piece),
				Strategy:  StrategyTranscript,
				StartTime: seg.start,
				EndTime:   seg.end,
				ItemIndex: -1,
			})
		}
	}
	return chunks
}

// splitBySpeaker prefers speaker-change lines as split points, falling back
// to the recursive separators when a single turn is still oversize.
func splitBySpeaker(text string, opts Options) []string {
	marks := speakerPattern.FindAllStringIndex(text, -1)
	if len(marks) < 2 {
		return recurse(text, 0, opts)
	}

	var turns []string
	prev := 0
	for i, m := range marks {
		if i == 0 {
			prev = m[0]
			continue
		}
		turns = append(turns, text[prev:m[0]])
		prev = m[0]
	}
	turns = append(turns, text[prev:])
	if prev > 0 && strings.TrimSpace(text[:marks[0][0]]) != "" {
		turns = append([]string{text[:marks[0][0]]}, turns...)
	}

	var out []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
	}
	for _, turn := range turns {
		if runeLen(turn) > opts.SizeTarget {
			flush()
			out = append(out, recurse(turn, 0, opts)...)
			continue
		}
		if current.Len() > 0 && runeLen(current.String())+runeLen(turn) > opts.SizeTarget {
			flush()
		}
		current.WriteString(turn)
	}
	flush()
	return out
}

// splitStructured turns a JSON array into one chunk per item, a JSON
// object into one chunk per top-level key, and CSV into one chunk per
// row. Unparseable input falls back to the fixed strategy.
func splitStructured(text string, opts Options) []Chunk {
	trimmed := strings.TrimSpace(text)

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
		var chunks []Chunk
		for i, item := range arr {
			body := compactJSON(item)
			if body == "" {
				continue
			}
			chunks = append(chunks, Chunk{
				Text:      body,
				Strategy:  StrategyStructured,
				ItemIndex: i,
			})
		}
		return chunks
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var chunks []Chunk
		for _, k := range keys {
			body := compactJSON(obj[k])
			if body == "" {
				continue
			}
			chunks = append(chunks, Chunk{
				Text:        fmt.Sprintf("%s: %s", k, body),
				Strategy:    StrategyStructured,
				HeadingPath: k,
				ItemIndex:   -1,
			})
		}
		return chunks
	}

	if chunks := splitCSV(trimmed); chunks != nil {
		return chunks
	}

	return splitFixed(text, opts)
}

// splitCSV emits one chunk per data row, each field labeled by its header
// column. Input with fewer than two columns or no data rows is not CSV.
func splitCSV(text string) []Chunk {
	rows, err := csv.NewReader(strings.NewReader(text)).ReadAll()
	if err != nil || len(rows) < 2 || len(rows[0]) < 2 {
		return nil
	}
	header := rows[0]
	var chunks []Chunk
	for i, row := range rows[1:] {
		var parts []string
		for j, field := range row {
			if strings.TrimSpace(field) == "" {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s: %s", header[j], field))
		}
		if len(parts) == 0 {
			continue
		}
		chunks = append(chunks, Chunk{
			Text:      strings.Join(parts, ", "),
			Strategy:  StrategyStructured,
			ItemIndex: i,
		})
	}
	return chunks
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}
