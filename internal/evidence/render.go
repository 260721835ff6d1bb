package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Render modes.
const (
	RenderList  = "list"
	RenderBlock = "block"
	RenderLines = "lines"
	RenderJSON  = "json"
)

// Cap returns the character budget for a render mode when the step sets none.
func (p *Pipeline) Cap(mode string) int {
	if n, ok := p.maxChars[mode]; ok && n > 0 {
		return n
	}
	return p.maxChars[RenderList]
}

// Render formats rows as the body of a step's evidence block, headed by
// "[step] N results:". Empty row sets fall back to compact JSON of payload.
func (p *Pipeline) Render(step, mode, fenceLang string, maxChars int, rows []Row, payload any) string {
	if mode == "" {
		mode = p.defaultRender
	}
	if maxChars <= 0 {
		maxChars = p.Cap(mode)
	}
	if len(rows) == 0 {
		return truncate(compactJSON(payload), maxChars)
	}
	header := fmt.Sprintf("[%s] %d results:", step, len(rows))
	budget := maxChars - len(header) - 2
	var body string
	switch mode {
	case RenderBlock:
		body = p.renderBlock(rows, fenceLang, budget)
	case RenderLines:
		body = p.renderLines(rows, budget)
	case RenderJSON:
		body = renderJSON(rows, budget)
	default:
		body = p.renderList(rows, budget)
	}
	return header + "\n" + body
}

func (p *Pipeline) renderList(rows []Row, maxChars int) string {
	lines := make([]string, 0, len(rows))
	for i, row := range rows {
		parts := []string{strconv.Itoa(i+1) + "."}
		if loc := p.Location(row); loc != "" {
			parts[0] += " " + loc
		}
		consumed := map[string]struct{}{}
		if rowCounts := counts(row); len(rowCounts) > 0 {
			parts = append(parts, strings.Join(rowCounts, " "))
			for _, entry := range rowCounts {
				consumed[strings.SplitN(entry, "=", 2)[0]] = struct{}{}
			}
		}
		if sig := signature(row); sig != "" {
			parts = append(parts, "sig: "+shorten(sig, p.shorten.Signature))
			consumed["signature"] = struct{}{}
			consumed["signature_meta"] = struct{}{}
		}
		if doc := docText(row); doc != "" {
			parts = append(parts, "doc: "+shorten(doc, p.shorten.Doc))
			consumed["doc"] = struct{}{}
			consumed["has_doc"] = struct{}{}
		}
		if text := p.LineText(row); text != "" {
			parts = append(parts, shorten(strings.TrimSpace(strings.ReplaceAll(text, "\n", " ")), p.shorten.LineText))
			for _, key := range p.fields.SnippetKeys {
				consumed[key] = struct{}{}
			}
		}
		if extra := p.remaining(row, consumed); extra != "" {
			parts = append(parts, "+"+extra)
		}
		lines = append(lines, "  "+strings.Join(parts, " | "))
	}
	return truncate(strings.Join(lines, "\n"), maxChars)
}

// remaining lists fields no other part of the list line rendered.
func (p *Pipeline) remaining(row Row, consumed map[string]struct{}) string {
	skip := map[string]struct{}{}
	for _, group := range [][]string{p.fields.PathKeys, p.fields.LineKeys, p.fields.LineEndKeys} {
		for _, key := range group {
			skip[key] = struct{}{}
		}
	}
	var keys []string
	for key, value := range row {
		if _, ok := skip[key]; ok {
			continue
		}
		if _, ok := consumed[key]; ok {
			continue
		}
		if isZeroValue(value) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if p.extraFieldCap > 0 && len(keys) > p.extraFieldCap {
		keys = keys[:p.extraFieldCap]
	}
	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		value := row[key]
		if text, ok := value.(string); ok {
			entries = append(entries, key+"="+strconv.Quote(text))
			continue
		}
		entries = append(entries, key+"="+scalarString(value))
	}
	return strings.Join(entries, ",")
}

func isZeroValue(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	default:
		n, ok := number(value)
		return ok && n == 0
	}
}

func (p *Pipeline) renderBlock(rows []Row, fenceLang string, maxChars int) string {
	var parts []string
	total := 0
	for i, row := range rows {
		source := p.LineText(row)
		if source == "" {
			continue
		}
		header := "### Block " + strconv.Itoa(i+1)
		if loc := p.Location(row); loc != "" {
			header = "### " + loc
		}
		block := header + "\n```" + fenceLang + "\n" + source + "\n```\n"
		if total+len(block) > maxChars {
			parts = append(parts, fmt.Sprintf("... (%d more rows truncated)", len(rows)-i))
			break
		}
		parts = append(parts, block)
		total += len(block)
	}
	return strings.Join(parts, "\n")
}

func (p *Pipeline) renderLines(rows []Row, maxChars int) string {
	var parts []string
	total := 0
	for _, row := range rows {
		text := p.LineText(row)
		if text == "" {
			text = signature(row)
		}
		if text == "" {
			continue
		}
		text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
		line := "  " + text
		if loc := p.Location(row); loc != "" {
			line = "  [" + loc + "] " + text
		}
		total += len(line) + 1
		if total > maxChars {
			parts = append(parts, fmt.Sprintf("  ... (%d more)", len(rows)-len(parts)))
			break
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, "\n")
}

func renderJSON(rows []Row, maxChars int) string {
	text, err := encodeJSON(rows, " ")
	if err != nil {
		return ""
	}
	if len(text) > maxChars {
		text = cutUTF8(text, maxChars) + "\n... (truncated)"
	}
	return text
}

func compactJSON(payload any) string {
	if text, ok := payload.(string); ok {
		return text
	}
	text, err := encodeJSON(payload, "")
	if err != nil {
		return fmt.Sprint(payload)
	}
	return text
}

func encodeJSON(value any, indent string) (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if indent != "" {
		encoder.SetIndent("", indent)
	}
	if err := encoder.Encode(value); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func shorten(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}
	return cutUTF8(text, maxLen) + "..."
}

func truncate(text string, maxChars int) string {
	if maxChars < 0 {
		maxChars = 0
	}
	if len(text) <= maxChars {
		return text
	}
	return cutUTF8(text, maxChars)
}

// cutUTF8 returns at most n bytes of text without splitting a rune.
func cutUTF8(text string, n int) string {
	if n >= len(text) {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}
