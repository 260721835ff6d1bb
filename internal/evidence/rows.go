// Package evidence turns raw preflight payloads into filtered rows and
// citable evidence blocks.
package evidence

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ragpack/internal/config"
)

// Row is one extracted fact. Keys are resolved through the policy field map.
type Row map[string]any

// Pipeline holds the policy-derived settings shared by every question.
type Pipeline struct {
	fields         config.FieldKeys
	shorten        config.ShortenLimits
	maxChars       map[string]int
	defaultRender  string
	defaultExclude []string
	defaultTests   []string
	starvation     config.FilteredToZeroFail
	extraFieldCap  int
}

// NewPipeline builds a Pipeline from the merged policy.
func NewPipeline(policy *config.Policy) *Pipeline {
	return &Pipeline{
		fields:         policy.Evidence.Fields,
		shorten:        policy.Evidence.Shorten,
		maxChars:       policy.Evidence.MaxChars,
		defaultRender:  policy.Evidence.DefaultRenderMode,
		defaultExclude: policy.Preflight.DefaultExcludePathRegex,
		defaultTests:   policy.Preflight.DefaultTestPathPatterns,
		starvation:     policy.Preflight.FilteredToZeroFail,
		extraFieldCap:  policy.Validators.IssueCaps.UnknownKeyFields,
	}
}

var linePattern = regexp.MustCompile(`^([^\s:]+):(\d+)(?::\d+)?:\s?(.*)$`)

// Rows extracts rows from a decoded payload. Lists yield their object
// elements, objects yield the first row container, and plain text yields one
// row per non-empty line.
func (p *Pipeline) Rows(payload any) []Row {
	switch typed := payload.(type) {
	case []any:
		return objectRows(typed)
	case map[string]any:
		if key := p.containerKey(typed); key != "" {
			return objectRows(typed[key].([]any))
		}
		return nil
	case string:
		return textRows(typed)
	default:
		return nil
	}
}

func (p *Pipeline) containerKey(obj map[string]any) string {
	for _, key := range p.fields.RowContainerKeys {
		if list, ok := obj[key].([]any); ok && hasObject(list) {
			return key
		}
	}
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if list, ok := obj[key].([]any); ok && hasObject(list) {
			return key
		}
	}
	return ""
}

func hasObject(list []any) bool {
	for _, item := range list {
		if _, ok := item.(map[string]any); ok {
			return true
		}
	}
	return false
}

func objectRows(list []any) []Row {
	rows := make([]Row, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			rows = append(rows, Row(obj))
		}
	}
	return rows
}

func textRows(text string) []Row {
	var rows []Row
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if match := linePattern.FindStringSubmatch(line); match != nil {
			lineNo, _ := strconv.Atoi(match[2])
			rows = append(rows, Row{"path": match[1], "line": lineNo, "text": match[3]})
			continue
		}
		rows = append(rows, Row{"text": strings.TrimSpace(line)})
	}
	return rows
}

// Path returns the row's source path with title anchors and file: prefixes
// removed.
func (p *Pipeline) Path(row Row) string {
	for _, key := range p.fields.PathKeys {
		value := scalarString(row[key])
		value = strings.ReplaceAll(strings.TrimSpace(value), `\`, "/")
		if value == "" {
			continue
		}
		if key == "title" {
			value = strings.TrimSpace(strings.SplitN(value, "::", 2)[0])
		}
		value = stripFilePrefix(value)
		if value != "" {
			return value
		}
	}
	return ""
}

func stripFilePrefix(value string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) >= 5 && strings.EqualFold(trimmed[:5], "file:") {
		return strings.TrimSpace(trimmed[5:])
	}
	return trimmed
}

func (p *Pipeline) lineStart(row Row) string {
	for _, key := range p.fields.LineKeys {
		if value, ok := row[key]; ok && value != nil {
			return scalarString(value)
		}
	}
	return ""
}

func (p *Pipeline) lineEnd(row Row) string {
	for _, key := range p.fields.LineEndKeys {
		if value, ok := row[key]; ok && value != nil {
			return scalarString(value)
		}
	}
	return ""
}

// Location formats path:start-end, path:start or path:1.
func (p *Pipeline) Location(row Row) string {
	path := p.Path(row)
	if path == "" {
		return ""
	}
	start := p.lineStart(row)
	end := p.lineEnd(row)
	switch {
	case start != "" && end != "" && end != start:
		return path + ":" + start + "-" + end
	case start != "":
		return path + ":" + start
	default:
		return path + ":1"
	}
}

// LineText returns the row's snippet text.
func (p *Pipeline) LineText(row Row) string {
	for _, key := range p.fields.SnippetKeys {
		if value, ok := row[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func signature(row Row) string {
	for _, key := range []string{"signature", "signature_meta"} {
		if value := scalarString(row[key]); value != "" {
			return value
		}
	}
	return ""
}

func docText(row Row) string {
	switch doc := row["doc"].(type) {
	case map[string]any:
		for _, key := range []string{"text", "content"} {
			if value := scalarString(doc[key]); value != "" {
				return value
			}
		}
		return ""
	case string:
		return doc
	}
	if hasDoc, ok := row["has_doc"].(bool); ok {
		return "(has_doc=" + strconv.FormatBool(hasDoc) + ")"
	}
	return ""
}

// hasRealDoc reports whether a row carries non-blank documentation. A doc
// object counts only when its has_doc flag is set.
func hasRealDoc(row Row) bool {
	switch doc := row["doc"].(type) {
	case map[string]any:
		if hasDoc, _ := doc["has_doc"].(bool); !hasDoc {
			return false
		}
		for _, key := range []string{"text", "content"} {
			if text, ok := doc[key].(string); ok && strings.TrimSpace(text) != "" {
				return true
			}
		}
		return false
	case string:
		return strings.TrimSpace(doc) != ""
	}
	hasDoc, _ := row["has_doc"].(bool)
	return hasDoc
}

// counts returns the *_count fields of a row in key order.
func counts(row Row) []string {
	var keys []string
	for key, value := range row {
		if strings.HasSuffix(key, "_count") {
			if _, ok := number(value); ok {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		n, _ := number(row[key])
		out = append(out, key+"="+strconv.FormatInt(int64(n), 10))
	}
	return out
}

var rowCountKeys = []string{"count", "total", "unwraps", "expects"}

// rowCount is the ranking score of an aggregate row.
func rowCount(row Row) float64 {
	for _, key := range rowCountKeys {
		if value, ok := row[key]; ok && value != nil {
			n, _ := number(value)
			return n
		}
	}
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		lower := strings.ToLower(key)
		if !strings.Contains(lower, "count") && !countLike[lower] {
			continue
		}
		if n, ok := number(row[key]); ok {
			return n
		}
	}
	return 0
}

var countLike = map[string]bool{
	"total":        true,
	"matches":      true,
	"matched":      true,
	"num_results":  true,
	"result_count": true,
	"hit_count":    true,
}

func number(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		n, err := typed.Float64()
		return n, err == nil
	default:
		return 0, false
	}
}

// scalarString renders scalars the way they appeared in the tool output.
func scalarString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case bool:
		return strconv.FormatBool(typed)
	case json.Number:
		return typed.String()
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// NonEmpty reports whether a payload carries anything at all.
func (p *Pipeline) NonEmpty(payload any) bool {
	switch typed := payload.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(typed) != ""
	case []any:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	default:
		return true
	}
}

// substantive reports whether an object payload without rows still carries
// evidence: a positive count field or any non-metadata value.
func substantive(obj map[string]any, depth int) bool {
	if depth > 4 {
		return false
	}
	for key, value := range obj {
		if strings.HasPrefix(key, "_") || value == nil {
			continue
		}
		switch typed := value.(type) {
		case string:
			if strings.TrimSpace(typed) != "" {
				return true
			}
		case float64, int, int64, bool, json.Number:
			return true
		case map[string]any:
			if substantive(typed, depth+1) {
				return true
			}
		case []any:
			for _, item := range typed {
				switch inner := item.(type) {
				case nil:
				case string:
					if strings.TrimSpace(inner) != "" {
						return true
					}
				case map[string]any:
					if substantive(inner, depth+1) {
						return true
					}
				default:
					return true
				}
			}
		}
	}
	return false
}

// HasHits reports whether a payload holds at least one concrete hit: a row,
// a positive count, or any substantive structured value.
func (p *Pipeline) HasHits(payload any) bool {
	if len(p.Rows(payload)) > 0 {
		return true
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	return substantive(obj, 0)
}
