// Package contract validates answers against the pack response contract and
// checks citation and path provenance against injected evidence.
package contract

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ragpack/internal/artifact"
	"ragpack/internal/config"
)

// Issue kinds.
const (
	KindSchema     = "schema"
	KindProvenance = "provenance"
	KindGateA      = "gate_a"
	KindGateB      = "gate_b"
	KindAdvice     = "advice"
	KindEvidence   = "evidence"
)

var (
	bulletPrefix   = regexp.MustCompile(`^\s*[-*]\s+`)
	tokenPrefixes  = regexp.MustCompile(`(?i)^\s*(?:file:|path:|cite\s*=|section:|artifact:)\s*`)
	trailingParen  = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	fileAnchor     = regexp.MustCompile(`(?i)^([^:]+)::file anchor\s+(\d+):(\d+)\s*$`)
	bareArtifact   = regexp.MustCompile(`^[A-Za-z0-9_\-]+_[A-Za-z0-9_\-]+\.json$`)
	citationsLine  = regexp.MustCompile(`(?m)^[ \t]*CITATIONS[ \t]*[=:][ \t]*(.*)$`)
	citationsBare  = regexp.MustCompile(`(?m)^[ \t]*CITATIONS[ \t]*[=:]?[ \t]*$`)
	citeHeader     = regexp.MustCompile(`\bCITE\s*=\s*(\S+)`)
	pathRun        = regexp.MustCompile(`[A-Za-z0-9_./\-]+`)
	numericMarker  = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	placeholderSet = map[string]struct{}{
		"NONE": {}, "N/A": {}, "NA": {}, "UNKNOWN": {}, "INSUFFICIENT": {}, "...": {}, "TBD": {}, "MISSING": {},
	}
)

// Validator holds the compiled policy regexes and caps.
type Validator struct {
	tokenRe    *regexp.Regexp
	pathlineRe *regexp.Regexp
	fileRe     *regexp.Regexp
	caps       config.IssueCaps
	advice     config.AdviceGate
	verbs      []*regexp.Regexp
	fallback   string
}

// New compiles the validator policy.
func New(policy *config.Policy) (*Validator, error) {
	tokenRe, err := regexp.Compile(policy.Validators.CitationTokenRegex)
	if err != nil {
		return nil, fmt.Errorf("citation_token_regex: %w", err)
	}
	pathlineRe, err := regexp.Compile(policy.Validators.PathlineRegex)
	if err != nil {
		return nil, fmt.Errorf("pathline_regex: %w", err)
	}
	exts := make([]string, 0, len(policy.Validators.FilePathExtensions))
	for _, ext := range policy.Validators.FilePathExtensions {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext != "" {
			exts = append(exts, regexp.QuoteMeta(ext))
		}
	}
	if len(exts) == 0 {
		return nil, fmt.Errorf("file_path_extensions is empty")
	}
	fileRe := regexp.MustCompile(`^(?:[A-Za-z0-9_.\-]+/)*[A-Za-z0-9_.\-]+\.(?:` + strings.Join(exts, "|") + `)$`)
	verbs := make([]*regexp.Regexp, 0, len(policy.Gates.Advice.ImperativeVerbs))
	for _, verb := range policy.Gates.Advice.ImperativeVerbs {
		verbs = append(verbs, regexp.MustCompile(`\b`+regexp.QuoteMeta(strings.ToLower(verb))+`\b`))
	}
	return &Validator{
		tokenRe:    tokenRe,
		pathlineRe: pathlineRe,
		fileRe:     fileRe,
		caps:       policy.Validators.IssueCaps,
		advice:     policy.Gates.Advice,
		verbs:      verbs,
		fallback:   policy.Prompts.DeterministicAnswer.FallbackSuffix,
	}, nil
}

// NormalizeToken strips the decorations models put around citation tokens.
func NormalizeToken(token string) string {
	t := strings.TrimSpace(token)
	if t == "" {
		return ""
	}
	t = bulletPrefix.ReplaceAllString(t, "")
	t = strings.Trim(t, "`")
	for {
		stripped := tokenPrefixes.ReplaceAllString(t, "")
		if stripped == t {
			break
		}
		t = stripped
	}
	t = trailingParen.ReplaceAllString(t, "")
	if m := fileAnchor.FindStringSubmatch(t); m != nil {
		a, _ := strconv.Atoi(m[2])
		b, _ := strconv.Atoi(m[3])
		if a > b {
			a, b = b, a
		}
		t = fmt.Sprintf("%s:%d-%d", m[1], a, b)
	}
	if !strings.Contains(t, ":") && bareArtifact.MatchString(t) {
		t += ":1"
	}
	return strings.TrimSpace(t)
}

// lowConfidencePath reports path-like strings that are not real file paths.
func lowConfidencePath(path string) bool {
	s := strings.ReplaceAll(strings.TrimSpace(path), `\`, "/")
	if s == "" || s == "." || s == ".." {
		return true
	}
	if numericMarker.MatchString(s) {
		return true
	}
	return strings.ContainsAny(s, " \t\r\n")
}

type span struct{ lo, hi int }

// parse splits a path:line(-line) token.
func (v *Validator) parse(token string) (string, span, bool) {
	m := v.pathlineRe.FindStringSubmatch(token)
	if m == nil {
		return "", span{}, false
	}
	path := m[v.pathlineRe.SubexpIndex("path")]
	a, err := strconv.Atoi(m[v.pathlineRe.SubexpIndex("a")])
	if err != nil {
		return "", span{}, false
	}
	b := a
	if idx := v.pathlineRe.SubexpIndex("b"); idx >= 0 && m[idx] != "" {
		if parsed, err := strconv.Atoi(m[idx]); err == nil {
			b = parsed
		}
	}
	if a > b {
		a, b = b, a
	}
	return path, span{lo: a, hi: b}, true
}

// ValidToken reports whether token has the path:line(-line) shape.
func (v *Validator) ValidToken(token string) bool {
	_, _, ok := v.parse(token)
	return ok
}

// FilePaths returns the distinct file paths mentioned in text, in order of
// first appearance.
func (v *Validator) FilePaths(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, run := range pathRun.FindAllString(text, -1) {
		segments := strings.Split(strings.TrimRight(run, "."), "/")
		start := 0
		for start < len(segments) {
			end := v.longestPath(segments, start)
			if end < 0 {
				start++
				continue
			}
			path := strings.Join(segments[start:end], "/")
			if _, ok := seen[path]; !ok {
				seen[path] = struct{}{}
				out = append(out, path)
			}
			start = end
		}
	}
	return out
}

func (v *Validator) longestPath(segments []string, start int) int {
	if segments[start] == "" {
		return -1
	}
	for end := len(segments); end > start; end-- {
		if v.fileRe.MatchString(strings.Join(segments[start:end], "/")) {
			return end
		}
	}
	return -1
}

// Universe is the set of citations and paths injected into a prompt.
type Universe struct {
	tokens       map[string]struct{}
	spans        map[string][]span
	paths        map[string]struct{}
	tokensByPath map[string][]string
}

// Universe extracts the allowed citation tokens and paths from the rendered
// evidence texts. citeTokens are always part of the universe.
func (v *Validator) Universe(texts []string, citeTokens []string) *Universe {
	u := &Universe{
		tokens:       map[string]struct{}{},
		spans:        map[string][]span{},
		paths:        map[string]struct{}{},
		tokensByPath: map[string][]string{},
	}
	blob := strings.Join(texts, "\n")
	add := func(raw string) {
		token := NormalizeToken(raw)
		path, sp, ok := v.parse(token)
		if !ok || lowConfidencePath(path) {
			return
		}
		if _, exists := u.tokens[token]; !exists {
			u.tokens[token] = struct{}{}
			u.spans[path] = append(u.spans[path], sp)
			u.tokensByPath[path] = append(u.tokensByPath[path], token)
		}
		u.paths[path] = struct{}{}
	}
	for _, token := range citeTokens {
		add(token)
	}
	for _, raw := range v.tokenRe.FindAllString(blob, -1) {
		add(raw)
	}
	for _, m := range citeHeader.FindAllStringSubmatch(blob, -1) {
		token := NormalizeToken(m[1])
		if strings.Contains(token, ":") {
			add(token)
			continue
		}
		if len(v.FilePaths(token)) > 0 && !lowConfidencePath(token) {
			u.paths[token] = struct{}{}
		}
	}
	for _, path := range v.FilePaths(blob) {
		if !lowConfidencePath(path) {
			u.paths[path] = struct{}{}
		}
	}
	return u
}

// Tokens returns the allowed citation tokens sorted.
func (u *Universe) Tokens() []string {
	out := make([]string, 0, len(u.tokens))
	for token := range u.tokens {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// Empty reports whether no citeable token was extracted.
func (u *Universe) Empty() bool {
	return len(u.tokens) == 0
}

// HasPaths reports whether any file path was extracted.
func (u *Universe) HasPaths() bool {
	return len(u.paths) > 0
}

// known accepts exact tokens and tokens whose line range overlaps an allowed
// range of the same path.
func (v *Validator) known(u *Universe, token string) bool {
	if _, ok := u.tokens[token]; ok {
		return true
	}
	path, sp, ok := v.parse(token)
	if !ok {
		return false
	}
	for _, allowed := range u.spans[path] {
		if sp.hi >= allowed.lo && allowed.hi >= sp.lo {
			return true
		}
	}
	return false
}

// Known returns the normalized tokens backed by the universe, in input order.
func (v *Validator) Known(u *Universe, tokens []string) []string {
	var out []string
	for _, token := range tokens {
		token = NormalizeToken(token)
		if v.known(u, token) {
			out = append(out, token)
		}
	}
	return out
}

// Unknown returns the tokens not backed by the universe.
func (v *Validator) Unknown(u *Universe, tokens []string) []string {
	var out []string
	for _, token := range tokens {
		if !v.known(u, token) {
			out = append(out, token)
		}
	}
	return out
}

// Citations extracts the normalized tokens of the CITATIONS line. A
// standalone CITATIONS header followed by a bullet list is also accepted.
func (v *Validator) Citations(answer string) []string {
	clean := strings.ReplaceAll(answer, "**", "")
	raw := ""
	if m := citationsLine.FindStringSubmatch(clean); m != nil && strings.TrimSpace(m[1]) != "" {
		raw = strings.TrimSpace(m[1])
	} else if loc := citationsBare.FindStringIndex(clean); loc != nil {
		after := clean[loc[1]:]
		after = strings.TrimLeft(after, "\r\n")
		if idx := strings.Index(after, "\n\n"); idx >= 0 {
			after = after[:idx]
		}
		raw = strings.Join(v.tokenRe.FindAllString(after, -1), ", ")
	}
	return splitTokens(raw)
}

func splitTokens(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if token := NormalizeToken(part); token != "" {
			out = append(out, token)
		}
	}
	return out
}

func tokenPath(token string) (string, bool) {
	idx := strings.Index(token, ":")
	if idx < 0 {
		return "", false
	}
	return token[:idx], true
}

func isPlaceholder(text string) bool {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return true
	}
	_, ok := placeholderSet[strings.ToUpper(raw)]
	return ok
}

func capList(values []string, limit int) []string {
	if limit > 0 && len(values) > limit {
		return values[:limit]
	}
	return values
}

// quoteList formats values as ['a', 'b'].
func quoteList(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, "'"+value+"'")
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func issue(kind, message string) artifact.Issue {
	return artifact.Issue{Kind: kind, Message: message}
}
