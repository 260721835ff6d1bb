package contract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"ragpack/internal/artifact"
	"ragpack/internal/spec"
)

var (
	verdictFirst  = regexp.MustCompile(`^VERDICT\s*[=:]\s*[A-Z_]+\s*$`)
	citationsNext = regexp.MustCompile(`^CITATIONS\s*[=:]\s*.+$`)
	sectionHeader = regexp.MustCompile(`(?mi)^[ \t]*(?:#{1,6}[ \t]*)?(?:analysis|citations)[ \t]*:[ \t]*$`)
	verdictLine   = regexp.MustCompile(`(?m)^[ \t]*VERDICT[ \t]*[=:][ \t]*([A-Z_]+)[ \t]*$`)
	pathlineShape = regexp.MustCompile(`^[^\s:]+(?:/[^\s:]+)*:\d+(?:-\d+)?$`)
	schemaPrefix  = regexp.MustCompile(`(?i)^\s*(?:file|path|artifact|section):\s*`)
	citePrefix    = regexp.MustCompile(`(?i)^\s*cite\s*=\s*`)
	keyLine       = regexp.MustCompile(`^\s*([A-Z][A-Z0-9_]*)\s*=\s*(.*?)\s*$`)
	contractKey   = regexp.MustCompile(`^\s*([A-Z][A-Z0-9_]*)\s*=`)
	headerLine    = regexp.MustCompile(`^\s*\*{0,2}(?:VERDICT|CITATIONS)\*{0,2}\b`)
	citationsEq   = regexp.MustCompile(`^\s*\*{0,2}CITATIONS\*{0,2}\s*=`)
	verdictEq     = regexp.MustCompile(`^\s*\*{0,2}VERDICT\*{0,2}\s*=`)
	repairDrop    = regexp.MustCompile(`^\s*(?:VERDICT\s*[=:]|CITATIONS\s*[=:]?)`)
)

// Rules are the resolved contract toggles of a pack.
type Rules struct {
	RequiredVerdicts             []string
	CitationFormat               string
	FailOnMissingCitations       bool
	EnforceCitationsFromEvidence bool
	EnforceNoNewPaths            bool
	EnforcePathsMustBeCited      bool
	RequiredKeys                 []string
}

// RulesFromPack resolves the validation block of a normalized pack.
func RulesFromPack(validation spec.PackValidation) Rules {
	return Rules{
		RequiredVerdicts:             validation.RequiredVerdicts,
		CitationFormat:               validation.CitationFormat,
		FailOnMissingCitations:       deref(validation.FailOnMissingCitations),
		EnforceCitationsFromEvidence: deref(validation.EnforceCitationsFromEvidence),
		EnforceNoNewPaths:            deref(validation.EnforceNoNewPaths),
		EnforcePathsMustBeCited:      deref(validation.EnforcePathsMustBeCited),
	}
}

// WithRequiredKeys returns a copy that also requires the KEY= lines of a
// strict response template.
func (r Rules) WithRequiredKeys(template string) Rules {
	r.RequiredKeys = RequiredKeysFromSchema(template)
	return r
}

func deref(value *bool) bool {
	return value != nil && *value
}

// Answer is the parsed verdict and citation set of an answer.
type Answer struct {
	Verdict   string
	Citations []string
}

// Parse reads the verdict and citations with tolerant key syntax.
func (v *Validator) Parse(answer string) Answer {
	clean := strings.ReplaceAll(answer, "**", "")
	parsed := Answer{Citations: v.Citations(clean)}
	if m := verdictLine.FindStringSubmatch(clean); m != nil {
		parsed.Verdict = m[1]
	}
	return parsed
}

// RequiredKeysFromSchema lists the KEY= lines of a template other than
// VERDICT and CITATIONS, in order.
func RequiredKeysFromSchema(text string) []string {
	seen := map[string]struct{}{}
	var keys []string
	for _, line := range strings.Split(text, "\n") {
		m := contractKey.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		key := strings.ToUpper(m[1])
		if key == "VERDICT" || key == "CITATIONS" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// Schema checks the required lines and verdict enumeration. It never stops at
// the first failure.
func (v *Validator) Schema(answer string, rules Rules) []artifact.Issue {
	var issues []artifact.Issue
	add := func(message string) { issues = append(issues, issue(KindSchema, message)) }

	clean := strings.ReplaceAll(answer, "**", "")
	var lines []string
	for _, line := range strings.Split(clean, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) == 0 || !verdictFirst.MatchString(lines[0]) {
		add("First non-empty line must be VERDICT=TRUE_POSITIVE|FALSE_POSITIVE|INDETERMINATE")
	}
	if len(lines) < 2 || !citationsNext.MatchString(lines[1]) {
		add("Second non-empty line must be CITATIONS=path:line(-line), ...")
	}
	if sectionHeader.MatchString(clean) {
		add("Markdown/standalone 'Analysis:' or 'CITATIONS:' headers are not allowed")
	}

	verdicts := verdictLine.FindAllStringSubmatch(clean, -1)
	if len(verdicts) == 0 {
		add("Missing required line: VERDICT=TRUE_POSITIVE|FALSE_POSITIVE|INDETERMINATE")
	} else {
		verdict := verdicts[0][1]
		if len(rules.RequiredVerdicts) > 0 && !contains(rules.RequiredVerdicts, verdict) {
			allowed := append([]string(nil), rules.RequiredVerdicts...)
			sort.Strings(allowed)
			add(fmt.Sprintf("Invalid VERDICT '%s' (allowed: %s)", verdict, quoteList(allowed)))
		}
		if len(verdicts) > 1 {
			add("VERDICT must appear exactly once")
		}
	}

	citationLines := citationsLine.FindAllStringSubmatch(clean, -1)
	raw := ""
	switch {
	case len(citationLines) == 0:
		if citationsBare.MatchString(clean) {
			add("CITATIONS must be a single comma-separated line (no standalone CITATIONS section)")
		}
		add("Missing required line: CITATIONS=path:line(-line), ...")
	default:
		raw = strings.TrimSpace(citationLines[0][1])
		if len(citationLines) > 1 {
			add("CITATIONS must appear exactly once as a single line")
		}
	}
	if rules.FailOnMissingCitations && raw == "" {
		add("CITATIONS is empty but fail_on_missing_citations=true")
	}
	if raw != "" {
		var bad []string
		for _, part := range strings.Split(raw, ",") {
			token := strings.Trim(strings.TrimSpace(part), "`")
			if token == "" {
				continue
			}
			token = schemaPrefix.ReplaceAllString(token, "")
			token = citePrefix.ReplaceAllString(token, "")
			if !pathlineShape.MatchString(token) {
				bad = append(bad, token)
			}
		}
		if len(bad) > 0 {
			format := rules.CitationFormat
			if format == "" {
				format = "path:line(-line)"
			}
			add(fmt.Sprintf("CITATIONS contains invalid tokens (expected %s): %s", format, quoteList(capList(bad, v.caps.InvalidCitations))))
		}
	}
	issues = append(issues, v.requiredKeys(clean, rules.RequiredKeys)...)
	return issues
}

func (v *Validator) requiredKeys(answer string, keys []string) []artifact.Issue {
	if len(keys) == 0 {
		return nil
	}
	values := map[string]string{}
	for _, line := range strings.Split(answer, "\n") {
		if m := keyLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			values[strings.ToUpper(m[1])] = strings.TrimSpace(m[2])
		}
	}
	var issues []artifact.Issue
	for _, key := range keys {
		if value := values[key]; isPlaceholder(value) {
			issues = append(issues, issue(KindSchema, "Missing required key line: "+key+"="))
		}
	}
	return issues
}

// Provenance checks that every cited token was injected into the prompt.
func (v *Validator) Provenance(answer string, u *Universe) []artifact.Issue {
	if u.Empty() {
		return []artifact.Issue{issue(KindProvenance, "Citation provenance: No citeable tokens extracted from evidence (cannot validate citation provenance)")}
	}
	tokens := v.Citations(answer)
	if len(tokens) == 0 {
		return nil
	}
	if unknown := v.Unknown(u, tokens); len(unknown) > 0 {
		return []artifact.Issue{issue(KindProvenance, "Citation provenance: Unknown citation tokens (not in evidence): "+quoteList(capList(unknown, v.caps.UnknownCitations)))}
	}
	return nil
}

// body drops the VERDICT and CITATIONS lines.
func body(answer string) string {
	var kept []string
	for _, line := range strings.Split(answer, "\n") {
		if headerLine.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func citedPaths(tokens []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, token := range tokens {
		if path, ok := tokenPath(token); ok {
			out[path] = struct{}{}
		}
	}
	return out
}

// PathGates runs Gate A (no new paths) and Gate B (mentioned paths must be
// cited) as enabled by rules.
func (v *Validator) PathGates(answer string, u *Universe, rules Rules) []artifact.Issue {
	if !rules.EnforceNoNewPaths && !rules.EnforcePathsMustBeCited {
		return nil
	}
	var issues []artifact.Issue
	cited := citedPaths(v.Citations(answer))
	mentioned := v.FilePaths(body(answer))

	if rules.EnforceNoNewPaths {
		referenced := map[string]struct{}{}
		for _, path := range mentioned {
			referenced[path] = struct{}{}
		}
		for path := range cited {
			referenced[path] = struct{}{}
		}
		if len(referenced) > 0 && !u.HasPaths() {
			issues = append(issues, issue(KindGateA, "Path gates: Gate A (no new paths): evidence contained no extractable file paths; cannot validate"))
		} else {
			var unknown []string
			for path := range referenced {
				if _, ok := u.paths[path]; path != "" && !ok {
					unknown = append(unknown, path)
				}
			}
			sort.Strings(unknown)
			if len(unknown) > 0 {
				issues = append(issues, issue(KindGateA, "Path gates: Gate A (no new paths): paths not present in evidence: "+quoteList(capList(unknown, v.caps.UnknownPaths))))
			}
		}
	}

	if rules.EnforcePathsMustBeCited {
		var uncited []string
		for _, path := range mentioned {
			if _, ok := cited[path]; !ok {
				uncited = append(uncited, path)
			}
		}
		sort.Strings(uncited)
		if len(uncited) > 0 {
			issues = append(issues, issue(KindGateB, "Path gates: Gate B (paths must be cited): paths mentioned without matching CITATIONS token: "+quoteList(capList(uncited, v.caps.UncitedPaths))))
		}
	}
	return issues
}

// Validate runs the schema checks and every enabled provenance gate.
func (v *Validator) Validate(answer string, u *Universe, rules Rules) []artifact.Issue {
	issues := v.Schema(answer, rules)
	if rules.EnforceCitationsFromEvidence {
		issues = append(issues, v.Provenance(answer, u)...)
	}
	return append(issues, v.PathGates(answer, u, rules)...)
}

// SchemaOnly filters issues down to schema issues.
func SchemaOnly(issues []artifact.Issue) []artifact.Issue {
	var out []artifact.Issue
	for _, it := range issues {
		if it.Kind == KindSchema {
			out = append(out, it)
		}
	}
	return out
}

// Messages returns the message of each issue.
func Messages(issues []artifact.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, it := range issues {
		out = append(out, it.Message)
	}
	return out
}

// AutoCompleteCitations adds evidence tokens for paths the body mentions but
// CITATIONS does not cover. Only tokens present in the universe are added.
func (v *Validator) AutoCompleteCitations(answer string, u *Universe, rules Rules) (string, []string) {
	if !rules.EnforcePathsMustBeCited || strings.TrimSpace(answer) == "" || u.Empty() {
		return answer, nil
	}
	mentioned := v.FilePaths(body(answer))
	sort.Strings(mentioned)
	if len(mentioned) == 0 {
		return answer, nil
	}
	existing := v.Citations(answer)
	cited := citedPaths(existing)
	var added []string
	for _, path := range mentioned {
		if _, ok := cited[path]; ok {
			continue
		}
		candidates := u.tokensByPath[path]
		if len(candidates) == 0 {
			continue
		}
		token := candidates[0]
		if !contains(existing, token) && !contains(added, token) {
			added = append(added, token)
		}
	}
	if len(added) == 0 {
		return answer, nil
	}

	lines := strings.Split(answer, "\n")
	updated := false
	for i, line := range lines {
		if updated || !citationsEq.MatchString(line) {
			continue
		}
		idx := strings.Index(line, "=")
		prefix, rest := line[:idx], strings.TrimSpace(line[idx+1:])
		delim := ","
		if strings.Contains(rest, ", ") {
			delim = ", "
		}
		var merged []string
		for _, part := range strings.Split(rest, ",") {
			if part = strings.TrimSpace(part); part != "" {
				merged = append(merged, part)
			}
		}
		for _, token := range added {
			if !contains(merged, token) {
				merged = append(merged, token)
			}
		}
		lines[i] = prefix + "=" + strings.Join(merged, delim)
		updated = true
	}
	if !updated {
		newLine := "CITATIONS=" + strings.Join(append(existing, added...), ", ")
		out := make([]string, 0, len(lines)+1)
		inserted := false
		for _, line := range lines {
			out = append(out, line)
			if !inserted && verdictEq.MatchString(line) {
				out = append(out, newLine)
				inserted = true
			}
		}
		if !inserted {
			out = append([]string{newLine}, lines...)
		}
		lines = out
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), added
}

// RepairStrict rebuilds the VERDICT and CITATIONS lines of an answer to a
// strict-template question, keeping its body. It returns the notes of what
// was repaired.
func (v *Validator) RepairStrict(questionID, answer string, u *Universe, rules Rules) (string, []string) {
	var notes []string
	clean := strings.ReplaceAll(answer, "**", "")

	verdict := ""
	if m := verdictLine.FindStringSubmatch(clean); m != nil {
		verdict = m[1]
	}
	if verdict == "" || (len(rules.RequiredVerdicts) > 0 && !contains(rules.RequiredVerdicts, verdict)) {
		verdict = "INDETERMINATE"
		if len(rules.RequiredVerdicts) > 0 && !contains(rules.RequiredVerdicts, verdict) {
			verdict = rules.RequiredVerdicts[0]
		}
		notes = append(notes, "repaired_verdict")
	}

	tokens := v.Citations(clean)
	needsRepair := len(tokens) == 0
	placeholdersOnly := len(tokens) > 0
	for _, token := range tokens {
		if !isPlaceholder(token) {
			placeholdersOnly = false
		}
		if !v.ValidToken(token) {
			needsRepair = true
		}
	}
	if placeholdersOnly {
		needsRepair = true
	}
	if rules.EnforceCitationsFromEvidence && len(v.Provenance(clean, u)) > 0 {
		needsRepair = true
	}

	citations := strings.Join(tokens, ", ")
	if needsRepair {
		if allowed := v.DeterministicCitations(u); len(allowed) > 0 {
			citations = strings.Join(allowed, ", ")
		} else {
			citations = questionID + v.fallback
		}
		notes = append(notes, "repaired_citations")
	}

	var kept []string
	for _, line := range strings.Split(clean, "\n") {
		if repairDrop.MatchString(strings.TrimSpace(line)) {
			continue
		}
		kept = append(kept, line)
	}
	repaired := strings.TrimSpace(strings.Join([]string{
		"VERDICT=" + verdict,
		"CITATIONS=" + citations,
		"",
		strings.TrimSpace(strings.Join(kept, "\n")),
	}, "\n")) + "\n"
	return repaired, notes
}

// DeterministicCitations returns the capped, sorted valid universe tokens.
func (v *Validator) DeterministicCitations(u *Universe) []string {
	var out []string
	for _, token := range u.Tokens() {
		if v.ValidToken(token) {
			out = append(out, token)
		}
	}
	limit := v.caps.DeterministicCitations
	if limit < 1 {
		limit = 1
	}
	return capList(out, limit)
}

// FallbackCitation is the synthetic token used when evidence has none.
func (v *Validator) FallbackCitation(questionID string) string {
	return questionID + v.fallback
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
