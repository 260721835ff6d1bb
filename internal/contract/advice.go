package contract

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ragpack/internal/artifact"
)

var (
	numberedField = regexp.MustCompile(`^\s*([A-Z_]+)_(\d+)\s*=\s*(.*?)\s*$`)
	wordRe        = regexp.MustCompile(`[A-Za-z0-9_]+`)
)

// IssueBlocks groups numbered advice fields such as ISSUE_1 and CITATIONS_1
// by their index.
func IssueBlocks(text string) map[int]map[string]string {
	out := map[int]map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		m := numberedField.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if out[idx] == nil {
			out[idx] = map[string]string{}
		}
		out[idx][strings.ToUpper(m[1])] = strings.TrimSpace(m[3])
	}
	return out
}

func (v *Validator) genericOrPraise(text string) bool {
	raw := strings.TrimSpace(text)
	if isPlaceholder(raw) {
		return true
	}
	low := strings.ToLower(raw)
	for _, phrase := range v.advice.PraisePhrases {
		if strings.Contains(low, strings.ToLower(phrase)) {
			return true
		}
	}
	for _, phrase := range v.advice.GenericIssuePhrases {
		if strings.Contains(low, strings.ToLower(phrase)) {
			return true
		}
	}
	minWords := v.advice.MinIssueWords
	if minWords < 1 {
		minWords = 1
	}
	if len(wordRe.FindAllString(raw, -1)) < minWords {
		return true
	}
	if len(v.verbs) == 0 {
		return false
	}
	for _, verb := range v.verbs {
		if verb.MatchString(low) {
			return false
		}
	}
	return true
}

// ValidateAdvice applies the mission advice gate: numbered issues with every
// required field, citations backed by evidence, no praise or boilerplate, and
// a minimum count of concrete issues when citeable evidence exists.
func (v *Validator) ValidateAdvice(text string, u *Universe) []artifact.Issue {
	var issues []artifact.Issue
	add := func(message string) { issues = append(issues, issue(KindAdvice, message)) }

	text = strings.TrimSpace(text)
	if text == "" {
		add("Advice output is empty")
		return issues
	}
	blocks := IssueBlocks(text)
	if len(blocks) == 0 {
		add("Advice output must include numbered ISSUE_n fields")
		return issues
	}
	indexes := make([]int, 0, len(blocks))
	for idx := range blocks {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	concrete := map[string]struct{}{}
	generic := 0
	for _, idx := range indexes {
		block := blocks[idx]
		if v.genericOrPraise(block["ISSUE"]) {
			generic++
			add(fmt.Sprintf("ISSUE_%d is generic/praise-only or non-actionable", idx))
		}
		var missing []string
		for _, field := range v.advice.RequiredIssueFields {
			if isPlaceholder(block[strings.ToUpper(field)]) {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			add(fmt.Sprintf("ISSUE_%d missing required fields: %s", idx, quoteList(missing)))
			continue
		}
		tokens := splitTokens(block["CITATIONS"])
		if len(tokens) == 0 {
			add(fmt.Sprintf("ISSUE_%d CITATIONS is empty or unparsable", idx))
			continue
		}
		var bad []string
		for _, token := range tokens {
			if !v.ValidToken(token) {
				bad = append(bad, token)
			}
		}
		if len(bad) > 0 {
			add(fmt.Sprintf("ISSUE_%d CITATIONS contains invalid tokens (expected path:line(-line)): %s", idx, quoteList(capList(bad, v.caps.InvalidCitations))))
			continue
		}
		if u.Empty() {
			add("Advice provenance check failed: no citeable evidence tokens extracted for this question")
			continue
		}
		if unknown := v.Unknown(u, tokens); len(unknown) > 0 {
			add(fmt.Sprintf("ISSUE_%d CITATIONS not backed by evidence: %s", idx, quoteList(capList(unknown, v.caps.UnknownCitations))))
			continue
		}
		concrete[issueKey(block["ISSUE"])] = struct{}{}
	}
	if generic > 0 && generic == len(blocks) {
		add("Advice is praise-only or generic across all issues")
	}
	minimum := v.advice.MinConcreteIssuesWhenEvidence
	if minimum < 1 {
		minimum = 1
	}
	if !u.Empty() && len(concrete) < minimum {
		add(fmt.Sprintf("Advice must provide at least %d concrete issues when citeable evidence exists (found %d)", minimum, len(concrete)))
	}
	return issues
}

// issueKey folds case and whitespace so a repeated ISSUE counts once.
func issueKey(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
