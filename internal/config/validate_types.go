package config

import (
	"sort"
	"strings"
)

// Issue is one problem in a pack or policy document, addressed by its YAML
// field path, for example questions[2].preflight[0].cmd.
type Issue struct {
	Field   string
	Message string
}

func (i Issue) String() string {
	return i.Field + ": " + i.Message
}

// ValidationError lists every problem found in one document. Document is
// "pack" or "policy".
type ValidationError struct {
	Document string
	Issues   []Issue
}

// Error renders one "field: message" line per issue.
func (err *ValidationError) Error() string {
	if err == nil {
		return "invalid document"
	}
	if len(err.Issues) == 0 {
		return err.Document + " is invalid"
	}
	lines := make([]string, 0, len(err.Issues))
	for _, issue := range err.Issues {
		lines = append(lines, issue.String())
	}
	return strings.Join(lines, "\n")
}

// Questions returns the sorted indexes of the questions[N] entries that have
// at least one issue.
func (err *ValidationError) Questions() []int {
	seen := map[int]struct{}{}
	for _, issue := range err.Issues {
		if index, ok := questionIndex(issue.Field); ok {
			seen[index] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for index := range seen {
		out = append(out, index)
	}
	sort.Ints(out)
	return out
}

func questionIndex(field string) (int, bool) {
	rest, ok := strings.CutPrefix(field, "questions[")
	if !ok {
		return 0, false
	}
	end := strings.IndexByte(rest, ']')
	if end <= 0 {
		return 0, false
	}
	index := 0
	for _, r := range rest[:end] {
		if r < '0' || r > '9' {
			return 0, false
		}
		index = index*10 + int(r-'0')
	}
	return index, true
}
