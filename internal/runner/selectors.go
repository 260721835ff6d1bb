package runner

import (
	"fmt"
	"strings"

	"ragpack/internal/spec"
)

// ParseSelectors splits --question values into question ids. Values may be
// repeated or comma separated.
func ParseSelectors(inputs []string) ([]string, error) {
	var ids []string
	seen := map[string]struct{}{}
	for _, input := range inputs {
		if strings.TrimSpace(input) == "" {
			continue
		}
		for _, part := range strings.Split(input, ",") {
			id := strings.TrimSpace(part)
			if id == "" || strings.ContainsAny(id, " \t") {
				return nil, fmt.Errorf("invalid question selector %q", input)
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// SelectQuestions narrows the pack to the selected questions in pack order.
// No selectors keep every question.
func SelectQuestions(pack spec.Pack, ids []string) (spec.Pack, error) {
	if len(ids) == 0 {
		return pack, nil
	}
	known := make(map[string]struct{}, len(pack.Questions))
	for _, q := range pack.Questions {
		known[q.ID] = struct{}{}
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return spec.Pack{}, fmt.Errorf("unknown question id %q", id)
		}
		wanted[id] = struct{}{}
	}
	selected := make([]spec.Question, 0, len(ids))
	for _, q := range pack.Questions {
		if _, ok := wanted[q.ID]; ok {
			selected = append(selected, q)
		}
	}
	pack.Questions = selected
	return pack, nil
}
