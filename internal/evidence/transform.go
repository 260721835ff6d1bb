package evidence

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"ragpack/internal/spec"
)

// Filter is a compiled Transform. Apply is pure and idempotent.
type Filter struct {
	pipeline        *Pipeline
	include         []*regexp.Regexp
	exclude         []*regexp.Regexp
	tests           []*regexp.Regexp
	excludeComments bool
	requireContains string
	require         []*regexp.Regexp
	group           *spec.GroupByPathTopN
	compactDocs     bool
	maxItems        int
	active          []string
}

// Compile resolves inherited defaults and compiles every regex of a transform.
// An explicit exclude_path_regex, even an empty one, replaces the default list.
func (p *Pipeline) Compile(transform spec.Transform) (*Filter, error) {
	filter := &Filter{
		pipeline:        p,
		excludeComments: transform.ExcludeComments,
		requireContains: transform.RequireContains,
		group:           transform.GroupByPathTopN,
		maxItems:        transform.MaxItems,
	}
	switch transform.FilterFn {
	case "":
	case spec.FilterCompactDocs:
		filter.compactDocs = true
	default:
		return nil, fmt.Errorf("filter_fn %q: unsupported filter", transform.FilterFn)
	}
	var err error
	if filter.include, err = compileAll("include_path_regex", transform.IncludePathRegex); err != nil {
		return nil, err
	}
	excludePatterns := p.defaultExclude
	if transform.ExcludePathRegex != nil {
		excludePatterns = *transform.ExcludePathRegex
	}
	if filter.exclude, err = compileAll("exclude_path_regex", excludePatterns); err != nil {
		return nil, err
	}
	if transform.ExcludeTestFiles {
		testPatterns := p.defaultTests
		if len(transform.TestPathPatterns) > 0 {
			testPatterns = transform.TestPathPatterns
		}
		if filter.tests, err = compileAll("test_path_patterns", testPatterns); err != nil {
			return nil, err
		}
	}
	if filter.require, err = compileAll("require_regex", transform.RequireRegex); err != nil {
		return nil, err
	}

	filter.active = transform.ActiveFilters()
	if transform.ExcludePathRegex == nil && len(filter.exclude) > 0 {
		filter.active = insertAfter(filter.active, "include_path_regex", "exclude_path_regex")
	}
	return filter, nil
}

func insertAfter(names []string, after, name string) []string {
	out := make([]string, 0, len(names)+1)
	inserted := false
	for _, existing := range names {
		out = append(out, existing)
		if existing == after {
			out = append(out, name)
			inserted = true
		}
	}
	if !inserted {
		out = append([]string{name}, names...)
	}
	return out
}

func compileAll(field string, patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", field, pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// ActiveFilters names the filters this transform applies, including inherited
// default excludes.
func (f *Filter) ActiveFilters() []string {
	return append([]string(nil), f.active...)
}

// Apply runs the filters in fixed order. ranked holds the already transformed
// rows of earlier steps, keyed by step name, for group_by_path_top_n.
func (f *Filter) Apply(rows []Row, ranked map[string][]Row) []Row {
	p := f.pipeline
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		path := p.Path(row)
		if len(f.include) > 0 && (path == "" || !anyMatch(f.include, path)) {
			continue
		}
		if anyMatch(f.exclude, path) {
			continue
		}
		if anyMatch(f.tests, path) {
			continue
		}
		text := p.LineText(row)
		if f.excludeComments && isComment(text) {
			continue
		}
		if f.requireContains != "" && !strings.Contains(text, f.requireContains) {
			continue
		}
		if len(f.require) > 0 && !anyMatch(f.require, path+"\n"+text) {
			continue
		}
		out = append(out, row)
	}
	if f.group != nil {
		if reference, ok := ranked[f.group.From]; ok && len(reference) > 0 {
			out = p.NarrowByTopPaths(out, reference, f.group.TopN, f.group.PerPath, f.group.SortKey)
		}
	}
	if f.compactDocs {
		documented := out[:0]
		for _, row := range out {
			if hasRealDoc(row) {
				documented = append(documented, row)
			}
		}
		out = documented
	}
	if f.maxItems > 0 && len(out) > f.maxItems {
		out = out[:f.maxItems]
	}
	return out
}

func anyMatch(patterns []*regexp.Regexp, value string) bool {
	for _, re := range patterns {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

func isComment(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "* ")
}

// TopPaths ranks the distinct paths of reference rows by sortKey, or by the
// aggregate count heuristic when sortKey is empty, and returns the first topN.
func (p *Pipeline) TopPaths(reference []Row, topN int, sortKey string) []string {
	type scored struct {
		path  string
		score float64
	}
	var candidates []scored
	for _, row := range reference {
		path := p.Path(row)
		if path == "" {
			continue
		}
		var score float64
		if sortKey != "" {
			score, _ = number(row[sortKey])
		} else {
			score = rowCount(row)
		}
		candidates = append(candidates, scored{path: path, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	seen := map[string]struct{}{}
	var paths []string
	for _, candidate := range candidates {
		if len(paths) >= topN {
			break
		}
		if _, ok := seen[candidate.path]; ok {
			continue
		}
		seen[candidate.path] = struct{}{}
		paths = append(paths, candidate.path)
	}
	return paths
}

// NarrowByTopPaths keeps up to perPath target rows for each of the topN
// paths ranked from reference. Neither input slice is modified.
func (p *Pipeline) NarrowByTopPaths(target, reference []Row, topN, perPath int, sortKey string) []Row {
	allowed := map[string]struct{}{}
	for _, path := range p.TopPaths(reference, topN, sortKey) {
		allowed[path] = struct{}{}
	}
	taken := map[string]int{}
	out := make([]Row, 0, len(target))
	for _, row := range target {
		path := p.Path(row)
		if _, ok := allowed[path]; !ok {
			continue
		}
		if taken[path] >= perPath {
			continue
		}
		taken[path]++
		out = append(out, row)
	}
	return out
}
