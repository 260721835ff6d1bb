package evidence

import (
	"fmt"
	"strings"

	"ragpack/internal/spec"
)

// StepInput is one preflight step as delivered by the executor.
type StepInput struct {
	Step     spec.PreflightStep
	Payload  any
	ExitCode int
	Ran      bool
}

// StepStats records what the pipeline did with a step.
type StepStats struct {
	Step           string   `json:"step"`
	RowsBefore     int      `json:"rows_before"`
	RowsAfter      int      `json:"rows_after"`
	FilteredToZero bool     `json:"filtered_to_zero"`
	Usable         bool     `json:"usable"`
	Starved        bool     `json:"starved"`
	Injected       bool     `json:"injected"`
	Filters        []string `json:"filters,omitempty"`
	Skipped        string   `json:"skipped,omitempty"`
}

// Block is the rendered, citable evidence of one step.
type Block struct {
	Step      string
	CiteToken string
	Body      string
	Text      string
	Usable    bool
	Rows      []Row
}

// Result is the evidence of one question.
type Result struct {
	Blocks   []Block
	Stats    []StepStats
	Usable   int
	Filtered map[string][]Row
}

// CiteToken is the synthetic anchor of a step's block.
func CiteToken(questionID, step string) string {
	return questionID + "_" + step + ".json:1"
}

// Empty reports whether no step produced usable evidence.
func (r Result) Empty() bool {
	return r.Usable == 0
}

// Starved returns the steps whose raw hits all collapsed past the threshold.
func (r Result) Starved() []StepStats {
	var out []StepStats
	for _, stat := range r.Stats {
		if stat.Starved {
			out = append(out, stat)
		}
	}
	return out
}

// Texts returns the framed block texts in step order.
func (r Result) Texts() []string {
	out := make([]string, 0, len(r.Blocks))
	for _, block := range r.Blocks {
		out = append(out, block.Text)
	}
	return out
}

// CiteTokens returns every block's CiteToken in step order.
func (r Result) CiteTokens() []string {
	out := make([]string, 0, len(r.Blocks))
	for _, block := range r.Blocks {
		out = append(out, block.CiteToken)
	}
	return out
}

// Locations returns the distinct row locations of usable blocks.
func (p *Pipeline) Locations(r Result) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, block := range r.Blocks {
		if !block.Usable {
			continue
		}
		for _, row := range block.Rows {
			loc := p.Location(row)
			if loc == "" {
				continue
			}
			if _, ok := seen[loc]; ok {
				continue
			}
			seen[loc] = struct{}{}
			out = append(out, loc)
		}
	}
	return out
}

// Build transforms and renders every step of a question in declared order.
// It fails only when a transform does not compile.
func (p *Pipeline) Build(questionID string, inputs []StepInput) (Result, error) {
	result := Result{Filtered: map[string][]Row{}}
	for _, input := range inputs {
		step := input.Step
		stats := StepStats{Step: step.Name}
		if !input.Ran {
			stats.Skipped = "short-circuit"
			result.Stats = append(result.Stats, stats)
			continue
		}
		filter, err := p.Compile(step.Transform)
		if err != nil {
			return Result{}, fmt.Errorf("question %s step %s: %w", questionID, step.Name, err)
		}
		stats.Filters = filter.ActiveFilters()
		if input.ExitCode != 0 {
			stats.Skipped = fmt.Sprintf("exit code %d", input.ExitCode)
			result.Stats = append(result.Stats, stats)
			continue
		}
		if !p.NonEmpty(input.Payload) {
			stats.Skipped = "empty output"
			result.Stats = append(result.Stats, stats)
			continue
		}

		rows := p.Rows(input.Payload)
		kept := filter.Apply(rows, result.Filtered)
		result.Filtered[step.Name] = kept

		stats.RowsBefore = len(rows)
		stats.RowsAfter = len(kept)
		stats.FilteredToZero = len(rows) > 0 && len(kept) == 0
		if len(rows) > 0 {
			stats.Usable = len(kept) > 0
		} else if obj, ok := input.Payload.(map[string]any); ok {
			stats.Usable = substantive(obj, 0)
		}
		stats.Starved = !stats.Usable && p.starvation.Enabled && stats.RowsBefore >= p.starvation.RawRowsThreshold

		mode := firstNonEmpty(step.Transform.Render, step.Render, p.defaultRender)
		maxChars := step.MaxChars
		if step.Transform.MaxChars > 0 {
			maxChars = step.Transform.MaxChars
		}

		var body string
		if stats.RowsBefore > 0 && !stats.Usable {
			body = fmt.Sprintf("[%s] 0 results (filtered %d raw hits; filters: %s)", step.Name, stats.RowsBefore, strings.Join(stats.Filters, ", "))
		} else {
			body = p.Render(step.Name, mode, step.FenceLang, maxChars, kept, input.Payload)
		}
		token := CiteToken(questionID, step.Name)
		block := Block{
			Step:      step.Name,
			CiteToken: token,
			Body:      body,
			Text:      "[Preflight " + step.Name + "]:\nCITE=" + token + "\n" + body,
			Usable:    stats.Usable,
			Rows:      kept,
		}
		stats.Injected = true
		if stats.Usable {
			result.Usable++
		}
		result.Blocks = append(result.Blocks, block)
		result.Stats = append(result.Stats, stats)
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
