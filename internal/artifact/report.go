package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ReportInput is everything REPORT.md renders.
type ReportInput struct {
	RunID     string
	Pack      PackInfo
	Backend   string
	Model     string
	Records   []QuestionRecord
	Cancelled bool
	StoppedBy string
}

// RenderReport renders the human-readable Markdown report.
func RenderReport(input ReportInput) string {
	var b strings.Builder
	summaries, scoreOK, fatal := Summarize(input.Records)
	total := len(summaries)

	b.WriteString("# Audit report\n\n")
	fmt.Fprintf(&b, "Pack: %s (type=%s engine=%s v%s)\n\n", filepath.Base(input.Pack.Path), input.Pack.PackType, input.Pack.Engine, input.Pack.Version)
	fmt.Fprintf(&b, "Run: %s\n\n", input.RunID)
	if input.Backend != "" {
		model := input.Model
		if model == "" {
			model = "(default)"
		}
		fmt.Fprintf(&b, "Backend: %s (model %s)\n\n", input.Backend, model)
	}
	fmt.Fprintf(&b, "Score: %d/%d questions OK (%.1f%%)\n\n", scoreOK, total, OKPercentage(scoreOK, total))
	if fatal {
		fatalCount := 0
		for _, summary := range summaries {
			if summary.Fatal {
				fatalCount++
			}
		}
		fmt.Fprintf(&b, "FATAL: %d question(s) failed a fail-closed gate\n\n", fatalCount)
	}
	if input.Cancelled {
		b.WriteString("CANCELLED: the run stopped before every question executed\n\n")
	}
	if input.StoppedBy != "" {
		fmt.Fprintf(&b, "STOPPED: empty evidence for %s ended the run (fail_fast)\n\n", input.StoppedBy)
	}

	for _, record := range input.Records {
		renderQuestion(&b, record)
	}
	return b.String()
}

func renderQuestion(b *strings.Builder, q QuestionRecord) {
	fmt.Fprintf(b, "## %s: %s\n\n", q.ID, q.Title)
	fmt.Fprintf(b, "- Category: %s\n", q.Category)
	modes := fmt.Sprintf("- Answer mode: %s | Advice mode: %s", q.AnswerMode, q.AdviceMode)
	if q.PromptMode != "" {
		modes += " | Prompt mode: " + q.PromptMode
	}
	b.WriteString(modes + "\n")
	if q.ExpectedVerdict != "" {
		fmt.Fprintf(b, "- Expected verdict: %s\n", q.ExpectedVerdict)
	}
	for _, step := range q.Preflight {
		b.WriteString(preflightLine(step))
	}
	fmt.Fprintf(b, "- Usable evidence blocks: %d\n", q.UsableBlocks)
	fmt.Fprintf(b, "- Schema retries: %d | Adaptive reruns: %d | Advice retries: %d | Model calls: %d\n",
		q.SchemaRetries, q.AdaptiveReruns, q.AdviceRetries, q.ModelCalls)
	if q.Verdict != "" {
		fmt.Fprintf(b, "- Verdict: %s\n", q.Verdict)
	}
	if len(q.Citations) > 0 {
		fmt.Fprintf(b, "- Citations: %s\n", strings.Join(q.Citations, ", "))
	}
	for _, correction := range q.Corrections {
		fmt.Fprintf(b, "- Correction: %s\n", correction)
	}
	if q.Aborted != "" {
		fmt.Fprintf(b, "- ABORTED: %s\n", q.Aborted)
	}
	if q.Fatal {
		b.WriteString("- FATAL: fail-closed gate\n")
	}

	if strings.TrimSpace(q.Answer) != "" {
		b.WriteString("\n**Answer:**\n\n```text\n")
		b.WriteString(strings.TrimRight(q.Answer, "\n"))
		b.WriteString("\n```\n")
	}
	if len(q.Issues) > 0 {
		b.WriteString("\n**Validator issues:**\n\n")
		for _, issue := range q.Issues {
			fmt.Fprintf(b, "- %s: %s\n", issue.Kind, issue.Message)
		}
	}
	if strings.TrimSpace(q.Advice) != "" {
		b.WriteString("\n**Advice:**\n\n```text\n")
		b.WriteString(strings.TrimRight(q.Advice, "\n"))
		b.WriteString("\n```\n")
	}
	if len(q.AdviceIssues) > 0 {
		b.WriteString("\n**Advice validator issues:**\n\n")
		for _, issue := range q.AdviceIssues {
			fmt.Fprintf(b, "- %s: %s\n", issue.Kind, issue.Message)
		}
	}
	b.WriteString("\n")
}

func preflightLine(step PreflightRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Preflight %s:", step.Step)
	switch {
	case step.ShortCircuited:
		b.WriteString(" skipped (short-circuit)\n")
		return b.String()
	case step.Error != "":
		fmt.Fprintf(&b, " failed (%s)", step.Error)
	default:
		fmt.Fprintf(&b, " rc=%d", step.ExitCode)
	}
	if step.Cached {
		b.WriteString(" cached")
	}
	fmt.Fprintf(&b, " rows %d -> %d", step.RowsBefore, step.RowsAfter)
	if step.Skipped != "" {
		fmt.Fprintf(&b, " (not injected: %s)", step.Skipped)
	}
	b.WriteString("\n")
	if step.FilteredToZero {
		fmt.Fprintf(&b, "  - WARNING: filtered to zero (%d raw hits; filters: %s)\n", step.RowsBefore, strings.Join(step.Filters, ", "))
	}
	if step.Starved {
		b.WriteString("  - WARNING: preflight starvation gate tripped\n")
	}
	return b.String()
}
