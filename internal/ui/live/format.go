package live

import (
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"ragpack/internal/runner"
)

func formatQuestionID(row QuestionRow) string {
	if row.ID != "" {
		return row.ID
	}
	return formatIndex(row.Index)
}

func formatIndex(index int) string {
	return "Q" + pad2(index+1)
}

func pad2(value int) string {
	if value >= 10 {
		return fmtInt(value)
	}
	return "0" + fmtInt(value)
}

func fmtInt(value int) string {
	return strconv.Itoa(value)
}

// formatTitle truncates question titles for display.
func formatTitle(text string, limit int) string {
	normalized := strings.Join(strings.Fields(text), " ")
	if limit <= 3 || len(normalized) <= limit {
		return normalized
	}
	return normalized[:limit-3] + "..."
}

// formatStatus renders the status cell, with the retry attempt or abort
// reason when present.
func formatStatus(row QuestionRow, noColor bool) string {
	label := string(row.Status)
	switch row.Status {
	case runner.QuestionRetrying:
		if row.Detail != "" {
			label = row.Detail
		}
		if row.Attempt > 0 {
			label += " #" + fmtInt(row.Attempt)
		}
	case runner.QuestionAborted:
		if row.Detail != "" {
			label += " (" + row.Detail + ")"
		}
	case runner.QuestionAnswering:
		if row.Detail != "" {
			label += " " + row.Detail
		}
	}
	if row.Fatal && row.Status.Terminal() {
		label += " !"
	}
	return stylizeStatus(label, row.Status, noColor)
}

func formatVerdict(verdict string) string {
	if verdict == "" {
		return "-"
	}
	return verdict
}

func formatCount(value int) string {
	if value <= 0 {
		return ""
	}
	return fmtInt(value)
}

// formatRowDuration returns elapsed or total time for a row.
func formatRowDuration(row QuestionRow, now time.Time) string {
	if !row.FinishedAt.IsZero() && !row.StartedAt.IsZero() {
		return row.FinishedAt.Sub(row.StartedAt).Round(100 * time.Millisecond).String()
	}
	if !row.StartedAt.IsZero() && !row.Status.Terminal() {
		return now.Sub(row.StartedAt).Round(100 * time.Millisecond).String()
	}
	return ""
}

func stylizeStatus(text string, status runner.QuestionEventType, noColor bool) string {
	if noColor {
		return text
	}
	return statusStyle(status).Render(text)
}

func statusStyle(status runner.QuestionEventType) lipgloss.Style {
	color := lipgloss.Color("244")
	switch status {
	case runner.QuestionPassed:
		color = lipgloss.Color("42")
	case runner.QuestionFailed:
		color = lipgloss.Color("220")
	case runner.QuestionAborted:
		color = lipgloss.Color("196")
	case runner.QuestionRetrying:
		color = lipgloss.Color("39")
	case runner.QuestionPreflight, runner.QuestionAnswering, runner.QuestionValidating, runner.QuestionAdvising:
		color = lipgloss.Color("33")
	case runner.QuestionQueued, runner.QuestionSkipped:
		color = lipgloss.Color("246")
	}
	return lipgloss.NewStyle().Foreground(color)
}
