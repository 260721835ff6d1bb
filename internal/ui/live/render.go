package live

import (
	"time"

	"github.com/charmbracelet/lipgloss"
)

func renderHeader(state State, now time.Time, noColor bool) string {
	line := "Run " + state.RunID
	if state.Pack != "" {
		line += " | Pack: " + state.Pack
	}
	if !state.StartedAt.IsZero() {
		line += " | Elapsed: " + now.Sub(state.StartedAt).Round(100*time.Millisecond).String()
	}
	return stylize(line, noColor, lipgloss.Color("33"))
}

func renderSummary(state State, noColor bool) string {
	counts := state.Counts
	line := "Questions: " + fmtInt(state.Total) +
		" Queued: " + fmtInt(counts.Queued) +
		" Active: " + fmtInt(counts.Active) +
		" Passed: " + fmtInt(counts.Passed) +
		" Failed: " + fmtInt(counts.Failed) +
		" Aborted: " + fmtInt(counts.Aborted) +
		" Skipped: " + fmtInt(counts.Skipped)
	return stylize(line, noColor, lipgloss.Color("242"))
}

func renderFooter(state State, noColor bool) string {
	if state.LastEvent == "" {
		return ""
	}
	return stylize("Last event: "+state.LastEvent, noColor, lipgloss.Color("244"))
}

func stylize(text string, noColor bool, color lipgloss.Color) string {
	if noColor {
		return text
	}
	return lipgloss.NewStyle().Foreground(color).Render(text)
}
