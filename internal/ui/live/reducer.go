package live

import (
	"fmt"
	"time"

	"ragpack/internal/runner"
)

// Reduce applies a question event to the UI state.
func Reduce(state State, event runner.QuestionEvent) State {
	state = ensureRow(state, event)
	state = applyQuestionEvent(state, event)
	state.Counts = recount(state.Rows)
	if message := formatLastEvent(event); message != "" {
		state.LastEvent = message
	}
	return state
}

// ensureRow grows the state rows to include the target index.
func ensureRow(state State, event runner.QuestionEvent) State {
	if event.QuestionIndex < 0 || event.QuestionIndex < len(state.Rows) {
		return state
	}
	rows := make([]QuestionRow, event.QuestionIndex+1)
	copy(rows, state.Rows)
	for i := len(state.Rows); i < len(rows); i++ {
		rows[i] = QuestionRow{Index: i, Status: runner.QuestionQueued}
	}
	state.Rows = rows
	return state
}

func applyQuestionEvent(state State, event runner.QuestionEvent) State {
	if event.QuestionIndex < 0 || event.QuestionIndex >= len(state.Rows) {
		return state
	}
	row := state.Rows[event.QuestionIndex]
	if row.ID == "" {
		row.ID = event.QuestionID
	}
	if row.Title == "" {
		row.Title = event.Title
	}
	row.Status = event.Type
	row.Detail = event.Detail
	row.Attempt = event.Attempt
	if event.ModelCalls > row.ModelCalls {
		row.ModelCalls = event.ModelCalls
	}
	switch {
	case event.Type == runner.QuestionPreflight && row.StartedAt.IsZero():
		row.StartedAt = event.EmittedAt
	case event.Type == runner.QuestionRetrying:
		row.Retries++
	case event.Type.Terminal():
		row.FinishedAt = event.EmittedAt
		row.Verdict = event.Verdict
		row.Issues = event.Issues
		row.Fatal = event.Fatal
		if row.StartedAt.IsZero() && event.WallTime > 0 && !event.EmittedAt.IsZero() {
			row.StartedAt = event.EmittedAt.Add(-event.WallTime)
		}
	}
	state.Rows[event.QuestionIndex] = row
	return state
}

func recount(rows []QuestionRow) StatusCounts {
	var counts StatusCounts
	for _, row := range rows {
		switch row.Status {
		case runner.QuestionQueued:
			counts.Queued++
		case runner.QuestionPassed:
			counts.Done++
			counts.Passed++
		case runner.QuestionFailed:
			counts.Done++
			counts.Failed++
		case runner.QuestionAborted:
			counts.Done++
			counts.Aborted++
		case runner.QuestionSkipped:
			counts.Done++
			counts.Skipped++
		default:
			counts.Active++
		}
	}
	return counts
}

// formatLastEvent creates a short footer message for the event.
func formatLastEvent(event runner.QuestionEvent) string {
	id := event.QuestionID
	if id == "" {
		id = formatIndex(event.QuestionIndex)
	}
	switch event.Type {
	case runner.QuestionRetrying:
		return fmt.Sprintf("%s %s (attempt %d)", id, event.Detail, event.Attempt)
	case runner.QuestionAborted:
		return fmt.Sprintf("%s aborted: %s", id, event.Detail)
	case runner.QuestionFailed:
		if event.Fatal {
			return fmt.Sprintf("%s failed with %d fatal issue(s)", id, event.Issues)
		}
		return fmt.Sprintf("%s failed with %d issue(s)", id, event.Issues)
	case runner.QuestionPassed:
		return fmt.Sprintf("%s passed (%s)", id, formatDuration(event.WallTime))
	}
	return ""
}

// formatDuration renders a rounded duration for display.
func formatDuration(duration time.Duration) string {
	if duration <= 0 {
		return "0s"
	}
	return duration.Round(100 * time.Millisecond).String()
}
