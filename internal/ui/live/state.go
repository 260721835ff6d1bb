package live

import (
	"time"

	"ragpack/internal/runner"
)

// QuestionRow holds UI state for a single question.
type QuestionRow struct {
	Index      int
	ID         string
	Title      string
	Status     runner.QuestionEventType
	Detail     string
	Attempt    int
	Retries    int
	Verdict    string
	Issues     int
	ModelCalls int
	Fatal      bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// StatusCounts aggregates counts by status bucket.
type StatusCounts struct {
	Queued  int
	Active  int
	Done    int
	Passed  int
	Failed  int
	Aborted int
	Skipped int
}

// State captures the live UI state for a run.
type State struct {
	RunID     string
	Pack      string
	Total     int
	StartedAt time.Time
	LastEvent string
	Rows      []QuestionRow
	Counts    StatusCounts
	Finished  bool
	ExitCode  int
}
