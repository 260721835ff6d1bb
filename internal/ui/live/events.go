package live

import "ragpack/internal/runner"

// EventKind identifies the type of live UI event.
type EventKind int

const (
	// EventRunStart signals the start of a run.
	EventRunStart EventKind = iota
	// EventQuestion delivers a question status update.
	EventQuestion
	// EventRunEnd signals run completion.
	EventRunEnd
)

// Event carries a UI update payload.
type Event struct {
	Kind      EventKind
	RunID     string
	Pack      string
	Total     int
	Question  runner.QuestionEvent
	ExitCode  int
	Cancelled bool
	StoppedBy string
}
