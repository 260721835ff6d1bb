package runner

import "time"

// QuestionEventType identifies a question status update for observers.
type QuestionEventType string

const (
	// QuestionQueued marks a question known but not yet started.
	QuestionQueued QuestionEventType = "queued"
	// QuestionPreflight marks preflight extraction in progress.
	QuestionPreflight QuestionEventType = "preflight"
	// QuestionAnswering marks an answer being resolved.
	QuestionAnswering QuestionEventType = "answering"
	// QuestionRetrying marks a schema retry or adaptive rerun call.
	QuestionRetrying QuestionEventType = "retrying"
	// QuestionValidating marks contract validation.
	QuestionValidating QuestionEventType = "validating"
	// QuestionAdvising marks the advice pass.
	QuestionAdvising QuestionEventType = "advising"
	// QuestionPassed marks a question with no issues.
	QuestionPassed QuestionEventType = "passed"
	// QuestionFailed marks a question that finished with issues.
	QuestionFailed QuestionEventType = "failed"
	// QuestionAborted marks a question stopped by an evidence gate or a failed
	// read or write.
	QuestionAborted QuestionEventType = "aborted"
	// QuestionSkipped marks a question never started because the run stopped.
	QuestionSkipped QuestionEventType = "skipped"
)

// Terminal reports whether the event ends a question.
func (t QuestionEventType) Terminal() bool {
	switch t {
	case QuestionPassed, QuestionFailed, QuestionAborted, QuestionSkipped:
		return true
	default:
		return false
	}
}

// QuestionEvent carries a single status update for a question.
type QuestionEvent struct {
	QuestionIndex int
	QuestionID    string
	Title         string
	Type          QuestionEventType
	Detail        string
	Attempt       int
	Verdict       string
	Issues        int
	ModelCalls    int
	Fatal         bool
	WallTime      time.Duration
	EmittedAt     time.Time
}

// RunObserver receives run lifecycle events for UI or logging.
type RunObserver interface {
	// OnRunStart signals the start of a run over total questions.
	OnRunStart(runID string, pack string, total int)
	// OnQuestionEvent delivers a question status update.
	OnQuestionEvent(event QuestionEvent)
	// OnRunEnd signals run completion.
	OnRunEnd(outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) OnRunStart(string, string, int) {}
func (nopObserver) OnQuestionEvent(QuestionEvent)  {}
func (nopObserver) OnRunEnd(Outcome)               {}
