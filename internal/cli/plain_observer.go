package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"ragpack/internal/runner"
)

// plainObserver prints one line per finished question.
type plainObserver struct {
	mu    sync.Mutex
	w     io.Writer
	total int
}

func newPlainObserver(w io.Writer) *plainObserver {
	return &plainObserver{w: w}
}

func (o *plainObserver) OnRunStart(runID string, pack string, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total = total
	fmt.Fprintf(o.w, "Run %s: %d questions from %s\n", runID, total, pack)
}

func (o *plainObserver) OnQuestionEvent(event runner.QuestionEvent) {
	if !event.Type.Terminal() || event.Type == runner.QuestionSkipped {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	parts := []string{fmt.Sprintf("[%d/%d] %s %s", event.QuestionIndex+1, o.total, event.QuestionID, event.Type)}
	if event.Verdict != "" {
		parts = append(parts, "verdict="+event.Verdict)
	}
	if event.Detail != "" {
		parts = append(parts, "reason="+event.Detail)
	}
	if event.Issues > 0 {
		parts = append(parts, fmt.Sprintf("issues=%d", event.Issues))
	}
	parts = append(parts, fmt.Sprintf("model_calls=%d", event.ModelCalls))
	if event.Fatal {
		parts = append(parts, "fatal")
	}
	parts = append(parts, event.WallTime.Round(10*time.Millisecond).String())
	fmt.Fprintln(o.w, strings.Join(parts, " "))
}

func (o *plainObserver) OnRunEnd(runner.Outcome) {}
