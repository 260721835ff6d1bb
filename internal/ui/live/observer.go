package live

import (
	"io"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"ragpack/internal/runner"
)

// Controller runs the live UI and implements runner.RunObserver.
type Controller struct {
	mu      sync.Mutex
	closed  bool
	events  chan Event
	program *tea.Program
	done    chan struct{}
}

// Start launches a live UI controller that writes to stdout.
func Start(stdout io.Writer, opts Options) *Controller {
	if stdout == nil {
		stdout = os.Stdout
	}
	events := make(chan Event, 256)
	model := NewModel(events, opts)
	program := tea.NewProgram(model, tea.WithOutput(stdout), tea.WithAltScreen())
	controller := &Controller{
		events:  events,
		program: program,
		done:    make(chan struct{}),
	}
	go func() {
		_, _ = program.Run()
		close(controller.done)
	}()
	return controller
}

// Close signals the UI to stop.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// Wait blocks until the UI has exited.
func (c *Controller) Wait() {
	if c == nil {
		return
	}
	<-c.done
}

// OnRunStart forwards run start events to the UI.
func (c *Controller) OnRunStart(runID string, pack string, total int) {
	c.send(Event{Kind: EventRunStart, RunID: runID, Pack: pack, Total: total}, true)
}

// OnQuestionEvent forwards question status updates to the UI. Progress
// updates are dropped when the UI falls behind; terminal updates are not.
func (c *Controller) OnQuestionEvent(event runner.QuestionEvent) {
	c.send(Event{Kind: EventQuestion, Question: event}, event.Type.Terminal())
}

// OnRunEnd forwards run completion events to the UI and closes it.
func (c *Controller) OnRunEnd(outcome runner.Outcome) {
	c.send(Event{
		Kind:      EventRunEnd,
		RunID:     outcome.RunID,
		ExitCode:  outcome.ExitCode(),
		Cancelled: outcome.Cancelled,
		StoppedBy: outcome.StoppedBy,
	}, true)
	c.Close()
}

func (c *Controller) send(event Event, wait bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !wait {
		select {
		case c.events <- event:
		default:
		}
		return
	}
	select {
	case c.events <- event:
	case <-c.done:
	}
}
