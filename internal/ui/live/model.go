package live

import (
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Model renders a live console UI using Bubble Tea.
type Model struct {
	state        State
	table        table.Model
	events       <-chan Event
	tickInterval time.Duration
	now          time.Time
	noColor      bool
	titleLimit   int
	onInterrupt  func()
}

// Options configures the live UI model.
type Options struct {
	NoColor      bool
	TickInterval time.Duration
	// OnInterrupt is called when the operator presses ctrl+c in the UI.
	OnInterrupt func()
}

// NewModel constructs a live UI model for an event stream.
func NewModel(events <-chan Event, opts Options) Model {
	tickInterval := opts.TickInterval
	if tickInterval <= 0 {
		tickInterval = 200 * time.Millisecond
	}
	t := table.New(
		table.WithColumns(defaultColumns()),
		table.WithRows([]table.Row{}),
		table.WithFocused(false),
	)
	t.SetStyles(tableStyles(opts.NoColor))
	return Model{
		table:        t,
		events:       events,
		tickInterval: tickInterval,
		now:          time.Now(),
		noColor:      opts.NoColor,
		titleLimit:   titleWidth,
		onInterrupt:  opts.OnInterrupt,
	}
}

// State returns the current UI state.
func (m Model) State() State {
	return m.state
}

// Init starts ticking and waits for the first event.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), tick(m.tickInterval))
}

// Update consumes UI events and timer ticks.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		columns := columnsForWidth(typed.Width)
		m.titleLimit = columns[1].Width
		m.table.SetColumns(columns)
		m.table.SetWidth(typed.Width)
		m.table.SetHeight(max(typed.Height-4, 1))
		m.table.SetRows(rowsForState(m.state, m.now, m.noColor, m.titleLimit))
		return m, nil
	case tea.KeyMsg:
		if typed.String() == "ctrl+c" {
			if m.onInterrupt != nil {
				m.onInterrupt()
			}
			return m, tea.Quit
		}
		return m, nil
	case EventMsg:
		m = applyEvent(m, typed.Event)
		if typed.Event.Kind == EventRunEnd {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	case tickMsg:
		m.now = time.Time(typed)
		m.table.SetRows(rowsForState(m.state, m.now, m.noColor, m.titleLimit))
		return m, tick(m.tickInterval)
	}
	return m, nil
}

// View renders the live UI.
func (m Model) View() string {
	header := renderHeader(m.state, m.now, m.noColor)
	summary := renderSummary(m.state, m.noColor)
	footer := renderFooter(m.state, m.noColor)
	return lipgloss.JoinVertical(lipgloss.Left, header, summary, m.table.View(), footer)
}

// EventMsg wraps a UI event for Bubble Tea.
type EventMsg struct {
	Event Event
}

type tickMsg time.Time

// waitForEvent blocks until a UI event is available.
func waitForEvent(events <-chan Event) tea.Cmd {
	return func() tea.Msg {
		if events == nil {
			return nil
		}
		event, ok := <-events
		if !ok {
			return tea.Quit()
		}
		return EventMsg{Event: event}
	}
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// applyEvent mutates model state based on a UI event.
func applyEvent(model Model, event Event) Model {
	switch event.Kind {
	case EventRunStart:
		model.state.RunID = event.RunID
		model.state.Pack = event.Pack
		model.state.Total = event.Total
		if model.state.StartedAt.IsZero() {
			model.state.StartedAt = time.Now()
		}
	case EventQuestion:
		model.state = Reduce(model.state, event.Question)
	case EventRunEnd:
		model.state.Finished = true
		model.state.ExitCode = event.ExitCode
		model.state.LastEvent = formatRunEnd(event)
	}
	model.table.SetRows(rowsForState(model.state, model.now, model.noColor, model.titleLimit))
	return model
}

func formatRunEnd(event Event) string {
	switch {
	case event.StoppedBy != "":
		return "run stopped by " + event.StoppedBy + " (exit " + fmtInt(event.ExitCode) + ")"
	case event.Cancelled:
		return "run cancelled (exit " + fmtInt(event.ExitCode) + ")"
	default:
		return "run finished (exit " + fmtInt(event.ExitCode) + ")"
	}
}
