package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"ragpack/internal/engine"
)

// FakeRunner is an engine.Runner that answers commands from a table keyed
// by the space-joined argv. Unknown commands return Default.
type FakeRunner struct {
	mu      sync.Mutex
	outputs map[string]engine.Result
	calls   [][]string
	Default engine.Result
}

// NewFakeRunner returns a runner whose unknown commands print an empty list.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		outputs: map[string]engine.Result{},
		Default: engine.Result{Stdout: "[]"},
	}
}

// On registers the result for an exact argv.
func (f *FakeRunner) On(argv []string, result engine.Result) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[strings.Join(argv, " ")] = result
	return f
}

// OnStdout registers a successful result printing stdout.
func (f *FakeRunner) OnStdout(stdout string, argv ...string) *FakeRunner {
	return f.On(argv, engine.Result{Stdout: stdout})
}

// Run implements engine.Runner. Cancelled contexts fail like a killed
// process.
func (f *FakeRunner) Run(ctx context.Context, cmd engine.Command) engine.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), cmd.Argv...))
	if err := ctx.Err(); err != nil {
		return engine.Result{Argv: cmd.Argv, ExitCode: -1, Err: err}
	}
	result, ok := f.outputs[strings.Join(cmd.Argv, " ")]
	if !ok {
		result = f.Default
	}
	result.Argv = cmd.Argv
	if result.Elapsed == 0 {
		result.Elapsed = time.Millisecond
	}
	return result
}

// Calls returns a copy of every argv run so far.
func (f *FakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many commands ran.
func (f *FakeRunner) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
