package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command is one external invocation.
type Command struct {
	Argv    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result captures an external invocation outcome. ExitCode is -1 when the
// process could not be started or was killed by the timeout.
type Result struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
	TimedOut bool
	Err      error
}

// OK reports whether the command exited zero.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	clock func() time.Time
}

// NewExecRunner constructs an ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{clock: time.Now}
}

// Run executes the command, honoring its timeout and ctx cancellation.
func (r *ExecRunner) Run(ctx context.Context, command Command) Result {
	result := Result{Argv: append([]string(nil), command.Argv...), ExitCode: -1}
	if len(command.Argv) == 0 {
		result.Err = ErrNoCommand
		return result
	}
	if command.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}
	now := time.Now
	if r != nil && r.clock != nil {
		now = r.clock
	}
	cmd := exec.CommandContext(ctx, command.Argv[0], command.Argv[1:]...)
	cmd.Dir = command.Dir
	cmd.WaitDelay = time.Second
	if len(command.Env) > 0 {
		cmd.Env = append(cmd.Environ(), command.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := now()
	err := cmd.Run()
	result.Elapsed = now().Sub(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded)
		result.Err = fmt.Errorf("%s: %w", command.Argv[0], ctxErr)
		return result
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result
		}
		msg := strings.TrimSpace(result.Stderr)
		if msg == "" {
			msg = "no stderr"
		}
		result.Err = fmt.Errorf("%s: %w (%s)", command.Argv[0], err, msg)
		return result
	}
	result.ExitCode = 0
	return result
}
