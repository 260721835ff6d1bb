// Package cli implements the ragpack command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

const (
	ExitOK    = 0
	ExitError = 1
	ExitGate  = 2
	ExitUsage = 3
)

// Version is stamped at build time.
var Version = "dev"

// exitError carries an exit status out of a cobra RunE. A nil err means the
// command already reported the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// Run executes the command line and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	return RunContext(context.Background(), args, stdout, stderr)
}

// RunContext is Run with a caller supplied context.
func RunContext(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand()
	root.SetOut(stdout)
	root.SetErr(stderr)
	if len(args) == 0 {
		_ = root.Usage()
		return ExitUsage
	}
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(stderr, exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(stderr, "Error: %v\n\n", err)
	fmt.Fprint(stderr, root.UsageString())
	return ExitUsage
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragpack",
		Short: "Run evidence-grounded audit question packs",
		Long: `ragpack runs audit packs: ordered questions whose evidence is extracted
by deterministic engine commands, answered under a strict response contract,
and validated fail-closed against the injected evidence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newValidateCommand(), newPolicyCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ragpack %s\n", Version)
		},
	}
}
