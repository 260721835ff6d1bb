package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

type uiMode string

const (
	uiAuto  uiMode = "auto"
	uiLive  uiMode = "live"
	uiPlain uiMode = "plain"
)

// uiModeDecision captures whether to use the live UI.
type uiModeDecision struct {
	useLive bool
	warning string
}

// isTerminal reports whether a writer is a TTY.
var isTerminal = defaultIsTerminal

func parseUIMode(value string) (uiMode, error) {
	switch mode := uiMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "":
		return uiAuto, nil
	case uiAuto, uiLive, uiPlain:
		return mode, nil
	default:
		return "", fmt.Errorf("invalid --ui %q (expected auto|live|plain)", value)
	}
}

// resolveUIMode decides between the live table and plain progress lines.
// Verbose output shares the terminal, so it always selects plain.
func resolveUIMode(value string, verbose bool, stdout io.Writer) (uiModeDecision, error) {
	mode, err := parseUIMode(value)
	if err != nil {
		return uiModeDecision{}, err
	}
	if verbose || mode == uiPlain {
		return uiModeDecision{}, nil
	}
	tty := isTerminal(stdout)
	if mode == uiLive && !tty {
		return uiModeDecision{warning: "Live UI requested but stdout is not a TTY; falling back to plain output."}, nil
	}
	return uiModeDecision{useLive: tty}, nil
}

func defaultIsTerminal(stdout io.Writer) bool {
	if stdout == nil {
		return false
	}
	if file, ok := stdout.(*os.File); ok {
		return term.IsTerminal(int(file.Fd()))
	}
	if fder, ok := stdout.(interface{ Fd() uintptr }); ok {
		return term.IsTerminal(int(fder.Fd()))
	}
	return false
}
