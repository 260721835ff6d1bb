package runner

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"ragpack/internal/artifact"
)

const verbosePrefix = "[verbose]"

type verboseStyle int

const (
	styleDefault verboseStyle = iota
	styleQuestion
	styleMetrics
	styleError
)

// verbosePalette styles verbose lines for one writer. A zero palette renders
// plain text.
type verbosePalette struct {
	prefix lipgloss.Style
	styles map[verboseStyle]lipgloss.Style
}

func paletteFor(writer io.Writer, noColor bool) verbosePalette {
	if noColor || !colorWriter(writer) {
		return verbosePalette{}
	}
	r := lipgloss.NewRenderer(writer)
	bold := r.NewStyle().Bold(true)
	return verbosePalette{
		prefix: r.NewStyle().Faint(true).Foreground(lipgloss.Color("8")),
		styles: map[verboseStyle]lipgloss.Style{
			styleQuestion: bold.Foreground(lipgloss.Color("4")),
			styleMetrics:  bold.Foreground(lipgloss.Color("2")),
			styleError:    bold.Foreground(lipgloss.Color("1")),
		},
	}
}

func (p verbosePalette) line(style verboseStyle, text string) string {
	if p.styles == nil {
		return verbosePrefix + " " + text
	}
	if s, ok := p.styles[style]; ok {
		text = s.Render(text)
	}
	return p.prefix.Render(verbosePrefix) + " " + text
}

func colorWriter(writer io.Writer) bool {
	if writer == nil || os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	if strings.EqualFold(os.Getenv("CLICOLOR"), "0") {
		return false
	}
	fder, ok := writer.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(fder.Fd()))
}

func logVerbose(enabled bool, writer io.Writer, noColor bool, style verboseStyle, format string, args ...any) {
	if !enabled || writer == nil {
		return
	}
	fmt.Fprintln(writer, paletteFor(writer, noColor).line(style, fmt.Sprintf(format, args...)))
}

// formatIssueKinds renders issue counts per kind as "kind=n" pairs.
func formatIssueKinds(issues []artifact.Issue) string {
	if len(issues) == 0 {
		return "none"
	}
	counts := map[string]int{}
	for _, issue := range issues {
		counts[issue.Kind]++
	}
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", key, counts[key]))
	}
	return strings.Join(parts, " ")
}
