// Package engine builds and runs external retrieval and chat commands.
package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ragpack/internal/config"
)

// ErrNoCommand is returned when a step or chat call resolves to an empty argv.
var ErrNoCommand = errors.New("no command")

// Paths are the resolved inputs substituted into command templates.
type Paths struct {
	Index     string
	Corpus    string
	TargetDir string
	OutDir    string
}

// Engine pairs an engine name with its policy entry.
type Engine struct {
	Name string
	Spec config.EngineSpec
}

// Lookup resolves an engine from the policy table.
func Lookup(policy *config.Policy, name string) (Engine, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	spec, ok := policy.Engines[key]
	if !ok {
		return Engine{}, fmt.Errorf("unknown engine %q", name)
	}
	return Engine{Name: key, Spec: spec}, nil
}

func (e Engine) prefix() []string {
	argv := []string{e.Spec.Binary}
	return append(argv, e.Spec.Prefix...)
}

// Expand substitutes {index}, {corpus}, {parquet}, {target_dir}, {out_dir} and
// {question_id} in a single template token.
func Expand(token string, paths Paths, questionID string) string {
	replacer := strings.NewReplacer(
		"{index}", paths.Index,
		"{corpus}", paths.Corpus,
		"{parquet}", paths.Corpus,
		"{target_dir}", paths.TargetDir,
		"{out_dir}", paths.OutDir,
		"{question_id}", questionID,
	)
	return replacer.Replace(token)
}

// PreflightArgv returns the exact argv executed for a preflight step. Steps
// whose first token needs the vector index get index and corpus flags.
func (e Engine) PreflightArgv(cmd []string, paths Paths, questionID string) ([]string, error) {
	if len(cmd) == 0 {
		return nil, ErrNoCommand
	}
	materialized := make([]string, 0, len(cmd))
	for _, token := range cmd {
		materialized = append(materialized, Expand(token, paths, questionID))
	}
	argv := append(e.prefix(), materialized...)
	for _, needs := range e.Spec.PreflightNeedsIndex {
		if materialized[0] == needs {
			argv = append(argv, e.Spec.IndexFlag, paths.Index, e.Spec.CorpusFlag, paths.Corpus)
			break
		}
	}
	return argv, nil
}

// ChatRequest carries the sampling parameters of one chat invocation.
type ChatRequest struct {
	Prompt           string
	Backend          string
	Model            string
	TopK             int
	MaxTokens        int
	Temperature      float64
	SystemPromptFile string
}

// ChatArgv returns the argv of a chat invocation.
func (e Engine) ChatArgv(req ChatRequest, paths Paths) ([]string, error) {
	chat := e.Spec.Chat
	if strings.TrimSpace(chat.Subcommand) == "" {
		return nil, fmt.Errorf("engine %s: %w", e.Name, ErrNoCommand)
	}
	argv := append(e.prefix(), chat.Subcommand, req.Prompt)
	argv = append(argv, e.Spec.IndexFlag, paths.Index)
	argv = append(argv, e.Spec.CorpusFlag, paths.Corpus)
	if req.Backend != "" {
		argv = append(argv, chat.BackendFlag, req.Backend)
	}
	argv = append(argv, chat.TopKFlag, strconv.Itoa(req.TopK))
	if req.SystemPromptFile != "" && chat.SystemPromptFlag != "" {
		argv = append(argv, chat.SystemPromptFlag, req.SystemPromptFile)
	}
	argv = append(argv, chat.MaxTokensFlag, strconv.Itoa(req.MaxTokens))
	argv = append(argv, chat.TemperatureFlag, strconv.FormatFloat(req.Temperature, 'f', -1, 64))
	if chat.FormatFlag != "" {
		argv = append(argv, chat.FormatFlag, chat.FormatValue)
	}
	if req.Model != "" {
		argv = append(argv, chat.ModelFlag, req.Model)
	}
	return argv, nil
}
