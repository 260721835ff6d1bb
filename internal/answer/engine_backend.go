package answer

import (
	"context"
	"fmt"
	"time"

	"ragpack/internal/engine"
)

// EngineBackend calls the chat subcommand of a retrieval engine.
type EngineBackend struct {
	Engine  engine.Engine
	Runner  engine.Runner
	Paths   engine.Paths
	Backend string
	Timeout time.Duration
}

// Name reports the engine and backend pair.
func (b *EngineBackend) Name() string {
	if b.Backend == "" {
		return b.Engine.Name
	}
	return b.Engine.Name + ":" + b.Backend
}

// Complete runs one chat invocation. A non-zero exit yields an error wrapping
// ErrBackend alongside the record so the caller can still persist it.
func (b *EngineBackend) Complete(ctx context.Context, req Request) (Response, error) {
	argv, err := b.Engine.ChatArgv(engine.ChatRequest{
		Prompt:           req.Prompt,
		Backend:          b.Backend,
		Model:            req.Model,
		TopK:             req.TopK,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		SystemPromptFile: req.SystemPromptFile,
	}, b.Paths)
	if err != nil {
		return Response{}, err
	}
	res := b.Runner.Run(ctx, engine.Command{Argv: argv, Timeout: b.Timeout})
	record := Record{
		Argv:       argv,
		ReturnCode: res.ExitCode,
		Stdout:     parseStdout(res.Stdout),
		Stderr:     res.Stderr,
		Backend:    b.Backend,
		Model:      req.Model,
		TopK:       req.TopK,
		Phase:      req.Phase,
		ElapsedMS:  res.Elapsed.Milliseconds(),
	}
	text, sources := Extract(record.Stdout)
	resp := Response{Text: text, Sources: sources, Record: record}
	if !res.OK() {
		cause := res.Err
		if cause == nil {
			cause = fmt.Errorf("exit code %d", res.ExitCode)
		}
		resp.Record.Error = cause.Error()
		return resp, fmt.Errorf("%w: %s: %v", ErrBackend, b.Name(), cause)
	}
	return resp, nil
}
