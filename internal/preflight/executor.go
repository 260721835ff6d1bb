package preflight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ragpack/internal/artifact"
	"ragpack/internal/config"
	"ragpack/internal/engine"
	"ragpack/internal/evidence"
	"ragpack/internal/spec"
)

// StepResult is the outcome of one declared step. Steps after a short-circuit
// carry Ran=false and no record.
type StepResult struct {
	Step           spec.PreflightStep
	Artifact       string
	Record         Record
	Ran            bool
	Cached         bool
	ShortCircuited bool
}

// Payload returns the raw tool output of the step.
func (r StepResult) Payload() any {
	return r.Record.RawPayload()
}

// Executor runs the preflight steps of a question and persists each step
// artifact.
type Executor struct {
	policy   *config.Policy
	runner   engine.Runner
	writer   *artifact.Writer
	cache    *Cache
	pipeline *evidence.Pipeline
	paths    engine.Paths
	logger   *zap.Logger
	caching  bool
	// runInputs are fingerprinted for every step: the pack, corpus and index.
	runInputs []string
}

// Options configures an Executor.
type Options struct {
	Policy   *config.Policy
	Runner   engine.Runner
	Writer   *artifact.Writer
	Cache    *Cache
	Pipeline *evidence.Pipeline
	Paths    engine.Paths
	Logger   *zap.Logger
	// PackPath joins the corpus and index in every step fingerprint.
	PackPath string
	// DisableCache runs every step even when an identical one already ran.
	DisableCache bool
}

// NewExecutor validates the options and builds an Executor.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Policy == nil || opts.Runner == nil || opts.Writer == nil {
		return nil, errors.New("preflight executor requires policy, runner and writer")
	}
	if opts.Pipeline == nil {
		opts.Pipeline = evidence.NewPipeline(opts.Policy)
	}
	if opts.Cache == nil {
		cache, err := NewCache(opts.Writer.Dir())
		if err != nil {
			return nil, err
		}
		opts.Cache = cache
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	var runInputs []string
	for _, path := range []string{opts.PackPath, opts.Paths.Corpus, opts.Paths.Index} {
		if path != "" {
			runInputs = append(runInputs, path)
		}
	}
	return &Executor{
		policy:    opts.Policy,
		runner:    opts.Runner,
		writer:    opts.Writer,
		cache:     opts.Cache,
		pipeline:  opts.Pipeline,
		paths:     opts.Paths,
		logger:    opts.Logger,
		caching:   !opts.DisableCache,
		runInputs: runInputs,
	}, nil
}

// Run executes the steps of question q in declared order. A step with
// stop_if_nonempty that yields hits ends the sequence. Command failures are
// recorded on the step; only cancellation, bad input globs and artifact
// write failures abort the question.
func (e *Executor) Run(ctx context.Context, q spec.Question, defaultEngine string) ([]StepResult, error) {
	results := make([]StepResult, 0, len(q.Preflight))
	stopped := false
	for _, step := range q.Preflight {
		if stopped {
			results = append(results, StepResult{Step: step, ShortCircuited: true})
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := e.runStep(ctx, q.ID, step, defaultEngine)
		if err != nil {
			return results, fmt.Errorf("question %s step %s: %w", q.ID, step.Name, err)
		}
		results = append(results, result)
		if step.StopIfNonempty && result.Record.ReturnCode == 0 && e.pipeline.HasHits(result.Payload()) {
			e.logger.Debug("preflight short-circuit", zap.String("question", q.ID), zap.String("step", step.Name))
			stopped = true
		}
	}
	return results, nil
}

func (e *Executor) runStep(ctx context.Context, questionID string, step spec.PreflightStep, defaultEngine string) (StepResult, error) {
	name := ArtifactName(questionID, step.Name)
	result := StepResult{Step: step, Artifact: name, Ran: true}

	engineName := step.Engine
	if engineName == "" {
		engineName = defaultEngine
	}
	eng, err := engine.Lookup(e.policy, engineName)
	if err != nil {
		return result, err
	}
	argv, err := eng.PreflightArgv(step.Cmd, e.paths, questionID)
	if err != nil {
		return result, err
	}
	inputs := append([]string(nil), e.runInputs...)
	for _, input := range step.Inputs {
		inputs = append(inputs, engine.Expand(input, e.paths, questionID))
	}
	sig, err := e.cache.Fingerprint(argv, inputs)
	if err != nil {
		return result, err
	}

	var record Record
	if !e.caching {
		record = e.execute(ctx, argv, step, sig)
	} else {
		hit, err := e.resolve(ctx, argv, step, sig)
		if err != nil {
			return result, err
		}
		record = hit.record
		result.Cached = !hit.executed
		if hit.name == name && !e.writer.Has(name) {
			result.Record = record
			if err := e.writer.Adopt(name, "cached preflight"); err != nil {
				return result, err
			}
			e.logger.Debug("preflight cache hit", zap.String("question", questionID), zap.String("step", step.Name), zap.String("source", hit.name))
			return result, nil
		}
	}
	result.Record = record
	if err := e.writer.WriteJSON(name, record); err != nil {
		return result, err
	}

	fields := []zap.Field{
		zap.String("question", questionID),
		zap.String("step", step.Name),
		zap.Int("returncode", record.ReturnCode),
		zap.Int64("elapsed_ms", record.ElapsedMS),
		zap.Bool("shared", result.Cached),
	}
	if record.Error != "" {
		e.logger.Warn("preflight step failed", append(fields, zap.String("error", record.Error))...)
	} else {
		e.logger.Debug("preflight step", fields...)
	}
	return result, nil
}

// cacheHit is a step record with the artifact that first held it. name is
// empty for records executed in this run.
type cacheHit struct {
	name     string
	record   Record
	executed bool
}

// resolve returns the record for sig, executing the command at most once per
// fingerprint. The lookup and the remember both happen inside the
// singleflight call so a late caller never re-runs a finished command.
func (e *Executor) resolve(ctx context.Context, argv []string, step spec.PreflightStep, sig string) (cacheHit, error) {
	executed := false
	value, err, _ := e.cache.group.Do(sig, func() (any, error) {
		if name, record, ok := e.cache.lookup(sig); ok {
			return cacheHit{name: name, record: record}, nil
		}
		executed = true
		record := e.execute(ctx, argv, step, sig)
		e.cache.remember(sig, "", record)
		return cacheHit{record: record}, nil
	})
	if err != nil {
		return cacheHit{}, err
	}
	hit := value.(cacheHit)
	hit.executed = executed
	return hit, nil
}

func (e *Executor) execute(ctx context.Context, argv []string, step spec.PreflightStep, sig string) Record {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(e.policy.Preflight.TimeoutSeconds) * time.Second
	}
	res := e.runner.Run(ctx, engine.Command{Argv: argv, Timeout: timeout})
	record := Record{
		Argv:       argv,
		ReturnCode: res.ExitCode,
		Stdout:     ParseStdout(res.Stdout),
		Stderr:     res.Stderr,
		ElapsedMS:  res.Elapsed.Milliseconds(),
		Sig:        sig,
	}
	if res.Err != nil {
		record.Error = res.Err.Error()
	}
	if res.TimedOut {
		record.Error = fmt.Sprintf("timed out after %s", timeout)
	}
	return record
}

// Inputs converts step results into evidence pipeline inputs.
func Inputs(results []StepResult) []evidence.StepInput {
	out := make([]evidence.StepInput, 0, len(results))
	for _, result := range results {
		out = append(out, evidence.StepInput{
			Step:     result.Step,
			Payload:  result.Payload(),
			ExitCode: result.Record.ReturnCode,
			Ran:      result.Ran,
		})
	}
	return out
}

// StoreFiltered rewrites a step artifact so stdout holds the transformed rows
// while stdout_raw keeps the tool output. Steps without active filters are
// left untouched.
func (e *Executor) StoreFiltered(result StepResult, stats evidence.StepStats, rows []evidence.Row) error {
	if !result.Ran || len(stats.Filters) == 0 || stats.Skipped != "" {
		return nil
	}
	record := result.Record.Fresh()
	record.StdoutRaw = record.Stdout
	if rows == nil {
		rows = []evidence.Row{}
	}
	record.Stdout = rows
	record.Filter = &FilterSummary{
		RowsBefore:     stats.RowsBefore,
		RowsAfter:      stats.RowsAfter,
		FilteredToZero: stats.FilteredToZero,
	}
	return e.writer.ReplaceJSON(result.Artifact, record, "filtered preflight rows")
}

// Records summarizes step results and pipeline stats for the question record.
func Records(results []StepResult, stats []evidence.StepStats) []artifact.PreflightRecord {
	byStep := make(map[string]evidence.StepStats, len(stats))
	for _, stat := range stats {
		byStep[stat.Step] = stat
	}
	out := make([]artifact.PreflightRecord, 0, len(results))
	for _, result := range results {
		stat := byStep[result.Step.Name]
		out = append(out, artifact.PreflightRecord{
			Step:           result.Step.Name,
			Artifact:       result.Artifact,
			ExitCode:       result.Record.ReturnCode,
			ElapsedMS:      result.Record.ElapsedMS,
			Cached:         result.Cached,
			ShortCircuited: result.ShortCircuited,
			RowsBefore:     stat.RowsBefore,
			RowsAfter:      stat.RowsAfter,
			FilteredToZero: stat.FilteredToZero,
			Starved:        stat.Starved,
			Filters:        stat.Filters,
			Skipped:        stat.Skipped,
			Error:          result.Record.Error,
		})
	}
	return out
}
