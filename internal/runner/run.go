package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"ragpack/internal/answer"
	"ragpack/internal/artifact"
	"ragpack/internal/config"
	"ragpack/internal/contract"
	"ragpack/internal/engine"
	"ragpack/internal/evidence"
	"ragpack/internal/logging"
	"ragpack/internal/plugin"
	"ragpack/internal/preflight"
	"ragpack/internal/prompt"
	"ragpack/internal/spec"
	"ragpack/internal/vcs"
)

// Params configures one run. Pack must already be normalized and validated
// against Policy.
type Params struct {
	Pack       spec.Pack
	PackPath   string
	PolicyPath string
	Policy     *config.Policy
	Paths      engine.Paths

	// Runner executes preflight commands and, when Backend is nil, the engine
	// chat command.
	Runner      engine.Runner
	Backend     answer.Backend
	BackendName string
	Model       string

	Jobs              int
	QuoteBypass       string
	EvidenceEmptyGate bool
	AdaptiveTopK      bool
	TopKInitial       int
	Plugin            string
	Plugins           *plugin.Registry
	NoCache           bool
	RunnerVersion     string

	// Logger overrides the RUN_LOG.jsonl logger built from LogLevel.
	Logger   *zap.Logger
	LogLevel zapcore.Level

	Observer      RunObserver
	Verbose       bool
	VerboseWriter io.Writer
	NoColor       bool

	Deps Dependencies
}

// Dependencies are the clock, identity and repository hooks of a run.
type Dependencies struct {
	RunID         func() (string, error)
	Now           func() time.Time
	RepoDescriber func(ctx context.Context, dir string) (*artifact.RepoInfo, error)
}

func (d Dependencies) withDefaults() Dependencies {
	if d.RunID == nil {
		d.RunID = NewRunID
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.RepoDescriber == nil {
		d.RepoDescriber = vcs.Describe
	}
	return d
}

// Outcome is the result of a completed run.
type Outcome struct {
	RunID     string
	OutDir    string
	Records   []artifact.QuestionRecord
	Manifest  artifact.Manifest
	Fatal     bool
	Cancelled bool
	// StoppedBy names the question whose fail-fast gate stopped the run.
	StoppedBy string
}

// ExitCode maps the outcome to the CLI exit status.
func (o Outcome) ExitCode() int {
	if o.Fatal {
		return 2
	}
	if o.Cancelled {
		return 1
	}
	return 0
}

// run is the state shared by every question of one invocation.
type run struct {
	params    Params
	pack      *spec.Pack
	policy    *config.Policy
	writer    *artifact.Writer
	executor  *preflight.Executor
	pipeline  *evidence.Pipeline
	validator *contract.Validator
	assembler *prompt.Assembler
	synth     *answer.Synthesizer
	backend   answer.Backend
	logger    *zap.Logger
	observer  RunObserver
	verbose   io.Writer
	mission   bool
	bypass    string
	stopped   atomic.Pointer[string]
}

// Run executes every question of the pack, writes the report, invokes the
// configured plugin and writes the manifest. Configuration faults are returned
// before any question starts. Operator cancellation stops scheduling and
// still flushes the questions that completed.
func Run(ctx context.Context, params Params) (Outcome, error) {
	if params.Policy == nil {
		return Outcome{}, errors.New("runner requires a policy")
	}
	if len(params.Pack.Questions) == 0 {
		return Outcome{}, errors.New("pack has no questions")
	}
	deps := params.Deps.withDefaults()
	policy := params.Policy
	pack := params.Pack

	registry := params.Plugins
	if registry == nil {
		registry = plugin.DefaultRegistry()
	}
	pluginName, err := plugin.Selected(pack, params.Plugin)
	if err != nil {
		return Outcome{}, err
	}
	selected, err := registry.Resolve(pluginName, policy)
	if err != nil {
		return Outcome{}, err
	}
	eng, err := engine.Lookup(policy, pack.Engine)
	if err != nil {
		return Outcome{}, err
	}
	runID, err := deps.RunID()
	if err != nil {
		return Outcome{}, err
	}
	writer, err := artifact.NewWriter(params.Paths.OutDir)
	if err != nil {
		return Outcome{}, err
	}
	paths := params.Paths
	paths.OutDir = writer.Dir()

	logger := params.Logger
	ownLogger := false
	if logger == nil {
		logger, err = logging.NewRunLogger(writer.Dir(), policy.Outputs.LogFile, params.LogLevel)
		if err != nil {
			return Outcome{}, err
		}
		ownLogger = true
	}
	logger = logger.With(zap.String("run_id", runID))

	cmdRunner := params.Runner
	if cmdRunner == nil {
		cmdRunner = engine.NewExecRunner()
	}
	backend := params.Backend
	if backend == nil {
		backend = &answer.EngineBackend{
			Engine:  eng,
			Runner:  cmdRunner,
			Paths:   paths,
			Backend: params.BackendName,
			Timeout: time.Duration(policy.Engines[eng.Name].Chat.TimeoutSeconds) * time.Second,
		}
	}

	pipeline := evidence.NewPipeline(policy)
	executor, err := preflight.NewExecutor(preflight.Options{
		Policy:   policy,
		Runner:   cmdRunner,
		Writer:   writer,
		Pipeline: pipeline,
		Paths:    paths,
		Logger:   logger,
		PackPath: params.PackPath,
		// --no-cache wins over the policy.
		DisableCache: params.NoCache || !policy.Preflight.Cache.Enabled,
	})
	if err != nil {
		return Outcome{}, err
	}
	validator, err := contract.New(policy)
	if err != nil {
		return Outcome{}, err
	}

	jobs := params.Jobs
	if jobs <= 0 {
		jobs = 1
	}
	bypass := params.QuoteBypass
	if bypass == "" {
		bypass = policy.Gates.QuoteBypass.Mode
	}
	observer := params.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	r := &run{
		params:    params,
		pack:      &pack,
		policy:    policy,
		writer:    writer,
		executor:  executor,
		pipeline:  pipeline,
		validator: validator,
		assembler: prompt.NewAssembler(policy),
		synth:     answer.NewSynthesizer(policy),
		backend:   backend,
		logger:    logger,
		observer:  observer,
		verbose:   wrapVerboseWriter(jobs, params.VerboseWriter),
		mission:   config.IsMission(pack, policy),
		bypass:    bypass,
	}

	logger.Info("run.start",
		zap.String("pack", params.PackPath),
		zap.String("engine", pack.Engine),
		zap.String("backend", backend.Name()),
		zap.Int("questions", len(pack.Questions)),
		zap.Int("jobs", jobs),
		zap.Bool("mission", r.mission),
		zap.String("quote_bypass", bypass),
	)
	r.logVerbose(styleDefault, "run %s: %d questions, engine=%s backend=%s jobs=%d", runID, len(pack.Questions), pack.Engine, backend.Name(), jobs)
	observer.OnRunStart(runID, params.PackPath, len(pack.Questions))
	for i, q := range pack.Questions {
		observer.OnQuestionEvent(r.event(i, q, QuestionQueued))
	}

	records, cancelled, err := r.execute(ctx, jobs)
	if err != nil {
		if ownLogger {
			_ = logger.Sync()
		}
		return Outcome{}, err
	}

	outcome := Outcome{RunID: runID, OutDir: writer.Dir(), Records: records, Cancelled: cancelled}
	if stop := r.stopped.Load(); stop != nil {
		outcome.StoppedBy = *stop
	}
	// Flushing must survive operator cancellation.
	flushCtx := context.WithoutCancel(ctx)
	manifest, err := r.finish(flushCtx, deps, runID, outcome, selected)
	if ownLogger {
		_ = logger.Sync()
	}
	if err != nil {
		return Outcome{}, err
	}
	outcome.Manifest = manifest
	outcome.Fatal = manifest.Outputs.Fatal
	observer.OnRunEnd(outcome)
	return outcome, nil
}

// execute runs the questions with at most jobs in flight and returns the
// completed records in pack order.
func (r *run) execute(ctx context.Context, jobs int) ([]artifact.QuestionRecord, bool, error) {
	questions := r.pack.Questions
	slots := make([]*artifact.QuestionRecord, len(questions))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(jobs)

	launched := 0
	for i := range questions {
		if ctx.Err() != nil || r.stopped.Load() != nil {
			break
		}
		index := i
		group.Go(func() error {
			if groupCtx.Err() != nil || r.stopped.Load() != nil {
				return nil
			}
			record, err := r.question(groupCtx, index, questions[index])
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("question %s: %w", questions[index].ID, err)
			}
			slots[index] = &record
			return nil
		})
		launched++
	}
	if err := group.Wait(); err != nil {
		return nil, false, err
	}

	records := make([]artifact.QuestionRecord, 0, len(questions))
	for i, slot := range slots {
		if slot == nil {
			r.observer.OnQuestionEvent(r.event(i, questions[i], QuestionSkipped))
			continue
		}
		records = append(records, *slot)
	}
	cancelled := ctx.Err() != nil && len(records) < len(questions)
	if cancelled {
		r.logger.Warn("run.cancelled", zap.Int("completed", len(records)), zap.Int("launched", launched))
	}
	return records, cancelled, nil
}

func (r *run) event(index int, q spec.Question, kind QuestionEventType) QuestionEvent {
	return QuestionEvent{
		QuestionIndex: index,
		QuestionID:    q.ID,
		Title:         q.Title,
		Type:          kind,
		EmittedAt:     time.Now(),
	}
}

func (r *run) logVerbose(style verboseStyle, format string, args ...any) {
	logVerbose(r.params.Verbose, r.verbose, r.params.NoColor, style, format, args...)
}

func (r *run) packLabel() string {
	if r.params.PackPath == "" {
		return r.pack.PackType
	}
	return filepath.Base(r.params.PackPath)
}
