package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ragpack/internal/answer"
	"ragpack/internal/config"
	"ragpack/internal/engine"
	"ragpack/internal/logging"
	"ragpack/internal/runner"
	"ragpack/internal/ui/live"
)

type runOptions struct {
	pack              string
	policy            string
	index             string
	corpus            string
	targetDir         string
	outDir            string
	backend           string
	model             string
	jobs              int
	quoteBypass       string
	evidenceEmptyGate bool
	adaptiveTopK      bool
	topKInitial       int
	plugin            string
	noCache           bool
	questions         []string
	logLevel          string
	verbose           bool
	noColor           bool
	ui                string
}

// runPack is swapped in tests.
var runPack = runner.Run

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run --pack <path> [flags]",
		Short: "Run every question of a pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeRun(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.pack, "pack", "", "Path to pack.yaml")
	flags.StringVar(&opts.policy, "policy", "", "Policy override file merged onto the built-in policy")
	flags.StringVar(&opts.index, "index", "", "Engine retrieval index")
	flags.StringVar(&opts.corpus, "corpus", "", "Engine corpus (parquet) file")
	flags.StringVar(&opts.corpus, "parquet", "", "Alias of --corpus")
	flags.StringVar(&opts.targetDir, "target-dir", "", "Audited source tree, exposed as {target_dir}")
	flags.StringVar(&opts.outDir, "out-dir", "", "Run output directory (default: <out_dir_base>/<timestamp>_<engine>_<pack>)")
	flags.StringVar(&opts.backend, "backend", "", "Engine chat backend, or openrouter to call the API directly")
	flags.StringVar(&opts.model, "model", "", "Model override")
	flags.IntVar(&opts.jobs, "jobs", 1, "Questions answered concurrently")
	flags.StringVar(&opts.quoteBypass, "quote-bypass", "", "Quote-bypass mode: auto|on|off (default: policy)")
	flags.BoolVar(&opts.evidenceEmptyGate, "evidence-empty-gate", false, "Skip the model and answer NOT FOUND when evidence is empty")
	flags.BoolVar(&opts.adaptiveTopK, "adaptive-top-k", false, "Start with a smaller top_k and rerun once at full top_k on validation issues")
	flags.IntVar(&opts.topKInitial, "top-k-initial", 0, "Initial top_k for --adaptive-top-k (default: pack)")
	flags.StringVar(&opts.plugin, "plugin", "", "Plugin to run after the questions (overrides the pack)")
	flags.BoolVar(&opts.noCache, "no-cache", false, "Run every preflight command even when an identical step already ran")
	flags.StringSliceVar(&opts.questions, "question", nil, "Run only these question ids (repeatable, comma separated)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "RUN_LOG.jsonl level (debug, info, warn, error)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Print progress lines to stderr")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	flags.StringVar(&opts.ui, "ui", "auto", "Console output: auto|live|plain")
	_ = cmd.MarkFlagRequired("pack")
	return cmd
}

func executeRun(cmd *cobra.Command, opts *runOptions) error {
	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()

	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return fail(ExitUsage, "%v", err)
	}
	bypass := strings.ToLower(strings.TrimSpace(opts.quoteBypass))
	switch bypass {
	case "", "auto", "on", "off":
	default:
		return fail(ExitUsage, "invalid --quote-bypass %q (expected auto|on|off)", opts.quoteBypass)
	}
	if opts.jobs < 1 {
		return fail(ExitUsage, "--jobs must be at least 1")
	}
	selectors, err := runner.ParseSelectors(opts.questions)
	if err != nil {
		return fail(ExitUsage, "%v", err)
	}
	decision, err := resolveUIMode(opts.ui, opts.verbose, stdout)
	if err != nil {
		return fail(ExitUsage, "%v", err)
	}
	if decision.warning != "" {
		fmt.Fprintln(stderr, decision.warning)
	}

	policy, err := config.LoadPolicy(opts.policy)
	if err != nil {
		return fail(ExitError, "Failed to load policy:\n%v", err)
	}
	pack, err := config.LoadPack(opts.pack, policy)
	if err != nil {
		return fail(ExitError, "Invalid pack:\n%v", err)
	}
	pack, err = runner.SelectQuestions(pack, selectors)
	if err != nil {
		return fail(ExitUsage, "%v", err)
	}

	paths := engine.Paths{
		Index:     absOrEmpty(opts.index),
		Corpus:    absOrEmpty(opts.corpus),
		TargetDir: absOrEmpty(opts.targetDir),
		OutDir:    opts.outDir,
	}
	if paths.OutDir == "" {
		paths.OutDir = config.OutDir(policy.Outputs.OutDirBase, pack.Engine, opts.pack, time.Now())
	}

	params := runner.Params{
		Pack:              pack,
		PackPath:          absOrEmpty(opts.pack),
		PolicyPath:        absOrEmpty(opts.policy),
		Policy:            policy,
		Paths:             paths,
		BackendName:       opts.backend,
		Model:             opts.model,
		Jobs:              opts.jobs,
		QuoteBypass:       bypass,
		EvidenceEmptyGate: opts.evidenceEmptyGate,
		AdaptiveTopK:      opts.adaptiveTopK,
		TopKInitial:       opts.topKInitial,
		Plugin:            opts.plugin,
		NoCache:           opts.noCache,
		RunnerVersion:     Version,
		LogLevel:          level,
		Verbose:           opts.verbose,
		VerboseWriter:     stderr,
		NoColor:           opts.noColor,
	}
	if !cmd.Flags().Changed("adaptive-top-k") && pack.Defaults.AdaptiveTopK != nil {
		params.AdaptiveTopK = *pack.Defaults.AdaptiveTopK
	}
	if strings.EqualFold(opts.backend, "openrouter") {
		backend, err := answer.FromEnv("openrouter", opts.model, nil)
		if err != nil {
			return fail(ExitError, "OpenRouter backend: %v", err)
		}
		params.Backend = backend
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var controller *live.Controller
	if decision.useLive {
		controller = live.Start(stdout, live.Options{NoColor: opts.noColor, OnInterrupt: stop})
		params.Observer = controller
	} else {
		params.Observer = newPlainObserver(stdout)
	}

	outcome, err := runPack(ctx, params)
	if controller != nil {
		controller.Close()
		controller.Wait()
	}
	if err != nil {
		return fail(ExitError, "Run failed: %v", err)
	}
	printSummary(stdout, policy, outcome)
	if code := outcome.ExitCode(); code != ExitOK {
		return &exitError{code: code}
	}
	return nil
}

func printSummary(w io.Writer, policy *config.Policy, outcome runner.Outcome) {
	outputs := outcome.Manifest.Outputs
	fmt.Fprintf(w, "Run %s: %d/%d ok (%.1f%%)\n", outcome.RunID, outputs.ScoreOK, outputs.TotalQuestions, outputs.OKPercentage)
	switch {
	case outcome.StoppedBy != "":
		fmt.Fprintf(w, "Stopped: empty evidence for %s ended the run\n", outcome.StoppedBy)
	case outcome.Cancelled:
		fmt.Fprintln(w, "Cancelled: remaining questions were skipped")
	}
	if outcome.Fatal {
		fmt.Fprintln(w, "FATAL: contract gates failed")
	}
	fmt.Fprintf(w, "Report: %s\n", filepath.Join(outcome.OutDir, policy.Outputs.ReportFile))
	fmt.Fprintf(w, "Manifest: %s\n", filepath.Join(outcome.OutDir, policy.Outputs.ManifestFile))
}

func absOrEmpty(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
