package runner

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"ragpack/internal/artifact"
	"ragpack/internal/plugin"
)

// finish writes the report, runs the plugin hook and writes the manifest,
// in that order.
func (r *run) finish(ctx context.Context, deps Dependencies, runID string, outcome Outcome, selected plugin.Plugin) (artifact.Manifest, error) {
	policy := r.policy
	pack := r.pack
	packInfo := artifact.PackInfo{
		Path:     r.params.PackPath,
		PackType: pack.PackType,
		Engine:   pack.Engine,
		Version:  pack.Version,
	}

	report := artifact.RenderReport(artifact.ReportInput{
		RunID:     runID,
		Pack:      packInfo,
		Backend:   r.backend.Name(),
		Model:     r.params.Model,
		Records:   outcome.Records,
		Cancelled: outcome.Cancelled,
		StoppedBy: outcome.StoppedBy,
	})
	if err := r.writer.Write(policy.Outputs.ReportFile, []byte(report)); err != nil {
		return artifact.Manifest{}, err
	}

	summaries, scoreOK, fatal := artifact.Summarize(outcome.Records)
	manifest := artifact.Manifest{
		SchemaVersion: policy.Manifest.SchemaVersion,
		RunID:         runID,
		GeneratedAt:   artifact.Timestamp(deps.Now()),
		Pack:          packInfo,
		Repo:          r.describeRepo(ctx, deps),
		Tools: artifact.ToolsInfo{
			RunnerVersion: r.params.RunnerVersion,
			Backend:       r.backend.Name(),
			Model:         r.params.Model,
		},
		Inputs: artifact.Inputs{
			Pack:   artifact.Identify(r.params.PackPath),
			Corpus: artifact.Identify(r.params.Paths.Corpus),
			Index:  artifact.Identify(r.params.Paths.Index),
		},
		Outputs: artifact.Outputs{
			ScoreOK:        scoreOK,
			TotalQuestions: len(summaries),
			OKPercentage:   artifact.OKPercentage(scoreOK, len(summaries)),
			Fatal:          fatal,
			Cancelled:      outcome.Cancelled,
			OutputDir:      r.writer.Dir(),
			Report:         policy.Outputs.ReportFile,
			Questions:      summaries,
		},
	}
	if r.params.PolicyPath != "" {
		identity := artifact.Identify(r.params.PolicyPath)
		manifest.Inputs.Policy = &identity
	}

	plugin.Run(ctx, selected, plugin.Context{
		Pack:     pack,
		Policy:   policy,
		Writer:   r.writer,
		Manifest: manifest,
		Records:  outcome.Records,
		Logger:   r.logger,
	}, &manifest)

	manifest.Outputs.Artifacts = r.writer.Entries()
	if err := r.writer.WriteJSON(policy.Outputs.ManifestFile, manifest); err != nil {
		return artifact.Manifest{}, err
	}

	r.logger.Info("run.done",
		zap.Int("questions", len(summaries)),
		zap.Int("score_ok", scoreOK),
		zap.Bool("fatal", fatal),
		zap.Bool("cancelled", outcome.Cancelled),
		zap.String("stopped_by", outcome.StoppedBy),
		zap.String("report", filepath.Join(r.writer.Dir(), policy.Outputs.ReportFile)),
	)
	style := styleMetrics
	if fatal {
		style = styleError
	}
	r.logVerbose(style, "run %s (%s) done: %d/%d ok (%.1f%%) fatal=%t", runID, r.packLabel(), scoreOK, len(summaries), manifest.Outputs.OKPercentage, fatal)
	return manifest, nil
}

// describeRepo reads git metadata of the target directory, or of the pack's
// directory when no target is set. Outside a repository the section is
// omitted.
func (r *run) describeRepo(ctx context.Context, deps Dependencies) *artifact.RepoInfo {
	dir := r.params.Paths.TargetDir
	if dir == "" && r.params.PackPath != "" {
		dir = filepath.Dir(r.params.PackPath)
	}
	if dir == "" {
		return nil
	}
	repo, err := deps.RepoDescriber(ctx, dir)
	if err != nil {
		r.logger.Debug("run.repo.unavailable", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	return repo
}
