package plugin

import (
	"context"
	"fmt"
	"os"

	"ragpack/internal/artifact"
	"ragpack/internal/duckdb"
)

const runIndexFile = "RUN_INDEX.duckdb"

// RunIndex stores the run outcome in a DuckDB file inside the output
// directory.
type RunIndex struct{}

func (r *RunIndex) Name() string { return "run_index" }

func (r *RunIndex) PostRun(ctx context.Context, run Context) (artifact.PluginOutputs, error) {
	path := run.Writer.Path(runIndexFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return artifact.PluginOutputs{}, fmt.Errorf("reset run index: %w", err)
	}
	db, err := duckdb.Open(ctx, path)
	if err != nil {
		return artifact.PluginOutputs{}, err
	}
	manifest := run.Manifest
	if err := duckdb.IngestRun(ctx, db, &manifest, run.Records); err != nil {
		_ = db.Close()
		return artifact.PluginOutputs{}, err
	}
	if err := db.Close(); err != nil {
		return artifact.PluginOutputs{}, fmt.Errorf("close run index: %w", err)
	}
	if err := run.Writer.Track(runIndexFile, "run index"); err != nil {
		return artifact.PluginOutputs{}, err
	}
	return outputsFor(run.Writer, map[string]float64{
		"indexed_questions": float64(len(run.Records)),
	}, runIndexFile), nil
}
