package plugin

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"ragpack/internal/artifact"
	"ragpack/internal/duckdb"
	"ragpack/internal/evidence"
	"ragpack/internal/preflight"
)

const (
	findingsFile      = "FINDINGS.jsonl"
	evidenceIndexFile = "EVIDENCE_INDEX.json"
)

// Findings turns the surviving rows of every successful preflight artifact
// into one finding per location.
type Findings struct{}

func (f *Findings) Name() string { return "findings" }

type location struct {
	Path      string `json:"path"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
}

type findingEvidence struct {
	Ref      string `json:"ref"`
	Artifact string `json:"artifact"`
	Source   string `json:"source"`
	Hash     string `json:"hash"`
}

type finding struct {
	FindingID       string            `json:"finding_id"`
	QuestionID      string            `json:"question_id"`
	RuleID          string            `json:"rule_id"`
	PrimaryLocation location          `json:"primary_location"`
	Snippet         string            `json:"snippet,omitempty"`
	Evidence        []findingEvidence `json:"evidence"`
}

type evidenceEntry struct {
	Artifact    string `json:"artifact"`
	Source      string `json:"source"`
	Path        string `json:"path"`
	LineStart   int    `json:"line_start"`
	LineEnd     int    `json:"line_end"`
	SnippetHash string `json:"snippet_hash"`
}

func (f *Findings) PostRun(ctx context.Context, run Context) (artifact.PluginOutputs, error) {
	pipeline := evidence.NewPipeline(run.Policy)
	seen := map[string]struct{}{}
	var findings []finding
	for _, record := range run.Records {
		for _, step := range record.Preflight {
			if err := ctx.Err(); err != nil {
				return artifact.PluginOutputs{}, err
			}
			if step.Artifact == "" || step.ShortCircuited || step.ExitCode != 0 {
				continue
			}
			stored, err := preflight.LoadRecord(run.Writer.Path(step.Artifact))
			if err != nil {
				continue
			}
			for _, row := range pipeline.Rows(stored.Stdout) {
				loc := pipeline.Location(row)
				if loc == "" {
					continue
				}
				id := digest(record.ID, step.Step, loc)[:16]
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				path, start, end := duckdb.SplitCitation(loc)
				snippet := pipeline.LineText(row)
				findings = append(findings, finding{
					FindingID:       id,
					QuestionID:      record.ID,
					RuleID:          step.Step,
					PrimaryLocation: location{Path: path, LineStart: start, LineEnd: end},
					Snippet:         snippet,
					Evidence: []findingEvidence{{
						Ref:      "EV-" + id,
						Artifact: step.Artifact,
						Source:   step.Step,
						Hash:     digest(snippet),
					}},
				})
			}
		}
	}

	var lines bytes.Buffer
	index := make(map[string]evidenceEntry, len(findings))
	for _, item := range findings {
		data, err := json.Marshal(item)
		if err != nil {
			return artifact.PluginOutputs{}, fmt.Errorf("encode finding: %w", err)
		}
		lines.Write(data)
		lines.WriteByte('\n')
		for _, ev := range item.Evidence {
			index[ev.Ref] = evidenceEntry{
				Artifact:    ev.Artifact,
				Source:      ev.Source,
				Path:        item.PrimaryLocation.Path,
				LineStart:   item.PrimaryLocation.LineStart,
				LineEnd:     item.PrimaryLocation.LineEnd,
				SnippetHash: ev.Hash,
			}
		}
	}
	if err := run.Writer.Write(findingsFile, lines.Bytes()); err != nil {
		return artifact.PluginOutputs{}, err
	}
	if err := run.Writer.WriteJSON(evidenceIndexFile, index); err != nil {
		return artifact.PluginOutputs{}, err
	}
	return outputsFor(run.Writer, map[string]float64{
		"findings_total": float64(len(findings)),
	}, findingsFile, evidenceIndexFile), nil
}

func digest(parts ...string) string {
	h := sha256.New()
	for i, part := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func outputsFor(w *artifact.Writer, metrics map[string]float64, files ...string) artifact.PluginOutputs {
	outputs := artifact.PluginOutputs{Files: files, Metrics: metrics, Hashes: map[string]string{}}
	for _, name := range files {
		if entry, ok := w.Lookup(name); ok {
			outputs.Hashes[name] = entry.SHA256
		}
	}
	return outputs
}
