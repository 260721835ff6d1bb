package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"ragpack/internal/artifact"
	"ragpack/internal/config"
	"ragpack/internal/preflight"
	"ragpack/internal/spec"
)

type failingPlugin struct{}

func (failingPlugin) Name() string { return "broken" }

func (failingPlugin) PostRun(context.Context, Context) (artifact.PluginOutputs, error) {
	return artifact.PluginOutputs{}, errors.New("boom")
}

func testRun(t *testing.T) Context {
	t.Helper()
	policy, err := config.DefaultPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	writer, err := artifact.NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	record := preflight.Record{
		Argv:   []string{"rsqt", "query"},
		Stdout: []any{map[string]any{"path": "src/lib.rs", "line": 3, "text": "unsafe { x }"}, map[string]any{"path": "src/lib.rs", "line": 3}},
	}
	if err := writer.WriteJSON("Q1_unsafe.json", record); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return Context{
		Policy: policy,
		Writer: writer,
		Manifest: artifact.Manifest{
			RunID:   "run-1",
			Pack:    artifact.PackInfo{PackType: "rust_audit", Engine: "rsqt"},
			Outputs: artifact.Outputs{ScoreOK: 1, TotalQuestions: 1, OKPercentage: 100},
		},
		Records: []artifact.QuestionRecord{{
			ID:         "Q1",
			ModelCalls: 2,
			Preflight:  []artifact.PreflightRecord{{Step: "unsafe", Artifact: "Q1_unsafe.json"}, {Step: "later", ShortCircuited: true}},
		}},
	}
}

func TestResolve(t *testing.T) {
	policy, err := config.DefaultPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	registry := DefaultRegistry()
	for _, name := range []string{"", "none", " OFF "} {
		p, err := registry.Resolve(name, policy)
		if err != nil || p != nil {
			t.Fatalf("Resolve(%q) = %v, %v; want no plugin", name, p, err)
		}
	}
	p, err := registry.Resolve("Findings", policy)
	if err != nil || p == nil || p.Name() != "findings" {
		t.Fatalf("unexpected resolve result %v, %v", p, err)
	}
	if _, err := registry.Resolve("guru", policy); !errors.Is(err, ErrUnknownPlugin) {
		t.Fatalf("expected ErrUnknownPlugin, got %v", err)
	}
}

func TestSelected(t *testing.T) {
	pack := spec.Pack{Runner: spec.RunnerConfig{
		Plugin:  spec.PluginSelection{Set: true, Names: []string{"findings"}},
		Plugins: spec.PluginSelection{Set: true, Names: []string{"run_index"}},
	}}
	if name, err := Selected(pack, ""); err != nil || name != "findings" {
		t.Fatalf("expected runner.plugin to win, got %q, %v", name, err)
	}
	if name, err := Selected(pack, "prom_metrics"); err != nil || name != "prom_metrics" {
		t.Fatalf("expected override to win, got %q, %v", name, err)
	}
	pack.Runner.Plugin = spec.PluginSelection{}
	pack.Runner.Plugins = spec.PluginSelection{Set: true, Names: []string{"a", "b"}}
	if _, err := Selected(pack, ""); err == nil {
		t.Fatalf("expected error for two plugins")
	}
	pack.Runner.Plugins = spec.PluginSelection{Set: true, Off: true}
	if name, err := Selected(pack, ""); err != nil || name != "" {
		t.Fatalf("expected no plugin, got %q, %v", name, err)
	}
}

func TestRunRecordsPluginErrors(t *testing.T) {
	run := testRun(t)
	manifest := run.Manifest
	Run(context.Background(), failingPlugin{}, run, &manifest)
	if manifest.Outputs.PluginErrors["broken"] != "boom" {
		t.Fatalf("expected plugin error recorded, got %+v", manifest.Outputs.PluginErrors)
	}
}

func TestFindingsDeduplicatesLocations(t *testing.T) {
	run := testRun(t)
	manifest := run.Manifest
	Run(context.Background(), &Findings{}, run, &manifest)
	outputs, ok := manifest.Outputs.PluginOutputs["findings"]
	if !ok {
		t.Fatalf("expected findings outputs, errors=%v", manifest.Outputs.PluginErrors)
	}
	if outputs.Metrics["findings_total"] != 1 || outputs.Hashes[findingsFile] == "" {
		t.Fatalf("unexpected outputs: %+v", outputs)
	}
	file, err := os.Open(run.Writer.Path(findingsFile))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected one finding line")
	}
	var got finding
	if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PrimaryLocation.Path != "src/lib.rs" || got.PrimaryLocation.LineStart != 3 || got.RuleID != "unsafe" {
		t.Fatalf("unexpected finding: %+v", got)
	}
	data, err := os.ReadFile(run.Writer.Path(evidenceIndexFile))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if !strings.Contains(string(data), `"EV-`+got.FindingID+`"`) {
		t.Fatalf("evidence index missing ref:\n%s", data)
	}
}

func TestPromMetricsWritesTextfile(t *testing.T) {
	run := testRun(t)
	manifest := run.Manifest
	Run(context.Background(), &PromMetrics{}, run, &manifest)
	if _, ok := manifest.Outputs.PluginOutputs["prom_metrics"]; !ok {
		t.Fatalf("expected metrics outputs, errors=%v", manifest.Outputs.PluginErrors)
	}
	data, err := os.ReadFile(run.Writer.Path(metricsFile))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		`ragpack_questions_total{engine="rsqt",pack_type="rust_audit"} 1`,
		`ragpack_question_model_calls{engine="rsqt",pack_type="rust_audit",question="Q1"} 2`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics missing %q:\n%s", want, text)
		}
	}
}

func TestMergeConflictIsRecorded(t *testing.T) {
	run := testRun(t)
	manifest := run.Manifest
	manifest.MergePluginOutputs("prom_metrics", artifact.PluginOutputs{})
	Run(context.Background(), &PromMetrics{}, run, &manifest)
	if manifest.Outputs.PluginErrors["prom_metrics"] == "" {
		t.Fatalf("expected conflict to be recorded")
	}
}
