package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterAppendOnly(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Write("Q1_chat.json", []byte("one")); err != nil {
		t.Fatalf("write: %v", err)
	}
	err = w.Write("Q1_chat.json", []byte("two"))
	if !errors.Is(err, ErrArtifactExists) {
		t.Fatalf("expected ErrArtifactExists, got %v", err)
	}
	if err := w.Replace("Q1_chat.json", []byte("fixed"), ""); err == nil {
		t.Fatalf("expected replace without purpose to fail")
	}
	if err := w.Replace("Q2_chat.json", []byte("x"), "fix"); err == nil {
		t.Fatalf("expected replace of unknown artifact to fail")
	}
	if err := w.Replace("Q1_chat.json", []byte("fixed"), "gate B citation auto-complete"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	data, err := os.ReadFile(w.Path("Q1_chat.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "fixed" {
		t.Fatalf("expected replaced content, got %q", data)
	}
	entries := w.Entries()
	if len(entries) != 1 || entries[0].Versions != 2 || entries[0].Purpose != "gate B citation auto-complete" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestWriterOverwritesPriorRunFilesAndAdopts(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "old.json"), []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cached.json"), []byte("cached"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Write("old.json", []byte("fresh")); err != nil {
		t.Fatalf("expected prior-run file to be writable: %v", err)
	}
	if err := w.Adopt("cached.json", "preflight cache hit"); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if !w.Has("cached.json") {
		t.Fatalf("expected adopted artifact to be registered")
	}
	if err := w.Write("cached.json", []byte("again")); !errors.Is(err, ErrArtifactExists) {
		t.Fatalf("expected adopted artifact to be append-only, got %v", err)
	}
}

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	a, err := FingerprintJSON(map[string]any{"argv": []string{"x"}, "inputs": []any{map[string]any{"path": "a", "size": 1}}})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, err := FingerprintJSON(map[string]any{"inputs": []any{map[string]any{"size": 1, "path": "a"}}, "argv": []string{"x"}})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if a != b || len(a) != 64 {
		t.Fatalf("expected stable sha256 fingerprints, got %q and %q", a, b)
	}
}

func TestRenderReport(t *testing.T) {
	records := []QuestionRecord{
		{
			ID: "Q1", Title: "Unsafe", Category: "safety", AnswerMode: "deterministic", AdviceMode: "none",
			Verdict: "INDETERMINATE", Citations: []string{"src/lib.rs:10"},
			Preflight: []PreflightRecord{{Step: "step1", RowsBefore: 3, RowsAfter: 3}},
			Answer:    "VERDICT=INDETERMINATE\nCITATIONS=src/lib.rs:10\n",
		},
		{
			ID: "Q2", Title: "Empty", Category: "safety", AnswerMode: "model", AdviceMode: "none",
			Preflight: []PreflightRecord{{Step: "grep", RowsBefore: 25, RowsAfter: 0, FilteredToZero: true, Starved: true, Filters: []string{"require_contains"}}},
			Issues:    []Issue{{Kind: "evidence_empty", Message: "no usable evidence"}},
			Aborted:   "empty evidence",
			Fatal:     true,
		},
	}
	report := RenderReport(ReportInput{RunID: "r1", Pack: PackInfo{Path: "/p/pack.yaml", PackType: "audit", Engine: "rsqt", Version: "1"}, Records: records})
	for _, want := range []string{
		"Pack: pack.yaml (type=audit engine=rsqt v1)",
		"Score: 1/2 questions OK (50.0%)",
		"FATAL: 1 question(s) failed a fail-closed gate",
		"## Q1: Unsafe",
		"- Preflight step1: rc=0 rows 3 -> 3",
		"WARNING: filtered to zero (25 raw hits; filters: require_contains)",
		"- ABORTED: empty evidence",
		"**Validator issues:**\n\n- evidence_empty: no usable evidence",
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("expected %q in report:\n%s", want, report)
		}
	}
}

func TestManifestMergePluginOutputs(t *testing.T) {
	var m Manifest
	if !m.MergePluginOutputs("findings", PluginOutputs{Files: []string{"FINDINGS.jsonl"}}) {
		t.Fatalf("expected first merge to succeed")
	}
	if m.MergePluginOutputs("findings", PluginOutputs{}) {
		t.Fatalf("expected second merge to be rejected")
	}
	if len(m.Outputs.PluginOutputs["findings"].Files) != 1 {
		t.Fatalf("existing outputs were overwritten")
	}
	if OKPercentage(2, 3) != 66.7 {
		t.Fatalf("unexpected percentage %v", OKPercentage(2, 3))
	}
}

func TestWriterTracksExternalFiles(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Track("metrics.prom", "metrics"); err == nil {
		t.Fatalf("expected missing file to fail")
	}
	if err := os.WriteFile(w.Path("metrics.prom"), []byte("x 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Track("metrics.prom", "metrics"); err != nil {
		t.Fatalf("track: %v", err)
	}
	entry, ok := w.Lookup("metrics.prom")
	if !ok || entry.Bytes != 4 || entry.Reused || entry.Purpose != "metrics" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}
