package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ragpack/internal/spec"
)

const validPackYAML = `version: "1"
pack_type: rust_audit
engine: rsqt
response_schema: |
  VERDICT=TRUE_POSITIVE|FALSE_POSITIVE|INDETERMINATE
  CITATIONS=path:line(-line), ...
  SEVERITY=...
defaults:
  chat_top_k: 6
questions:
  - id: Q1
    title: Unsafe blocks
    category: safety
    question: Are there unsafe blocks?
    preflight:
      - name: unsafe
        cmd: ["query", "--kind", "unsafe"]
      - name: hotspots
        cmd: ["query", "--kind", "unsafe", "--top"]
        transform:
          group_by_path_top_n:
            from: unsafe
  - id: Q2
    title: Panics
    category: robustness
    question: Where can the code panic?
    answer_mode: LLM
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func mustPolicy(t *testing.T) *Policy {
	t.Helper()
	policy, err := DefaultPolicy()
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	return policy
}

func TestDefaultPolicyLoads(t *testing.T) {
	policy := mustPolicy(t)
	if policy.PackDefaults.ChatTopK != 12 {
		t.Fatalf("expected chat_top_k 12, got %d", policy.PackDefaults.ChatTopK)
	}
	if _, ok := policy.Engines["rsqt"]; !ok {
		t.Fatalf("expected rsqt engine in default policy")
	}
	if policy.Evidence.MaxChars["list"] != 1600 {
		t.Fatalf("expected list cap 1600, got %d", policy.Evidence.MaxChars["list"])
	}
	if !policy.IsDisableAlias(" None ") || !policy.IsDisableAlias("null") {
		t.Fatalf("expected none and null to disable plugins")
	}
	if policy.IsDisableAlias("findings") {
		t.Fatalf("findings must not be a disable alias")
	}
}

func TestLoadPolicyDeepMerges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.yaml", `
pack_defaults:
  chat_top_k: 20
evidence:
  max_chars:
    list: 900
gates:
  quote_bypass:
    mode: "on"
`)
	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.PackDefaults.ChatTopK != 20 {
		t.Fatalf("expected override chat_top_k 20, got %d", policy.PackDefaults.ChatTopK)
	}
	if policy.PackDefaults.MaxTokens != 1024 {
		t.Fatalf("expected sibling max_tokens to survive merge, got %d", policy.PackDefaults.MaxTokens)
	}
	if policy.Evidence.MaxChars["list"] != 900 || policy.Evidence.MaxChars["block"] != 8000 {
		t.Fatalf("unexpected max_chars after merge: %v", policy.Evidence.MaxChars)
	}
	if policy.Gates.QuoteBypass.Mode != "on" {
		t.Fatalf("expected quote bypass on, got %q", policy.Gates.QuoteBypass.Mode)
	}
}

func TestLoadPolicyRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.yaml", "pack_defaults:\n  chat_topk: 3\n")
	if _, err := LoadPolicy(path); err == nil {
		t.Fatalf("expected unknown policy key to fail")
	}
}

func TestLoadPolicyRejectsBadQuoteBypassMode(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.yaml", "gates:\n  quote_bypass:\n    mode: sometimes\n")
	_, err := LoadPolicy(path)
	if err == nil || !strings.Contains(err.Error(), "gates.quote_bypass.mode") {
		t.Fatalf("expected quote bypass mode error, got %v", err)
	}
}

func TestDeepMergeLeavesInputsUntouched(t *testing.T) {
	base := map[string]any{"a": map[string]any{"x": 1, "y": 2}, "list": []any{1, 2}}
	override := map[string]any{"a": map[string]any{"y": 3}, "list": []any{9}}
	merged := deepMerge(base, override)

	want := map[string]any{"a": map[string]any{"x": 1, "y": 3}, "list": []any{9}}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Fatalf("merged mismatch (-want +got):\n%s", diff)
	}
	if base["a"].(map[string]any)["y"] != 2 {
		t.Fatalf("base was mutated: %v", base)
	}
}

func TestLoadPackNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pack.yaml", validPackYAML)
	pack, err := LoadPack(path, mustPolicy(t))
	if err != nil {
		t.Fatalf("load pack: %v", err)
	}
	if pack.Questions[0].AnswerMode != "model" || pack.Questions[0].AdviceMode != "none" {
		t.Fatalf("unexpected default modes: %q %q", pack.Questions[0].AnswerMode, pack.Questions[0].AdviceMode)
	}
	if pack.Questions[1].AnswerMode != "model" {
		t.Fatalf("expected llm alias to map to model, got %q", pack.Questions[1].AnswerMode)
	}
	if pack.Questions[0].TopK != 6 {
		t.Fatalf("expected question top_k to inherit defaults, got %d", pack.Questions[0].TopK)
	}
	if pack.Defaults.TopKInitial != 8 {
		t.Fatalf("expected chat_top_k_initial 8, got %d", pack.Defaults.TopKInitial)
	}
	if pack.Validation.FailOnMissingCitations == nil || !*pack.Validation.FailOnMissingCitations {
		t.Fatalf("expected fail_on_missing_citations to default true")
	}
	group := pack.Questions[0].Preflight[1].Transform.GroupByPathTopN
	if group == nil || group.TopN != 5 || group.PerPath != 5 {
		t.Fatalf("expected group_by defaults, got %+v", group)
	}
	if pack.Questions[0].Preflight[0].TimeoutSeconds != 300 {
		t.Fatalf("expected step timeout default, got %d", pack.Questions[0].Preflight[0].TimeoutSeconds)
	}
}

func TestValidateCollectsIssues(t *testing.T) {
	policy := mustPolicy(t)
	pack, err := spec.ParsePack([]byte(validPackYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pack.Engine = "grep"
	pack.Questions[1].ID = "Q1"
	pack.Questions[0].Preflight[1].Transform.GroupByPathTopN.From = "later"
	pack.Questions[0].Preflight = append(pack.Questions[0].Preflight, spec.PreflightStep{Name: "unsafe"})
	Normalize(&pack, policy)

	err = Validate(&pack, policy)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if validationErr.Document != "pack" {
		t.Fatalf("expected pack document, got %q", validationErr.Document)
	}
	if diff := cmp.Diff([]int{0}, validationErr.Questions()); diff != "" {
		t.Fatalf("affected questions mismatch (-want +got):\n%s", diff)
	}
	message := err.Error()
	for _, want := range []string{
		`engine: unknown engine "grep"`,
		`questions.id: duplicate id "Q1"`,
		"group_by_path_top_n.from: must name an earlier step",
		`duplicate step name "unsafe"`,
		"questions[0].preflight[2].cmd: is required",
	} {
		if !strings.Contains(message, want) {
			t.Fatalf("expected %q in:\n%s", want, message)
		}
	}
}

func TestIssueCollectorKeepsRepeatedIssueOnce(t *testing.T) {
	collector := newIssueCollector("policy")
	collector.add("preflight.default_exclude_path_regex[0]", "invalid regex")
	collector.add("preflight.default_exclude_path_regex[0]", "invalid regex")
	collector.add("engines", "at least one engine is required")
	err := collector.result()
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(validationErr.Issues) != 2 || validationErr.Document != "policy" {
		t.Fatalf("unexpected issues: %+v", validationErr)
	}
	if len(validationErr.Questions()) != 0 {
		t.Fatalf("policy issues name no questions")
	}
	if newIssueCollector("pack").result() != nil {
		t.Fatalf("empty collector must not fail")
	}
}

func TestPreflightCacheToggle(t *testing.T) {
	if !mustPolicy(t).Preflight.Cache.Enabled {
		t.Fatalf("expected preflight cache enabled by default")
	}
	path := writeFile(t, t.TempDir(), "policy.yaml", "preflight:\n  cache:\n    enabled: false\n")
	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.Preflight.Cache.Enabled || policy.Preflight.TimeoutSeconds != 300 {
		t.Fatalf("unexpected preflight policy: %+v", policy.Preflight)
	}
}

func TestValidateMissionRequiresModelAdvice(t *testing.T) {
	policy := mustPolicy(t)
	pack, err := spec.ParsePack([]byte(validPackYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pack.PackType = "rust_mission_audit"
	Normalize(&pack, policy)
	if !IsMission(pack, policy) {
		t.Fatalf("expected mission pack type to enable the gate")
	}
	err = Validate(&pack, policy)
	if err == nil || !strings.Contains(err.Error(), "mission packs require advice_mode=model") {
		t.Fatalf("expected mission advice error, got %v", err)
	}

	off := false
	pack.Runner.Mission = &off
	if IsMission(pack, policy) {
		t.Fatalf("runner.mission=false must override pack_type")
	}
}

func TestValidateRejectsBadRegex(t *testing.T) {
	policy := mustPolicy(t)
	pack, err := spec.ParsePack([]byte(validPackYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pack.Questions[0].Preflight[0].Transform.RequireRegex = spec.StringList{"("}
	Normalize(&pack, policy)
	err = Validate(&pack, policy)
	if err == nil || !strings.Contains(err.Error(), "require_regex[0]: invalid regex") {
		t.Fatalf("expected regex error, got %v", err)
	}
}

func TestValidateRejectsUnknownFilterFn(t *testing.T) {
	policy := mustPolicy(t)
	pack, err := spec.ParsePack([]byte(validPackYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pack.Questions[0].Preflight[0].Transform.FilterFn = "drop_all"
	Normalize(&pack, policy)
	err = Validate(&pack, policy)
	if err == nil || !strings.Contains(err.Error(), `filter_fn: unsupported filter "drop_all"`) {
		t.Fatalf("expected filter_fn error, got %v", err)
	}

	pack.Questions[0].Preflight[0].Transform.FilterFn = spec.FilterCompactDocs
	if err := Validate(&pack, policy); err != nil {
		t.Fatalf("compact_docs should validate: %v", err)
	}
}

func TestOutDir(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := OutDir("runs", "RSQT", "/packs/Rust Audit Pack.yaml", now)
	want := filepath.Join("runs", "20260304T050607Z_rsqt_rust-audit-pack")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if Slug("!!!", 10, "fallback") != "fallback" {
		t.Fatalf("expected fallback slug")
	}
}
