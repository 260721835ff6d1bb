package contract

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ragpack/internal/artifact"
	"ragpack/internal/config"
)

func testValidator(t *testing.T) *Validator {
	t.Helper()
	policy, err := config.DefaultPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	v, err := New(policy)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return v
}

func strictRules() Rules {
	return Rules{
		RequiredVerdicts:             []string{"TRUE_POSITIVE", "FALSE_POSITIVE", "INDETERMINATE"},
		CitationFormat:               "path:line(-line)",
		FailOnMissingCitations:       true,
		EnforceCitationsFromEvidence: true,
		EnforceNoNewPaths:            true,
		EnforcePathsMustBeCited:      true,
	}
}

const evidenceText = "[Preflight step1]:\nCITE=Q1_step1.json:1\n[step1] 3 results:\n  [src/lib.rs:3] unsafe { a }\n  [src/lib.rs:10-12] unsafe { b }\n  [src/lib.rs:40] unsafe { c }"

func universe(t *testing.T, v *Validator) *Universe {
	t.Helper()
	return v.Universe([]string{evidenceText}, []string{"Q1_step1.json:1"})
}

func kinds(issues []artifact.Issue) []string {
	var out []string
	for _, it := range issues {
		out = append(out, it.Kind)
	}
	return out
}

func TestUniverseExtractsTokensAndPaths(t *testing.T) {
	v := testValidator(t)
	u := universe(t, v)
	want := []string{"Q1_step1.json:1", "src/lib.rs:10-12", "src/lib.rs:3", "src/lib.rs:40"}
	if diff := cmp.Diff(want, u.Tokens()); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	if !u.HasPaths() {
		t.Fatalf("expected paths")
	}
}

func TestValidateCleanAnswer(t *testing.T) {
	v := testValidator(t)
	answer := "VERDICT=TRUE_POSITIVE\nCITATIONS=src/lib.rs:3, src/lib.rs:11\n\nThe block in src/lib.rs dereferences a raw pointer."
	if issues := v.Validate(answer, universe(t, v), strictRules()); len(issues) != 0 {
		t.Fatalf("expected no issues, got %+v", issues)
	}
}

func TestSchemaCollectsAllIssues(t *testing.T) {
	v := testValidator(t)
	answer := "## Analysis:\nVERDICT=MAYBE\nsome text\nVERDICT=TRUE_POSITIVE\n"
	issues := v.Schema(answer, strictRules())
	messages := Messages(issues)
	for _, want := range []string{
		"First non-empty line must be VERDICT=TRUE_POSITIVE|FALSE_POSITIVE|INDETERMINATE",
		"Second non-empty line must be CITATIONS=path:line(-line), ...",
		"Markdown/standalone 'Analysis:' or 'CITATIONS:' headers are not allowed",
		"Invalid VERDICT 'MAYBE' (allowed: ['FALSE_POSITIVE', 'INDETERMINATE', 'TRUE_POSITIVE'])",
		"VERDICT must appear exactly once",
		"Missing required line: CITATIONS=path:line(-line), ...",
		"CITATIONS is empty but fail_on_missing_citations=true",
	} {
		if !containsMessage(messages, want) {
			t.Fatalf("missing issue %q in %v", want, messages)
		}
	}
}

func TestSchemaRejectsStandaloneSectionAndBadTokens(t *testing.T) {
	v := testValidator(t)
	section := "VERDICT=INDETERMINATE\nCITATIONS\n- src/lib.rs:3\n"
	if !containsMessage(Messages(v.Schema(section, strictRules())), "CITATIONS must be a single comma-separated line (no standalone CITATIONS section)") {
		t.Fatalf("expected standalone section issue")
	}
	bad := "VERDICT=INDETERMINATE\nCITATIONS=src/lib.rs, `file:src/lib.rs:3`\n"
	messages := Messages(v.Schema(bad, strictRules()))
	if !containsMessage(messages, "CITATIONS contains invalid tokens (expected path:line(-line)): ['src/lib.rs']") {
		t.Fatalf("unexpected messages: %v", messages)
	}
}

func TestSchemaToleratesEmphasisAndColon(t *testing.T) {
	v := testValidator(t)
	answer := "**VERDICT**: FALSE_POSITIVE\n**CITATIONS**: src/lib.rs:3\n"
	if issues := v.Schema(answer, strictRules()); len(issues) != 0 {
		t.Fatalf("expected tolerant parse, got %+v", issues)
	}
	parsed := v.Parse(answer)
	if parsed.Verdict != "FALSE_POSITIVE" || !cmp.Equal(parsed.Citations, []string{"src/lib.rs:3"}) {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
}

func TestRequiredKeysFromStrictTemplate(t *testing.T) {
	v := testValidator(t)
	template := "VERDICT=<...>\nCITATIONS=<...>\nUNSAFE_COUNT=<n>\nRISK=<text>\nRISK=<dup>"
	keys := RequiredKeysFromSchema(template)
	if diff := cmp.Diff([]string{"UNSAFE_COUNT", "RISK"}, keys); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	rules := strictRules().WithRequiredKeys(template)
	answer := "VERDICT=INDETERMINATE\nCITATIONS=src/lib.rs:3\nUNSAFE_COUNT=3\nRISK=N/A\n"
	messages := Messages(v.Schema(answer, rules))
	if diff := cmp.Diff([]string{"Missing required key line: RISK="}, messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestProvenanceRejectsUninjectedTokens(t *testing.T) {
	v := testValidator(t)
	answer := "VERDICT=TRUE_POSITIVE\nCITATIONS=src/lib.rs:3, src/main.rs:1\n"
	issues := v.Provenance(answer, universe(t, v))
	if len(issues) != 1 || !strings.Contains(issues[0].Message, "Unknown citation tokens (not in evidence): ['src/main.rs:1']") {
		t.Fatalf("unexpected issues: %+v", issues)
	}
	empty := v.Universe(nil, nil)
	issues = v.Provenance(answer, empty)
	if len(issues) != 1 || !strings.Contains(issues[0].Message, "No citeable tokens extracted") {
		t.Fatalf("expected empty universe issue, got %+v", issues)
	}
}

func TestProvenanceAcceptsOverlappingRange(t *testing.T) {
	v := testValidator(t)
	answer := "VERDICT=TRUE_POSITIVE\nCITATIONS=src/lib.rs:11-20\n"
	if issues := v.Provenance(answer, universe(t, v)); len(issues) != 0 {
		t.Fatalf("expected overlap to pass, got %+v", issues)
	}
	answer = "VERDICT=TRUE_POSITIVE\nCITATIONS=src/lib.rs:100\n"
	if issues := v.Provenance(answer, universe(t, v)); len(issues) != 1 {
		t.Fatalf("expected unrelated line to fail, got %+v", issues)
	}
}

func TestPathGates(t *testing.T) {
	v := testValidator(t)
	answer := "VERDICT=TRUE_POSITIVE\nCITATIONS=src/lib.rs:3\n\nSee src/lib.rs and also src/store.rs and Q1_step1.json."
	issues := v.PathGates(answer, universe(t, v), strictRules())
	if diff := cmp.Diff([]string{KindGateA, KindGateB}, kinds(issues)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(issues[0].Message, "paths not present in evidence: ['src/store.rs']") {
		t.Fatalf("unexpected gate A message: %s", issues[0].Message)
	}
	if !strings.Contains(issues[1].Message, "['Q1_step1.json', 'src/store.rs']") {
		t.Fatalf("unexpected gate B message: %s", issues[1].Message)
	}
}

func TestPathGateANoEvidencePaths(t *testing.T) {
	v := testValidator(t)
	u := v.Universe([]string{"[Preflight s]:\nplain text without paths"}, nil)
	answer := "VERDICT=INDETERMINATE\nCITATIONS=src/lib.rs:1\n"
	issues := v.PathGates(answer, u, Rules{EnforceNoNewPaths: true})
	if len(issues) != 1 || !strings.Contains(issues[0].Message, "evidence contained no extractable file paths") {
		t.Fatalf("unexpected issues: %+v", issues)
	}
}

func TestFilePaths(t *testing.T) {
	v := testValidator(t)
	text := "edit crates/x/tests/a.rs:12, Cargo.toml and /abs/dir/main.go; not lib.rs.bak or v1.2 or src/lib.rs/"
	want := []string{"crates/x/tests/a.rs", "Cargo.toml", "abs/dir/main.go", "src/lib.rs"}
	if diff := cmp.Diff(want, v.FilePaths(text)); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeToken(t *testing.T) {
	cases := map[string]string{
		"- `file:src/a.rs:3`":             "src/a.rs:3",
		"path:src/a.rs:3 (entry point)":   "src/a.rs:3",
		"CITE=Q1_step1.json:1":            "Q1_step1.json:1",
		"Q1_step1.json":                   "Q1_step1.json:1",
		"src/a.rs::file anchor 20:10":     "src/a.rs:10-20",
		"  section: docs/guide.md:4-9   ": "docs/guide.md:4-9",
	}
	for in, want := range cases {
		if got := NormalizeToken(in); got != want {
			t.Fatalf("NormalizeToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAutoCompleteCitations(t *testing.T) {
	v := testValidator(t)
	u := universe(t, v)
	answer := "VERDICT=TRUE_POSITIVE\nCITATIONS=Q1_step1.json:1\n\nThe issue is in src/lib.rs."
	repaired, added := v.AutoCompleteCitations(answer, u, strictRules())
	if diff := cmp.Diff([]string{"src/lib.rs:3"}, added); diff != "" {
		t.Fatalf("added mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(repaired, "CITATIONS=Q1_step1.json:1,src/lib.rs:3") {
		t.Fatalf("unexpected repaired answer:\n%s", repaired)
	}
	if issues := v.PathGates(repaired, u, strictRules()); len(issues) != 0 {
		t.Fatalf("expected gates to pass after completion, got %+v", issues)
	}

	noLine := "VERDICT=TRUE_POSITIVE\n\nsrc/lib.rs is unsafe"
	repaired, _ = v.AutoCompleteCitations(noLine, u, strictRules())
	lines := strings.Split(repaired, "\n")
	if lines[1] != "CITATIONS=src/lib.rs:3" {
		t.Fatalf("expected citations inserted after verdict, got %q", repaired)
	}
}

func TestRepairStrict(t *testing.T) {
	v := testValidator(t)
	u := universe(t, v)
	answer := "Here is my analysis.\nVERDICT=PROBABLY\nCITATIONS: NONE\nUNSAFE_COUNT=3"
	repaired, notes := v.RepairStrict("Q1", answer, u, strictRules())
	if diff := cmp.Diff([]string{"repaired_verdict", "repaired_citations"}, notes); diff != "" {
		t.Fatalf("notes mismatch (-want +got):\n%s", diff)
	}
	want := "VERDICT=INDETERMINATE\nCITATIONS=Q1_step1.json:1, src/lib.rs:10-12, src/lib.rs:3, src/lib.rs:40\n\nHere is my analysis.\nUNSAFE_COUNT=3\n"
	if repaired != want {
		t.Fatalf("unexpected repair:\n%q\nwant\n%q", repaired, want)
	}
	if issues := v.Schema(repaired, strictRules()); len(issues) != 0 {
		t.Fatalf("repaired answer should pass schema, got %+v", issues)
	}

	empty := v.Universe(nil, nil)
	repaired, _ = v.RepairStrict("Q9", "VERDICT=TRUE_POSITIVE\n", empty, strictRules())
	if !strings.Contains(repaired, "CITATIONS=Q9_preflight.json:1") {
		t.Fatalf("expected fallback citation, got %q", repaired)
	}
}

func goodAdvice() string {
	return strings.Join([]string{
		"ISSUE_1=Replace the unchecked pointer read with a bounds-checked slice access",
		"WHY_IT_MATTERS_1=Out of range reads are undefined behaviour",
		"PATCH_SKETCH_1=Change read_at in src/lib.rs to use get()",
		"TEST_PLAN_1=Fail on index past the end; pass on valid index",
		"CITATIONS_1=src/lib.rs:3",
		"ISSUE_2=Add a safety comment and debug assertion before the second unsafe block",
		"WHY_IT_MATTERS_2=Invariants are undocumented",
		"PATCH_SKETCH_2=Insert debug_assert in write_at",
		"TEST_PLAN_2=Fail when the assertion trips in debug; pass on aligned input",
		"CITATIONS_2=src/lib.rs:10-12",
	}, "\n")
}

func TestValidateAdviceAccepts(t *testing.T) {
	v := testValidator(t)
	if issues := v.ValidateAdvice(goodAdvice(), universe(t, v)); len(issues) != 0 {
		t.Fatalf("expected clean advice, got %+v", issues)
	}
}

func TestValidateAdviceRejectsPraiseAndUnknownCitations(t *testing.T) {
	v := testValidator(t)
	advice := strings.Join([]string{
		"ISSUE_1=Looks good, great job",
		"WHY_IT_MATTERS_1=n/a",
		"PATCH_SKETCH_1=none",
		"TEST_PLAN_1=none",
		"CITATIONS_1=src/lib.rs:3",
		"ISSUE_2=Replace the global mutex with a sharded lock map",
		"WHY_IT_MATTERS_2=Contention",
		"PATCH_SKETCH_2=Split Store",
		"TEST_PLAN_2=Fail under contention; pass when sharded",
		"CITATIONS_2=src/other.rs:9",
	}, "\n")
	messages := Messages(v.ValidateAdvice(advice, universe(t, v)))
	for _, want := range []string{
		"ISSUE_1 is generic/praise-only or non-actionable",
		"ISSUE_1 missing required fields: ['WHY_IT_MATTERS', 'PATCH_SKETCH', 'TEST_PLAN']",
		"ISSUE_2 CITATIONS not backed by evidence: ['src/other.rs:9']",
		"Advice must provide at least 2 concrete issues when citeable evidence exists (found 0)",
	} {
		if !containsMessage(messages, want) {
			t.Fatalf("missing %q in %v", want, messages)
		}
	}
}

func TestValidateAdviceCountsRepeatedIssueOnce(t *testing.T) {
	v := testValidator(t)
	advice := strings.Join([]string{
		"ISSUE_1=Replace the unchecked pointer read with a bounds-checked slice access",
		"WHY_IT_MATTERS_1=Out of range reads are undefined behaviour",
		"PATCH_SKETCH_1=Change read_at in src/lib.rs to use get()",
		"TEST_PLAN_1=Fail on index past the end; pass on valid index",
		"CITATIONS_1=src/lib.rs:3",
		"ISSUE_2=replace the unchecked  pointer read with a bounds-checked slice access",
		"WHY_IT_MATTERS_2=Out of range reads are undefined behaviour",
		"PATCH_SKETCH_2=Change read_at in src/lib.rs to use get()",
		"TEST_PLAN_2=Fail on index past the end; pass on valid index",
		"CITATIONS_2=src/lib.rs:10-12",
	}, "\n")
	got := Messages(v.ValidateAdvice(advice, universe(t, v)))
	want := []string{"Advice must provide at least 2 concrete issues when citeable evidence exists (found 1)"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateAdviceStructure(t *testing.T) {
	v := testValidator(t)
	u := universe(t, v)
	if got := Messages(v.ValidateAdvice("  ", u)); !cmp.Equal(got, []string{"Advice output is empty"}) {
		t.Fatalf("unexpected: %v", got)
	}
	if got := Messages(v.ValidateAdvice("Everything is fine.", u)); !cmp.Equal(got, []string{"Advice output must include numbered ISSUE_n fields"}) {
		t.Fatalf("unexpected: %v", got)
	}
}

func containsMessage(messages []string, want string) bool {
	for _, message := range messages {
		if message == want {
			return true
		}
	}
	return false
}
