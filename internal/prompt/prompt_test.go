package prompt

import (
	"strings"
	"testing"

	"ragpack/internal/config"
)

func testAssembler(t *testing.T) *Assembler {
	t.Helper()
	policy, err := config.DefaultPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return NewAssembler(policy)
}

var blocks = []string{
	"[Preflight step1]:\nCITE=Q1_step1.json:1\n[step1] 1 results:\n  [src/lib.rs:3] unsafe { a }",
}

const schema = "VERDICT=TRUE_POSITIVE|FALSE_POSITIVE|INDETERMINATE\nCITATIONS=path:line(-line), ..."

func TestSelectMode(t *testing.T) {
	cases := []struct {
		bypass string
		usable int
		want   string
	}{
		{"on", 0, ModeAnalyzeOnly},
		{"off", 3, ModeGrounding},
		{"auto", 1, ModeAnalyzeOnly},
		{"auto", 0, ModeGrounding},
		{"AUTO ", 2, ModeAnalyzeOnly},
	}
	for _, tc := range cases {
		if got := SelectMode(tc.bypass, tc.usable); got != tc.want {
			t.Fatalf("SelectMode(%q, %d) = %q, want %q", tc.bypass, tc.usable, got, tc.want)
		}
	}
}

func TestGroundingPromptListsTokensAndContract(t *testing.T) {
	a := testAssembler(t)
	text := a.Primary(Input{
		Question:       "Is unsafe code sound?",
		Blocks:         blocks,
		Allowed:        []string{"Q1_step1.json:1", "src/lib.rs:3"},
		ResponseSchema: schema,
		Mode:           ModeGrounding,
	})
	for _, want := range []string{
		"RETRIEVED SOURCES (authoritative; cite these sections):\n\n[Preflight step1]:",
		"VALID CITATION TOKENS (cite only these):\n- Q1_step1.json:1\n- src/lib.rs:3\n",
		"MANDATORY PROCEDURE:",
		"RESPONSE FORMAT (MUST FOLLOW EXACTLY):\nIf evidence provides CITE=",
		"QUESTION:\n\nIs unsafe code sound?",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("prompt missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "QUOTE-BYPASS") {
		t.Fatalf("grounding prompt must not use bypass framing")
	}
}

func TestGroundingWithoutEvidenceIsQuestion(t *testing.T) {
	a := testAssembler(t)
	if got := a.Grounding("Q?", nil, nil, schema); got != "Q?" {
		t.Fatalf("expected bare question, got %q", got)
	}
}

func TestAnalyzeOnlyPrompt(t *testing.T) {
	a := testAssembler(t)
	text := a.Primary(Input{
		Question:       "Is unsafe code sound?",
		Blocks:         blocks,
		Allowed:        []string{"Q1_step1.json:1"},
		ResponseSchema: schema,
		Mode:           ModeAnalyzeOnly,
	})
	if !strings.HasPrefix(text, "QUOTE-BYPASS MODE\n\n") {
		t.Fatalf("unexpected prefix:\n%s", text)
	}
	for _, want := range []string{
		"You MUST NOT output 'NOT FOUND'",
		"EVIDENCE (authoritative):\n\nCITE=Q1_step1.json:1\n[step1] 1 results:",
		"VALID CITATION TOKENS (cite only these):\n- Q1_step1.json:1",
		"INSTRUCTIONS:\n1. Reference the evidence above",
		"INSUFFICIENT EVIDENCE",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("prompt missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "[Preflight step1]:") {
		t.Fatalf("bypass prompt should drop block headers")
	}
}

func TestStrictTemplateAndRetries(t *testing.T) {
	a := testAssembler(t)
	template := "VERDICT=<...>\nCITATIONS=<...>"
	strict := a.Primary(Input{Question: "Q?", StrictTemplate: template, Mode: ModeGrounding})
	if !strings.HasPrefix(strict, "OUTPUT CONTRACT OVERRIDE:") || !strings.Contains(strict, "STRICT RESPONSE TEMPLATE (MUST MATCH):\nVERDICT=<...>") {
		t.Fatalf("unexpected strict prompt:\n%s", strict)
	}

	issues := make([]string, 12)
	for i := range issues {
		issues[i] = "issue"
	}
	retry := a.SchemaRetry("BASE", template, issues, 1, 2)
	if strings.Count(retry, "- issue") != 8 {
		t.Fatalf("expected bullets capped at 8:\n%s", retry)
	}
	if !strings.Contains(retry, "RETRY_ATTEMPT=1/2\n\nBASE") || !strings.HasPrefix(retry, "SCHEMA RETRY MODE:") {
		t.Fatalf("unexpected retry prompt:\n%s", retry)
	}

	rerun := a.AdaptiveRerun("BASE", []string{"Missing required line: CITATIONS=path:line(-line), ..."})
	if !strings.Contains(rerun, "Validation issues to fix in this rerun:\n- Missing required line") || !strings.HasSuffix(rerun, "\n\nBASE") {
		t.Fatalf("unexpected rerun prompt:\n%s", rerun)
	}
}

func TestAdvicePrompts(t *testing.T) {
	a := testAssembler(t)
	advice := a.Advice("Q1", "Is unsafe code sound?", "VERDICT=INDETERMINATE", nil)
	for _, want := range []string{"IMPROVEMENT ADVICE MODE", "QUESTION_ID=Q1", "DETERMINISTIC AUDIT ANSWER:\nVERDICT=INDETERMINATE", "EVIDENCE:\n(no evidence blocks available)"} {
		if !strings.Contains(advice, want) {
			t.Fatalf("advice prompt missing %q", want)
		}
	}
	retry := a.AdviceRetry(advice, []string{"ISSUE_1 CITATIONS is empty or unparsable"}, 1, 1)
	if !strings.HasPrefix(retry, "ADVICE RETRY MODE:") || !strings.Contains(retry, "Advice validation issues to fix in this retry:\n- ISSUE_1") {
		t.Fatalf("unexpected advice retry:\n%s", retry)
	}
}

func TestCustomAdviceReplacesInstructions(t *testing.T) {
	a := testAssembler(t)
	text := a.CustomAdvice("Focus on FFI boundaries.", "Q2", "Q?", "VERDICT=INDETERMINATE", blocks)
	if !strings.HasPrefix(text, "Focus on FFI boundaries.\n\nQUESTION_ID=Q2") {
		t.Fatalf("unexpected custom advice prompt:\n%s", text)
	}
	if strings.Contains(text, "IMPROVEMENT ADVICE MODE") {
		t.Fatalf("policy advice text should be replaced")
	}
	if !strings.Contains(text, "EVIDENCE:\n[Preflight step1]:") {
		t.Fatalf("expected evidence blocks in advice prompt")
	}
}
