// Package prompt assembles the model prompts of a question from rendered
// evidence blocks and the pack response contract.
package prompt

import (
	"fmt"
	"strings"

	"ragpack/internal/config"
)

// Prompt modes.
const (
	ModeGrounding   = "grounding"
	ModeAnalyzeOnly = "analyze_only"
)

// Assembler renders prompts with the policy prompt texts.
type Assembler struct {
	texts         config.Prompts
	retryBullets  int
	adviceBullets int
}

// NewAssembler builds an Assembler from the policy.
func NewAssembler(policy *config.Policy) *Assembler {
	return &Assembler{
		texts:         policy.Prompts,
		retryBullets:  max(1, policy.Validators.IssueCaps.RetryBullets),
		adviceBullets: max(1, policy.Gates.Advice.RetryIssueBullets),
	}
}

// SelectMode resolves the prompt mode from the quote-bypass setting and the
// number of usable evidence blocks.
func SelectMode(bypass string, usable int) string {
	switch strings.ToLower(strings.TrimSpace(bypass)) {
	case "on":
		return ModeAnalyzeOnly
	case "auto":
		if usable > 0 {
			return ModeAnalyzeOnly
		}
	}
	return ModeGrounding
}

// Input is everything the primary prompt depends on.
type Input struct {
	Question       string
	Blocks         []string
	Allowed        []string
	ResponseSchema string
	StrictTemplate string
	Mode           string
}

// Primary builds the first model prompt of a question.
func (a *Assembler) Primary(in Input) string {
	var text string
	if in.Mode == ModeAnalyzeOnly {
		text = a.AnalyzeOnly(in.Question, in.Blocks, in.Allowed, in.ResponseSchema)
	} else {
		text = a.Grounding(in.Question, in.Blocks, in.Allowed, in.ResponseSchema)
	}
	return a.WithStrictTemplate(text, in.StrictTemplate)
}

func header(text string) string {
	return strings.TrimRight(text, ":") + ":"
}

func (a *Assembler) responseSection(schema string) string {
	if strings.TrimSpace(schema) == "" {
		return ""
	}
	return header(a.texts.ResponseFormatHeader) + "\n" + a.texts.ResponseFormatCiteRule + "\n\n" + schema + "\n\n"
}

func (a *Assembler) tokenSection(allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(a.texts.ValidTokensHeader)
	b.WriteString("\n")
	for _, token := range allowed {
		b.WriteString("- ")
		b.WriteString(token)
		b.WriteString("\n")
	}
	return b.String()
}

// Grounding instructs the model to quote evidence verbatim and answer
// NOT FOUND when it cannot. Without blocks the question is sent as is.
func (a *Assembler) Grounding(question string, blocks, allowed []string, schema string) string {
	if len(blocks) == 0 {
		return question
	}
	var b strings.Builder
	b.WriteString(a.texts.RetrievedSourcesHeader)
	b.WriteString("\n\n")
	b.WriteString(strings.Join(blocks, "\n\n"))
	b.WriteString("\n\n")
	if tokens := a.tokenSection(allowed); tokens != "" {
		b.WriteString(tokens)
		b.WriteString("\n")
	}
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimSpace(a.texts.MandatoryProcedure))
	b.WriteString("\n\n")
	b.WriteString(a.responseSection(schema))
	b.WriteString(a.texts.QuestionHeader)
	b.WriteString("\n\n")
	b.WriteString(question)
	return b.String()
}

// AnalyzeOnly treats the evidence as authoritative and forbids NOT FOUND.
func (a *Assembler) AnalyzeOnly(question string, blocks, allowed []string, schema string) string {
	bodies := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if strings.TrimSpace(block) == "" {
			continue
		}
		if _, rest, ok := strings.Cut(block, "]:\n"); ok {
			block = rest
		}
		bodies = append(bodies, strings.TrimSpace(block))
	}
	qb := a.texts.QuoteBypass
	var b strings.Builder
	b.WriteString(qb.Title)
	b.WriteString("\n\n")
	b.WriteString(qb.Preamble)
	b.WriteString("\n\n---\n\n")
	b.WriteString(header(qb.EvidenceHeader))
	b.WriteString("\n\n")
	b.WriteString(strings.Join(bodies, "\n\n---\n\n"))
	b.WriteString("\n\n")
	if tokens := a.tokenSection(allowed); tokens != "" {
		b.WriteString(tokens)
		b.WriteString("\n")
	}
	if section := a.responseSection(schema); section != "" {
		b.WriteString("---\n\n")
		b.WriteString(section)
	}
	b.WriteString("---\n\n")
	b.WriteString(a.texts.QuestionHeader)
	b.WriteString("\n\n")
	b.WriteString(question)
	b.WriteString("\n\n---\n\nINSTRUCTIONS:\n")
	b.WriteString(strings.Join(qb.Instructions, "\n"))
	b.WriteString("\n")
	return b.String()
}

// WithStrictTemplate prefixes the output-contract override and the template.
func (a *Assembler) WithStrictTemplate(base, template string) string {
	template = strings.TrimSpace(template)
	if template == "" {
		return base
	}
	return strings.TrimSpace(a.texts.SchemaRetry.InitialPreamble) + "\n\n" +
		header(a.texts.SchemaRetry.TemplateHeader) + "\n" + template + "\n\n" + base
}

func bullets(issues []string, limit int) string {
	if len(issues) > limit {
		issues = issues[:limit]
	}
	lines := make([]string, 0, len(issues))
	for _, it := range issues {
		lines = append(lines, "- "+it)
	}
	return strings.Join(lines, "\n")
}

// SchemaRetry re-prompts with the validator issues of the previous attempt.
func (a *Assembler) SchemaRetry(base, template string, issues []string, attempt, total int) string {
	parts := []string{strings.TrimSpace(a.texts.SchemaRetry.Preamble)}
	if template = strings.TrimSpace(template); template != "" {
		parts = append(parts, "", header(a.texts.SchemaRetry.TemplateHeader), template)
	}
	if list := bullets(issues, a.retryBullets); list != "" {
		parts = append(parts, "", header(a.texts.SchemaRetry.IssuesHeader), list)
	}
	parts = append(parts, "", fmt.Sprintf("RETRY_ATTEMPT=%d/%d", attempt, total), "", base)
	return strings.Join(parts, "\n")
}

// AdaptiveRerun re-prompts at wider retrieval with the issues of the first
// pass.
func (a *Assembler) AdaptiveRerun(base string, issues []string) string {
	return strings.TrimSpace(a.texts.AdaptiveRerun.Preamble) + "\n\n" +
		a.texts.AdaptiveRerun.IssuesHeader + "\n" + bullets(issues, a.retryBullets) + "\n\n" + base
}

// Advice builds the implementation-guidance prompt of the advice pass.
func (a *Assembler) Advice(questionID, question, answer string, blocks []string) string {
	return a.CustomAdvice(a.texts.Advice.Text, questionID, question, answer, blocks)
}

// CustomAdvice is Advice with a question-specific instruction text in place
// of the policy one.
func (a *Assembler) CustomAdvice(instructions, questionID, question, answer string, blocks []string) string {
	if strings.TrimSpace(instructions) == "" {
		instructions = a.texts.Advice.Text
	}
	evidence := a.texts.Advice.NoEvidenceText
	if len(blocks) > 0 {
		evidence = strings.Join(blocks, "\n\n")
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(instructions, " \n"))
	b.WriteString("\n\n")
	b.WriteString("QUESTION_ID=" + questionID + "\n\n")
	b.WriteString("ORIGINAL QUESTION:\n" + question + "\n\n")
	b.WriteString("DETERMINISTIC AUDIT ANSWER:\n" + answer + "\n\n")
	b.WriteString("EVIDENCE:\n" + evidence + "\n")
	return b.String()
}

// AdviceRetry re-prompts the advice pass with its validator issues.
func (a *Assembler) AdviceRetry(base string, issues []string, attempt, total int) string {
	parts := []string{strings.TrimSpace(a.texts.Advice.RetryPreamble)}
	if list := bullets(issues, a.adviceBullets); list != "" {
		parts = append(parts, "", header(a.texts.Advice.RetryIssuesHeader), list)
	}
	parts = append(parts, "", fmt.Sprintf("RETRY_ATTEMPT=%d/%d", attempt, total), "", base)
	return strings.Join(parts, "\n")
}
