package config

import (
	"fmt"
	"regexp"
	"strings"

	"ragpack/internal/spec"
)

var renderModes = map[string]struct{}{
	"list":  {},
	"block": {},
	"lines": {},
	"json":  {},
}

// Validate checks a normalized pack for correctness.
func Validate(pack *spec.Pack, policy *Policy) error {
	collector := newIssueCollector("pack")
	add := collector.add

	if strings.TrimSpace(pack.Version) == "" {
		add("version", "is required")
	}
	if strings.TrimSpace(pack.PackType) == "" {
		add("pack_type", "is required")
	}
	if pack.Engine == "" {
		add("engine", "is required")
	} else if _, ok := policy.Engines[pack.Engine]; !ok {
		add("engine", fmt.Sprintf("unknown engine %q", pack.Engine))
	}
	schema := strings.TrimSpace(pack.ResponseSchema)
	if schema == "" {
		add("response_schema", "is required")
	} else {
		if !strings.Contains(schema, "VERDICT") {
			add("response_schema", "must mention VERDICT")
		}
		if !strings.Contains(schema, "CITATIONS") {
			add("response_schema", "must mention CITATIONS")
		}
	}
	if pack.Defaults.ChatTopK < 1 {
		add("defaults.chat_top_k", "must be >= 1")
	}
	if pack.Defaults.MaxTokens < 1 {
		add("defaults.max_tokens", "must be >= 1")
	}

	mission := IsMission(*pack, policy)

	if len(pack.Questions) == 0 {
		add("questions", "at least one question is required")
	}
	questionIDs := map[string]struct{}{}
	for i, q := range pack.Questions {
		validateQuestion(add, i, q, questionIDs, pack.Engine, mission, policy)
	}

	return collector.result()
}

func validateQuestion(add issueAdder, index int, q spec.Question, seen map[string]struct{}, packEngine string, mission bool, policy *Policy) {
	prefix := fmt.Sprintf("questions[%d]", index)
	id := strings.TrimSpace(q.ID)
	if id == "" {
		add(prefix+".id", "is required")
	} else if _, exists := seen[id]; exists {
		add("questions.id", fmt.Sprintf("duplicate id %q", id))
	} else {
		seen[id] = struct{}{}
	}
	if strings.TrimSpace(q.Title) == "" {
		add(prefix+".title", "is required")
	}
	if strings.TrimSpace(q.Category) == "" {
		add(prefix+".category", "is required")
	}
	if strings.TrimSpace(q.Question) == "" {
		add(prefix+".question", "is required")
	}
	if !containsString(policy.QuestionModes.Answer, q.AnswerMode) {
		add(prefix+".answer_mode", fmt.Sprintf("unsupported mode %q (expected one of %s)", q.AnswerMode, strings.Join(policy.QuestionModes.Answer, ", ")))
	}
	if !containsString(policy.QuestionModes.Advice, q.AdviceMode) {
		add(prefix+".advice_mode", fmt.Sprintf("unsupported mode %q (expected one of %s)", q.AdviceMode, strings.Join(policy.QuestionModes.Advice, ", ")))
	}
	if mission && policy.Gates.Advice.RequireModelAdviceMode && q.AdviceMode != "model" {
		add(prefix+".advice_mode", "mission packs require advice_mode=model")
	}
	if q.Chat.StrictResponseTemplate != "" && !strings.Contains(q.Chat.StrictResponseTemplate, "VERDICT") {
		add(prefix+".chat.strict_response_template", "must mention VERDICT")
	}

	stepNames := map[string]struct{}{}
	for j, step := range q.Preflight {
		stepPrefix := fmt.Sprintf("%s.preflight[%d]", prefix, j)
		if step.Name == "" {
			add(stepPrefix+".name", "is required")
		} else if _, exists := stepNames[step.Name]; exists {
			add(prefix+".preflight.name", fmt.Sprintf("duplicate step name %q", step.Name))
		}
		if len(step.Cmd) == 0 {
			add(stepPrefix+".cmd", "is required")
		}
		if step.Engine != "" && step.Engine != packEngine {
			if _, ok := policy.Engines[step.Engine]; !ok {
				add(stepPrefix+".engine", fmt.Sprintf("unknown engine %q", step.Engine))
			}
		}
		if step.Render != "" {
			if _, ok := renderModes[step.Render]; !ok {
				add(stepPrefix+".render", fmt.Sprintf("unsupported render mode %q", step.Render))
			}
		}
		if step.MaxChars < 0 {
			add(stepPrefix+".max_chars", "must be >= 0")
		}
		validateTransform(add, stepPrefix+".transform", step.Transform, stepNames)
		if step.Name != "" {
			stepNames[step.Name] = struct{}{}
		}
	}
}

func validateTransform(add issueAdder, prefix string, transform spec.Transform, earlierSteps map[string]struct{}) {
	checkPatterns := func(field string, patterns []string) {
		for k, pattern := range patterns {
			if _, err := compileRegex(pattern); err != nil {
				add(fmt.Sprintf("%s.%s[%d]", prefix, field, k), fmt.Sprintf("invalid regex: %v", err))
			}
		}
	}
	checkPatterns("include_path_regex", transform.IncludePathRegex)
	if transform.ExcludePathRegex != nil {
		checkPatterns("exclude_path_regex", *transform.ExcludePathRegex)
	}
	checkPatterns("test_path_patterns", transform.TestPathPatterns)
	checkPatterns("require_regex", transform.RequireRegex)

	if transform.Render != "" {
		if _, ok := renderModes[transform.Render]; !ok {
			add(prefix+".render", fmt.Sprintf("unsupported render mode %q", transform.Render))
		}
	}
	if transform.MaxItems < 0 {
		add(prefix+".max_items", "must be >= 0")
	}
	if transform.MaxChars < 0 {
		add(prefix+".max_chars", "must be >= 0")
	}
	if transform.FilterFn != "" && transform.FilterFn != spec.FilterCompactDocs {
		add(prefix+".filter_fn", fmt.Sprintf("unsupported filter %q (supported: %s)", transform.FilterFn, spec.FilterCompactDocs))
	}
	if group := transform.GroupByPathTopN; group != nil {
		from := strings.TrimSpace(group.From)
		if from == "" {
			add(prefix+".group_by_path_top_n.from", "is required")
		} else if _, ok := earlierSteps[from]; !ok {
			add(prefix+".group_by_path_top_n.from", fmt.Sprintf("must name an earlier step, got %q", from))
		}
	}
}

func validatePolicy(policy *Policy) error {
	collector := newIssueCollector("policy")
	add := collector.add

	if len(policy.Engines) == 0 {
		add("engines", "at least one engine is required")
	}
	for name, engine := range policy.Engines {
		if strings.TrimSpace(engine.Binary) == "" {
			add(fmt.Sprintf("engines.%s.binary", name), "is required")
		}
	}
	if len(policy.QuestionModes.Answer) == 0 {
		add("question_modes.answer", "at least one mode is required")
	}
	if len(policy.QuestionModes.Advice) == 0 {
		add("question_modes.advice", "at least one mode is required")
	}
	if _, ok := renderModes[policy.Evidence.DefaultRenderMode]; !ok {
		add("evidence.default_render_mode", fmt.Sprintf("unsupported render mode %q", policy.Evidence.DefaultRenderMode))
	}
	switch policy.Gates.QuoteBypass.Mode {
	case "on", "off", "auto":
	default:
		add("gates.quote_bypass.mode", fmt.Sprintf("unsupported mode %q (expected on, off, auto)", policy.Gates.QuoteBypass.Mode))
	}
	regexFields := map[string]string{
		"validators.citation_token_regex":      policy.Validators.CitationTokenRegex,
		"validators.pathline_regex":            policy.Validators.PathlineRegex,
		"gates.advice.mission_pack_type_regex": policy.Gates.Advice.MissionPackTypeRegex,
	}
	for field, pattern := range regexFields {
		if strings.TrimSpace(pattern) == "" {
			add(field, "is required")
			continue
		}
		if _, err := compileRegex(pattern); err != nil {
			add(field, fmt.Sprintf("invalid regex: %v", err))
		}
	}
	for i, pattern := range policy.Preflight.DefaultTestPathPatterns {
		if _, err := compileRegex(pattern); err != nil {
			add(fmt.Sprintf("preflight.default_test_path_patterns[%d]", i), fmt.Sprintf("invalid regex: %v", err))
		}
	}
	for i, pattern := range policy.Preflight.DefaultExcludePathRegex {
		if _, err := compileRegex(pattern); err != nil {
			add(fmt.Sprintf("preflight.default_exclude_path_regex[%d]", i), fmt.Sprintf("invalid regex: %v", err))
		}
	}
	if strings.TrimSpace(policy.Outputs.OutDirBase) == "" {
		add("outputs.out_dir_base", "is required")
	}
	return collector.result()
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
