package config

import (
	"strings"

	"ragpack/internal/spec"
)

// Normalize fills pack defaults from the policy and canonicalizes mode names.
func Normalize(pack *spec.Pack, policy *Policy) {
	pack.Engine = strings.ToLower(strings.TrimSpace(pack.Engine))

	if pack.Defaults.ChatTopK <= 0 {
		pack.Defaults.ChatTopK = policy.PackDefaults.ChatTopK
	}
	if pack.Defaults.TopKInitial <= 0 {
		pack.Defaults.TopKInitial = policy.PackDefaults.ChatTopKInitial
	}
	if pack.Defaults.MaxTokens <= 0 {
		pack.Defaults.MaxTokens = policy.PackDefaults.MaxTokens
	}
	if pack.Defaults.Temperature == nil {
		temperature := policy.PackDefaults.Temperature
		pack.Defaults.Temperature = &temperature
	}

	validation := &pack.Validation
	if len(validation.RequiredVerdicts) == 0 {
		validation.RequiredVerdicts = append([]string(nil), policy.PackValidation.RequiredVerdicts...)
	}
	if strings.TrimSpace(validation.CitationFormat) == "" {
		validation.CitationFormat = policy.PackValidation.CitationFormat
	}
	validation.FailOnMissingCitations = boolOr(validation.FailOnMissingCitations, policy.PackValidation.FailOnMissingCitations)
	validation.EnforceCitationsFromEvidence = boolOr(validation.EnforceCitationsFromEvidence, policy.PackValidation.EnforceCitationsFromEvidence)
	validation.EnforceNoNewPaths = boolOr(validation.EnforceNoNewPaths, policy.PackValidation.EnforceNoNewPaths)
	validation.EnforcePathsMustBeCited = boolOr(validation.EnforcePathsMustBeCited, policy.PackValidation.EnforcePathsMustBeCited)

	for i := range pack.Questions {
		q := &pack.Questions[i]
		q.AnswerMode = policy.NormalizeMode(q.AnswerMode)
		if q.AnswerMode == "" && len(policy.QuestionModes.Answer) > 0 {
			q.AnswerMode = policy.QuestionModes.Answer[0]
		}
		q.AdviceMode = policy.NormalizeMode(q.AdviceMode)
		if q.AdviceMode == "" && len(policy.QuestionModes.Advice) > 0 {
			q.AdviceMode = policy.QuestionModes.Advice[0]
		}
		if q.TopK <= 0 {
			q.TopK = pack.Defaults.ChatTopK
		}
		if q.Chat.SchemaRetryAttempts < 0 {
			q.Chat.SchemaRetryAttempts = 0
		}
		if q.Chat.SchemaRetryAttempts > 0 {
			q.Chat.RetryOnSchemaFail = true
		}
		for j := range q.Preflight {
			step := &q.Preflight[j]
			step.Name = strings.TrimSpace(step.Name)
			step.Engine = strings.ToLower(strings.TrimSpace(step.Engine))
			step.Render = strings.ToLower(strings.TrimSpace(step.Render))
			step.Transform.Render = strings.ToLower(strings.TrimSpace(step.Transform.Render))
			if step.TimeoutSeconds <= 0 {
				step.TimeoutSeconds = policy.Preflight.TimeoutSeconds
			}
			if group := step.Transform.GroupByPathTopN; group != nil {
				if group.TopN <= 0 {
					group.TopN = policy.Preflight.GroupByPathDefaults.TopN
				}
				if group.PerPath <= 0 {
					group.PerPath = policy.Preflight.GroupByPathDefaults.PerPath
				}
			}
		}
	}
}

// IsMission reports whether the advice quality gate applies to a pack.
func IsMission(pack spec.Pack, policy *Policy) bool {
	if pack.Runner.Mission != nil {
		return *pack.Runner.Mission
	}
	if !policy.Gates.Advice.Enabled {
		return false
	}
	re, err := compileRegex(policy.Gates.Advice.MissionPackTypeRegex)
	if err != nil {
		return strings.Contains(strings.ToLower(pack.PackType), "mission")
	}
	return re.MatchString(pack.PackType)
}

func boolOr(value *bool, fallback bool) *bool {
	if value != nil {
		return value
	}
	out := fallback
	return &out
}
