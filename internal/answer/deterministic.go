package answer

import (
	"strings"

	"ragpack/internal/config"
)

// Synthesizer builds answers without a model call.
type Synthesizer struct {
	texts config.Prompts
	cap   int
}

// NewSynthesizer builds a Synthesizer from the policy.
func NewSynthesizer(policy *config.Policy) *Synthesizer {
	return &Synthesizer{
		texts: policy.Prompts,
		cap:   max(1, policy.Validators.IssueCaps.DeterministicCitations),
	}
}

// Deterministic synthesizes an INDETERMINATE answer citing the evidence row
// locations, falling back to block CiteTokens and then to a synthetic token.
// It depends only on its arguments.
func (s *Synthesizer) Deterministic(questionID string, locations, citeTokens []string) string {
	citations := locations
	if len(citations) == 0 {
		citations = citeTokens
	}
	if len(citations) > s.cap {
		citations = citations[:s.cap]
	}
	cited := strings.Join(citations, ", ")
	if cited == "" {
		cited = questionID + s.texts.DeterministicAnswer.FallbackSuffix
	}
	return "VERDICT=" + s.texts.DeterministicAnswer.Verdict + "\n" +
		"CITATIONS=" + cited + "\n\n" +
		"DETERMINISTIC_NOTE=" + s.texts.DeterministicAnswer.Note + "\n"
}

// EvidenceEmpty is the canned answer used when the legacy empty-evidence gate
// skips the model call.
func (s *Synthesizer) EvidenceEmpty() string {
	return s.texts.EvidenceEmptyAnswer
}
