package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ragpack/internal/spec"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Policy is the merged runner policy. It is built once per run and treated as
// read-only afterwards.
type Policy struct {
	PackDefaults   PolicyPackDefaults    `yaml:"pack_defaults"`
	PackValidation PolicyValidation      `yaml:"pack_validation"`
	QuestionModes  QuestionModes         `yaml:"question_modes"`
	Engines        map[string]EngineSpec `yaml:"engines"`
	Preflight      PreflightPolicy       `yaml:"preflight"`
	Evidence       EvidencePolicy        `yaml:"evidence"`
	Gates          GatesPolicy           `yaml:"gates"`
	Validators     ValidatorsPolicy      `yaml:"validators"`
	Prompts        Prompts               `yaml:"prompts"`
	Plugin         PluginPolicy          `yaml:"plugin"`
	Manifest       ManifestPolicy        `yaml:"manifest"`
	Outputs        OutputsPolicy         `yaml:"outputs"`
}

type PolicyPackDefaults struct {
	ChatTopK        int     `yaml:"chat_top_k"`
	ChatTopKInitial int     `yaml:"chat_top_k_initial"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`
}

type PolicyValidation struct {
	RequiredVerdicts             []string `yaml:"required_verdicts"`
	CitationFormat               string   `yaml:"citation_format"`
	FailOnMissingCitations       bool     `yaml:"fail_on_missing_citations"`
	EnforceCitationsFromEvidence bool     `yaml:"enforce_citations_from_evidence"`
	EnforceNoNewPaths            bool     `yaml:"enforce_no_new_paths"`
	EnforcePathsMustBeCited      bool     `yaml:"enforce_paths_must_be_cited"`
}

type QuestionModes struct {
	Answer  []string          `yaml:"answer"`
	Advice  []string          `yaml:"advice"`
	Aliases map[string]string `yaml:"aliases"`
}

// EngineSpec describes how to invoke an external retrieval/chat tool.
type EngineSpec struct {
	Binary              string   `yaml:"binary"`
	Prefix              []string `yaml:"prefix"`
	IndexFlag           string   `yaml:"index_flag"`
	CorpusFlag          string   `yaml:"corpus_flag"`
	PreflightNeedsIndex []string `yaml:"preflight_needs_index"`
	Chat                ChatSpec `yaml:"chat"`
}

type ChatSpec struct {
	Subcommand       string `yaml:"subcommand"`
	BackendFlag      string `yaml:"backend_flag"`
	TopKFlag         string `yaml:"top_k_flag"`
	ModelFlag        string `yaml:"model_flag"`
	MaxTokensFlag    string `yaml:"max_tokens_flag"`
	TemperatureFlag  string `yaml:"temperature_flag"`
	SystemPromptFlag string `yaml:"system_prompt_flag"`
	FormatFlag       string `yaml:"format_flag"`
	FormatValue      string `yaml:"format_value"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

type PreflightPolicy struct {
	TimeoutSeconds          int                 `yaml:"timeout_seconds"`
	DefaultTestPathPatterns []string            `yaml:"default_test_path_patterns"`
	DefaultExcludePathRegex []string            `yaml:"default_exclude_path_regex"`
	GroupByPathDefaults     GroupByPathDefaults `yaml:"group_by_path_defaults"`
	FilteredToZeroFail      FilteredToZeroFail  `yaml:"filtered_to_zero_fail"`
	Cache                   PreflightCache      `yaml:"cache"`
}

// PreflightCache controls reuse of step artifacts with a matching fingerprint.
type PreflightCache struct {
	Enabled bool `yaml:"enabled"`
}

type GroupByPathDefaults struct {
	TopN    int `yaml:"top_n"`
	PerPath int `yaml:"per_path"`
}

type FilteredToZeroFail struct {
	Enabled          bool `yaml:"enabled"`
	RawRowsThreshold int  `yaml:"raw_rows_threshold"`
}

type EvidencePolicy struct {
	DefaultRenderMode string         `yaml:"default_render_mode"`
	MaxChars          map[string]int `yaml:"max_chars"`
	Shorten           ShortenLimits  `yaml:"shorten"`
	Fields            FieldKeys      `yaml:"fields"`
}

type ShortenLimits struct {
	Default   int `yaml:"default"`
	Signature int `yaml:"signature"`
	Doc       int `yaml:"doc"`
	LineText  int `yaml:"line_text"`
}

// FieldKeys lists the payload keys tried, in order, when reading rows.
type FieldKeys struct {
	PathKeys         []string `yaml:"path_keys"`
	LineKeys         []string `yaml:"line_keys"`
	LineEndKeys      []string `yaml:"line_end_keys"`
	SnippetKeys      []string `yaml:"snippet_keys"`
	RowContainerKeys []string `yaml:"row_container_keys"`
}

type GatesPolicy struct {
	EvidencePresence EvidencePresenceGate `yaml:"evidence_presence"`
	EvidenceEmpty    EvidenceEmptyGate    `yaml:"evidence_empty"`
	QuoteBypass      QuoteBypassPolicy    `yaml:"quote_bypass"`
	Advice           AdviceGate           `yaml:"advice"`
}

type EvidencePresenceGate struct {
	FailOnEmptyEvidence bool `yaml:"fail_on_empty_evidence"`
	FailFast            bool `yaml:"fail_fast"`
}

type EvidenceEmptyGate struct {
	Enabled bool `yaml:"enabled"`
}

type QuoteBypassPolicy struct {
	Mode string `yaml:"mode"`
}

type AdviceGate struct {
	Enabled                       bool     `yaml:"enabled"`
	MissionPackTypeRegex          string   `yaml:"mission_pack_type_regex"`
	RequireModelAdviceMode        bool     `yaml:"require_model_advice_mode"`
	RetryAttempts                 int      `yaml:"retry_attempts"`
	TopKCap                       int      `yaml:"top_k_cap"`
	RetryIssueBullets             int      `yaml:"retry_issue_bullets"`
	MinConcreteIssuesWhenEvidence int      `yaml:"min_concrete_issues_when_evidence"`
	MinIssueWords                 int      `yaml:"min_issue_words"`
	RequiredIssueFields           []string `yaml:"required_issue_fields"`
	PraisePhrases                 []string `yaml:"praise_phrases"`
	GenericIssuePhrases           []string `yaml:"generic_issue_phrases"`
	ImperativeVerbs               []string `yaml:"imperative_verbs"`
}

type ValidatorsPolicy struct {
	CitationTokenRegex string    `yaml:"citation_token_regex"`
	PathlineRegex      string    `yaml:"pathline_regex"`
	FilePathExtensions []string  `yaml:"file_path_extensions"`
	IssueCaps          IssueCaps `yaml:"issue_caps"`
}

type IssueCaps struct {
	InvalidCitations       int `yaml:"invalid_citations"`
	UnknownCitations       int `yaml:"unknown_citations"`
	UnknownPaths           int `yaml:"unknown_paths"`
	UncitedPaths           int `yaml:"uncited_paths"`
	RetryBullets           int `yaml:"retry_bullets"`
	DeterministicCitations int `yaml:"deterministic_citations"`
	UnknownKeyFields       int `yaml:"unknown_key_fields"`
}

type Prompts struct {
	RetrievedSourcesHeader string               `yaml:"retrieved_sources_header"`
	ValidTokensHeader      string               `yaml:"valid_tokens_header"`
	ResponseFormatHeader   string               `yaml:"response_format_header"`
	ResponseFormatCiteRule string               `yaml:"response_format_cite_rule"`
	QuestionHeader         string               `yaml:"question_header"`
	MandatoryProcedure     string               `yaml:"mandatory_procedure"`
	QuoteBypass            QuoteBypassPrompts   `yaml:"quote_bypass"`
	DeterministicAnswer    DeterministicPrompts `yaml:"deterministic_answer"`
	EvidenceEmptyAnswer    string               `yaml:"evidence_empty_answer"`
	AdaptiveRerun          AdaptiveRerunPrompts `yaml:"adaptive_rerun"`
	SchemaRetry            SchemaRetryPrompts   `yaml:"schema_retry"`
	Advice                 AdvicePrompts        `yaml:"advice"`
}

type QuoteBypassPrompts struct {
	Title          string   `yaml:"title"`
	Preamble       string   `yaml:"preamble"`
	EvidenceHeader string   `yaml:"evidence_header"`
	Instructions   []string `yaml:"instructions"`
}

type DeterministicPrompts struct {
	Verdict        string `yaml:"verdict"`
	Note           string `yaml:"note"`
	FallbackSuffix string `yaml:"fallback_suffix"`
}

type AdaptiveRerunPrompts struct {
	Preamble     string `yaml:"preamble"`
	IssuesHeader string `yaml:"issues_header"`
}

type SchemaRetryPrompts struct {
	InitialPreamble string `yaml:"initial_preamble"`
	Preamble        string `yaml:"preamble"`
	TemplateHeader  string `yaml:"template_header"`
	IssuesHeader    string `yaml:"issues_header"`
}

type AdvicePrompts struct {
	NoEvidenceText    string `yaml:"no_evidence_text"`
	RetryPreamble     string `yaml:"retry_preamble"`
	RetryIssuesHeader string `yaml:"retry_issues_header"`
	Text              string `yaml:"text"`
}

type PluginPolicy struct {
	DisableAliases []string `yaml:"disable_aliases"`
}

type ManifestPolicy struct {
	SchemaVersion string `yaml:"schema_version"`
}

type OutputsPolicy struct {
	ReportFile   string `yaml:"report_file"`
	ManifestFile string `yaml:"manifest_file"`
	LogFile      string `yaml:"log_file"`
	OutDirBase   string `yaml:"out_dir_base"`
}

// DefaultPolicy returns the built-in policy with no overrides applied.
func DefaultPolicy() (*Policy, error) {
	return buildPolicy(nil)
}

// LoadPolicy merges an optional override file onto the built-in policy.
func LoadPolicy(path string) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return buildPolicy(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var override map[string]any
	if err := spec.DecodeStrict(data, &override); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return buildPolicy(override)
}

func buildPolicy(override map[string]any) (*Policy, error) {
	var base map[string]any
	if err := yaml.Unmarshal(defaultPolicyYAML, &base); err != nil {
		return nil, fmt.Errorf("parse default policy: %w", err)
	}
	merged := deepMerge(base, override)
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged policy: %w", err)
	}
	var policy Policy
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&policy); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := validatePolicy(&policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// YAML renders the merged policy for the policy command.
func (p *Policy) YAML() ([]byte, error) {
	return yaml.Marshal(p)
}

// IsDisableAlias reports whether a plugin name turns plugins off.
func (p *Policy) IsDisableAlias(name string) bool {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, alias := range p.Plugin.DisableAliases {
		if normalized == strings.ToLower(strings.TrimSpace(alias)) {
			return true
		}
	}
	return false
}

// NormalizeMode maps mode aliases such as llm onto their canonical names.
func (p *Policy) NormalizeMode(mode string) string {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	if canonical, ok := p.QuestionModes.Aliases[normalized]; ok {
		return canonical
	}
	return normalized
}
