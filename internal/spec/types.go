package spec

// Pack is the audit pack document: a response contract plus ordered questions.
type Pack struct {
	Version        string         `yaml:"version"`
	PackType       string         `yaml:"pack_type"`
	Engine         string         `yaml:"engine"`
	ResponseSchema string         `yaml:"response_schema"`
	Defaults       PackDefaults   `yaml:"defaults"`
	Validation     PackValidation `yaml:"validation"`
	Runner         RunnerConfig   `yaml:"runner"`
	Questions      []Question     `yaml:"questions"`
}

type PackDefaults struct {
	ChatTopK     int      `yaml:"chat_top_k"`
	MaxTokens    int      `yaml:"max_tokens"`
	Temperature  *float64 `yaml:"temperature"`
	AdaptiveTopK *bool    `yaml:"adaptive_top_k"`
	TopKInitial  int      `yaml:"chat_top_k_initial"`
}

// PackValidation toggles the contract gates. Nil pointers inherit policy defaults.
type PackValidation struct {
	RequiredVerdicts             []string `yaml:"required_verdicts"`
	CitationFormat               string   `yaml:"citation_format"`
	FailOnMissingCitations       *bool    `yaml:"fail_on_missing_citations"`
	EnforceCitationsFromEvidence *bool    `yaml:"enforce_citations_from_evidence"`
	EnforceNoNewPaths            *bool    `yaml:"enforce_no_new_paths"`
	EnforcePathsMustBeCited      *bool    `yaml:"enforce_paths_must_be_cited"`
}

type RunnerConfig struct {
	Plugin  PluginSelection `yaml:"plugin"`
	Plugins PluginSelection `yaml:"plugins"`
	Mission *bool           `yaml:"mission"`
}

type Question struct {
	ID              string          `yaml:"id"`
	Title           string          `yaml:"title"`
	Category        string          `yaml:"category"`
	Question        string          `yaml:"question"`
	TopK            int             `yaml:"top_k"`
	ExpectedVerdict string          `yaml:"expected_verdict"`
	AnswerMode      string          `yaml:"answer_mode"`
	AdviceMode      string          `yaml:"advice_mode"`
	AdvicePrompt    string          `yaml:"advice_prompt"`
	Chat            ChatOptions     `yaml:"chat"`
	Preflight       []PreflightStep `yaml:"preflight"`
}

type ChatOptions struct {
	StrictResponseTemplate string   `yaml:"strict_response_template"`
	RetryOnSchemaFail      bool     `yaml:"retry_on_schema_fail"`
	SchemaRetryAttempts    int      `yaml:"schema_retry_attempts"`
	AdviceTopK             int      `yaml:"advice_top_k"`
	Model                  string   `yaml:"model"`
	MaxTokens              int      `yaml:"max_tokens"`
	Temperature            *float64 `yaml:"temperature"`
}

// PreflightStep is one deterministic extraction command of a question.
type PreflightStep struct {
	Name           string     `yaml:"name"`
	Cmd            StringList `yaml:"cmd"`
	Engine         string     `yaml:"engine"`
	StopIfNonempty bool       `yaml:"stop_if_nonempty"`
	Render         string     `yaml:"render"`
	FenceLang      string     `yaml:"fence_lang"`
	MaxChars       int        `yaml:"max_chars"`
	Inputs         StringList `yaml:"inputs"`
	TimeoutSeconds int        `yaml:"timeout_seconds"`
	Transform      Transform  `yaml:"transform"`
}

// Transform lists the row filters of a step. ExcludePathRegex is a pointer so
// an explicit empty list can be told apart from an omitted key.
type Transform struct {
	IncludePathRegex StringList       `yaml:"include_path_regex"`
	ExcludePathRegex *StringList      `yaml:"exclude_path_regex"`
	ExcludeTestFiles bool             `yaml:"exclude_test_files"`
	TestPathPatterns StringList       `yaml:"test_path_patterns"`
	ExcludeComments  bool             `yaml:"exclude_comments"`
	RequireContains  string           `yaml:"require_contains"`
	RequireRegex     StringList       `yaml:"require_regex"`
	GroupByPathTopN  *GroupByPathTopN `yaml:"group_by_path_top_n"`
	FilterFn         string           `yaml:"filter_fn"`
	MaxItems         int              `yaml:"max_items"`
	MaxChars         int              `yaml:"max_chars"`
	Render           string           `yaml:"render"`
}

// FilterCompactDocs keeps only rows that carry real documentation text.
const FilterCompactDocs = "compact_docs"

type GroupByPathTopN struct {
	From    string `yaml:"from"`
	TopN    int    `yaml:"top_n"`
	PerPath int    `yaml:"per_path"`
	SortKey string `yaml:"sort_key"`
}

// ActiveFilters names the filters a transform sets, in evaluation order.
func (t Transform) ActiveFilters() []string {
	var names []string
	if len(t.IncludePathRegex) > 0 {
		names = append(names, "include_path_regex")
	}
	if t.ExcludePathRegex != nil && len(*t.ExcludePathRegex) > 0 {
		names = append(names, "exclude_path_regex")
	}
	if t.ExcludeTestFiles {
		names = append(names, "exclude_test_files")
	}
	if t.ExcludeComments {
		names = append(names, "exclude_comments")
	}
	if t.RequireContains != "" {
		names = append(names, "require_contains")
	}
	if len(t.RequireRegex) > 0 {
		names = append(names, "require_regex")
	}
	if t.GroupByPathTopN != nil {
		names = append(names, "group_by_path_top_n")
	}
	if t.FilterFn != "" {
		names = append(names, "filter_fn")
	}
	if t.MaxItems > 0 {
		names = append(names, "max_items")
	}
	return names
}
