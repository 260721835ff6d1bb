package artifact

// Issue is a validation issue as persisted in reports and the manifest.
type Issue struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// PreflightRecord summarizes one preflight step of a question.
type PreflightRecord struct {
	Step           string   `json:"step"`
	Artifact       string   `json:"artifact,omitempty"`
	ExitCode       int      `json:"returncode"`
	ElapsedMS      int64    `json:"elapsed_ms"`
	Cached         bool     `json:"cached,omitempty"`
	ShortCircuited bool     `json:"short_circuited,omitempty"`
	RowsBefore     int      `json:"rows_before"`
	RowsAfter      int      `json:"rows_after"`
	FilteredToZero bool     `json:"filtered_to_zero,omitempty"`
	Starved        bool     `json:"starved,omitempty"`
	Filters        []string `json:"filters,omitempty"`
	Skipped        string   `json:"skipped,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// QuestionRecord is the outcome of one question, consumed by the report,
// the manifest and plugins.
type QuestionRecord struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Category        string            `json:"category"`
	AnswerMode      string            `json:"answer_mode"`
	AdviceMode      string            `json:"advice_mode"`
	PromptMode      string            `json:"prompt_mode,omitempty"`
	ExpectedVerdict string            `json:"expected_verdict,omitempty"`
	Verdict         string            `json:"verdict,omitempty"`
	Citations       []string          `json:"citations,omitempty"`
	Answer          string            `json:"-"`
	Advice          string            `json:"-"`
	Preflight       []PreflightRecord `json:"preflight,omitempty"`
	UsableBlocks    int               `json:"usable_evidence_blocks"`
	CiteTokens      []string          `json:"cite_tokens,omitempty"`
	Issues          []Issue           `json:"issues,omitempty"`
	AdviceIssues    []Issue           `json:"advice_issues,omitempty"`
	Corrections     []string          `json:"corrections,omitempty"`
	SchemaRetries   int               `json:"schema_retries"`
	AdaptiveReruns  int               `json:"adaptive_reruns"`
	AdviceRetries   int               `json:"advice_retries"`
	ModelCalls      int               `json:"model_calls"`
	TopK            int               `json:"top_k,omitempty"`
	Aborted         string            `json:"aborted,omitempty"`
	Fatal           bool              `json:"fatal"`
	Artifacts       []string          `json:"artifacts,omitempty"`
}

// OK reports whether the question finished with no issues at all.
func (q QuestionRecord) OK() bool {
	return q.Aborted == "" && len(q.Issues) == 0 && len(q.AdviceIssues) == 0
}

// PluginOutputs is what a plugin contributes to the manifest.
type PluginOutputs struct {
	Files   []string           `json:"files,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Hashes  map[string]string  `json:"hashes,omitempty"`
}
