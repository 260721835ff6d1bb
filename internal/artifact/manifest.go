package artifact

import (
	"os"
	"time"
)

// FileIdentity names an input and its content hash.
type FileIdentity struct {
	Path    string `json:"path"`
	SHA256  string `json:"sha256,omitempty"`
	IsDir   bool   `json:"is_dir,omitempty"`
	Missing bool   `json:"missing,omitempty"`
}

// Identify hashes a regular file, or marks a directory or missing path.
func Identify(path string) FileIdentity {
	identity := FileIdentity{Path: path}
	if path == "" {
		identity.Missing = true
		return identity
	}
	info, err := os.Stat(path)
	if err != nil {
		identity.Missing = true
		return identity
	}
	if info.IsDir() {
		identity.IsDir = true
		return identity
	}
	if sum, err := HashFile(path); err == nil {
		identity.SHA256 = sum
	}
	return identity
}

type PackInfo struct {
	Path     string `json:"path"`
	PackType string `json:"pack_type"`
	Engine   string `json:"engine"`
	Version  string `json:"version"`
}

type RepoInfo struct {
	CommitSHA   string `json:"commit_sha"`
	CommitShort string `json:"commit_short"`
	Branch      string `json:"branch"`
	Dirty       bool   `json:"dirty"`
}

type ToolsInfo struct {
	RunnerVersion string `json:"runner_version"`
	Backend       string `json:"backend"`
	Model         string `json:"model,omitempty"`
}

type Inputs struct {
	Pack   FileIdentity  `json:"pack"`
	Policy *FileIdentity `json:"policy,omitempty"`
	Corpus FileIdentity  `json:"corpus"`
	Index  FileIdentity  `json:"index"`
}

// QuestionSummary is the per-question row of the manifest.
type QuestionSummary struct {
	ID             string `json:"id"`
	Verdict        string `json:"verdict,omitempty"`
	OK             bool   `json:"ok"`
	Fatal          bool   `json:"fatal"`
	IssueCount     int    `json:"issue_count"`
	AdviceIssues   int    `json:"advice_issue_count"`
	SchemaRetries  int    `json:"schema_retries"`
	AdaptiveReruns int    `json:"adaptive_reruns"`
	AdviceRetries  int    `json:"advice_retries"`
	CitationCount  int    `json:"citation_count"`
	ModelCalls     int    `json:"model_calls"`
	Aborted        string `json:"aborted,omitempty"`
}

type Outputs struct {
	ScoreOK        int                      `json:"score_ok"`
	TotalQuestions int                      `json:"total_questions"`
	OKPercentage   float64                  `json:"ok_percentage"`
	Fatal          bool                     `json:"fatal"`
	Cancelled      bool                     `json:"cancelled,omitempty"`
	OutputDir      string                   `json:"output_dir"`
	Report         string                   `json:"report"`
	Questions      []QuestionSummary        `json:"questions"`
	PluginOutputs  map[string]PluginOutputs `json:"plugin_outputs,omitempty"`
	PluginErrors   map[string]string        `json:"plugin_errors,omitempty"`
	Artifacts      []Entry                  `json:"artifacts"`
}

// Manifest is the machine-readable run record.
type Manifest struct {
	SchemaVersion string    `json:"schema_version"`
	RunID         string    `json:"run_id"`
	GeneratedAt   string    `json:"generated_at"`
	Pack          PackInfo  `json:"pack"`
	Repo          *RepoInfo `json:"repo,omitempty"`
	Tools         ToolsInfo `json:"tools"`
	Inputs        Inputs    `json:"inputs"`
	Outputs       Outputs   `json:"outputs"`
}

// Summarize builds the manifest question rows and score from records.
func Summarize(records []QuestionRecord) (summaries []QuestionSummary, scoreOK int, fatal bool) {
	summaries = make([]QuestionSummary, 0, len(records))
	for _, record := range records {
		ok := record.OK()
		if ok {
			scoreOK++
		}
		if record.Fatal {
			fatal = true
		}
		summaries = append(summaries, QuestionSummary{
			ID:             record.ID,
			Verdict:        record.Verdict,
			OK:             ok,
			Fatal:          record.Fatal,
			IssueCount:     len(record.Issues),
			AdviceIssues:   len(record.AdviceIssues),
			SchemaRetries:  record.SchemaRetries,
			AdaptiveReruns: record.AdaptiveReruns,
			AdviceRetries:  record.AdviceRetries,
			CitationCount:  len(record.Citations),
			ModelCalls:     record.ModelCalls,
			Aborted:        record.Aborted,
		})
	}
	return summaries, scoreOK, fatal
}

// OKPercentage rounds to one decimal place.
func OKPercentage(scoreOK, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(int(1000*float64(scoreOK)/float64(total)+0.5)) / 10
}

// Timestamp formats manifest times.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// MergePluginOutputs adds a plugin's outputs under its name. An existing entry
// for the same plugin is kept and the new one is reported as a conflict.
func (m *Manifest) MergePluginOutputs(name string, outputs PluginOutputs) bool {
	if m.Outputs.PluginOutputs == nil {
		m.Outputs.PluginOutputs = map[string]PluginOutputs{}
	}
	if _, exists := m.Outputs.PluginOutputs[name]; exists {
		return false
	}
	m.Outputs.PluginOutputs[name] = outputs
	return true
}

// RecordPluginError notes a plugin failure without changing the exit status.
func (m *Manifest) RecordPluginError(name string, err error) {
	if m.Outputs.PluginErrors == nil {
		m.Outputs.PluginErrors = map[string]string{}
	}
	m.Outputs.PluginErrors[name] = err.Error()
}
