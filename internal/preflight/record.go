// Package preflight executes the deterministic extraction steps of a question.
package preflight

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Record is the JSON artifact persisted for one step as <QID>_<step>.json.
type Record struct {
	Argv       []string       `json:"argv"`
	ReturnCode int            `json:"returncode"`
	Stdout     any            `json:"stdout"`
	StdoutRaw  any            `json:"stdout_raw,omitempty"`
	Stderr     string         `json:"stderr"`
	ElapsedMS  int64          `json:"elapsed_ms"`
	Sig        string         `json:"_sig,omitempty"`
	Error      string         `json:"error,omitempty"`
	Filter     *FilterSummary `json:"_filter,omitempty"`
}

// FilterSummary is attached when the stored stdout holds filtered rows.
type FilterSummary struct {
	RowsBefore     int  `json:"rows_before"`
	RowsAfter      int  `json:"rows_after"`
	FilteredToZero bool `json:"filtered_to_zero"`
}

// RawPayload returns the unfiltered tool output.
func (r Record) RawPayload() any {
	if r.StdoutRaw != nil {
		return r.StdoutRaw
	}
	return r.Stdout
}

// Fresh returns a copy holding only the raw output, ready to be stored under
// another name.
func (r Record) Fresh() Record {
	out := r
	out.Stdout = r.RawPayload()
	out.StdoutRaw = nil
	out.Filter = nil
	return out
}

// ArtifactName is the deterministic artifact name of a step.
func ArtifactName(questionID, step string) string {
	return questionID + "_" + step + ".json"
}

// ParseStdout decodes JSON output, keeping non-JSON output as text.
func ParseStdout(stdout string) any {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return decoded
	}
	return stdout
}

// LoadRecord reads a stored step artifact.
func LoadRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return record, nil
}
