// Package answer resolves question answers: deterministic synthesis from
// evidence, or a model call through a chat backend.
package answer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrBackend marks a chat call that did not produce an answer.
var ErrBackend = errors.New("chat backend failed")

// Request is one chat call.
type Request struct {
	QuestionID       string
	Phase            string
	Prompt           string
	TopK             int
	MaxTokens        int
	Temperature      float64
	Model            string
	SystemPromptFile string
}

// Record is the persisted form of a chat call, written as <QID>_chat.json.
type Record struct {
	Argv       []string `json:"argv"`
	ReturnCode int      `json:"returncode"`
	Stdout     any      `json:"stdout"`
	Stderr     string   `json:"stderr"`
	Backend    string   `json:"backend,omitempty"`
	Model      string   `json:"model,omitempty"`
	TopK       int      `json:"top_k,omitempty"`
	Phase      string   `json:"phase,omitempty"`
	ElapsedMS  int64    `json:"elapsed_ms"`
	Error      string   `json:"error,omitempty"`
}

// Response is the answer text of a chat call plus its record.
type Response struct {
	Text    string
	Sources any
	Record  Record
}

// Backend answers prompts.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Extract returns the answer text and sources of a chat payload. Objects are
// checked for answer, response and text keys; anything else is used as text.
func Extract(payload any) (string, any) {
	switch v := payload.(type) {
	case nil:
		return "", nil
	case map[string]any:
		for _, key := range []string{"answer", "response", "text"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s, v["sources"]
			}
		}
		return "", v["sources"]
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", nil
		}
		return string(data), nil
	}
}

// WithAnswer returns the record with its answer text replaced, keeping the
// rest of the payload.
func (r Record) WithAnswer(text string) Record {
	out := r
	if obj, ok := r.Stdout.(map[string]any); ok {
		copied := make(map[string]any, len(obj)+1)
		for k, v := range obj {
			copied[k] = v
		}
		copied["answer"] = text
		out.Stdout = copied
		return out
	}
	out.Stdout = map[string]any{"answer": text, "sources": nil}
	return out
}

func parseStdout(stdout string) any {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return ""
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return decoded
	}
	return stdout
}
