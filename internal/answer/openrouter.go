package answer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// HTTPDoer abstracts HTTP clients used by the OpenRouter backend.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OpenRouter answers prompts through the OpenRouter chat completions API.
type OpenRouter struct {
	APIKey  string
	BaseURL string
	Client  HTTPDoer
	Model   string
	Timeout time.Duration
}

// FromEnv builds a backend from LLM_PROVIDER, LLM_API_KEY and LLM_BASE_URL.
func FromEnv(provider, model string, client HTTPDoer) (*OpenRouter, error) {
	if provider == "" {
		provider = strings.TrimSpace(os.Getenv("LLM_PROVIDER"))
	}
	if provider == "" {
		return nil, fmt.Errorf("provider is required")
	}
	if provider != "openrouter" {
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	return NewOpenRouter(model, apiKey, os.Getenv("LLM_BASE_URL"), client)
}

// NewOpenRouter constructs the backend with explicit settings.
func NewOpenRouter(model, apiKey, baseURL string, client HTTPDoer) (*OpenRouter, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenRouter{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  client,
		Model:   model,
	}, nil
}

// Name identifies the backend.
func (p *OpenRouter) Name() string {
	return "openrouter"
}

type openRouterRequest struct {
	Model       string              `json:"model"`
	Stream      bool                `json:"stream"`
	Messages    []openRouterMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete streams one completion and concatenates the content deltas.
func (p *OpenRouter) Complete(ctx context.Context, req Request) (Response, error) {
	model := p.Model
	if req.Model != "" {
		model = req.Model
	}
	messages := []openRouterMessage{}
	if req.SystemPromptFile != "" {
		system, err := os.ReadFile(req.SystemPromptFile)
		if err != nil {
			return Response{}, fmt.Errorf("read system prompt: %w", err)
		}
		messages = append(messages, openRouterMessage{Role: "system", Content: string(system)})
	}
	messages = append(messages, openRouterMessage{Role: "user", Content: req.Prompt})
	temperature := req.Temperature
	payload, err := json.Marshal(openRouterRequest{
		Model:       model,
		Stream:      true,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	endpoint := p.BaseURL + "/chat/completions"
	record := Record{
		Argv:    []string{http.MethodPost, endpoint},
		Backend: p.Name(),
		Model:   model,
		TopK:    req.TopK,
		Phase:   req.Phase,
	}
	start := time.Now()
	text, err := p.stream(ctx, endpoint, payload)
	record.ElapsedMS = time.Since(start).Milliseconds()
	if err != nil {
		record.ReturnCode = 1
		record.Error = err.Error()
		record.Stdout = ""
		return Response{Record: record}, fmt.Errorf("%w: openrouter: %v", ErrBackend, err)
	}
	record.Stdout = map[string]any{"answer": text}
	return Response{Text: text, Record: record}, nil
}

func (p *OpenRouter) stream(ctx context.Context, endpoint string, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("openrouter error: %s", strings.TrimSpace(string(body)))
	}
	return parseStream(resp.Body)
}

// parseStream reads SSE output and returns the concatenated content.
func parseStream(reader io.Reader) (string, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var content strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk openRouterStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", fmt.Errorf("parse stream chunk: %w", err)
		}
		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return content.String(), nil
}
