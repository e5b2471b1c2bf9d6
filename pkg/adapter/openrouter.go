package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const openrouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterAdapter implements the Adapter interface against the OpenRouter
// aggregation API, which uses the OpenAI-compatible chat format. It gives a
// single adapter access to any backend id OpenRouter resolves.
type OpenRouterAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type openrouterRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openrouterResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// NewOpenRouterAdapter creates a new OpenRouter adapter.
func NewOpenRouterAdapter(apiKey string) (*OpenRouterAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter API key is required")
	}
	return &OpenRouterAdapter{
		apiKey:     apiKey,
		baseURL:    openrouterBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Name returns the adapter identifier.
func (a *OpenRouterAdapter) Name() string {
	return "openrouter"
}

// Models returns a representative list; OpenRouter accepts any model id it
// can route, so this is not exhaustive.
func (a *OpenRouterAdapter) Models() []string {
	return []string{
		"anthropic/claude-sonnet-4.5",
		"openai/gpt-5.1",
		"google/gemini-3-pro-preview",
	}
}

// Complete sends a chat prompt through OpenRouter and returns the normalized
// result.
func (a *OpenRouterAdapter) Complete(ctx context.Context, model string, messages []Message, params Params) (*Completion, error) {
	payload, err := json.Marshal(openrouterRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokensOrDefault(params),
		Temperature: params.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openrouter request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &AdapterError{Temporary: true, Err: fmt.Errorf("openrouter request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openrouter response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &AdapterError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("openrouter API error (status=%d): %s", resp.StatusCode, truncate(string(body), 512)),
		}
	}

	var parsed openrouterResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode openrouter response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &AdapterError{Err: fmt.Errorf("openrouter error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openrouter returned no choices")
	}

	return &Completion{
		Text:             parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
