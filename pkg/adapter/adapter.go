// Package adapter provides the uniform call contract to LLM providers.
package adapter

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage builds a single-turn user prompt.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Params tunes a completion request. Zero values select provider defaults.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Completion is the normalized result of one provider call.
type Completion struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// TotalTokens returns the combined token count.
func (c *Completion) TotalTokens() int {
	if c == nil {
		return 0
	}
	return c.PromptTokens + c.CompletionTokens
}

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Complete sends messages to the model and returns the normalized result.
	Complete(ctx context.Context, model string, messages []Message, params Params) (*Completion, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

const defaultMaxTokens = 4096

func maxTokensOrDefault(p Params) int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return defaultMaxTokens
}
