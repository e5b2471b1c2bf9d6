package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockAdapter returns deterministic responses for local runs and tests.
type MockAdapter struct {
	mu              sync.Mutex
	responses       map[string]string
	errs            map[string]error
	delays          map[string]time.Duration
	defaultResponse string
	calls           int
	usage           Completion
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		responses:       make(map[string]string),
		errs:            make(map[string]error),
		delays:          make(map[string]time.Duration),
		defaultResponse: "mock response:",
		usage:           Completion{PromptTokens: 10, CompletionTokens: 20},
	}
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1", "mock-2", "mock-3", "mock-4", "mock-5"}
}

// Respond registers a canned response for prompts containing the given
// substring on the given model. An empty model matches every model.
func (a *MockAdapter) Respond(model, promptContains, response string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[mockKey(model, promptContains)] = response
}

// Fail registers an error for prompts containing the given substring.
func (a *MockAdapter) Fail(model, promptContains string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs[mockKey(model, promptContains)] = err
}

// Delay registers an artificial latency for the given model.
func (a *MockAdapter) Delay(model string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delays[model] = d
}

// SetUsage overrides the token usage reported on every completion.
func (a *MockAdapter) SetUsage(prompt, completion int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage = Completion{PromptTokens: prompt, CompletionTokens: completion}
}

// Calls reports how many completions reached the adapter.
func (a *MockAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Complete returns a deterministic completion for the prompt.
func (a *MockAdapter) Complete(ctx context.Context, model string, messages []Message, _ Params) (*Completion, error) {
	a.mu.Lock()
	a.calls++
	delay := a.delays[model]
	prompt := flattenMessages(messages)
	// The most specific matcher wins: longer prompt substrings beat
	// shorter ones, so a catch-all never shadows a targeted response.
	var text string
	var callErr error
	found := false
	best := -1
	for key, response := range a.responses {
		if mockKeyMatches(key, model, prompt) && mockKeySpecificity(key) > best {
			text, found = response, true
			best = mockKeySpecificity(key)
		}
	}
	best = -1
	for key, err := range a.errs {
		if mockKeyMatches(key, model, prompt) && mockKeySpecificity(key) > best {
			callErr = err
			best = mockKeySpecificity(key)
		}
	}
	usage := a.usage
	defaultResponse := a.defaultResponse
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, callErr
	}
	if !found {
		text = fmt.Sprintf("%s\n%s", defaultResponse, prompt)
	}

	return &Completion{
		Text:             text,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}, nil
}

func flattenMessages(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

func mockKey(model, promptContains string) string {
	return model + "\x00" + promptContains
}

func mockKeySpecificity(key string) int {
	sep := strings.Index(key, "\x00")
	if sep < 0 {
		return 0
	}
	return len(key) - sep - 1
}

func mockKeyMatches(key, model, prompt string) bool {
	sep := strings.Index(key, "\x00")
	if sep < 0 {
		return false
	}
	keyModel, keyPrompt := key[:sep], key[sep+1:]
	if keyModel != "" && keyModel != model {
		return false
	}
	return keyPrompt == "" || strings.Contains(prompt, keyPrompt)
}
