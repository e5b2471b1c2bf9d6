package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Doer abstracts the HTTP client so searches are testable offline.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebSearch queries a search API and returns the top results. The endpoint
// is expected to accept ?q= and return {"results": [{"title","url","snippet"}]}.
type WebSearch struct {
	endpoint string
	apiKey   string
	client   Doer
	limit    int
}

// SearchResult is one hit returned to the council.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// NewWebSearch builds the tool. client may be nil for http.DefaultClient.
func NewWebSearch(endpoint, apiKey string, client Doer) *WebSearch {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebSearch{endpoint: endpoint, apiKey: apiKey, client: client, limit: 5}
}

func (w *WebSearch) Name() string { return "web_search" }

func (w *WebSearch) Invoke(ctx context.Context, params map[string]any) (any, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}

	u, err := url.Parse(w.endpoint)
	if err != nil {
		return nil, fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(payload.Results) > w.limit {
		payload.Results = payload.Results[:w.limit]
	}
	return payload.Results, nil
}
