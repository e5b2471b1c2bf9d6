// Package rag defines the retrieval interfaces the pipeline consumes.
// Implementations live with the caller; the engine only depends on the
// contracts here.
package rag

import "context"

// Hit is one retrieved passage with its relevance score.
type Hit struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

// Searcher retrieves workspace context for a query.
type Searcher interface {
	// Search returns up to limit hits for the query, best first.
	Search(ctx context.Context, workspace, query string, limit int) ([]Hit, error)
}

// StyleGuide resolves workspace answer-style instructions.
type StyleGuide interface {
	// Style returns presentation instructions for a workspace, or "" when
	// none are configured.
	Style(workspace string) string
}

// StaticStyles is a StyleGuide backed by a fixed map, the usual source
// being workspace configuration.
type StaticStyles map[string]string

func (s StaticStyles) Style(workspace string) string { return s[workspace] }
