package tools

import (
	"context"
	"fmt"

	"github.com/zen-systems/conclave/pkg/rag"
)

// RAGSearch exposes a rag.Searcher as a tool so workspace knowledge joins
// the same context assembly path as every other source.
type RAGSearch struct {
	searcher  rag.Searcher
	workspace string
	limit     int
}

// NewRAGSearch binds the tool to one workspace's corpus.
func NewRAGSearch(searcher rag.Searcher, workspace string) *RAGSearch {
	return &RAGSearch{searcher: searcher, workspace: workspace, limit: 5}
}

func (r *RAGSearch) Name() string { return "rag_search" }

func (r *RAGSearch) Invoke(ctx context.Context, params map[string]any) (any, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("empty retrieval query")
	}
	hits, err := r.searcher.Search(ctx, r.workspace, query, r.limit)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return hits, nil
}
