package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zen-systems/conclave/pkg/schema"
)

// Coordinator runs requested tools concurrently under per-tool and overall
// deadlines and assembles their output into prompt context.
type Coordinator struct {
	registry    *Registry
	toolTimeout time.Duration
	overall     time.Duration
	log         *slog.Logger
}

// NewCoordinator builds a coordinator over a registry.
func NewCoordinator(registry *Registry, toolTimeout, overall time.Duration, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{registry: registry, toolTimeout: toolTimeout, overall: overall, log: log}
}

// Batch is the outcome of one coordinated tool run.
type Batch struct {
	registry    *Registry
	invocations []schema.ToolInvocation
}

// Execute runs the requested tools. Every request yields exactly one
// invocation record; unknown tools fail without running anything.
func (c *Coordinator) Execute(ctx context.Context, query string, requested []string) *Batch {
	names := dedupe(requested)
	c.registry.sortCatalogOrder(names)

	ctx, cancel := context.WithTimeout(ctx, c.overall)
	defer cancel()

	results := make([]schema.ToolInvocation, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		tool, ok := c.registry.Get(name)
		if !ok {
			results[i] = schema.ToolInvocation{Tool: name, Err: "unknown tool"}
			continue
		}
		wg.Add(1)
		go func(i int, tool Tool) {
			defer wg.Done()
			results[i] = c.invoke(ctx, tool, query)
		}(i, tool)
	}
	wg.Wait()

	for _, inv := range results {
		if !inv.OK() {
			c.log.Warn("tool failed", "tool", inv.Tool, "error", inv.Err)
		}
	}
	return &Batch{registry: c.registry, invocations: results}
}

func (c *Coordinator) invoke(ctx context.Context, tool Tool, query string) schema.ToolInvocation {
	ctx, cancel := context.WithTimeout(ctx, c.toolTimeout)
	defer cancel()

	params := map[string]any{"query": query}
	start := time.Now()
	result, err := tool.Invoke(ctx, params)
	inv := schema.ToolInvocation{
		Tool:    tool.Name(),
		Params:  params,
		Latency: time.Since(start),
	}
	if err != nil {
		inv.Err = err.Error()
		return inv
	}
	inv.Result = result
	return inv
}

// Invocations returns all records, successes and failures alike.
func (b *Batch) Invocations() []schema.ToolInvocation {
	return append([]schema.ToolInvocation(nil), b.invocations...)
}

// Context renders the gathered results as one augmentation block.
// Successful results appear in catalog order; failed tools are noted so
// models know which context is missing rather than silently absent. Empty
// when no tool ran.
func (b *Batch) Context() string {
	var ok, failed []schema.ToolInvocation
	for _, inv := range b.invocations {
		if inv.OK() {
			ok = append(ok, inv)
		} else {
			failed = append(failed, inv)
		}
	}
	if len(ok) == 0 && len(failed) == 0 {
		return ""
	}

	var sb strings.Builder
	if len(ok) > 0 {
		sb.WriteString("Context gathered before answering:\n")
		for _, inv := range ok {
			sb.WriteString(fmt.Sprintf("[%s] %v\n", inv.Tool, inv.Result))
		}
	}
	if len(failed) > 0 {
		sb.WriteString("Unavailable context (tool failures):\n")
		for _, inv := range failed {
			sb.WriteString(fmt.Sprintf("[%s] %s\n", inv.Tool, inv.Err))
		}
	}
	return sb.String()
}

// Compose joins an augmentation block with the question. Callers cap or
// summarize the block before composing; an empty block is the bare query.
func Compose(query, context string) string {
	if context == "" {
		return query
	}
	return context + "\nQuestion:\n" + query
}

// Augment prepends the uncapped context block to the query text.
func (b *Batch) Augment(query string) string {
	return Compose(query, b.Context())
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
