// Package intent decides how a query should be deliberated: its
// complexity, the workflow to run, which backends sit on the council, and
// which tools to gather context with. Classification is two-tier: cheap
// rule matching first, a small model for everything ambiguous, and a
// conservative default when both are unavailable. Classification never
// fails a query.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zen-systems/conclave/pkg/adapter"
	"github.com/zen-systems/conclave/pkg/config"
	"github.com/zen-systems/conclave/pkg/governor"
	"github.com/zen-systems/conclave/pkg/schema"
)

// Invoker dispatches governed model calls. *governor.Governor satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, call governor.Call) (schema.ModelResponse, error)
}

// Classifier produces an IntentDecision for each query.
type Classifier struct {
	invoke  Invoker
	backend string
	ladder  config.LadderConfig
	log     *slog.Logger
}

// New builds a classifier using the given cheap backend for the model tier.
func New(invoke Invoker, backend string, ladder config.LadderConfig, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{invoke: invoke, backend: backend, ladder: ladder, log: log}
}

// Classify decides complexity, workflow, backends and tools for a query.
// The workspace's backend override, when present, wins over the complexity
// ladder.
func (c *Classifier) Classify(ctx context.Context, q schema.Query, ws config.WorkspaceConfig) schema.IntentDecision {
	decision := c.decide(ctx, q)
	if len(ws.Backends) > 0 {
		decision.Backends = append([]string(nil), ws.Backends...)
	} else {
		decision.Backends = append([]string(nil), c.ladder.ForComplexity(string(decision.Complexity))...)
	}
	if len(decision.Backends) > 5 {
		decision.Backends = decision.Backends[:5]
	}
	// dual_check only makes sense for exactly two backends; a workspace
	// override that widens the set gets the full ranking workflow.
	if decision.Workflow == schema.WorkflowDualCheck && len(decision.Backends) != 2 {
		decision.Workflow = schema.WorkflowDeliberation
	}
	return decision
}

func (c *Classifier) decide(ctx context.Context, q schema.Query) schema.IntentDecision {
	if d := classifyByRules(q.Text); d != nil {
		c.log.Debug("intent from rules", "query", q.ID, "complexity", d.Complexity, "confidence", d.Confidence)
		return *d
	}
	d, err := c.classifyByModel(ctx, q)
	if err != nil {
		c.log.Warn("classifier model unavailable, using default intent", "query", q.ID, "error", err)
		return defaultDecision()
	}
	c.log.Debug("intent from model", "query", q.ID, "complexity", d.Complexity, "confidence", d.Confidence)
	return d
}

const classifierPrompt = `Classify the following user query for a multi-model deliberation system.
Respond with only a JSON object, no prose:
{"complexity": "simple|moderate|complex|expert", "tools": ["calculator"|"web_search"|"rag_search"], "rationale": "<one sentence>", "confidence": <0.0-1.0>}

Query:
%s`

func (c *Classifier) classifyByModel(ctx context.Context, q schema.Query) (schema.IntentDecision, error) {
	resp, err := c.invoke.Invoke(ctx, governor.Call{
		QueryID:   q.ID,
		Workspace: q.Workspace,
		Backend:   c.backend,
		Stage:     "classify",
		Messages:  []adapter.Message{adapter.UserMessage(fmt.Sprintf(classifierPrompt, q.Text))},
		Params:    adapter.Params{MaxTokens: 256, Temperature: 0},
	})
	if err != nil {
		return schema.IntentDecision{}, err
	}
	if !resp.OK {
		return schema.IntentDecision{}, fmt.Errorf("classifier backend: %s", resp.Err)
	}
	return parseDecision(resp.Text)
}

type rawDecision struct {
	Complexity string   `json:"complexity"`
	Tools      []string `json:"tools"`
	Rationale  string   `json:"rationale"`
	Confidence float64  `json:"confidence"`
}

// parseDecision extracts the JSON object from a model reply, tolerating
// markdown fences and surrounding prose.
func parseDecision(text string) (schema.IntentDecision, error) {
	body := stripFences(text)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return schema.IntentDecision{}, fmt.Errorf("no JSON object in classifier reply")
	}
	var raw rawDecision
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
		return schema.IntentDecision{}, fmt.Errorf("parse classifier reply: %w", err)
	}

	complexity := schema.Complexity(strings.ToLower(strings.TrimSpace(raw.Complexity)))
	switch complexity {
	case schema.ComplexitySimple, schema.ComplexityModerate, schema.ComplexityComplex, schema.ComplexityExpert:
	default:
		return schema.IntentDecision{}, fmt.Errorf("unknown complexity %q", raw.Complexity)
	}

	confidence := raw.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return schema.IntentDecision{
		Complexity: complexity,
		Workflow:   workflowFor(complexity),
		Tools:      knownTools(raw.Tools),
		Rationale:  raw.Rationale,
		Confidence: confidence,
	}, nil
}

// defaultDecision is the degraded path when neither tier can classify:
// moderate complexity with full deliberation, erring toward more scrutiny
// rather than less.
func defaultDecision() schema.IntentDecision {
	return schema.IntentDecision{
		Complexity: schema.ComplexityModerate,
		Workflow:   schema.WorkflowDeliberation,
		Rationale:  "classifier unavailable",
		Confidence: 0.3,
	}
}

func workflowFor(c schema.Complexity) schema.Workflow {
	switch c {
	case schema.ComplexitySimple:
		return schema.WorkflowQuick
	case schema.ComplexityModerate:
		return schema.WorkflowDualCheck
	case schema.ComplexityComplex:
		return schema.WorkflowDeliberation
	case schema.ComplexityExpert:
		return schema.WorkflowExpertPanel
	default:
		return schema.WorkflowDeliberation
	}
}

func knownTools(names []string) []string {
	var out []string
	for _, n := range names {
		switch strings.TrimSpace(strings.ToLower(n)) {
		case "calculator", "web_search", "rag_search":
			out = append(out, strings.TrimSpace(strings.ToLower(n)))
		}
	}
	return out
}

func stripFences(text string) string {
	body := strings.TrimSpace(text)
	if !strings.HasPrefix(body, "```") {
		return body
	}
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	if i := strings.LastIndex(body, "```"); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(body)
}
