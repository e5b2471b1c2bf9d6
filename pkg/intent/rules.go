package intent

import (
	"regexp"
	"strings"

	"github.com/zen-systems/conclave/pkg/schema"
)

// Heuristic tier. Patterns that match with high confidence skip the
// classifier backend entirely; everything ambiguous falls through to the
// model tier.

var (
	arithmeticPattern = regexp.MustCompile(`^[\s\d+\-*/().^%=?]+$`)
	definitionPattern = regexp.MustCompile(`(?i)^(what is|what's|define|who is|who was|when did|when was|where is)\b`)
	conversionPattern = regexp.MustCompile(`(?i)\b(convert|how many)\b.*\b(in|to|per)\b`)

	expertPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(prove|proof|theorem|formal verification)\b`),
		regexp.MustCompile(`(?i)\b(architect(ure)?|system design|design doc)\b.*\b(review|tradeoffs?|scal)`),
		regexp.MustCompile(`(?i)\b(security audit|threat model|vulnerabilit)`),
		regexp.MustCompile(`(?i)\b(legal|regulatory|compliance)\b.*\b(implications?|risk|analysis)\b`),
	}

	complexPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(compare|contrast|pros and cons|trade-?offs?)\b`),
		regexp.MustCompile(`(?i)\b(analy[sz]e|evaluate|assess|critique)\b`),
		regexp.MustCompile(`(?i)\b(strategy|roadmap|migration plan)\b`),
		regexp.MustCompile(`(?i)\b(debug|root.cause|why (is|does|did).*(fail|break|crash))\b`),
	}

	toolHintPatterns = map[string]*regexp.Regexp{
		"calculator": regexp.MustCompile(`(?i)\b(calculate|compute|sum of|product of)\b|[\d\s]+[+\-*/][\d\s]+`),
		"web_search": regexp.MustCompile(`(?i)\b(latest|current|today|this (week|month|year)|recent|news about|price of)\b`),
		"rag_search": regexp.MustCompile(`(?i)\b(our|internal|in (the|our) (docs|wiki|codebase|knowledge base))\b`),
	}
)

// classifyByRules returns a decision when the heuristics are confident,
// or nil to defer to the model tier.
func classifyByRules(text string) *schema.IntentDecision {
	trimmed := strings.TrimSpace(text)
	words := len(strings.Fields(trimmed))

	if arithmeticPattern.MatchString(trimmed) {
		return &schema.IntentDecision{
			Complexity: schema.ComplexitySimple,
			Workflow:   schema.WorkflowQuick,
			Tools:      hintedTools(trimmed),
			Rationale:  "arithmetic expression",
			Confidence: 0.95,
		}
	}
	if words <= 12 && definitionPattern.MatchString(trimmed) {
		return &schema.IntentDecision{
			Complexity: schema.ComplexitySimple,
			Workflow:   schema.WorkflowQuick,
			Tools:      hintedTools(trimmed),
			Rationale:  "short factual lookup",
			Confidence: 0.9,
		}
	}
	if conversionPattern.MatchString(trimmed) && words <= 15 {
		return &schema.IntentDecision{
			Complexity: schema.ComplexitySimple,
			Workflow:   schema.WorkflowQuick,
			Tools:      hintedTools(trimmed),
			Rationale:  "unit conversion",
			Confidence: 0.9,
		}
	}
	for _, p := range expertPatterns {
		if p.MatchString(trimmed) {
			return &schema.IntentDecision{
				Complexity: schema.ComplexityExpert,
				Workflow:   schema.WorkflowExpertPanel,
				Tools:      hintedTools(trimmed),
				Rationale:  "high-stakes analytical request",
				Confidence: 0.85,
			}
		}
	}
	for _, p := range complexPatterns {
		if p.MatchString(trimmed) {
			return &schema.IntentDecision{
				Complexity: schema.ComplexityComplex,
				Workflow:   schema.WorkflowDeliberation,
				Tools:      hintedTools(trimmed),
				Rationale:  "multi-perspective analysis",
				Confidence: 0.8,
			}
		}
	}
	return nil
}

// hintedTools returns requested tools in catalog order so downstream
// merging stays deterministic.
func hintedTools(text string) []string {
	var tools []string
	for _, name := range []string{"calculator", "web_search", "rag_search"} {
		if toolHintPatterns[name].MatchString(text) {
			tools = append(tools, name)
		}
	}
	return tools
}
