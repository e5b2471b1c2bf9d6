// Package schema defines the data model shared across the deliberation engine.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Complexity grades how much deliberation a query deserves.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityExpert   Complexity = "expert"
)

// Workflow selects the pipeline shape for a query.
type Workflow string

const (
	WorkflowQuick        Workflow = "quick"
	WorkflowDualCheck    Workflow = "dual_check"
	WorkflowDeliberation Workflow = "deliberation"
	WorkflowExpertPanel  Workflow = "expert_panel"
)

// Tier controls how much stage-one material the synthesizer receives.
type Tier string

const (
	TierMinimal       Tier = "minimal"
	TierStandard      Tier = "standard"
	TierComprehensive Tier = "comprehensive"
)

// Query is a single user question bound to a workspace.
type Query struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Workspace   string    `json:"workspace"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewQuery mints a query with a fresh id.
func NewQuery(text, workspace string) Query {
	return Query{
		ID:          uuid.NewString(),
		Text:        text,
		Workspace:   workspace,
		SubmittedAt: time.Now().UTC(),
	}
}

// IntentDecision is the classifier's routing verdict. Immutable once
// computed; Backends holds between one and five distinct ids.
type IntentDecision struct {
	Complexity Complexity `json:"complexity"`
	Workflow   Workflow   `json:"workflow"`
	Backends   []string   `json:"backends"`
	Tools      []string   `json:"tools,omitempty"`
	Rationale  string     `json:"rationale"`
	Confidence float64    `json:"confidence"`
}

// ModelResponse records one backend's answer to one prompt.
type ModelResponse struct {
	Backend          string        `json:"backend"`
	Text             string        `json:"text"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Latency          time.Duration `json:"latency"`
	Cost             float64       `json:"cost"`
	OK               bool          `json:"ok"`
	Err              string        `json:"error,omitempty"`
	Cached           bool          `json:"cached,omitempty"`
}

// ToolInvocation records one tool call, successful or not.
type ToolInvocation struct {
	Tool    string         `json:"tool"`
	Params  map[string]any `json:"params,omitempty"`
	Result  any            `json:"result,omitempty"`
	Err     string         `json:"error,omitempty"`
	Latency time.Duration  `json:"latency"`
	Cost    float64        `json:"cost"`
}

// OK reports whether the invocation produced a usable result.
func (t ToolInvocation) OK() bool { return t.Err == "" }

// PeerRanking is one rater's ordering of anonymized stage-one responses.
type PeerRanking struct {
	Rater  string   `json:"rater"`
	Labels []string `json:"labels"`
	Raw    string   `json:"raw"`
}

// AggregateEntry is the derived consensus position for one label. Backend
// resolves the label within the pipeline only; it is never serialized, so
// the anonymization mapping cannot be recovered from stored records.
type AggregateEntry struct {
	Label    string  `json:"label"`
	Backend  string  `json:"-"`
	MeanRank float64 `json:"mean_rank"`
	Votes    int     `json:"votes"`
}

// SynthesisResult is the designated synthesizer's final answer.
type SynthesisResult struct {
	Backend string `json:"backend"`
	Text    string `json:"text"`
	Tier    Tier   `json:"tier"`
}

// JudgeVerdict is the optional independent quality assessment.
// Scores are named dimensions in [0,1].
type JudgeVerdict struct {
	Backend        string             `json:"backend"`
	Scores         map[string]float64 `json:"scores"`
	Recommendation string             `json:"recommendation"`
	Reasoning      string             `json:"reasoning,omitempty"`
}

// Judge recommendations.
const (
	RecommendApprove = "approve"
	RecommendRevise  = "revise"
)

// LedgerEntry is one append-only record of a priced operation.
// Entries are never mutated after write.
type LedgerEntry struct {
	At               time.Time     `json:"at"`
	QueryID          string        `json:"query_id"`
	Workspace        string        `json:"workspace"`
	Backend          string        `json:"backend"`
	Stage            string        `json:"stage"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Cost             float64       `json:"cost"`
	Latency          time.Duration `json:"latency"`
	OK               bool          `json:"ok"`
	Err              string        `json:"error,omitempty"`
}
