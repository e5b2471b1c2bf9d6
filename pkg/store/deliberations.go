package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zen-systems/conclave/pkg/council"
	"github.com/zen-systems/conclave/pkg/schema"
)

// Deliberations persists completed runs so answers and their provenance
// survive restarts.
type Deliberations struct {
	db *DB
}

// Deliberations returns the run archive over this database.
func (db *DB) Deliberations() *Deliberations { return &Deliberations{db: db} }

// deliberationDetail is the JSON blob holding everything beyond the
// indexed columns.
type deliberationDetail struct {
	Decision  schema.IntentDecision   `json:"decision"`
	Tools     []schema.ToolInvocation `json:"tools,omitempty"`
	Responses []schema.ModelResponse  `json:"responses"`
	Rankings  []schema.PeerRanking    `json:"rankings,omitempty"`
	Aggregate []schema.AggregateEntry `json:"aggregate,omitempty"`
	Synthesis *schema.SynthesisResult `json:"synthesis,omitempty"`
	Verdict   *schema.JudgeVerdict    `json:"verdict,omitempty"`
	CostUSD   float64                 `json:"cost_usd"`
	ElapsedMS int64                   `json:"elapsed_ms"`
}

// Save archives one completed deliberation.
func (d *Deliberations) Save(res *council.Result) error {
	detail, err := json.Marshal(deliberationDetail{
		Decision:  res.Decision,
		Tools:     res.Tools,
		Responses: res.Responses,
		Rankings:  res.Rankings,
		Aggregate: res.Aggregate,
		Synthesis: res.Synthesis,
		Verdict:   res.Verdict,
		CostUSD:   res.CostUSD,
		ElapsedMS: res.Elapsed.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("marshal deliberation detail: %w", err)
	}
	_, err = d.db.conn.Exec(`INSERT INTO deliberations
		(query_id, workspace, question, submitted_at, workflow, complexity, final_text, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(query_id) DO UPDATE SET final_text = excluded.final_text, detail = excluded.detail`,
		res.Query.ID, res.Query.Workspace, res.Query.Text, res.Query.SubmittedAt.UnixNano(),
		string(res.Decision.Workflow), string(res.Decision.Complexity), res.FinalText(), string(detail))
	if err != nil {
		return fmt.Errorf("save deliberation %s: %w", res.Query.ID, err)
	}
	return nil
}

// Load reconstructs one deliberation by query id.
func (d *Deliberations) Load(queryID string) (*council.Result, error) {
	var (
		res         council.Result
		submittedAt int64
		detailRaw   string
		workflow    string
		complexity  string
	)
	err := d.db.conn.QueryRow(`SELECT query_id, workspace, question, submitted_at, workflow, complexity, detail
		FROM deliberations WHERE query_id = ?`, queryID).Scan(
		&res.Query.ID, &res.Query.Workspace, &res.Query.Text, &submittedAt, &workflow, &complexity, &detailRaw)
	if err != nil {
		return nil, fmt.Errorf("load deliberation %s: %w", queryID, err)
	}
	res.Query.SubmittedAt = time.Unix(0, submittedAt)

	var detail deliberationDetail
	if err := json.Unmarshal([]byte(detailRaw), &detail); err != nil {
		return nil, fmt.Errorf("decode deliberation %s: %w", queryID, err)
	}
	res.Decision = detail.Decision
	res.Tools = detail.Tools
	res.Responses = detail.Responses
	res.Rankings = detail.Rankings
	res.Aggregate = detail.Aggregate
	res.Synthesis = detail.Synthesis
	res.Verdict = detail.Verdict
	res.CostUSD = detail.CostUSD
	res.Elapsed = time.Duration(detail.ElapsedMS) * time.Millisecond
	return &res, nil
}

// Recent lists the newest runs: id, workspace, workflow and final answer.
func (d *Deliberations) Recent(limit int) ([]RunSummary, error) {
	rows, err := d.db.conn.Query(`SELECT query_id, workspace, question, workflow, complexity, final_text, submitted_at
		FROM deliberations ORDER BY submitted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliberations: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var at int64
		if err := rows.Scan(&s.QueryID, &s.Workspace, &s.Question, &s.Workflow, &s.Complexity, &s.FinalText, &at); err != nil {
			return nil, err
		}
		s.SubmittedAt = time.Unix(0, at)
		out = append(out, s)
	}
	return out, rows.Err()
}

// RunSummary is one row of the deliberation archive listing.
type RunSummary struct {
	QueryID     string
	Workspace   string
	Question    string
	Workflow    string
	Complexity  string
	FinalText   string
	SubmittedAt time.Time
}
