// Package record writes per-query deliberation records to disk: one
// directory per query holding run metadata and a JSON file per stage.
// Records are a debugging artifact; the durable archive lives in store.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zen-systems/conclave/pkg/council"
	"github.com/zen-systems/conclave/pkg/schema"
)

// RunRecord captures query-level metadata.
type RunRecord struct {
	QueryID     string            `json:"query_id"`
	Workspace   string            `json:"workspace"`
	Question    string            `json:"question"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Workflow    schema.Workflow   `json:"workflow"`
	Complexity  schema.Complexity `json:"complexity"`
	FinalText   string            `json:"final_text"`
	CostUSD     float64           `json:"cost_usd"`
	ElapsedMS   int64             `json:"elapsed_ms"`
	WrittenAt   time.Time         `json:"written_at"`
}

// Writer writes deliberation records rooted at baseDir/<queryID>.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a record writer for one query.
func NewWriter(baseDir, queryID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if queryID == "" {
		return nil, fmt.Errorf("query ID is required")
	}

	runDir := filepath.Join(baseDir, queryID)
	if err := os.MkdirAll(filepath.Join(runDir, "stages"), 0755); err != nil {
		return nil, err
	}
	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the record directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteResult writes the full deliberation: run.json plus one file per
// stage that actually ran.
func (w *Writer) WriteResult(res *council.Result) error {
	run := RunRecord{
		QueryID:     res.Query.ID,
		Workspace:   res.Query.Workspace,
		Question:    res.Query.Text,
		SubmittedAt: res.Query.SubmittedAt,
		Workflow:    res.Decision.Workflow,
		Complexity:  res.Decision.Complexity,
		FinalText:   res.FinalText(),
		CostUSD:     res.CostUSD,
		ElapsedMS:   res.Elapsed.Milliseconds(),
		WrittenAt:   time.Now().UTC(),
	}
	if err := writeJSON(filepath.Join(w.runDir, "run.json"), run); err != nil {
		return err
	}

	stages := map[string]any{
		"intent": res.Decision,
		"stage1": res.Responses,
	}
	if len(res.Tools) > 0 {
		stages["tools"] = res.Tools
	}
	if len(res.Rankings) > 0 || len(res.Aggregate) > 0 {
		stages["stage2"] = map[string]any{
			"rankings":  res.Rankings,
			"aggregate": res.Aggregate,
		}
	}
	if res.Synthesis != nil {
		stages["stage3"] = res.Synthesis
	}
	if res.Verdict != nil {
		stages["stage4"] = res.Verdict
	}
	for name, payload := range stages {
		if err := w.writeStage(name, payload); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeStage(name string, payload any) error {
	return writeJSON(filepath.Join(w.runDir, "stages", name+".json"), payload)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
