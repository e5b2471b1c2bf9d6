package tools

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/zen-systems/conclave/pkg/rag"
)

type stubTool struct {
	name   string
	result any
	err    error
	delay  time.Duration
}

func (s *stubTool) Name() string { return s.name }

func (s *stubTool) Invoke(ctx context.Context, _ map[string]any) (any, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.result, s.err
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(&stubTool{name: "a"}, &stubTool{name: "a"})
	if err == nil {
		t.Fatal("duplicate tool names accepted")
	}
}

func TestEvalExpr(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"2+2", 4},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"2^10", 1024},
		{"2^3^2", 512}, // right-associative
		{"-3 + 5", 2},
		{"10 % 3", 1},
		{"1.5 * 2", 3},
	}
	for _, tt := range tests {
		got, err := evalExpr(tt.expr)
		if err != nil {
			t.Errorf("evalExpr(%q): %v", tt.expr, err)
			continue
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("evalExpr(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvalExprErrors(t *testing.T) {
	for _, expr := range []string{"3 / 0", "2 +", "(2 + 3", "abc", ""} {
		if _, err := evalExpr(expr); err == nil {
			t.Errorf("evalExpr(%q) should fail", expr)
		}
	}
}

func TestCalculatorExtractsFromQuery(t *testing.T) {
	c := NewCalculator()
	result, err := c.Invoke(context.Background(), map[string]any{"query": "what is 17 * 23 + 4?"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := result.(map[string]any)
	if got["value"].(float64) != 395 {
		t.Errorf("value = %v, want 395", got["value"])
	}
}

func TestCoordinatorRunsRequested(t *testing.T) {
	reg, err := NewRegistry(
		&stubTool{name: "calculator", result: "4"},
		&stubTool{name: "web_search", result: "hits"},
		&stubTool{name: "rag_search", err: errors.New("index offline")},
	)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCoordinator(reg, time.Second, 5*time.Second, nil)

	// Requested out of catalog order, with a duplicate and an unknown.
	batch := c.Execute(context.Background(), "q", []string{"rag_search", "calculator", "calculator", "nonexistent"})
	invs := batch.Invocations()
	if len(invs) != 3 {
		t.Fatalf("invocations = %d, want 3", len(invs))
	}
	// Catalog order: calculator before rag_search; unknown last.
	if invs[0].Tool != "calculator" || invs[1].Tool != "rag_search" || invs[2].Tool != "nonexistent" {
		t.Errorf("order = %v", []string{invs[0].Tool, invs[1].Tool, invs[2].Tool})
	}
	if !invs[0].OK() {
		t.Errorf("calculator failed: %s", invs[0].Err)
	}
	if invs[1].OK() || invs[2].OK() {
		t.Error("failures not recorded")
	}
}

func TestCoordinatorPerToolTimeout(t *testing.T) {
	reg, _ := NewRegistry(
		&stubTool{name: "slow", delay: 200 * time.Millisecond, result: "late"},
		&stubTool{name: "fast", result: "ok"},
	)
	c := NewCoordinator(reg, 20*time.Millisecond, time.Second, nil)

	batch := c.Execute(context.Background(), "q", []string{"slow", "fast"})
	byName := map[string]bool{}
	for _, inv := range batch.Invocations() {
		byName[inv.Tool] = inv.OK()
	}
	if byName["slow"] {
		t.Error("slow tool should have timed out")
	}
	if !byName["fast"] {
		t.Error("fast tool should have succeeded")
	}
}

func TestAugmentMergesInCatalogOrder(t *testing.T) {
	reg, _ := NewRegistry(
		&stubTool{name: "calculator", result: "395"},
		&stubTool{name: "web_search", err: errors.New("rate limited")},
	)
	c := NewCoordinator(reg, time.Second, time.Second, nil)
	batch := c.Execute(context.Background(), "what is 17*23+4 and the news?", []string{"web_search", "calculator"})

	out := batch.Augment("what is 17*23+4 and the news?")
	calcIdx := strings.Index(out, "[calculator]")
	failIdx := strings.Index(out, "[web_search] rate limited")
	qIdx := strings.Index(out, "Question:")
	if calcIdx < 0 || failIdx < 0 || qIdx < 0 {
		t.Fatalf("augmented prompt missing sections:\n%s", out)
	}
	if !(calcIdx < failIdx && failIdx < qIdx) {
		t.Errorf("section order wrong:\n%s", out)
	}
	if !strings.HasSuffix(out, "what is 17*23+4 and the news?") {
		t.Error("original query not preserved verbatim")
	}
}

func TestAugmentNoToolsIsIdentity(t *testing.T) {
	reg, _ := NewRegistry()
	c := NewCoordinator(reg, time.Second, time.Second, nil)
	batch := c.Execute(context.Background(), "q", nil)
	if got := batch.Augment("plain question"); got != "plain question" {
		t.Errorf("Augment = %q", got)
	}
}

func TestExecTool(t *testing.T) {
	e, err := NewExec("echo", []string{"echo", "hello"}, "")
	if err != nil {
		t.Fatal(err)
	}
	result, err := e.Invoke(context.Background(), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	diag := result.(*ExecDiagnostics)
	if strings.TrimSpace(diag.Stdout) != "hello" {
		t.Errorf("stdout = %q", diag.Stdout)
	}
	if diag.ExitCode != 0 {
		t.Errorf("exit = %d", diag.ExitCode)
	}
}

func TestExecToolNonZeroExit(t *testing.T) {
	e, _ := NewExec("false", []string{"false"}, "")
	result, err := e.Invoke(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if result == nil {
		t.Fatal("diagnostics should accompany the error")
	}
	if diag := result.(*ExecDiagnostics); diag.ExitCode == 0 {
		t.Errorf("exit code = %d, want non-zero", diag.ExitCode)
	}
	if !strings.Contains(err.Error(), "status") {
		t.Errorf("err = %v", err)
	}
}

func TestExprPatternFindsExpressions(t *testing.T) {
	tests := []struct{ query, want string }{
		{"what is 17 * 23 + 4?", "17 * 23 + 4"},
		{"2+2?", "2+2"},
		{"no math here", ""},
	}
	for _, tt := range tests {
		if got := strings.TrimSpace(exprPattern.FindString(tt.query)); got != tt.want {
			t.Errorf("FindString(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

type fakeSearcher struct {
	hits []rag.Hit
	err  error
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string, limit int) ([]rag.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

func TestRAGSearch(t *testing.T) {
	r := NewRAGSearch(&fakeSearcher{hits: []rag.Hit{{Text: "runbook", Score: 0.9}}}, "general")
	if r.Name() != "rag_search" {
		t.Errorf("name = %q", r.Name())
	}
	if _, err := r.Invoke(context.Background(), map[string]any{}); err == nil {
		t.Error("empty query accepted")
	}
	result, err := r.Invoke(context.Background(), map[string]any{"query": "deploy steps"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	hits := result.([]rag.Hit)
	if len(hits) != 1 || hits[0].Text != "runbook" {
		t.Errorf("hits = %v", hits)
	}
}
