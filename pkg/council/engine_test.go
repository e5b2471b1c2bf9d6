package council

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zen-systems/conclave/pkg/config"
	"github.com/zen-systems/conclave/pkg/governor"
	"github.com/zen-systems/conclave/pkg/intent"
	"github.com/zen-systems/conclave/pkg/rag"
	"github.com/zen-systems/conclave/pkg/tools"
	"github.com/zen-systems/conclave/pkg/schema"
)

// scriptInvoker serves canned responses keyed by stage and backend and
// records every call it sees.
type scriptInvoker struct {
	mu      sync.Mutex
	replies map[string]string
	fails   map[string]string
	delays  map[string]time.Duration
	calls   []governor.Call
}

func newScriptInvoker() *scriptInvoker {
	return &scriptInvoker{
		replies: make(map[string]string),
		fails:   make(map[string]string),
		delays:  make(map[string]time.Duration),
	}
}

func key(stage, backend string) string { return stage + "|" + backend }

func (s *scriptInvoker) reply(stage, backend, text string) {
	s.replies[key(stage, backend)] = text
}

func (s *scriptInvoker) fail(stage, backend, msg string) {
	s.fails[key(stage, backend)] = msg
}

func (s *scriptInvoker) Invoke(ctx context.Context, call governor.Call) (schema.ModelResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	delay := s.delays[key(call.Stage, call.Backend)]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return schema.ModelResponse{Backend: call.Backend, Err: ctx.Err().Error()}, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.fails[key(call.Stage, call.Backend)]; ok {
		return schema.ModelResponse{Backend: call.Backend, Err: msg}, nil
	}
	text, ok := s.replies[key(call.Stage, call.Backend)]
	if !ok {
		text = "reply from " + call.Backend
	}
	return schema.ModelResponse{
		Backend: call.Backend, Text: text, OK: true,
		PromptTokens: 10, CompletionTokens: 20, Cost: 0.001,
	}, nil
}

func (s *scriptInvoker) stageCalls(stage string) []governor.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []governor.Call
	for _, c := range s.calls {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Budgets: config.BudgetsConfig{DailyUSD: 100, QueryUSD: 5},
		Timeouts: config.TimeoutsConfig{
			Stage1: time.Second, Stage2: time.Second, Stage3: time.Second, Stage4: time.Second,
			Classifier: time.Second, Tool: time.Second, Coordinator: time.Second,
		},
		Features:   config.FeaturesConfig{Tools: false, Judge: false},
		Classifier: config.ClassifierConfig{Backend: "mock/flash"},
		Synthesis:  config.SynthesisConfig{Backend: "mock/synth", Tier: "standard", ContextTokenLimit: 2000},
		Judge:      config.JudgeConfig{Backend: "mock/judge"},
		Ladder: config.LadderConfig{
			Simple:   []string{"mock/a"},
			Moderate: []string{"mock/a", "mock/b"},
			Complex:  []string{"mock/a", "mock/b", "mock/c", "mock/d"},
			Expert:   []string{"mock/a", "mock/b", "mock/c", "mock/d", "mock/e"},
		},
	}
}

func testEngine(t *testing.T, inv Invoker, cfg *config.Config, opts Options) *Engine {
	t.Helper()
	classifier := intent.New(inv, cfg.Classifier.Backend, cfg.Ladder, nil)
	e, err := NewEngine(inv, classifier, cfg, opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestQuickWorkflowStopsAfterStage1(t *testing.T) {
	inv := newScriptInvoker()
	inv.reply("stage1", "mock/a", "4")
	e := testEngine(t, inv, testConfig(), Options{})

	res, err := e.Run(context.Background(), schema.NewQuery("2+2?", "general"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Decision.Workflow != schema.WorkflowQuick {
		t.Fatalf("workflow = %s", res.Decision.Workflow)
	}
	if len(res.Responses) != 1 {
		t.Errorf("responses = %d, want 1", len(res.Responses))
	}
	if res.Synthesis != nil || res.Verdict != nil || len(res.Rankings) != 0 {
		t.Error("quick workflow ran later stages")
	}
	if got := res.FinalText(); got != "4" {
		t.Errorf("FinalText = %q, want %q", got, "4")
	}
	// Rules tier classified; only the single stage1 call hit a backend.
	if len(inv.calls) != 1 {
		t.Errorf("backend calls = %d, want 1", len(inv.calls))
	}
}

func rankingReply(labels ...string) string {
	var sb strings.Builder
	sb.WriteString("Comparing the drafts.\nFINAL RANKING:\n")
	for i, l := range labels {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, l)
	}
	return sb.String()
}

func TestDeliberationWithPartialFailureAndJudge(t *testing.T) {
	cfg := testConfig()
	cfg.Features.Judge = true
	cfg.Workspaces = map[string]config.WorkspaceConfig{
		"general": {HighStakes: true, SynthesisTier: "standard"},
	}

	inv := newScriptInvoker()
	inv.fail("stage1", "mock/d", "rate limited")
	// Survivors mock/a..c become Response A..C.
	inv.reply("stage2", "mock/a", rankingReply("Response A", "Response B", "Response C"))
	inv.reply("stage2", "mock/b", rankingReply("Response B", "Response A", "Response C"))
	inv.reply("stage2", "mock/c", "I cannot decide between these.")
	inv.reply("stage3", "mock/synth", "the synthesized answer")
	inv.reply("stage4", "mock/judge", `{"scores": {"accuracy": 0.9, "completeness": 0.8, "coherence": 0.95}, "recommendation": "approve", "reasoning": "solid"}`)

	emitter := NewEmitter(64)
	events := emitter.Subscribe()
	e := testEngine(t, inv, cfg, Options{Events: emitter})
	res, err := e.Run(context.Background(), schema.NewQuery("compare Postgres and MySQL trade-offs for us", "general"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Decision.Workflow != schema.WorkflowDeliberation {
		t.Fatalf("workflow = %s", res.Decision.Workflow)
	}

	if got := len(inv.stageCalls("stage1")); got != 4 {
		t.Errorf("stage1 calls = %d, want 4", got)
	}
	if got := len(inv.stageCalls("stage2")); got != 3 {
		t.Errorf("stage2 calls = %d, want 3 (survivors only)", got)
	}
	if got := len(res.Rankings); got != 2 {
		t.Errorf("parsed rankings = %d, want 2 (one unparseable)", got)
	}

	if len(res.Aggregate) != 3 {
		t.Fatalf("aggregate entries = %d", len(res.Aggregate))
	}
	if res.Aggregate[0].Label != "Response A" || res.Aggregate[0].MeanRank != 1.5 {
		t.Errorf("top = %+v", res.Aggregate[0])
	}

	if res.Synthesis == nil || res.Synthesis.Text != "the synthesized answer" {
		t.Fatalf("synthesis = %+v", res.Synthesis)
	}
	if res.Synthesis.Tier != schema.TierStandard {
		t.Errorf("tier = %s", res.Synthesis.Tier)
	}
	synthCalls := inv.stageCalls("stage3")
	if len(synthCalls) != 1 {
		t.Fatalf("stage3 calls = %d", len(synthCalls))
	}
	if got := strings.Count(synthCalls[0].Messages[0].Content, "(consensus rank"); got != 2 {
		t.Errorf("standard tier included %d candidates, want top 2", got)
	}
	if res.Verdict == nil {
		t.Fatal("high-stakes workspace with judging enabled produced no verdict")
	}
	if res.Verdict.Recommendation != schema.RecommendApprove {
		t.Errorf("recommendation = %q", res.Verdict.Recommendation)
	}
	if res.Verdict.Scores["accuracy"] != 0.9 {
		t.Errorf("scores = %v", res.Verdict.Scores)
	}
	if got := res.FinalText(); got != "the synthesized answer" {
		t.Errorf("FinalText = %q", got)
	}

	// Deliberation prompts carry peer content and must never be cached.
	for _, stage := range []string{"stage2", "stage3", "stage4"} {
		for _, c := range inv.stageCalls(stage) {
			if !c.NoCache {
				t.Errorf("%s call to %s is cacheable", stage, c.Backend)
			}
		}
	}

	// Ranking completion announces the aggregate.
	emitter.Close()
	var sawAggregate bool
	for ev := range events {
		if ev.Kind != EventStage2Done {
			continue
		}
		agg, ok := ev.Payload["aggregate"].([]schema.AggregateEntry)
		if !ok || len(agg) != 3 {
			t.Errorf("stage2_done aggregate payload = %v", ev.Payload["aggregate"])
		}
		sawAggregate = true
	}
	if !sawAggregate {
		t.Error("no stage2_done event emitted")
	}
}

func TestAllBackendsFailed(t *testing.T) {
	inv := newScriptInvoker()
	inv.fail("stage1", "mock/a", "down")
	e := testEngine(t, inv, testConfig(), Options{})

	res, err := e.Run(context.Background(), schema.NewQuery("2+2?", "general"))
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Fatalf("err = %v, want ErrAllBackendsFailed", err)
	}
	if res == nil || len(res.Responses) != 1 {
		t.Error("partial result not returned with the error")
	}
}

func TestLateStage1ResultExcluded(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts.Stage1 = 50 * time.Millisecond

	inv := newScriptInvoker()
	inv.reply("stage1", "mock/a", "fast answer")
	inv.reply("stage1", "mock/b", "slow answer")
	inv.delays[key("stage1", "mock/b")] = 300 * time.Millisecond

	e := testEngine(t, inv, cfg, Options{})
	// Moderate ladder: mock/a and mock/b.
	res, err := e.Run(context.Background(), schema.NewQuery("what is the capital of France and why does it matter historically for trade", "general"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, r := range res.Responses {
		if r.Backend == "mock/b" && r.OK {
			t.Error("late result joined the stage")
		}
	}
	if res.FinalText() == "slow answer" {
		t.Error("late result became the answer")
	}
}

func TestSynthesisFailureDegradesToTopDraft(t *testing.T) {
	cfg := testConfig()
	inv := newScriptInvoker()
	inv.reply("stage1", "mock/a", "draft a")
	inv.reply("stage1", "mock/b", "draft b")
	inv.reply("stage1", "mock/c", "draft c")
	inv.reply("stage1", "mock/d", "draft d")
	inv.reply("stage2", "mock/a", rankingReply("Response B", "Response A", "Response C", "Response D"))
	inv.reply("stage2", "mock/b", rankingReply("Response B", "Response C", "Response A", "Response D"))
	inv.reply("stage2", "mock/c", rankingReply("Response B", "Response A", "Response D", "Response C"))
	inv.reply("stage2", "mock/d", rankingReply("Response B", "Response D", "Response A", "Response C"))
	inv.fail("stage3", "mock/synth", "synthesizer overloaded")

	e := testEngine(t, inv, cfg, Options{})
	res, err := e.Run(context.Background(), schema.NewQuery("compare these four databases on trade-offs", "general"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synthesis != nil {
		t.Fatal("failed synthesis recorded a result")
	}
	if got := res.FinalText(); got != "draft b" {
		t.Errorf("FinalText = %q, want unanimous top draft %q", got, "draft b")
	}
}

func TestMinimalTierSynthesizesOneCandidate(t *testing.T) {
	cfg := testConfig()
	cfg.Workspaces = map[string]config.WorkspaceConfig{
		"support": {SynthesisTier: "minimal"},
	}
	inv := newScriptInvoker()
	inv.reply("stage3", "mock/synth", "final")

	e := testEngine(t, inv, cfg, Options{})
	_, err := e.Run(context.Background(), schema.NewQuery("compare the two rollout strategies and their trade-offs", "support"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	synthCalls := inv.stageCalls("stage3")
	if len(synthCalls) != 1 {
		t.Fatalf("stage3 calls = %d", len(synthCalls))
	}
	prompt := synthCalls[0].Messages[0].Content
	if got := strings.Count(prompt, "(consensus rank"); got != 1 {
		t.Errorf("minimal tier included %d candidates, want 1\n%s", got, prompt)
	}
}

type stubSearcher struct{}

func (stubSearcher) Search(ctx context.Context, workspace, query string, limit int) ([]rag.Hit, error) {
	return []rag.Hit{{Text: "internal runbook", Score: 0.9, Source: "kb/1"}}, nil
}

func TestRAGToolGatedByFeatureFlag(t *testing.T) {
	registry, err := tools.NewRegistry(
		tools.NewCalculator(),
		tools.NewRAGSearch(stubSearcher{}, "general"),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	run := func(t *testing.T, ragOn bool) *Result {
		cfg := testConfig()
		cfg.Features.Tools = true
		cfg.Features.RAG = ragOn
		cfg.Workspaces = map[string]config.WorkspaceConfig{
			"general": {Tools: []string{"rag_search"}, RAGEnabled: ragOn},
		}
		inv := newScriptInvoker()
		inv.reply("stage1", "mock/a", "4")
		e := testEngine(t, inv, cfg, Options{
			Coordinator: tools.NewCoordinator(registry, time.Second, time.Second, nil),
		})
		res, err := e.Run(context.Background(), schema.NewQuery("2+2?", "general"))
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res
	}

	res := run(t, false)
	for _, ti := range res.Tools {
		if ti.Tool == "rag_search" {
			t.Error("rag_search ran while disabled")
		}
	}

	res = run(t, true)
	var found bool
	for _, ti := range res.Tools {
		if ti.Tool == "rag_search" && ti.OK() {
			found = true
		}
	}
	if !found {
		t.Errorf("rag_search missing from invocations: %+v", res.Tools)
	}
}

type blobTool struct{ text string }

func (b blobTool) Name() string { return "archive_dump" }

func (b blobTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return b.text, nil
}

func TestOversizedToolContextSummarized(t *testing.T) {
	blob := strings.Repeat("sensor reading 42; ", 100)
	registry, err := tools.NewRegistry(blobTool{text: blob})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	cfg := testConfig()
	cfg.Features.Tools = true
	cfg.Synthesis.ContextTokenLimit = 50
	cfg.Workspaces = map[string]config.WorkspaceConfig{
		"general": {Tools: []string{"archive_dump"}},
	}

	inv := newScriptInvoker()
	inv.reply("summarize", "mock/flash", "readings held steady at 42")
	inv.reply("stage1", "mock/a", "42")

	e := testEngine(t, inv, cfg, Options{
		Coordinator: tools.NewCoordinator(registry, time.Second, time.Second, nil),
	})
	if _, err := e.Run(context.Background(), schema.NewQuery("2+2?", "general")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(inv.stageCalls("summarize")); got != 1 {
		t.Fatalf("summarize calls = %d, want 1", got)
	}
	stage1 := inv.stageCalls("stage1")
	if len(stage1) != 1 {
		t.Fatalf("stage1 calls = %d", len(stage1))
	}
	prompt := stage1[0].Messages[0].Content
	if !strings.Contains(prompt, "readings held steady at 42") {
		t.Errorf("stage1 prompt missing condensed context:\n%s", prompt)
	}
	if strings.Contains(prompt, blob) {
		t.Error("raw oversized tool output entered the prompt")
	}
	if !strings.Contains(prompt, "Question:\n2+2?") {
		t.Errorf("stage1 prompt missing the question:\n%s", prompt)
	}
}

func TestSmallToolContextPassedThrough(t *testing.T) {
	registry, err := tools.NewRegistry(blobTool{text: "one small fact"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	cfg := testConfig()
	cfg.Features.Tools = true
	cfg.Workspaces = map[string]config.WorkspaceConfig{
		"general": {Tools: []string{"archive_dump"}},
	}

	inv := newScriptInvoker()
	inv.reply("stage1", "mock/a", "4")

	e := testEngine(t, inv, cfg, Options{
		Coordinator: tools.NewCoordinator(registry, time.Second, time.Second, nil),
	})
	if _, err := e.Run(context.Background(), schema.NewQuery("2+2?", "general")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(inv.stageCalls("summarize")); got != 0 {
		t.Fatalf("summarize calls = %d, want 0", got)
	}
	prompt := inv.stageCalls("stage1")[0].Messages[0].Content
	if !strings.Contains(prompt, "one small fact") {
		t.Errorf("stage1 prompt missing tool context:\n%s", prompt)
	}
}

func TestStyleGuideOverridesWorkspaceStyle(t *testing.T) {
	cfg := testConfig()
	cfg.Workspaces = map[string]config.WorkspaceConfig{
		"legal": {Style: "keep it casual"},
	}
	inv := newScriptInvoker()
	inv.reply("stage3", "mock/synth", "final")

	styles := rag.StaticStyles{"legal": "cite statutes inline"}
	e := testEngine(t, inv, cfg, Options{Styles: styles})
	_, err := e.Run(context.Background(), schema.NewQuery("compare the two contract structures and their trade-offs", "legal"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	synthCalls := inv.stageCalls("stage3")
	if len(synthCalls) != 1 {
		t.Fatalf("stage3 calls = %d", len(synthCalls))
	}
	prompt := synthCalls[0].Messages[0].Content
	if !strings.Contains(prompt, "cite statutes inline") {
		t.Errorf("synthesis prompt missing style guide text:\n%s", prompt)
	}
	if strings.Contains(prompt, "keep it casual") {
		t.Error("workspace style used despite style guide override")
	}
}

func TestJudgeSkippedWhenNotGated(t *testing.T) {
	cfg := testConfig()
	cfg.Features.Judge = true // enabled, but workspace is not high stakes
	inv := newScriptInvoker()
	inv.reply("stage3", "mock/synth", "final")

	e := testEngine(t, inv, cfg, Options{})
	res, err := e.Run(context.Background(), schema.NewQuery("compare caching strategies and their trade-offs", "general"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != nil {
		t.Error("judge ran for a non-gated workflow")
	}
	if got := len(inv.stageCalls("stage4")); got != 0 {
		t.Errorf("stage4 calls = %d, want 0", got)
	}
}

func TestJudgeFailureIsNonFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Features.Judge = true
	inv := newScriptInvoker()
	inv.reply("stage3", "mock/synth", "final")
	inv.fail("stage4", "mock/judge", "judge offline")

	e := testEngine(t, inv, cfg, Options{})
	res, err := e.Run(context.Background(), schema.NewQuery("security audit of the session token rotation design", "general"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Verdict != nil {
		t.Error("failed judge produced a verdict")
	}
	if res.Synthesis == nil || res.FinalText() != "final" {
		t.Error("judge failure disturbed the answer")
	}
}

func TestNewEngineValidation(t *testing.T) {
	inv := newScriptInvoker()
	cfg := testConfig()
	classifier := intent.New(inv, cfg.Classifier.Backend, cfg.Ladder, nil)

	var confErr *ConfigurationError
	if _, err := NewEngine(nil, classifier, cfg, Options{}); !errors.As(err, &confErr) {
		t.Errorf("nil invoker: err = %v", err)
	}
	if _, err := NewEngine(inv, nil, cfg, Options{}); !errors.As(err, &confErr) {
		t.Errorf("nil classifier: err = %v", err)
	}

	bad := testConfig()
	bad.Features.Judge = true
	bad.Judge.Backend = bad.Synthesis.Backend
	if _, err := NewEngine(inv, classifier, bad, Options{}); !errors.As(err, &confErr) {
		t.Errorf("judge==synth: err = %v", err)
	}
}

func TestEventsEmittedInOrder(t *testing.T) {
	cfg := testConfig()
	emitter := NewEmitter(32)
	events := emitter.Subscribe()

	inv := newScriptInvoker()
	inv.reply("stage1", "mock/a", "4")
	e := testEngine(t, inv, cfg, Options{Events: emitter})

	if _, err := e.Run(context.Background(), schema.NewQuery("2+2?", "general")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	emitter.Close()

	var kinds []EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventIntentDecided, EventStage1Response, EventStage1Done, EventCostSummary, EventDone}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
}
