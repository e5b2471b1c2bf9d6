// Package council runs the deliberation pipeline: independent stage-one
// drafts, anonymized peer ranking, synthesis by a designated backend, and
// an optional independent judge. One query flows through one Run call;
// stages never run concurrently with each other, only within themselves.
package council

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zen-systems/conclave/pkg/adapter"
	"github.com/zen-systems/conclave/pkg/config"
	"github.com/zen-systems/conclave/pkg/governor"
	"github.com/zen-systems/conclave/pkg/intent"
	"github.com/zen-systems/conclave/pkg/rag"
	"github.com/zen-systems/conclave/pkg/schema"
	"github.com/zen-systems/conclave/pkg/tools"
)

// ErrAllBackendsFailed is returned when no stage-one backend produced a
// usable draft; there is nothing to deliberate.
var ErrAllBackendsFailed = errors.New("all stage-one backends failed")

// ConfigurationError reports invalid engine wiring detected at
// construction, before any query is accepted.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "engine configuration: " + e.Reason
}

// Invoker dispatches governed model calls. *governor.Governor satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, call governor.Call) (schema.ModelResponse, error)
}

// Engine orchestrates deliberation for one configured deployment.
type Engine struct {
	invoke      Invoker
	classifier  *intent.Classifier
	coordinator *tools.Coordinator
	styles      rag.StyleGuide
	cfg         *config.Config
	events      *Emitter
	log         *slog.Logger
}

// Options are the optional engine collaborators.
type Options struct {
	Coordinator *tools.Coordinator
	Styles      rag.StyleGuide
	Events      *Emitter
	Log         *slog.Logger
}

// NewEngine validates wiring and builds an engine.
func NewEngine(invoke Invoker, classifier *intent.Classifier, cfg *config.Config, opts Options) (*Engine, error) {
	if invoke == nil {
		return nil, &ConfigurationError{Reason: "invoker is required"}
	}
	if classifier == nil {
		return nil, &ConfigurationError{Reason: "classifier is required"}
	}
	if cfg == nil {
		return nil, &ConfigurationError{Reason: "config is required"}
	}
	if cfg.Synthesis.Backend == "" {
		return nil, &ConfigurationError{Reason: "synthesis backend is required"}
	}
	if cfg.Features.Judge {
		if cfg.Judge.Backend == "" {
			return nil, &ConfigurationError{Reason: "judge backend is required when judging is enabled"}
		}
		if cfg.Judge.Backend == cfg.Synthesis.Backend {
			return nil, &ConfigurationError{Reason: "judge backend must be distinct from synthesis backend"}
		}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		invoke:      invoke,
		classifier:  classifier,
		coordinator: opts.Coordinator,
		styles:      opts.Styles,
		cfg:         cfg,
		events:      opts.Events,
		log:         log,
	}, nil
}

// Result is everything one deliberation produced.
type Result struct {
	Query     schema.Query
	Decision  schema.IntentDecision
	Tools     []schema.ToolInvocation
	Responses []schema.ModelResponse
	Rankings  []schema.PeerRanking
	Aggregate []schema.AggregateEntry
	Synthesis *schema.SynthesisResult
	Verdict   *schema.JudgeVerdict
	CostUSD   float64
	Elapsed   time.Duration
}

// FinalText is the answer to present: the synthesis when one exists,
// otherwise the top-ranked stage-one draft, otherwise the first draft
// that succeeded.
func (r *Result) FinalText() string {
	if r.Synthesis != nil {
		return r.Synthesis.Text
	}
	byBackend := make(map[string]string, len(r.Responses))
	for _, resp := range r.Responses {
		if resp.OK {
			byBackend[resp.Backend] = resp.Text
		}
	}
	for _, entry := range r.Aggregate {
		if text, ok := byBackend[entry.Backend]; ok {
			return text
		}
	}
	for _, resp := range r.Responses {
		if resp.OK {
			return resp.Text
		}
	}
	return ""
}

// Run deliberates one query to completion. The returned Result is non-nil
// whenever any stage ran, even when err is set, so callers can record
// partial progress.
func (e *Engine) Run(ctx context.Context, q schema.Query) (*Result, error) {
	start := time.Now()
	ws := e.cfg.Workspace(q.Workspace)

	classifyCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Classifier)
	decision := e.classifier.Classify(classifyCtx, q, ws)
	cancel()
	e.events.Emit(EventIntentDecided, q.ID, map[string]any{
		"complexity": decision.Complexity,
		"workflow":   decision.Workflow,
		"backends":   decision.Backends,
		"confidence": decision.Confidence,
	})
	e.log.Info("intent decided",
		"query", q.ID, "workspace", q.Workspace,
		"complexity", decision.Complexity, "workflow", decision.Workflow,
		"backends", len(decision.Backends))

	res := &Result{Query: q, Decision: decision}

	prompt := q.Text
	if e.cfg.Features.Tools && e.coordinator != nil {
		requested := mergeTools(decision.Tools, ws.Tools)
		if !e.cfg.Features.RAG || !ws.RAGEnabled {
			requested = dropTool(requested, "rag_search")
		}
		if len(requested) > 0 {
			batch := e.coordinator.Execute(ctx, q.Text, requested)
			res.Tools = batch.Invocations()
			if block := batch.Context(); block != "" {
				prompt = tools.Compose(q.Text, e.capToolContext(ctx, q, block))
			}
			e.events.Emit(EventToolsDone, q.ID, map[string]any{"invocations": len(res.Tools)})
		}
	}

	survivors, all, err := e.stage1(ctx, q, decision.Backends, prompt)
	res.Responses = all
	if err != nil {
		e.summarizeCost(q, res, start)
		e.events.Emit(EventError, q.ID, map[string]any{"stage": "stage1", "error": err.Error()})
		return res, err
	}
	e.events.Emit(EventStage1Done, q.ID, map[string]any{
		"survivors": len(survivors), "attempted": len(decision.Backends),
	})

	if decision.Workflow == schema.WorkflowQuick {
		e.summarizeCost(q, res, start)
		e.events.Emit(EventDone, q.ID, map[string]any{"workflow": decision.Workflow})
		return res, nil
	}

	ls := anonymize(survivors)
	ranked := e.rankable(decision.Workflow, survivors)
	if ranked {
		res.Rankings = e.stage2(ctx, q, prompt, ls)
	}
	res.Aggregate = aggregate(res.Rankings, ls)
	if ranked {
		e.events.Emit(EventStage2Done, q.ID, map[string]any{
			"raters": len(survivors), "parsed": len(res.Rankings),
			"aggregate": res.Aggregate,
		})
	}

	tier := schema.Tier(ws.SynthesisTier)
	if tier == "" {
		tier = schema.Tier(e.cfg.Synthesis.Tier)
	}
	synth, err := e.stage3(ctx, q, ls, res.Aggregate, tier)
	if err != nil {
		// A failed synthesis degrades to the top-ranked draft rather
		// than failing a query we already paid to deliberate.
		e.log.Warn("synthesis failed, serving top-ranked draft", "query", q.ID, "error", err)
		e.events.Emit(EventError, q.ID, map[string]any{"stage": "stage3", "error": err.Error()})
	} else {
		res.Synthesis = synth
		e.events.Emit(EventSynthesisDone, q.ID, map[string]any{"tier": tier, "backend": synth.Backend})
	}

	if res.Synthesis != nil && e.judgeGated(decision.Workflow, ws) {
		verdict, err := e.stage4(ctx, q, res.Synthesis.Text)
		if err != nil {
			e.log.Warn("judge unavailable", "query", q.ID, "error", err)
			e.events.Emit(EventError, q.ID, map[string]any{"stage": "stage4", "error": err.Error()})
		} else {
			res.Verdict = verdict
			e.events.Emit(EventJudgeDone, q.ID, map[string]any{
				"recommendation": verdict.Recommendation,
			})
		}
	}

	e.summarizeCost(q, res, start)
	e.events.Emit(EventDone, q.ID, map[string]any{"workflow": decision.Workflow})
	return res, nil
}

// costReporter is satisfied by invokers backed by a ledger; when available
// the summary covers every priced call for the query, including the
// classifier's.
type costReporter interface {
	SpentOn(queryID string) (float64, error)
}

// summarizeCost fills the result's cost and latency and emits the summary
// event. Without a ledger-backed invoker it falls back to the stage-one
// response costs, the only ones the result itself carries.
func (e *Engine) summarizeCost(q schema.Query, res *Result, start time.Time) {
	if cr, ok := e.invoke.(costReporter); ok {
		if spent, err := cr.SpentOn(q.ID); err == nil {
			res.CostUSD = spent
		}
	} else {
		for _, resp := range res.Responses {
			res.CostUSD += resp.Cost
		}
	}
	res.Elapsed = time.Since(start)
	e.events.Emit(EventCostSummary, q.ID, map[string]any{
		"cost_usd":   res.CostUSD,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	})
}

// rankable reports whether the workflow includes peer ranking and there
// are enough survivors for ranking to mean anything.
func (e *Engine) rankable(w schema.Workflow, survivors []schema.ModelResponse) bool {
	if len(survivors) < 2 {
		return false
	}
	return w == schema.WorkflowDeliberation || w == schema.WorkflowExpertPanel
}

func (e *Engine) judgeGated(w schema.Workflow, ws config.WorkspaceConfig) bool {
	if !e.cfg.Features.Judge {
		return false
	}
	return w == schema.WorkflowExpertPanel || ws.HighStakes
}

// stage1 fans the prompt out to every council backend under the stage
// deadline. Results arriving after finalization are discarded; their cost
// is already on the ledger but they cannot join the deliberation.
func (e *Engine) stage1(ctx context.Context, q schema.Query, backends []string, prompt string) (survivors, all []schema.ModelResponse, err error) {
	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Stage1)
	defer cancel()

	col := &collector{}
	var wg sync.WaitGroup
	for _, backend := range backends {
		wg.Add(1)
		go func(backend string) {
			defer wg.Done()
			resp, err := e.invoke.Invoke(stageCtx, governor.Call{
				QueryID:   q.ID,
				Workspace: q.Workspace,
				Backend:   backend,
				Stage:     "stage1",
				Messages:  []adapter.Message{adapter.UserMessage(prompt)},
			})
			if err != nil {
				resp = schema.ModelResponse{Backend: backend, Err: err.Error()}
			}
			if !col.add(resp) {
				e.log.Debug("late stage1 result discarded", "query", q.ID, "backend", backend)
				return
			}
			e.events.Emit(EventStage1Response, q.ID, map[string]any{
				"backend": resp.Backend, "ok": resp.OK, "cached": resp.Cached,
			})
		}(backend)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stageCtx.Done():
	}

	all = col.finalize()
	for _, resp := range all {
		if resp.OK {
			survivors = append(survivors, resp)
		}
	}
	if len(survivors) == 0 {
		return nil, all, fmt.Errorf("%w: attempted %d backends: %s", ErrAllBackendsFailed, len(backends), strings.Join(backends, ", "))
	}
	return survivors, all, nil
}

// stage2 has each survivor rank the anonymized drafts. Raters whose reply
// cannot be parsed simply lose their vote.
func (e *Engine) stage2(ctx context.Context, q schema.Query, prompt string, ls labelSet) []schema.PeerRanking {
	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Stage2)
	defer cancel()

	rankPrompt := rankingPrompt(prompt, ls)
	col := &collector{}
	var wg sync.WaitGroup
	for _, label := range ls.labels {
		rater := ls.backend(label)
		wg.Add(1)
		go func(rater string) {
			defer wg.Done()
			resp, err := e.invoke.Invoke(stageCtx, governor.Call{
				QueryID:   q.ID,
				Workspace: q.Workspace,
				Backend:   rater,
				Stage:     "stage2",
				Messages:  []adapter.Message{adapter.UserMessage(rankPrompt)},
				NoCache:   true,
			})
			if err != nil {
				resp = schema.ModelResponse{Backend: rater, Err: err.Error()}
			}
			if !col.add(resp) {
				e.log.Debug("late stage2 result discarded", "query", q.ID, "backend", rater)
			}
		}(rater)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stageCtx.Done():
	}

	var rankings []schema.PeerRanking
	for _, resp := range col.finalize() {
		if !resp.OK {
			continue
		}
		labels, err := parseRanking(resp.Text, ls)
		e.events.Emit(EventStage2Ranking, q.ID, map[string]any{
			"rater": resp.Backend, "parsed": err == nil,
		})
		if err != nil {
			e.log.Warn("unparseable ranking discarded", "query", q.ID, "rater", resp.Backend, "error", err)
			continue
		}
		rankings = append(rankings, schema.PeerRanking{Rater: resp.Backend, Labels: labels, Raw: resp.Text})
	}
	return rankings
}

type candidate struct {
	label string
	text  string
	rank  int
}

// stage3 synthesizes the final answer from the top candidates for the
// tier. Oversized candidate sets are condensed before synthesis so the
// prompt stays within the configured context budget.
func (e *Engine) stage3(ctx context.Context, q schema.Query, ls labelSet, agg []schema.AggregateEntry, tier schema.Tier) (*schema.SynthesisResult, error) {
	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Stage3)
	defer cancel()

	candidates := e.candidatesFor(tier, ls, agg)
	candidates = e.fitContext(stageCtx, q, candidates)

	resp, err := e.invoke.Invoke(stageCtx, governor.Call{
		QueryID:   q.ID,
		Workspace: q.Workspace,
		Backend:   e.cfg.Synthesis.Backend,
		Stage:     "stage3",
		Messages:  []adapter.Message{adapter.UserMessage(synthesisPrompt(q.Text, candidates, tier, agg, e.style(q.Workspace)))},
		NoCache:   true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("synthesis backend %s: %s", e.cfg.Synthesis.Backend, resp.Err)
	}
	return &schema.SynthesisResult{Backend: resp.Backend, Text: resp.Text, Tier: tier}, nil
}

// candidatesFor selects drafts in consensus order: one for minimal, the
// top two for standard, everything for comprehensive.
func (e *Engine) candidatesFor(tier schema.Tier, ls labelSet, agg []schema.AggregateEntry) []candidate {
	limit := len(agg)
	switch tier {
	case schema.TierMinimal:
		limit = 1
	case schema.TierStandard:
		if limit > 2 {
			limit = 2
		}
	}
	candidates := make([]candidate, 0, limit)
	for i, entry := range agg {
		if i >= limit {
			break
		}
		candidates = append(candidates, candidate{
			label: entry.Label,
			text:  ls.byLabel[entry.Label].Text,
			rank:  i + 1,
		})
	}
	return candidates
}

// fitContext keeps candidate text within the synthesis context budget.
// Oversized sets are condensed via the classifier backend; if that fails
// each candidate is truncated to a fair share instead.
func (e *Engine) fitContext(ctx context.Context, q schema.Query, candidates []candidate) []candidate {
	limit := e.cfg.Synthesis.ContextTokenLimit * 4 // rough chars-per-token
	if limit <= 0 || totalChars(candidates) <= limit {
		return candidates
	}

	condensed := make([]candidate, len(candidates))
	copy(condensed, candidates)
	for i, c := range condensed {
		resp, err := e.invoke.Invoke(ctx, governor.Call{
			QueryID:   q.ID,
			Workspace: q.Workspace,
			Backend:   e.cfg.Classifier.Backend,
			Stage:     "summarize",
			Messages:  []adapter.Message{adapter.UserMessage(summarizePrompt(c.label, c.text))},
			Params:    adapter.Params{MaxTokens: 400},
			NoCache:   true,
		})
		if err == nil && resp.OK && resp.Text != "" {
			condensed[i].text = resp.Text
		}
	}
	if totalChars(condensed) <= limit {
		return condensed
	}

	share := limit / len(condensed)
	for i := range condensed {
		if len(condensed[i].text) > share {
			condensed[i].text = condensed[i].text[:share] + "\n[truncated]"
		}
	}
	return condensed
}

// capToolContext keeps gathered tool and retrieval output within the
// context budget before it enters any prompt. Oversized blocks are
// condensed by the cheap classifier backend, then truncated if the
// condensed form still exceeds the budget.
func (e *Engine) capToolContext(ctx context.Context, q schema.Query, block string) string {
	limit := e.cfg.Synthesis.ContextTokenLimit * 4 // rough chars-per-token
	if limit <= 0 || len(block) <= limit {
		return block
	}

	resp, err := e.invoke.Invoke(ctx, governor.Call{
		QueryID:   q.ID,
		Workspace: q.Workspace,
		Backend:   e.cfg.Classifier.Backend,
		Stage:     "summarize",
		Messages:  []adapter.Message{adapter.UserMessage(summarizePrompt("Tool context", block))},
		Params:    adapter.Params{MaxTokens: 400},
		NoCache:   true,
	})
	if err == nil && resp.OK && resp.Text != "" {
		block = resp.Text
	}
	if len(block) > limit {
		block = block[:limit] + "\n[truncated]"
	}
	return block
}

func totalChars(candidates []candidate) int {
	n := 0
	for _, c := range candidates {
		n += len(c.text)
	}
	return n
}

// stage4 has the independent judge score the synthesis. Failures here are
// reported by the caller as a missing verdict, never a failed query.
func (e *Engine) stage4(ctx context.Context, q schema.Query, answer string) (*schema.JudgeVerdict, error) {
	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Stage4)
	defer cancel()

	resp, err := e.invoke.Invoke(stageCtx, governor.Call{
		QueryID:   q.ID,
		Workspace: q.Workspace,
		Backend:   e.cfg.Judge.Backend,
		Stage:     "stage4",
		Messages:  []adapter.Message{adapter.UserMessage(judgePrompt(q.Text, answer))},
		Params:    adapter.Params{MaxTokens: 512, Temperature: 0},
		NoCache:   true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("judge backend %s: %s", e.cfg.Judge.Backend, resp.Err)
	}
	return parseVerdict(resp.Backend, resp.Text)
}

func parseVerdict(backend, text string) (*schema.JudgeVerdict, error) {
	body := text
	if i := strings.Index(body, "{"); i >= 0 {
		if j := strings.LastIndex(body, "}"); j > i {
			body = body[i : j+1]
		}
	}
	var raw struct {
		Scores         map[string]float64 `json:"scores"`
		Recommendation string             `json:"recommendation"`
		Reasoning      string             `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("parse judge reply: %w", err)
	}
	for k, v := range raw.Scores {
		if v < 0 {
			raw.Scores[k] = 0
		}
		if v > 1 {
			raw.Scores[k] = 1
		}
	}
	rec := strings.ToLower(strings.TrimSpace(raw.Recommendation))
	if rec != schema.RecommendApprove && rec != schema.RecommendRevise {
		return nil, fmt.Errorf("judge recommendation %q is not approve|revise", raw.Recommendation)
	}
	return &schema.JudgeVerdict{
		Backend:        backend,
		Scores:         raw.Scores,
		Recommendation: rec,
		Reasoning:      raw.Reasoning,
	}, nil
}

// style resolves workspace presentation instructions, preferring a live
// StyleGuide over static workspace config.
func (e *Engine) style(workspace string) string {
	if e.styles != nil {
		if s := e.styles.Style(workspace); s != "" {
			return s
		}
	}
	return e.cfg.Workspace(workspace).Style
}

// dropTool removes name from the requested set. Used to strip workspace
// knowledge search when it is disabled globally or for the workspace.
func dropTool(requested []string, name string) []string {
	out := requested[:0]
	for _, t := range requested {
		if t != name {
			out = append(out, t)
		}
	}
	return out
}

// mergeTools unions intent-requested and workspace-pinned tools,
// preserving first-seen order.
func mergeTools(fromIntent, fromWorkspace []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, set := range [][]string{fromIntent, fromWorkspace} {
		for _, name := range set {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
