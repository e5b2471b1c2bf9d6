// Package governor enforces spend budgets on every model call. All traffic
// to backends flows through Invoke: cache lookup, admission check against
// the live ledger, breaker check, dispatch, then an unconditional ledger
// append. Budget state is never cached between calls.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zen-systems/conclave/pkg/adapter"
	"github.com/zen-systems/conclave/pkg/schema"
)

// Budgets are the spend ceilings enforced before dispatch.
type Budgets struct {
	DailyUSD float64
	QueryUSD float64
}

// AdmissionDeniedError is returned when a projected call would exceed a
// budget. The call was not made and the ledger was not touched.
type AdmissionDeniedError struct {
	Scope     string // "daily" or "query"
	Spent     float64
	Limit     float64
	Estimated float64
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s budget $%.4f spent + $%.4f estimated exceeds $%.4f limit",
		e.Scope, e.Spent, e.Estimated, e.Limit)
}

// ErrBackendOpen is returned when the breaker refuses a backend.
var ErrBackendOpen = errors.New("backend circuit open")

// Dispatcher sends a completed admission to a backend. *gateway.Client
// satisfies this.
type Dispatcher interface {
	Complete(ctx context.Context, backendID string, messages []adapter.Message, params adapter.Params) (*adapter.Completion, error)
}

// Call is one governed model invocation.
type Call struct {
	QueryID   string
	Workspace string
	Backend   string
	Stage     string
	Messages  []adapter.Message
	Params    adapter.Params
	// NoCache skips cache lookup and storage for calls whose prompts
	// embed anonymized peer output and must never be replayed.
	NoCache bool
}

// Governor wraps a Dispatcher with caching, budgets and breaker checks.
type Governor struct {
	dispatch Dispatcher
	cache    Store
	ledger   Ledger
	pricing  Pricing
	budgets  Budgets
	log      *slog.Logger
	now      func() time.Time

	// breaker thresholds; a backend is refused when its last
	// breakerTrip entries all failed and the newest failure is within
	// breakerCooldown.
	breakerTrip     int
	breakerCooldown time.Duration

	// transient dispatch failures are retried with exponential backoff;
	// every attempt that reached the provider is a ledger entry.
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Option configures a Governor.
type Option func(*Governor)

// WithBreaker overrides the breaker thresholds.
func WithBreaker(trip int, cooldown time.Duration) Option {
	return func(g *Governor) {
		g.breakerTrip = trip
		g.breakerCooldown = cooldown
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithRetry overrides the transient-failure retry policy.
func WithRetry(maxRetries int, base, max time.Duration) Option {
	return func(g *Governor) {
		g.maxRetries = maxRetries
		g.baseBackoff = base
		g.maxBackoff = max
	}
}

// New builds a Governor. Cache may be nil to disable caching.
func New(dispatch Dispatcher, cache Store, ledger Ledger, pricing Pricing, budgets Budgets, log *slog.Logger, opts ...Option) *Governor {
	g := &Governor{
		dispatch:        dispatch,
		cache:           cache,
		ledger:          ledger,
		pricing:         pricing,
		budgets:         budgets,
		log:             log,
		now:             time.Now,
		breakerTrip:     3,
		breakerCooldown: 30 * time.Second,
		maxRetries:      2,
		baseBackoff:     200 * time.Millisecond,
		maxBackoff:      2 * time.Second,
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Invoke runs one governed model call. On dispatch failure the returned
// response carries OK=false and Err; the error return is reserved for
// admission denial and breaker refusal, where no call was attempted.
func (g *Governor) Invoke(ctx context.Context, call Call) (schema.ModelResponse, error) {
	prompt := renderPrompt(call.Messages)
	key := CacheKey(call.Backend, prompt)

	if g.cache != nil && !call.NoCache {
		if resp, ok := g.cache.Get(key); ok {
			resp.Cached = true
			g.log.Debug("cache hit", "backend", call.Backend, "query", call.QueryID, "stage", call.Stage)
			return resp, nil
		}
	}

	if err := g.admit(call, prompt); err != nil {
		return schema.ModelResponse{}, err
	}

	var (
		completion *adapter.Completion
		err        error
		start      time.Time
		latency    time.Duration
	)
	for attempt := 0; ; attempt++ {
		start = g.now()
		completion, err = g.dispatch.Complete(ctx, call.Backend, call.Messages, call.Params)
		latency = g.now().Sub(start)
		if err == nil || !adapter.IsTransient(err) || attempt == g.maxRetries {
			break
		}
		g.append(call, schema.ModelResponse{Backend: call.Backend, Latency: latency, Err: err.Error()}, start)
		g.log.Warn("transient backend failure, retrying",
			"backend", call.Backend, "stage", call.Stage, "attempt", attempt+1, "error", err)
		if sleepErr := sleepWithContext(ctx, backoffFor(g.baseBackoff, g.maxBackoff, attempt)); sleepErr != nil {
			break
		}
	}

	resp := schema.ModelResponse{Backend: call.Backend, Latency: latency}
	if err != nil {
		resp.Err = err.Error()
		g.append(call, resp, start)
		g.log.Warn("backend call failed", "backend", call.Backend, "stage", call.Stage, "error", err)
		return resp, nil
	}

	resp.OK = true
	resp.Text = completion.Text
	resp.PromptTokens = completion.PromptTokens
	resp.CompletionTokens = completion.CompletionTokens
	resp.Cost = g.pricing.Cost(call.Backend, completion.PromptTokens, completion.CompletionTokens)
	g.append(call, resp, start)

	if g.cache != nil && !call.NoCache {
		g.cache.Put(key, resp)
	}
	g.log.Debug("backend call complete",
		"backend", call.Backend, "stage", call.Stage,
		"cost", resp.Cost, "latency", latency)
	return resp, nil
}

// admit checks budgets and the breaker against the live ledger. It reads
// fresh totals on every call so concurrent spend is always visible.
func (g *Governor) admit(call Call, prompt string) error {
	estimated := g.pricing.Estimate(call.Backend, len(prompt), maxCompletionTokens(call.Params))

	daily, err := g.ledger.SpentSince(startOfDay(g.now()))
	if err != nil {
		return fmt.Errorf("ledger daily total: %w", err)
	}
	if daily+estimated > g.budgets.DailyUSD {
		return &AdmissionDeniedError{Scope: "daily", Spent: daily, Limit: g.budgets.DailyUSD, Estimated: estimated}
	}

	if call.QueryID != "" {
		spent, err := g.ledger.SpentForQuery(call.QueryID)
		if err != nil {
			return fmt.Errorf("ledger query total: %w", err)
		}
		if spent+estimated > g.budgets.QueryUSD {
			return &AdmissionDeniedError{Scope: "query", Spent: spent, Limit: g.budgets.QueryUSD, Estimated: estimated}
		}
	}

	open, err := g.breakerOpen(call.Backend)
	if err != nil {
		return fmt.Errorf("ledger breaker scan: %w", err)
	}
	if open {
		return fmt.Errorf("%s: %w", call.Backend, ErrBackendOpen)
	}
	return nil
}

// breakerOpen derives breaker state from the ledger tail rather than any
// stored counter, so a restart cannot mask an unhealthy backend.
func (g *Governor) breakerOpen(backend string) (bool, error) {
	recent, err := g.ledger.RecentOutcomes(backend, g.breakerTrip)
	if err != nil {
		return false, err
	}
	if len(recent) < g.breakerTrip {
		return false, nil
	}
	for _, o := range recent {
		if o.OK {
			return false, nil
		}
	}
	// recent is newest-first; the breaker resets once the cooldown has
	// elapsed since the latest failure.
	return g.now().Sub(recent[0].At) < g.breakerCooldown, nil
}

func (g *Governor) append(call Call, resp schema.ModelResponse, at time.Time) {
	entry := schema.LedgerEntry{
		At:               at,
		QueryID:          call.QueryID,
		Workspace:        call.Workspace,
		Backend:          call.Backend,
		Stage:            call.Stage,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Cost:             resp.Cost,
		Latency:          resp.Latency,
		OK:               resp.OK,
		Err:              resp.Err,
	}
	if err := g.ledger.Append(entry); err != nil {
		// The call already happened; losing the entry undercounts
		// spend, which must be loud.
		g.log.Error("ledger append failed", "backend", call.Backend, "query", call.QueryID, "error", err)
	}
}

// SpentToday reports spend since local midnight.
func (g *Governor) SpentToday() (float64, error) {
	return g.ledger.SpentSince(startOfDay(g.now()))
}

// SpentOn reports the ledger total for one query.
func (g *Governor) SpentOn(queryID string) (float64, error) {
	return g.ledger.SpentForQuery(queryID)
}

func backoffFor(base, max time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func renderPrompt(messages []adapter.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Role))
		b.WriteByte(':')
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func maxCompletionTokens(p adapter.Params) int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return 4096
}

// startOfDay returns local midnight for t; the daily budget window is a
// calendar day, not a rolling 24 hours.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
