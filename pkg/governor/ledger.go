package governor

import (
	"sync"
	"time"

	"github.com/zen-systems/conclave/pkg/schema"
)

// Ledger records every priced model call, successful or not. It is the
// single source of truth for spend accounting and backend health; nothing
// else holds running totals.
type Ledger interface {
	Append(entry schema.LedgerEntry) error
	// SpentSince sums the cost of entries at or after t.
	SpentSince(t time.Time) (float64, error)
	// SpentForQuery sums the cost of entries for one query.
	SpentForQuery(queryID string) (float64, error)
	// RecentOutcomes returns the OK flags of the backend's most recent
	// entries, newest first, up to n.
	RecentOutcomes(backend string, n int) ([]Outcome, error)
}

type Outcome struct {
	OK bool
	At time.Time
}

// MemoryLedger keeps entries in process. Useful for tests and as the
// fallback when no database path is configured.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []schema.LedgerEntry
}

func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{} }

func (l *MemoryLedger) Append(entry schema.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *MemoryLedger) SpentSince(t time.Time) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, e := range l.entries {
		if !e.At.Before(t) {
			total += e.Cost
		}
	}
	return total, nil
}

func (l *MemoryLedger) SpentForQuery(queryID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, e := range l.entries {
		if e.QueryID == queryID {
			total += e.Cost
		}
	}
	return total, nil
}

func (l *MemoryLedger) RecentOutcomes(backend string, n int) ([]Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Outcome, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		if l.entries[i].Backend == backend {
			out = append(out, Outcome{OK: l.entries[i].OK, At: l.entries[i].At})
		}
	}
	return out, nil
}

// Entries returns a copy of everything recorded so far.
func (l *MemoryLedger) Entries() []schema.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schema.LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
