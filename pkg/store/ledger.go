package store

import (
	"fmt"
	"time"

	"github.com/zen-systems/conclave/pkg/governor"
	"github.com/zen-systems/conclave/pkg/schema"
)

// Ledger is the durable governor.Ledger. Entries are append-only; nothing
// here updates or deletes.
type Ledger struct {
	db *DB
}

// Ledger returns the ledger view over this database.
func (db *DB) Ledger() *Ledger { return &Ledger{db: db} }

func (l *Ledger) Append(entry schema.LedgerEntry) error {
	ok := 0
	if entry.OK {
		ok = 1
	}
	_, err := l.db.conn.Exec(`INSERT INTO ledger
		(at, query_id, workspace, backend, stage, prompt_tokens, completion_tokens, cost, latency_ns, ok, err)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.At.UnixNano(), entry.QueryID, entry.Workspace, entry.Backend, entry.Stage,
		entry.PromptTokens, entry.CompletionTokens, entry.Cost, int64(entry.Latency), ok, entry.Err)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (l *Ledger) SpentSince(t time.Time) (float64, error) {
	var total float64
	err := l.db.conn.QueryRow(
		`SELECT COALESCE(SUM(cost), 0) FROM ledger WHERE at >= ?`, t.UnixNano(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum ledger since %s: %w", t, err)
	}
	return total, nil
}

func (l *Ledger) SpentForQuery(queryID string) (float64, error) {
	var total float64
	err := l.db.conn.QueryRow(
		`SELECT COALESCE(SUM(cost), 0) FROM ledger WHERE query_id = ?`, queryID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum ledger for query %s: %w", queryID, err)
	}
	return total, nil
}

func (l *Ledger) RecentOutcomes(backend string, n int) ([]governor.Outcome, error) {
	rows, err := l.db.conn.Query(
		`SELECT ok, at FROM ledger WHERE backend = ? ORDER BY id DESC LIMIT ?`, backend, n)
	if err != nil {
		return nil, fmt.Errorf("recent outcomes for %s: %w", backend, err)
	}
	defer rows.Close()

	var out []governor.Outcome
	for rows.Next() {
		var ok int
		var at int64
		if err := rows.Scan(&ok, &at); err != nil {
			return nil, err
		}
		out = append(out, governor.Outcome{OK: ok == 1, At: time.Unix(0, at)})
	}
	return out, rows.Err()
}

// Entries returns the most recent entries, newest first, up to limit.
func (l *Ledger) Entries(limit int) ([]schema.LedgerEntry, error) {
	rows, err := l.db.conn.Query(`SELECT at, query_id, workspace, backend, stage,
		prompt_tokens, completion_tokens, cost, latency_ns, ok, err
		FROM ledger ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []schema.LedgerEntry
	for rows.Next() {
		var e schema.LedgerEntry
		var at, latency int64
		var ok int
		if err := rows.Scan(&at, &e.QueryID, &e.Workspace, &e.Backend, &e.Stage,
			&e.PromptTokens, &e.CompletionTokens, &e.Cost, &latency, &ok, &e.Err); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		e.Latency = time.Duration(latency)
		e.OK = ok == 1
		out = append(out, e)
	}
	return out, rows.Err()
}
