package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/haasonsaas/nexus/pkg/models"
)

// Ledger is the append-only token/cost record for completed runs,
// durable to a sqlite file and windowed in memory for fast per-session
// and since-timestamp aggregation without a query per request.
type Ledger struct {
	db *sql.DB

	mu      sync.RWMutex
	window  time.Duration
	records []models.UsageRecord
}

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	// Path is the sqlite database file. ":memory:" is valid for tests.
	Path string
	// Window bounds how far back in-memory aggregation looks; rows
	// older than this are still in sqlite but drop out of the
	// in-memory window. Defaults to 24h.
	Window time.Duration
}

// NewLedger opens (creating if absent) the usage ledger database.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}

	l := &Ledger{db: db, window: cfg.Window}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.loadWindow(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) init() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_records (
			ts                DATETIME NOT NULL,
			session_key       TEXT NOT NULL,
			run_id            TEXT NOT NULL,
			model             TEXT NOT NULL,
			prompt_tokens     INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens      INTEGER NOT NULL,
			estimated_cost_usd REAL NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create usage_records table: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_key)",
		"CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_records(ts)",
	}
	for _, idx := range indexes {
		if _, err := l.db.Exec(idx); err != nil {
			return fmt.Errorf("create usage index: %w", err)
		}
	}
	return nil
}

func (l *Ledger) loadWindow() error {
	cutoff := time.Now().Add(-l.window)
	rows, err := l.db.Query(`
		SELECT ts, session_key, run_id, model, prompt_tokens, completion_tokens, total_tokens, estimated_cost_usd
		FROM usage_records WHERE ts >= ? ORDER BY ts ASC
	`, cutoff)
	if err != nil {
		return fmt.Errorf("load usage window: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.Timestamp, &r.SessionKey, &r.RunID, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.EstimatedCostUSD); err != nil {
			return fmt.Errorf("scan usage row: %w", err)
		}
		records = append(records, r)
	}

	l.mu.Lock()
	l.records = records
	l.mu.Unlock()
	return rows.Err()
}

// Record appends one completed run's usage. Runs with TotalTokens <= 0
// are dropped: the dialog loop only calls Record when a run actually
// produced billable usage (mirrors the accumulate-then-record step in
// the turn loop).
func (l *Ledger) Record(ctx context.Context, r models.UsageRecord) error {
	if r.TotalTokens <= 0 {
		return nil
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_records (ts, session_key, run_id, model, prompt_tokens, completion_tokens, total_tokens, estimated_cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Timestamp, r.SessionKey, r.RunID, r.Model, r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.EstimatedCostUSD)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	l.mu.Lock()
	l.records = append(l.records, r)
	l.evictLocked()
	l.mu.Unlock()
	return nil
}

// evictLocked drops in-memory records that have aged out of the
// rolling window. Must be called with l.mu held.
func (l *Ledger) evictLocked() {
	cutoff := time.Now().Add(-l.window)
	i := 0
	for i < len(l.records) && l.records[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.records = l.records[i:]
	}
}

// TotalsForSession sums tokens and cost for one session within the
// rolling window.
func (l *Ledger) TotalsForSession(sessionKey string) (tokens int, costUSD float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.records {
		if r.SessionKey == sessionKey {
			tokens += r.TotalTokens
			costUSD += r.EstimatedCostUSD
		}
	}
	return tokens, costUSD
}

// TotalsSince sums tokens and cost for every record at or after t,
// across sessions.
func (l *Ledger) TotalsSince(t time.Time) (tokens int, costUSD float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.records {
		if !r.Timestamp.Before(t) {
			tokens += r.TotalTokens
			costUSD += r.EstimatedCostUSD
		}
	}
	return tokens, costUSD
}

// Close releases the underlying sqlite handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
