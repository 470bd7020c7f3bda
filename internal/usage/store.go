// Package usage is the backend call ledger. Every successful model
// response becomes one append-only row carrying its batch, model,
// provider, token counts and computed cost, so spend can be reported
// per batch as well as per model or provider.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one backend call.
type Record struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	BatchID         string    `json:"batch_id,omitempty"`
	Model           string    `json:"model"`
	Provider        string    `json:"provider"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	ReasoningTokens int       `json:"reasoning_tokens,omitempty"`
	CostUSD         float64   `json:"cost_usd"`
}

// Summary aggregates a set of records.
type Summary struct {
	Calls           int     `json:"calls"`
	Batches         int     `json:"batches"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	ReasoningTokens int64   `json:"reasoning_tokens"`
	CostUSD         float64 `json:"cost_usd"`
}

// Dimension is a column summaries can be grouped by.
type Dimension string

const (
	ByModel    Dimension = "model"
	ByProvider Dimension = "provider"
	ByBatch    Dimension = "batch"
)

var dimensionColumns = map[Dimension]string{
	ByModel:    "model",
	ByProvider: "provider",
	ByBatch:    "batch_id",
}

// ParseDimension validates a grouping name from user input.
func ParseDimension(s string) (Dimension, error) {
	d := Dimension(s)
	if _, ok := dimensionColumns[d]; !ok {
		return "", fmt.Errorf("unknown usage dimension %q (valid: model, provider, batch)", s)
	}
	return d, nil
}

// Store is the SQLite-backed ledger. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS backend_calls (
		id               TEXT PRIMARY KEY,
		ts               TEXT NOT NULL,
		batch_id         TEXT NOT NULL DEFAULT '',
		model            TEXT NOT NULL,
		provider         TEXT NOT NULL,
		input_tokens     INTEGER NOT NULL,
		output_tokens    INTEGER NOT NULL,
		reasoning_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd         REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_backend_calls_ts ON backend_calls(ts);
	CREATE INDEX IF NOT EXISTS idx_backend_calls_batch ON backend_calls(batch_id);
	`)
	return err
}

// timeKey formats t so that string order matches time order.
func timeKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Record appends rec, assigning a UUIDv7 and the current time when
// they are unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backend_calls
			(id, ts, batch_id, model, provider, input_tokens, output_tokens, reasoning_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, timeKey(rec.Timestamp), rec.BatchID, rec.Model, rec.Provider,
		rec.InputTokens, rec.OutputTokens, rec.ReasoningTokens, rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*),
	COUNT(DISTINCT NULLIF(batch_id, '')),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(reasoning_tokens), 0),
	COALESCE(SUM(cost_usd), 0)`

func (sum *Summary) scanTargets() []any {
	return []any{&sum.Calls, &sum.Batches, &sum.InputTokens, &sum.OutputTokens, &sum.ReasoningTokens, &sum.CostUSD}
}

// Summary totals the records in [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT `+summaryColumns+` FROM backend_calls WHERE ts >= ? AND ts < ?`,
		timeKey(start), timeKey(end),
	)
	var sum Summary
	if err := row.Scan(sum.scanTargets()...); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryBy totals the records in [start, end) per value of dim.
// Records outside any batch group under "" for [ByBatch].
func (s *Store) SummaryBy(dim Dimension, start, end time.Time) (map[string]*Summary, error) {
	column, ok := dimensionColumns[dim]
	if !ok {
		return nil, fmt.Errorf("unknown usage dimension %q", dim)
	}

	rows, err := s.db.Query(
		`SELECT `+column+`, `+summaryColumns+`
		 FROM backend_calls
		 WHERE ts >= ? AND ts < ?
		 GROUP BY `+column,
		timeKey(start), timeKey(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", dim, err)
	}
	defer rows.Close()

	out := make(map[string]*Summary)
	for rows.Next() {
		var key string
		sum := &Summary{}
		if err := rows.Scan(append([]any{&key}, sum.scanTargets()...)...); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", dim, err)
		}
		out[key] = sum
	}
	return out, rows.Err()
}
