// Package stats records per-request usage accounting in SQLite.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS request_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	route       TEXT NOT NULL,
	model       TEXT NOT NULL DEFAULT '',
	account     TEXT NOT NULL DEFAULT '',
	status      INTEGER NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_request_log_ts ON request_log(ts);
CREATE INDEX IF NOT EXISTS idx_request_log_model ON request_log(model);
`

// Record is one completed request.
type Record struct {
	Time         time.Time
	Route        string
	Model        string
	Account      string
	Status       int
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// ModelSummary aggregates usage for one model.
type ModelSummary struct {
	Model        string `json:"model"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Errors       int64  `json:"errors"`
}

// Summary is the /api/stats payload.
type Summary struct {
	TotalRequests int64          `json:"total_requests"`
	TotalErrors   int64          `json:"total_errors"`
	InputTokens   int64          `json:"input_tokens"`
	OutputTokens  int64          `json:"output_tokens"`
	ByModel       []ModelSummary `json:"by_model"`
}

// Store persists request records. A nil *Store is a no-op sink, so callers
// never need to branch on whether stats are enabled.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the SQLite database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init stats schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add inserts one request record. Failures are logged, not returned;
// accounting must never break serving.
func (s *Store) Add(ctx context.Context, rec Record) {
	if s == nil || s.db == nil {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (ts, route, model, account, status, input_tokens, output_tokens, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Time.Unix(), rec.Route, rec.Model, rec.Account, rec.Status,
		rec.InputTokens, rec.OutputTokens, rec.Duration.Milliseconds())
	if err != nil {
		utils.Warn("[Stats] Failed to record request: %v", err)
	}
}

// Summarize aggregates all recorded requests since the given time.
func (s *Store) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	if s == nil || s.db == nil {
		return &Summary{ByModel: []ModelSummary{}}, nil
	}

	out := &Summary{ByModel: []ModelSummary{}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT model,
		        COUNT(*),
		        COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(CASE WHEN status >= 400 THEN 1 ELSE 0 END), 0)
		 FROM request_log
		 WHERE ts >= ?
		 GROUP BY model
		 ORDER BY COUNT(*) DESC`,
		since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m ModelSummary
		if err := rows.Scan(&m.Model, &m.Requests, &m.InputTokens, &m.OutputTokens, &m.Errors); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		out.ByModel = append(out.ByModel, m)
		out.TotalRequests += m.Requests
		out.TotalErrors += m.Errors
		out.InputTokens += m.InputTokens
		out.OutputTokens += m.OutputTokens
	}
	return out, rows.Err()
}
