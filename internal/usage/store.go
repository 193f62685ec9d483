// Package usage keeps a persistent ledger of reasoning-engine token usage.
// Records are append-only and indexed by timestamp and thread so totals
// can be reported per thread and per caller.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Sources of model calls.
const (
	SourceReasoning  = "reasoning"
	SourceClassifier = "classify_ticket"
	SourceExtractor  = "extract_metadata"
)

// tsLayout is fixed-width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Record is the token usage of one model call.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ThreadID     string    `json:"thread_id,omitempty"`
	Model        string    `json:"model"`
	Source       string    `json:"source"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
}

// Summary holds aggregated token totals.
type Summary struct {
	Calls        int   `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is an append-only SQLite ledger. All methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s, err := NewStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreFromDB uses an already opened database and creates the schema.
// The store takes ownership: Close closes db.
func NewStoreFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS token_usage (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		thread_id     TEXT,
		model         TEXT NOT NULL,
		source        TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_token_usage_timestamp ON token_usage(timestamp);
	CREATE INDEX IF NOT EXISTS idx_token_usage_thread ON token_usage(thread_id);
	`)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
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
		`INSERT INTO token_usage (id, timestamp, thread_id, model, source, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsLayout),
		rec.ThreadID,
		rec.Model,
		rec.Source,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// ThreadSummary returns the totals of one thread.
func (s *Store) ThreadSummary(ctx context.Context, threadID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM token_usage WHERE thread_id = ?`, threadID)

	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
		return nil, fmt.Errorf("query thread usage: %w", err)
	}
	return &sum, nil
}

// SummaryBySource returns per-source totals for records within
// [start, end).
func (s *Store) SummaryBySource(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM token_usage
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY source`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by source: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by source: %w", err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
