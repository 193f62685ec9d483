package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/triage-agent/internal/checkpoint"
)

// SQLiteStore is the default durable backend.
type SQLiteStore struct {
	db *sql.DB

	// SQLite allows one writer; serializing appends in-process avoids
	// SQLITE_BUSY on read-to-write lock upgrades.
	writeMu sync.Mutex
	now     func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath. Call Setup
// before use.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return NewSQLiteStoreFromDB(db), nil
}

// NewSQLiteStoreFromDB wraps an already opened database. The store takes
// ownership: Close closes db.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Setup creates the schema.
func (s *SQLiteStore) Setup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		checkpoint_gz BLOB
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		tool_calls TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE (thread_id, id),
		FOREIGN KEY (thread_id) REFERENCES threads(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq);
	`)
	if err != nil {
		return storeErr("migrate", err)
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, threadID string, msg Message) (Message, error) {
	now := s.now().UTC()
	msg, err := prepare(threadID, msg, now)
	if err != nil {
		return Message{}, err
	}

	var toolCalls string
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return Message{}, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(b)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, storeErr("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var blob []byte
	err = tx.QueryRowContext(ctx, `SELECT checkpoint_gz FROM threads WHERE id = ?`, threadID).Scan(&blob)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Message{}, storeErr("read checkpoint", err)
	}
	state, err := checkpoint.Decode(blob)
	if err != nil {
		return Message{}, storeErr("decode checkpoint", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE thread_id = ? AND id = ?`, threadID, msg.ID).Scan(&exists)
	if err != nil {
		return Message{}, storeErr("check message id", err)
	}
	if exists > 0 {
		return Message{}, duplicateErr(msg.ID)
	}

	if err := advance(&state, msg, now); err != nil {
		return Message{}, err
	}
	blob, err = checkpoint.Encode(state)
	if err != nil {
		return Message{}, storeErr("encode checkpoint", err)
	}

	stamp := now.Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (id, created_at, updated_at, checkpoint_gz)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			checkpoint_gz = excluded.checkpoint_gz
	`, threadID, stamp, stamp, blob)
	if err != nil {
		return Message{}, storeErr("upsert thread", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_call_id, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, threadID, msg.Role, msg.Content, toolCalls, msg.ToolCallID, msg.ToolName,
		msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, storeErr("insert message", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, storeErr("commit", err)
	}
	return msg, nil
}

// LoadCheckpoint implements Store.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // nothing to commit

	cp := &Checkpoint{ThreadID: threadID, Messages: []Message{}}

	var blob []byte
	err = tx.QueryRowContext(ctx, `SELECT checkpoint_gz FROM threads WHERE id = ?`, threadID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return nil, storeErr("read checkpoint", err)
	}
	if cp.State, err = checkpoint.Decode(blob); err != nil {
		return nil, storeErr("decode checkpoint", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY seq ASC
	`, threadID)
	if err != nil {
		return nil, storeErr("query messages", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m         Message
			toolCalls string
			created   string
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &m.ToolCallID, &m.ToolName, &created); err != nil {
			return nil, storeErr("scan message", err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
				return nil, storeErr("decode tool calls", err)
			}
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		cp.Messages = append(cp.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate messages", err)
	}
	return cp, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
