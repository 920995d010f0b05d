package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// SQLiteStore keeps snapshots and the conversation log in a single SQLite
// database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (and migrates) the database at path. ":memory:"
// gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultDBPath
	}
	path = expandPath(path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			chatbot_id TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			body       TEXT NOT NULL,
			trained_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			chatbot_id      TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message         TEXT NOT NULL,
			response        TEXT NOT NULL,
			source          TEXT NOT NULL,
			created_at      DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_chatbot ON conversations(chatbot_id, id)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, schemaVersion,
	); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}
	return tx.Commit()
}

// Save upserts the snapshot in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ValidateID(snap.ChatbotID); err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	trainedAt := snap.TrainedAt
	if trainedAt.IsZero() {
		trainedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (chatbot_id, kind, body, trained_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(chatbot_id) DO UPDATE SET
		   kind = excluded.kind, body = excluded.body, trained_at = excluded.trained_at`,
		snap.ChatbotID, string(snap.Kind), string(body), trainedAt,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return tx.Commit()
}

// Load returns the stored snapshot or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, chatbotID string) (*Snapshot, error) {
	if err := ValidateID(chatbotID); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM snapshots WHERE chatbot_id = ?`, chatbotID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot for %s: %w", chatbotID, err)
	}
	if snap.ChatbotID == "" {
		snap.ChatbotID = chatbotID
	}
	return &snap, nil
}

// Delete removes the snapshot and its conversations.
func (s *SQLiteStore) Delete(ctx context.Context, chatbotID string) error {
	if err := ValidateID(chatbotID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE chatbot_id = ?`, chatbotID)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE chatbot_id = ?`, chatbotID); err != nil {
		return fmt.Errorf("deleting conversations: %w", err)
	}
	return tx.Commit()
}

// List returns trained chatbot ids, sorted.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chatbot_id FROM snapshots ORDER BY chatbot_id`)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LogConversation inserts one conversation row.
func (s *SQLiteStore) LogConversation(ctx context.Context, c Conversation) error {
	if err := ValidateID(c.ChatbotID); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (chatbot_id, conversation_id, message, response, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ChatbotID, c.ConversationID, c.Message, c.Response, c.Source, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("logging conversation: %w", err)
	}
	return nil
}

// Conversations returns the newest entries first. limit <= 0 returns all.
func (s *SQLiteStore) Conversations(ctx context.Context, chatbotID string, limit int) ([]Conversation, error) {
	if err := ValidateID(chatbotID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chatbot_id, conversation_id, message, response, source, created_at
		 FROM conversations WHERE chatbot_id = ? ORDER BY id DESC LIMIT ?`,
		chatbotID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ChatbotID, &c.ConversationID, &c.Message, &c.Response, &c.Source, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
