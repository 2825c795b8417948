// Package store persists workspaces: upload records, parsed payloads,
// chat history, and analysis results, in sqlite with a TTL cache in
// front. Reads go cache first, then the database; the database is always
// authoritative.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// Upload statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Upload is one workspace's root record.
type Upload struct {
	ID        string    `json:"upload_id"`
	UserID    string    `json:"-"`
	Filename  string    `json:"filename"`
	DocType   string    `json:"doc_type,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatMessage is one turn of a workspace conversation. AgentName is set
// on assistant turns only, naming the specialist that answered.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	AgentName string    `json:"agent_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AnalysisRow is one stored agent result. Results are append-only;
// reads return the latest row per agent.
type AnalysisRow struct {
	AgentName    string    `json:"agent_name"`
	Status       string    `json:"status"`
	Summary      string    `json:"summary"`
	FindingsJSON string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS uploads (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    filename TEXT NOT NULL,
    doc_type VARCHAR(50),
    status VARCHAR(20) NOT NULL,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_uploads_user_id ON uploads(user_id, created_at);

CREATE TABLE IF NOT EXISTS parsed_data (
    upload_id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    payload_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    upload_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    role VARCHAR(20) NOT NULL,
    content TEXT NOT NULL,
    agent_name VARCHAR(100) NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_upload ON chat_messages(upload_id, id);

CREATE TABLE IF NOT EXISTS analysis_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    upload_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    agent_name VARCHAR(100) NOT NULL,
    status VARCHAR(20) NOT NULL,
    summary TEXT,
    findings_json TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_upload ON analysis_results(upload_id, agent_name, id);
`

// Store is the workspace persistence layer.
type Store struct {
	db     *sql.DB
	cache  *Cache
	logger *slog.Logger
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string, cacheTTL time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite writer

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, cache: NewCache(cacheTTL), logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Cache exposes the TTL cache for direct purges.
func (s *Store) Cache() *Cache { return s.cache }

func (s *Store) CreateUpload(ctx context.Context, u *Upload) error {
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	if u.Status == "" {
		u.Status = StatusProcessing
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (id, user_id, filename, doc_type, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.UserID, u.Filename, u.DocType, u.Status, u.Error, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

// UpdateUploadStatus records an ingestion state transition.
func (s *Store) UpdateUploadStatus(ctx context.Context, userID, uploadID, status, docType, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET status = ?, doc_type = ?, error = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		status, docType, errMsg, time.Now().UTC(), uploadID, userID)
	if err != nil {
		return fmt.Errorf("failed to update upload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetUpload(ctx context.Context, userID, uploadID string) (*Upload, error) {
	u := &Upload{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, filename, doc_type, status, error, created_at, updated_at
		 FROM uploads WHERE id = ? AND user_id = ?`, uploadID, userID).
		Scan(&u.ID, &u.UserID, &u.Filename, &u.DocType, &u.Status, &u.Error, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return u, nil
}

// ListUploads pages a user's workspaces, newest first.
func (s *Store) ListUploads(ctx context.Context, userID string, limit, offset int) ([]Upload, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, filename, doc_type, status, error, created_at, updated_at
		 FROM uploads WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		var u Upload
		if err := rows.Scan(&u.ID, &u.UserID, &u.Filename, &u.DocType, &u.Status, &u.Error,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// SaveParsedData stores the parsed payload and refreshes the cache.
func (s *Store) SaveParsedData(ctx context.Context, userID, uploadID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO parsed_data (upload_id, user_id, payload_json, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(upload_id) DO UPDATE SET payload_json = excluded.payload_json`,
		uploadID, userID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save parsed data: %w", err)
	}

	s.cache.Set(Key(userID, uploadID, CacheParsed), string(raw))
	return nil
}

// GetParsedData loads the parsed payload into target, cache first.
func (s *Store) GetParsedData(ctx context.Context, userID, uploadID string, target any) error {
	key := Key(userID, uploadID, CacheParsed)
	if cached, ok := s.cache.Get(key); ok {
		if raw, ok := cached.(string); ok {
			return json.Unmarshal([]byte(raw), target)
		}
	}

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM parsed_data WHERE upload_id = ? AND user_id = ?`,
		uploadID, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read parsed data: %w", err)
	}

	s.cache.Set(key, raw)
	return json.Unmarshal([]byte(raw), target)
}

func (s *Store) AppendChatMessage(ctx context.Context, userID, uploadID, role, content, agentName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (upload_id, user_id, role, content, agent_name, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uploadID, userID, role, content, agentName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns a workspace's conversation in insertion order.
func (s *Store) ListChatMessages(ctx context.Context, userID, uploadID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, agent_name, created_at FROM chat_messages
		 WHERE upload_id = ? AND user_id = ? ORDER BY id ASC LIMIT ?`,
		uploadID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.Role, &m.Content, &m.AgentName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SaveAnalysisResult appends one agent result and invalidates the cached
// insights bundle so the next read rebuilds it.
func (s *Store) SaveAnalysisResult(ctx context.Context, userID, uploadID string, row AnalysisRow) error {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_results (upload_id, user_id, agent_name, status, summary, findings_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uploadID, userID, row.AgentName, row.Status, row.Summary, row.FindingsJSON, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save analysis result: %w", err)
	}

	s.cache.PurgeUpload(userID, uploadID)
	return nil
}

// LatestResults returns the newest row per agent for a workspace, cache
// first.
func (s *Store) LatestResults(ctx context.Context, userID, uploadID string) ([]AnalysisRow, error) {
	key := Key(userID, uploadID, CacheInsights)
	if cached, ok := s.cache.Get(key); ok {
		if results, ok := cached.([]AnalysisRow); ok {
			return results, nil
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_name, status, summary, findings_json, created_at FROM analysis_results
		 WHERE id IN (
		     SELECT MAX(id) FROM analysis_results
		     WHERE upload_id = ? AND user_id = ? GROUP BY agent_name
		 )
		 ORDER BY agent_name`,
		uploadID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis results: %w", err)
	}
	defer rows.Close()

	var results []AnalysisRow
	for rows.Next() {
		var r AnalysisRow
		if err := rows.Scan(&r.AgentName, &r.Status, &r.Summary, &r.FindingsJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(results) > 0 {
		s.cache.Set(key, results)
	}
	return results, nil
}

// DeleteWorkspace removes every database row of one workspace in a
// single transaction and purges its cache entries.
func (s *Store) DeleteWorkspace(ctx context.Context, userID, uploadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM uploads WHERE id = ? AND user_id = ?`, uploadID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	for _, table := range []string{"parsed_data", "chat_messages", "analysis_results"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE upload_id = ? AND user_id = ?`, table),
			uploadID, userID); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.cache.PurgeUpload(userID, uploadID)
	return nil
}
