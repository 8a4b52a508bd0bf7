// Package storage is the engine's persistence boundary: the sessions
// and templates tables. The engine writes only current_step, status,
// metadata, and updated_at on sessions.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SessionRow mirrors the sessions table columns the engine touches.
type SessionRow struct {
	ID          string     `json:"id"`
	Token       string     `json:"token"`
	TemplateID  string     `json:"template_id"`
	Status      string     `json:"status"`
	CurrentStep int        `json:"current_step"`
	Metadata    []byte     `json:"metadata,omitempty"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TemplateRow mirrors the templates table.
type TemplateRow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Platform  string    `json:"platform"`
	Steps     []byte    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides sqlite-backed persistence.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database and runs migrations. WAL mode is
// enabled for concurrent readers.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("sqlite storage initialized", "path", dbPath)
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT '',
		steps TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		template_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		current_step INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		used_at DATETIME,
		expires_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetSessionByToken loads a session row; nil without error means the
// token is unknown.
func (s *Store) GetSessionByToken(token string) (*SessionRow, error) {
	row := s.db.QueryRow(`
		SELECT id, token, template_id, status, current_step, metadata, used_at, expires_at, created_at, updated_at
		FROM sessions WHERE token = ?`, token)

	var rec SessionRow
	var metadata sql.NullString
	err := row.Scan(&rec.ID, &rec.Token, &rec.TemplateID, &rec.Status, &rec.CurrentStep,
		&metadata, &rec.UsedAt, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if metadata.Valid {
		rec.Metadata = []byte(metadata.String)
	}
	return &rec, nil
}

// GetTemplate loads a template row; nil without error means not found.
func (s *Store) GetTemplate(id string) (*TemplateRow, error) {
	row := s.db.QueryRow(`SELECT id, name, platform, steps, created_at FROM templates WHERE id = ?`, id)

	var rec TemplateRow
	var steps string
	err := row.Scan(&rec.ID, &rec.Name, &rec.Platform, &steps, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	rec.Steps = []byte(steps)
	return &rec, nil
}

// MarkUsed stamps first use of a share token.
func (s *Store) MarkUsed(token string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET used_at = COALESCE(used_at, ?), updated_at = ? WHERE token = ?`,
		now, now, token)
	if err != nil {
		return fmt.Errorf("failed to mark session used: %w", err)
	}
	return nil
}

// UpdateProgress persists the current step index.
func (s *Store) UpdateProgress(token string, currentStep int, now time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET current_step = ?, updated_at = ? WHERE token = ?`,
		currentStep, now, token)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// UpdateMetadata persists the metadata blob (incremental extracted-data
// writes are best-effort at the call site).
func (s *Store) UpdateMetadata(token string, metadata any, now time.Time) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.Exec(`UPDATE sessions SET metadata = ?, updated_at = ? WHERE token = ?`,
		string(data), now, token)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return nil
}

// Complete persists terminal status plus the final metadata blob.
func (s *Store) Complete(token string, metadata any, now time.Time) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.Exec(`UPDATE sessions SET status = 'completed', metadata = ?, updated_at = ? WHERE token = ?`,
		string(data), now, token)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	return nil
}

// CreateTemplate inserts a template (ops/dev affordance, also used by
// tests).
func (s *Store) CreateTemplate(rec TemplateRow) error {
	_, err := s.db.Exec(`INSERT INTO templates (id, name, platform, steps) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Platform, string(rec.Steps))
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// CreateSession inserts a session row for a share token.
func (s *Store) CreateSession(rec SessionRow) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, token, template_id, status, current_step, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Token, rec.TemplateID, rec.Status, rec.CurrentStep, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// ListSessionsOptions filters the session history listing.
type ListSessionsOptions struct {
	Limit  int
	Offset int
	Status string
	Since  *time.Time
}

// ListSessions retrieves session rows newest first.
func (s *Store) ListSessions(opts ListSessionsOptions) ([]SessionRow, error) {
	query := `
		SELECT id, token, template_id, status, current_step, metadata, used_at, expires_at, created_at, updated_at
		FROM sessions WHERE 1=1`
	args := []any{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *opts.Since)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRow
	for rows.Next() {
		var rec SessionRow
		var metadata sql.NullString
		err := rows.Scan(&rec.ID, &rec.Token, &rec.TemplateID, &rec.Status, &rec.CurrentStep,
			&metadata, &rec.UsedAt, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if metadata.Valid {
			rec.Metadata = []byte(metadata.String)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Stats aggregates session counts by status.
type Stats struct {
	TotalSessions    int64            `json:"total_sessions"`
	SessionsByStatus map[string]int64 `json:"sessions_by_status"`
	AvgCurrentStep   float64          `json:"avg_current_step"`
}

// GetStats retrieves aggregate statistics.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{SessionsByStatus: make(map[string]int64)}

	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(AVG(current_step), 0) FROM sessions`)
	if err := row.Scan(&stats.TotalSessions, &stats.AvgCurrentStep); err != nil {
		return nil, fmt.Errorf("failed to get aggregate stats: %w", err)
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to get status stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.SessionsByStatus[status] = count
	}
	return stats, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
