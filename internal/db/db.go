// Package db stores connection history and UI settings in a local
// sqlite database. Live session state is never persisted here; it
// belongs to the tmux server.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/peterje/periscope/internal/models"
)

// Open opens (creating if needed) the database under ~/.periscope.
func Open() (*sql.DB, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("home dir: %w", err)
	}
	dir := filepath.Join(home, ".periscope")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenPath(filepath.Join(dir, "periscope.db"))
}

// OpenPath opens the database at an explicit path. Tests use a temp dir.
func OpenPath(path string) (*sql.DB, error) {
	database, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

// Migrate applies a migration script.
func Migrate(database *sql.DB, migrationSQL string) error {
	if _, err := database.Exec(migrationSQL); err != nil {
		return fmt.Errorf("run migration: %w", err)
	}
	return nil
}

// Store wraps the queries the server needs.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

// RecordEvent appends one history row. Failures are returned but callers
// treat them as non-fatal; history is a convenience.
func (s *Store) RecordEvent(kind, sessionName, clientID, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO events (kind, session_name, client_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		kind, sessionName, clientID, detail, time.Now().UTC())
	return err
}

// RecentEvents returns the newest events, most recent first.
func (s *Store) RecentEvents(limit int) ([]models.ConnectionEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, kind, session_name, client_id, detail, created_at FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.ConnectionEvent{}
	for rows.Next() {
		var e models.ConnectionEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.SessionName, &e.ClientID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetSetting returns the value for key, or sql.ErrNoRows.
func (s *Store) GetSetting(key string) (models.Setting, error) {
	var setting models.Setting
	err := s.db.QueryRow(`SELECT key, value, updated_at FROM settings WHERE key = ?`, key).
		Scan(&setting.Key, &setting.Value, &setting.UpdatedAt)
	return setting, err
}

func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

func (s *Store) DeleteSetting(key string) error {
	_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
	return err
}

func (s *Store) ListSettings() ([]models.Setting, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := []models.Setting{}
	for rows.Next() {
		var setting models.Setting
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.UpdatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, setting)
	}
	return settings, rows.Err()
}
