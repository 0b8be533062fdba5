// Package store provides storage backends for ReplayPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveScenario(sc models.StoredScenario) error {
	_, err := s.db.Exec(
		`INSERT INTO scenarios (id, title, definition, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, definition = excluded.definition`,
		sc.ID, sc.Title, sc.Definition, sc.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveScenario failed", "error", err, "id", sc.ID)
		return fmt.Errorf("failed to save scenario %s: %w", sc.ID, err)
	}
	slog.Debug("SQLiteStore SaveScenario succeeded", "id", sc.ID)
	return nil
}

func (s *SQLiteStore) GetScenario(id string) (models.StoredScenario, error) {
	var sc models.StoredScenario
	err := s.db.QueryRow(`SELECT id, title, definition, created_at FROM scenarios WHERE id = ?`, id).
		Scan(&sc.ID, &sc.Title, &sc.Definition, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StoredScenario{}, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetScenario failed", "error", err, "id", id)
		return models.StoredScenario{}, fmt.Errorf("failed to get scenario %s: %w", id, err)
	}
	return sc, nil
}

func (s *SQLiteStore) ListScenarios() ([]models.StoredScenario, error) {
	rows, err := s.db.Query(`SELECT id, title, definition, created_at FROM scenarios ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore ListScenarios query failed", "error", err)
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []models.StoredScenario
	for rows.Next() {
		var sc models.StoredScenario
		if err := rows.Scan(&sc.ID, &sc.Title, &sc.Definition, &sc.CreatedAt); err != nil {
			slog.Error("SQLiteStore ListScenarios scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan scenario row: %w", err)
		}
		scenarios = append(scenarios, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scenario rows: %w", err)
	}
	slog.Debug("SQLiteStore ListScenarios succeeded", "count", len(scenarios))
	return scenarios, nil
}

func (s *SQLiteStore) DeleteScenario(id string) error {
	res, err := s.db.Exec(`DELETE FROM scenarios WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteScenario failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete scenario %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveSession(rec models.SessionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, scenario_id, status, speed, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, speed = excluded.speed, ended_at = excluded.ended_at`,
		rec.ID, rec.ScenarioID, rec.Status, rec.Speed, rec.StartedAt, rec.EndedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "id", rec.ID)
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "id", rec.ID, "status", rec.Status)
	return nil
}

func (s *SQLiteStore) GetSession(id string) (models.SessionRecord, error) {
	row := s.db.QueryRow(`SELECT id, scenario_id, status, speed, started_at, ended_at FROM sessions WHERE id = ?`, id)
	rec, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "id", id)
		return models.SessionRecord{}, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListSessions() ([]models.SessionRecord, error) {
	return s.querySessions(`SELECT id, scenario_id, status, speed, started_at, ended_at FROM sessions ORDER BY started_at`)
}

func (s *SQLiteStore) ListSessionsByStatus(status models.SessionStatus) ([]models.SessionRecord, error) {
	return s.querySessions(`SELECT id, scenario_id, status, speed, started_at, ended_at FROM sessions WHERE status = ? ORDER BY started_at`, status)
}

func (s *SQLiteStore) querySessions(query string, args ...interface{}) ([]models.SessionRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore session query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.SessionRecord
	for rows.Next() {
		rec, err := scanSessionRows(rows)
		if err != nil {
			slog.Error("SQLiteStore session scan failed", "error", err)
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) UpdateSessionStatus(id string, status models.SessionStatus, endedAt *time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`, status, endedAt, id)
	if err != nil {
		slog.Error("SQLiteStore UpdateSessionStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	slog.Debug("SQLiteStore UpdateSessionStatus succeeded", "id", id, "status", status)
	return nil
}

func (s *SQLiteStore) AddSessionEvent(evt models.SessionEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO session_events (id, session_id, seq, type, message_index, sender, payload, emitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.SessionID, evt.Seq, evt.Type, evt.MessageIndex, nilIfEmpty(string(evt.Sender)), nilIfEmpty(evt.Payload), evt.EmittedAt)
	if err != nil {
		slog.Error("SQLiteStore AddSessionEvent failed", "error", err, "session_id", evt.SessionID, "seq", evt.Seq)
		return fmt.Errorf("failed to insert session event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSessionEvents(sessionID string, fromSeq int64) ([]models.SessionEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, seq, type, message_index, sender, payload, emitted_at
		 FROM session_events WHERE session_id = ? AND seq >= ? ORDER BY seq`,
		sessionID, fromSeq)
	if err != nil {
		slog.Error("SQLiteStore GetSessionEvents query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	var events []models.SessionEvent
	for rows.Next() {
		evt, err := scanSessionEvent(rows)
		if err != nil {
			slog.Error("SQLiteStore GetSessionEvents scan failed", "error", err)
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session event rows: %w", err)
	}
	slog.Debug("SQLiteStore GetSessionEvents succeeded", "session_id", sessionID, "count", len(events))
	return events, nil
}

func (s *SQLiteStore) SaveFlowSubmission(sub models.FlowSubmission) error {
	_, err := s.db.Exec(
		`INSERT INTO flow_submissions (token, session_id, flow_id, status, data, completed_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET status = excluded.status, data = excluded.data, completed_at = excluded.completed_at`,
		sub.Token, sub.SessionID, sub.FlowID, sub.Status, nilIfEmpty(sub.Data), sub.CompletedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowSubmission failed", "error", err, "token", sub.Token)
		return fmt.Errorf("failed to save flow submission %s: %w", sub.Token, err)
	}
	return nil
}

func (s *SQLiteStore) GetFlowSubmissions(sessionID string) ([]models.FlowSubmission, error) {
	rows, err := s.db.Query(
		`SELECT token, session_id, flow_id, status, data, completed_at FROM flow_submissions WHERE session_id = ? ORDER BY token`,
		sessionID)
	if err != nil {
		slog.Error("SQLiteStore GetFlowSubmissions query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query flow submissions: %w", err)
	}
	defer rows.Close()

	var subs []models.FlowSubmission
	for rows.Next() {
		sub, err := scanFlowSubmission(rows)
		if err != nil {
			slog.Error("SQLiteStore GetFlowSubmissions scan failed", "error", err)
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow submission rows: %w", err)
	}
	return subs, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
