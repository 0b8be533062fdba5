// Package store provides storage backends for ReplayPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveScenario(sc models.StoredScenario) error {
	_, err := s.db.Exec(
		`INSERT INTO scenarios (id, title, definition, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, definition = EXCLUDED.definition`,
		sc.ID, sc.Title, sc.Definition, sc.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveScenario failed", "error", err, "id", sc.ID)
		return fmt.Errorf("failed to save scenario %s: %w", sc.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetScenario(id string) (models.StoredScenario, error) {
	var sc models.StoredScenario
	err := s.db.QueryRow(`SELECT id, title, definition, created_at FROM scenarios WHERE id = $1`, id).
		Scan(&sc.ID, &sc.Title, &sc.Definition, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StoredScenario{}, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetScenario failed", "error", err, "id", id)
		return models.StoredScenario{}, fmt.Errorf("failed to get scenario %s: %w", id, err)
	}
	return sc, nil
}

func (s *PostgresStore) ListScenarios() ([]models.StoredScenario, error) {
	rows, err := s.db.Query(`SELECT id, title, definition, created_at FROM scenarios ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore ListScenarios query failed", "error", err)
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []models.StoredScenario
	for rows.Next() {
		var sc models.StoredScenario
		if err := rows.Scan(&sc.ID, &sc.Title, &sc.Definition, &sc.CreatedAt); err != nil {
			slog.Error("PostgresStore ListScenarios scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan scenario row: %w", err)
		}
		scenarios = append(scenarios, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scenario rows: %w", err)
	}
	return scenarios, nil
}

func (s *PostgresStore) DeleteScenario(id string) error {
	res, err := s.db.Exec(`DELETE FROM scenarios WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteScenario failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete scenario %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveSession(rec models.SessionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, scenario_id, status, speed, started_at, ended_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, speed = EXCLUDED.speed, ended_at = EXCLUDED.ended_at`,
		rec.ID, rec.ScenarioID, rec.Status, rec.Speed, rec.StartedAt, rec.EndedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "id", rec.ID)
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSession(id string) (models.SessionRecord, error) {
	row := s.db.QueryRow(`SELECT id, scenario_id, status, speed, started_at, ended_at FROM sessions WHERE id = $1`, id)
	rec, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "id", id)
		return models.SessionRecord{}, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListSessions() ([]models.SessionRecord, error) {
	return s.querySessions(`SELECT id, scenario_id, status, speed, started_at, ended_at FROM sessions ORDER BY started_at`)
}

func (s *PostgresStore) ListSessionsByStatus(status models.SessionStatus) ([]models.SessionRecord, error) {
	return s.querySessions(`SELECT id, scenario_id, status, speed, started_at, ended_at FROM sessions WHERE status = $1 ORDER BY started_at`, status)
}

func (s *PostgresStore) querySessions(query string, args ...interface{}) ([]models.SessionRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore session query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.SessionRecord
	for rows.Next() {
		rec, err := scanSessionRows(rows)
		if err != nil {
			slog.Error("PostgresStore session scan failed", "error", err)
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) UpdateSessionStatus(id string, status models.SessionStatus, endedAt *time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = $1, ended_at = $2 WHERE id = $3`, status, endedAt, id)
	if err != nil {
		slog.Error("PostgresStore UpdateSessionStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddSessionEvent(evt models.SessionEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO session_events (id, session_id, seq, type, message_index, sender, payload, emitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		evt.ID, evt.SessionID, evt.Seq, evt.Type, evt.MessageIndex, nilIfEmpty(string(evt.Sender)), nilIfEmpty(evt.Payload), evt.EmittedAt)
	if err != nil {
		slog.Error("PostgresStore AddSessionEvent failed", "error", err, "session_id", evt.SessionID, "seq", evt.Seq)
		return fmt.Errorf("failed to insert session event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSessionEvents(sessionID string, fromSeq int64) ([]models.SessionEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, seq, type, message_index, sender, payload, emitted_at
		 FROM session_events WHERE session_id = $1 AND seq >= $2 ORDER BY seq`,
		sessionID, fromSeq)
	if err != nil {
		slog.Error("PostgresStore GetSessionEvents query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	var events []models.SessionEvent
	for rows.Next() {
		evt, err := scanSessionEvent(rows)
		if err != nil {
			slog.Error("PostgresStore GetSessionEvents scan failed", "error", err)
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session event rows: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) SaveFlowSubmission(sub models.FlowSubmission) error {
	_, err := s.db.Exec(
		`INSERT INTO flow_submissions (token, session_id, flow_id, status, data, completed_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (token) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data, completed_at = EXCLUDED.completed_at`,
		sub.Token, sub.SessionID, sub.FlowID, sub.Status, nilIfEmpty(sub.Data), sub.CompletedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowSubmission failed", "error", err, "token", sub.Token)
		return fmt.Errorf("failed to save flow submission %s: %w", sub.Token, err)
	}
	return nil
}

func (s *PostgresStore) GetFlowSubmissions(sessionID string) ([]models.FlowSubmission, error) {
	rows, err := s.db.Query(
		`SELECT token, session_id, flow_id, status, data, completed_at FROM flow_submissions WHERE session_id = $1 ORDER BY token`,
		sessionID)
	if err != nil {
		slog.Error("PostgresStore GetFlowSubmissions query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query flow submissions: %w", err)
	}
	defer rows.Close()

	var subs []models.FlowSubmission
	for rows.Next() {
		sub, err := scanFlowSubmission(rows)
		if err != nil {
			slog.Error("PostgresStore GetFlowSubmissions scan failed", "error", err)
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
