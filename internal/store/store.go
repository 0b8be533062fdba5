// Package store provides storage backends for ReplayPipe.
//
// It includes an in-memory store plus SQLite and PostgreSQL backends for
// scenarios, session records, the playback event journal, and flow submissions.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Store is the persistence interface shared by all backends.
type Store interface {
	SaveScenario(sc models.StoredScenario) error
	GetScenario(id string) (models.StoredScenario, error)
	ListScenarios() ([]models.StoredScenario, error)
	DeleteScenario(id string) error

	SaveSession(rec models.SessionRecord) error
	GetSession(id string) (models.SessionRecord, error)
	ListSessions() ([]models.SessionRecord, error)
	ListSessionsByStatus(status models.SessionStatus) ([]models.SessionRecord, error)
	UpdateSessionStatus(id string, status models.SessionStatus, endedAt *time.Time) error

	AddSessionEvent(evt models.SessionEvent) error
	GetSessionEvents(sessionID string, fromSeq int64) ([]models.SessionEvent, error)

	SaveFlowSubmission(sub models.FlowSubmission) error
	GetFlowSubmissions(sessionID string) ([]models.FlowSubmission, error)

	Close() error
}

// DetectStoreType inspects a DSN and reports which backend it addresses.
// Connection-URL style DSNs ("postgres://..." or key=value pairs) select
// PostgreSQL; anything else is treated as a SQLite file path.
func DetectStoreType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is the default store when no DSN is configured. It is also the
// store used by tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	scenarios map[string]models.StoredScenario
	sessions  map[string]models.SessionRecord
	events    map[string][]models.SessionEvent
	flows     map[string][]models.FlowSubmission
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		scenarios: make(map[string]models.StoredScenario),
		sessions:  make(map[string]models.SessionRecord),
		events:    make(map[string][]models.SessionEvent),
		flows:     make(map[string][]models.FlowSubmission),
	}
}

// SaveScenario inserts or replaces a stored scenario.
func (s *InMemoryStore) SaveScenario(sc models.StoredScenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios[sc.ID] = sc
	return nil
}

// GetScenario fetches one stored scenario by ID.
func (s *InMemoryStore) GetScenario(id string) (models.StoredScenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return models.StoredScenario{}, ErrNotFound
	}
	return sc, nil
}

// ListScenarios returns all stored scenarios ordered by ID.
func (s *InMemoryStore) ListScenarios() ([]models.StoredScenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.StoredScenario, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteScenario removes a stored scenario by ID.
func (s *InMemoryStore) DeleteScenario(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scenarios[id]; !ok {
		return ErrNotFound
	}
	delete(s.scenarios, id)
	return nil
}

// SaveSession inserts or replaces a session record.
func (s *InMemoryStore) SaveSession(rec models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = rec
	return nil
}

// GetSession fetches one session record by ID.
func (s *InMemoryStore) GetSession(id string) (models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return models.SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

// ListSessions returns all session records ordered by start time.
func (s *InMemoryStore) ListSessions() ([]models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ListSessionsByStatus returns session records matching the given status.
func (s *InMemoryStore) ListSessionsByStatus(status models.SessionStatus) ([]models.SessionRecord, error) {
	all, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpdateSessionStatus changes a session's status and optional end time.
func (s *InMemoryStore) UpdateSessionStatus(id string, status models.SessionStatus, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.EndedAt = endedAt
	s.sessions[id] = rec
	return nil
}

// AddSessionEvent appends one journal row.
func (s *InMemoryStore) AddSessionEvent(evt models.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[evt.SessionID] = append(s.events[evt.SessionID], evt)
	return nil
}

// GetSessionEvents returns journal rows with seq >= fromSeq in seq order.
func (s *InMemoryStore) GetSessionEvents(sessionID string, fromSeq int64) ([]models.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SessionEvent
	for _, evt := range s.events[sessionID] {
		if evt.Seq >= fromSeq {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// SaveFlowSubmission inserts or replaces a flow submission by token.
func (s *InMemoryStore) SaveFlowSubmission(sub models.FlowSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.flows[sub.SessionID]
	for i := range subs {
		if subs[i].Token == sub.Token {
			subs[i] = sub
			return nil
		}
	}
	s.flows[sub.SessionID] = append(subs, sub)
	return nil
}

// GetFlowSubmissions returns flow submissions for a session in insertion order.
func (s *InMemoryStore) GetFlowSubmissions(sessionID string) ([]models.FlowSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FlowSubmission, len(s.flows[sessionID]))
	copy(out, s.flows[sessionID])
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
