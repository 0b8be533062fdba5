package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ReplayDeck/ReplayPipe/internal/badges"
	"github.com/ReplayDeck/ReplayPipe/internal/engine"
	"github.com/ReplayDeck/ReplayPipe/internal/models"
	"github.com/ReplayDeck/ReplayPipe/internal/relay"
	"github.com/ReplayDeck/ReplayPipe/internal/scenario"
	"github.com/ReplayDeck/ReplayPipe/internal/store"
	"github.com/ReplayDeck/ReplayPipe/internal/util"
)

// Session binds one playback orchestrator to its persisted record, journal,
// badge tracker, and optional live relay.
type Session struct {
	ID         string
	ScenarioID string
	CreatedAt  time.Time

	orch    *engine.Orchestrator
	tracker *badges.Tracker
	st      store.Store
	newID   func() string
	unsub   func()

	mu         sync.Mutex
	seq        int64
	status     models.SessionStatus
	relayBind  *relay.Binding
	relayUnsub func()
	relayCh    string
}

// record is the journal observer. It runs synchronously on the engine's event
// bus, so it must never call back into the orchestrator; everything it needs
// is carried on the event itself.
func (s *Session) record(evt models.ConversationEvent) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Error("Session.record: failed to marshal event payload", "error", err, "session_id", s.ID, "type", evt.Type)
		payload = nil
	}
	row := models.SessionEvent{
		ID:           s.newID(),
		SessionID:    s.ID,
		Seq:          seq,
		Type:         evt.Type,
		MessageIndex: evt.MessageIndex,
		Sender:       evt.Sender,
		Payload:      string(payload),
		EmittedAt:    evt.Timestamp,
	}
	if err := s.st.AddSessionEvent(row); err != nil {
		slog.Error("Session.record: failed to journal event", "error", err, "session_id", s.ID, "seq", seq)
	}

	switch evt.Type {
	case models.EventConversationStarted:
		s.syncStatus(models.SessionStatusRunning, nil)
	case models.EventConversationCompleted:
		ended := evt.Timestamp
		s.syncStatus(models.SessionStatusCompleted, &ended)
	case models.EventConversationError:
		ended := evt.Timestamp
		s.syncStatus(models.SessionStatusInterrupted, &ended)
	case models.EventFlowTriggered:
		s.saveFlowRow(evt, models.FlowStatusActive, nil)
	case models.EventFlowCompleted:
		completed := evt.Timestamp
		s.saveFlowRow(evt, models.FlowStatusCompleted, &completed)
	case models.EventFlowFailed:
		completed := evt.Timestamp
		status := models.FlowStatusCancelled
		if strings.Contains(evt.Error, models.ErrFlowTimeout.Error()) {
			status = models.FlowStatusTimedOut
		}
		s.saveFlowRow(evt, status, &completed)
	}
}

func (s *Session) saveFlowRow(evt models.ConversationEvent, status models.FlowStatus, completedAt *time.Time) {
	sub := models.FlowSubmission{
		Token:       evt.FlowToken,
		SessionID:   s.ID,
		FlowID:      evt.FlowID,
		Status:      status,
		CompletedAt: completedAt,
	}
	if err := s.st.SaveFlowSubmission(sub); err != nil {
		slog.Error("Session.record: failed to persist flow submission", "error", err, "session_id", s.ID, "token", evt.FlowToken)
	}
}

// syncStatus updates the persisted session status when it changed.
func (s *Session) syncStatus(status models.SessionStatus, endedAt *time.Time) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	if err := s.st.UpdateSessionStatus(s.ID, status, endedAt); err != nil {
		slog.Error("Session.syncStatus: failed to update session record", "error", err, "session_id", s.ID, "status", status)
	}
}

// Status returns the last persisted session status.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RelayChannel returns the attached relay channel name, or "" when none.
func (s *Session) RelayChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayCh
}

// CreateSessionRequest is the payload for POST /sessions. Override fields are
// applied on top of the scenario's own settings.
type CreateSessionRequest struct {
	ScenarioID           string             `json:"scenario_id"`
	Speed                float64            `json:"speed,omitempty"`
	AutoAdvance          *bool              `json:"auto_advance,omitempty"`
	ShowTypingIndicators *bool              `json:"show_typing_indicators,omitempty"`
	AutoPlay             bool               `json:"auto_play,omitempty"`
	Badges               []models.BadgeRule `json:"badges,omitempty"`
}

// SessionView is the wire representation of one session.
type SessionView struct {
	ID         string               `json:"id"`
	ScenarioID string               `json:"scenario_id"`
	Status     models.SessionStatus `json:"status"`
	Relay      string               `json:"relay,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	State      models.PlaybackState `json:"state"`
	Badges     []models.BadgeAward  `json:"badges,omitempty"`
	Flow       *models.FlowState    `json:"flow,omitempty"`
}

// Manager owns the live playback sessions and their orchestrators.
type Manager struct {
	st      store.Store
	catalog *scenario.Catalog
	clock   engine.Clock
	newID   func() string

	flowTimeout time.Duration
	autoRestart time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager over the given store and catalog.
func NewManager(st store.Store, catalog *scenario.Catalog, clock engine.Clock, flowTimeout, autoRestart time.Duration, newID func() string) *Manager {
	if clock == nil {
		clock = engine.NewSystemClock()
	}
	if newID == nil {
		newID = uuid.NewString
	}
	return &Manager{
		st:          st,
		catalog:     catalog,
		clock:       clock,
		newID:       newID,
		flowTimeout: flowTimeout,
		autoRestart: autoRestart,
		sessions:    make(map[string]*Session),
	}
}

// Create builds a new session for the requested scenario, wires the journal
// and badge observers, and persists the session record.
func (m *Manager) Create(req CreateSessionRequest) (*Session, error) {
	tpl, err := m.catalog.Get(req.ScenarioID)
	if err != nil {
		return nil, err
	}
	if req.Speed != 0 {
		if !models.IsValidSpeed(req.Speed) {
			return nil, models.ErrInvalidSpeed
		}
		tpl.Settings.PlaybackSpeed = req.Speed
	}
	if req.AutoAdvance != nil {
		tpl.Settings.AutoAdvance = req.AutoAdvance
	}
	if req.ShowTypingIndicators != nil {
		tpl.Settings.ShowTypingIndicators = req.ShowTypingIndicators
	}

	opts := []engine.Option{engine.WithClock(m.clock)}
	if m.flowTimeout > 0 {
		opts = append(opts, engine.WithFlowTimeout(m.flowTimeout))
	}
	if m.autoRestart > 0 {
		opts = append(opts, engine.WithAutoRestart(m.autoRestart))
	}
	orch := engine.NewOrchestrator(opts...)

	sess := &Session{
		ID:         util.GenerateSessionID(),
		ScenarioID: tpl.Metadata.ID,
		CreatedAt:  m.clock.Now(),
		orch:       orch,
		st:         m.st,
		newID:      m.newID,
		status:     models.SessionStatusPaused,
	}

	tracker, err := badges.NewTracker(sess.ID, req.Badges)
	if err != nil {
		orch.Destroy()
		return nil, err
	}
	sess.tracker = tracker

	// Journal first, badges second: awards always trail their journal row.
	unsubJournal, err := orch.Subscribe(sess.record)
	if err != nil {
		orch.Destroy()
		return nil, err
	}
	unsubBadges, err := orch.Subscribe(tracker.Handle)
	if err != nil {
		unsubJournal()
		orch.Destroy()
		return nil, err
	}
	sess.unsub = func() {
		unsubJournal()
		unsubBadges()
	}

	if err := orch.LoadConversation(tpl); err != nil {
		sess.unsub()
		orch.Destroy()
		return nil, err
	}

	rec := models.SessionRecord{
		ID:         sess.ID,
		ScenarioID: sess.ScenarioID,
		Status:     models.SessionStatusPaused,
		Speed:      tpl.Settings.EffectiveSpeed(),
		StartedAt:  sess.CreatedAt,
	}
	if err := m.st.SaveSession(rec); err != nil {
		sess.unsub()
		orch.Destroy()
		return nil, fmt.Errorf("failed to persist session record: %w", err)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	slog.Info("Session created", "session_id", sess.ID, "scenario_id", sess.ScenarioID, "speed", rec.Speed)

	if req.AutoPlay {
		if err := orch.Play(); err != nil {
			slog.Warn("Session auto-play failed", "error", err, "session_id", sess.ID)
		}
	}
	return sess, nil
}

// Get returns the live session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns all live sessions sorted by creation time.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Destroy tears down a session: orchestrator, relay, observers, and the
// persisted status.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	sess.DetachRelay()
	if err := sess.orch.Destroy(); err != nil {
		slog.Warn("Session destroy: orchestrator already disposed", "session_id", id)
	}
	sess.unsub()
	ended := m.clock.Now()
	sess.syncStatus(models.SessionStatusDestroyed, &ended)
	slog.Info("Session destroyed", "session_id", id)
	return nil
}

// DestroyAll tears down every live session. Used on server shutdown.
func (m *Manager) DestroyAll() {
	for _, sess := range m.List() {
		if err := m.Destroy(sess.ID); err != nil {
			slog.Warn("Failed to destroy session on shutdown", "error", err, "session_id", sess.ID)
		}
	}
}

// View builds the wire representation of a session.
func (s *Session) View() SessionView {
	return SessionView{
		ID:         s.ID,
		ScenarioID: s.ScenarioID,
		Status:     s.Status(),
		Relay:      s.RelayChannel(),
		CreatedAt:  s.CreatedAt,
		State:      s.orch.CurrentState(),
		Badges:     s.tracker.Awards(),
		Flow:       s.orch.ActiveFlow(),
	}
}

// Orchestrator exposes the engine for control handlers.
func (s *Session) Orchestrator() *engine.Orchestrator { return s.orch }

// AttachRelay binds a live relay to this session's event stream. One relay
// per session; attach fails if one is already bound.
func (s *Session) AttachRelay(channel string, svc relay.Service, to string) error {
	s.mu.Lock()
	if s.relayBind != nil {
		s.mu.Unlock()
		return ErrRelayAlreadyAttached
	}
	s.mu.Unlock()

	conv := s.orch.CurrentState().Conversation
	if conv == nil {
		return models.ErrNoConversation
	}
	bind, err := relay.NewBinding(svc, to, conv)
	if err != nil {
		return err
	}
	unsub, err := s.orch.Subscribe(bind.Handle)
	if err != nil {
		bind.Close()
		return err
	}

	s.mu.Lock()
	s.relayBind = bind
	s.relayUnsub = unsub
	s.relayCh = channel
	s.mu.Unlock()
	return nil
}

// DetachRelay unbinds the live relay, if any.
func (s *Session) DetachRelay() error {
	s.mu.Lock()
	bind, unsub := s.relayBind, s.relayUnsub
	s.relayBind, s.relayUnsub, s.relayCh = nil, nil, ""
	s.mu.Unlock()

	if bind == nil {
		return ErrRelayNotAttached
	}
	unsub()
	bind.Close()
	return nil
}

// MarkPaused records a pause initiated through the control API. Pause has no
// dedicated lifecycle event, so the handler calls this after a successful
// Pause or Reset.
func (s *Session) MarkPaused() {
	s.syncStatus(models.SessionStatusPaused, nil)
}
