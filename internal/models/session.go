// Package models defines persisted session and journal records.
package models

import "time"

// SessionStatus represents the lifecycle status of a playback session record.
type SessionStatus string

const (
	// SessionStatusRunning indicates the session is actively playing.
	SessionStatusRunning SessionStatus = "running"
	// SessionStatusPaused indicates the session is paused.
	SessionStatusPaused SessionStatus = "paused"
	// SessionStatusCompleted indicates the session played to the end.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusInterrupted indicates the daemon died while the session was live.
	SessionStatusInterrupted SessionStatus = "interrupted"
	// SessionStatusDestroyed indicates the session was torn down by the caller.
	SessionStatusDestroyed SessionStatus = "destroyed"
)

// IsValidSessionStatus checks if the given session status is supported.
func IsValidSessionStatus(status SessionStatus) bool {
	switch status {
	case SessionStatusRunning, SessionStatusPaused, SessionStatusCompleted,
		SessionStatusInterrupted, SessionStatusDestroyed:
		return true
	default:
		return false
	}
}

// SessionRecord is the persisted row describing one playback session.
type SessionRecord struct {
	ID         string        `json:"id"`
	ScenarioID string        `json:"scenario_id"`
	Status     SessionStatus `json:"status"`
	Speed      float64       `json:"speed"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
}

// SessionEvent is one journaled playback event row. Seq is assigned per
// session in emission order, so the journal replays in the exact order the
// bus delivered.
type SessionEvent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Seq          int64     `json:"seq"`
	Type         EventType `json:"type"`
	MessageIndex int       `json:"message_index"`
	Sender       Sender    `json:"sender,omitempty"`
	Payload      string    `json:"payload,omitempty"`
	EmittedAt    time.Time `json:"emitted_at"`
}

// FlowSubmission is the persisted outcome of one triggered flow.
type FlowSubmission struct {
	Token       string     `json:"token"`
	SessionID   string     `json:"session_id"`
	FlowID      string     `json:"flow_id"`
	Status      FlowStatus `json:"status"`
	Data        string     `json:"data,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StoredScenario is a persisted custom conversation template.
type StoredScenario struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Definition string    `json:"definition"`
	CreatedAt  time.Time `json:"created_at"`
}

// BadgeRule declares an educational badge unlocked when playback reaches a
// given message index.
type BadgeRule struct {
	ID                    string `json:"id"`
	Title                 string `json:"title"`
	Description           string `json:"description,omitempty"`
	TriggerAtMessageIndex int    `json:"trigger_at_message_index"`
}

// BadgeAward records one unlocked badge during a session.
type BadgeAward struct {
	RuleID       string    `json:"rule_id"`
	SessionID    string    `json:"session_id"`
	MessageIndex int       `json:"message_index"`
	AwardedAt    time.Time `json:"awarded_at"`
}
