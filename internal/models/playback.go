// Package models defines playback state snapshots for the replay engine.
package models

import "time"

// PlaybackPhase represents the engine's position in its lifecycle state machine.
type PlaybackPhase string

const (
	// PhaseIdle indicates no conversation is loaded.
	PhaseIdle PlaybackPhase = "idle"
	// PhaseLoaded indicates a conversation is loaded and ready to play.
	PhaseLoaded PlaybackPhase = "loaded"
	// PhasePlaying indicates timers are driving playback.
	PhasePlaying PlaybackPhase = "playing"
	// PhasePaused indicates playback is suspended with remaining offsets recorded.
	PhasePaused PlaybackPhase = "paused"
	// PhaseCompleted indicates the final message has been sent.
	PhaseCompleted PlaybackPhase = "completed"
	// PhaseError indicates playback failed and all timers were cancelled.
	PhaseError PlaybackPhase = "error"
)

// Progress summarizes how far playback has advanced through the script.
type Progress struct {
	CompletionPercentage float64       `json:"completion_percentage"`
	ElapsedTime          time.Duration `json:"elapsed_time"`
	RemainingTime        time.Duration `json:"remaining_time"`
}

// PlaybackState is an immutable snapshot of the engine at one logical tick.
// All reads go through pure transforms; no component mutates a snapshot in
// place.
type PlaybackState struct {
	Conversation        *Conversation   `json:"conversation,omitempty"`
	Phase               PlaybackPhase   `json:"phase"`
	CurrentMessageIndex int             `json:"current_message_index"`
	PlaybackSpeed       float64         `json:"playback_speed"`
	Progress            Progress        `json:"progress"`
	TypingStates        map[Sender]bool `json:"typing_states"`
	Error               string          `json:"error,omitempty"`
}

// IsPlaying reports whether timers are currently driving playback.
func (s PlaybackState) IsPlaying() bool { return s.Phase == PhasePlaying }

// IsPaused reports whether playback is suspended.
func (s PlaybackState) IsPaused() bool { return s.Phase == PhasePaused }

// IsCompleted reports whether the final message has been sent.
func (s PlaybackState) IsCompleted() bool { return s.Phase == PhaseCompleted }

// HasError reports whether the engine is in the error state.
func (s PlaybackState) HasError() bool { return s.Phase == PhaseError }

// CurrentMessage returns the message at the current index, or nil when none.
func (s PlaybackState) CurrentMessage() *Message {
	if s.Conversation == nil || s.CurrentMessageIndex >= len(s.Conversation.Messages) {
		return nil
	}
	return &s.Conversation.Messages[s.CurrentMessageIndex]
}

// NextMessage returns the message after the current index, or nil when none.
func (s PlaybackState) NextMessage() *Message {
	if s.Conversation == nil || s.CurrentMessageIndex+1 >= len(s.Conversation.Messages) {
		return nil
	}
	return &s.Conversation.Messages[s.CurrentMessageIndex+1]
}

// TotalMessages returns the number of messages in the loaded conversation.
func (s PlaybackState) TotalMessages() int {
	if s.Conversation == nil {
		return 0
	}
	return len(s.Conversation.Messages)
}
