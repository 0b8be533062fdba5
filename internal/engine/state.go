// Package engine provides pure transformation functions over PlaybackState
// snapshots. None of these functions performs I/O or scheduling; every one
// returns a new state and leaves its input untouched.
package engine

import (
	"fmt"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

// NewIdleState returns the state of an engine with nothing loaded.
func NewIdleState() models.PlaybackState {
	return models.PlaybackState{
		Phase:               models.PhaseIdle,
		CurrentMessageIndex: 0,
		PlaybackSpeed:       models.DefaultPlaybackSpeed,
		TypingStates:        map[models.Sender]bool{},
	}
}

// DeriveConversation builds the engine's working conversation from a template.
// Message identity is minted once here and stays stable for the lifetime of
// the conversation.
func DeriveConversation(tpl models.ConversationTemplate, newID func() string) *models.Conversation {
	conv := &models.Conversation{
		Metadata: tpl.Metadata,
		Settings: tpl.Settings,
		Messages: make([]models.Message, len(tpl.Messages)),
	}
	for i, sm := range tpl.Messages {
		conv.Messages[i] = models.Message{
			ID:      newID(),
			Sender:  sm.Sender,
			Type:    sm.Type,
			Content: sm.Content,
			Status:  models.MessageStatusSending,
			Flow:    sm.Flow,
			Timing: models.MessageTiming{
				DelayBeforeTyping: time.Duration(sm.DelayBeforeTyping) * time.Millisecond,
				TypingDuration:    time.Duration(sm.TypingDuration) * time.Millisecond,
			},
		}
	}
	return conv
}

// Loaded returns the state for a freshly loaded conversation.
func Loaded(conv *models.Conversation) models.PlaybackState {
	s := models.PlaybackState{
		Conversation:        conv,
		Phase:               models.PhaseLoaded,
		CurrentMessageIndex: 0,
		PlaybackSpeed:       conv.Settings.EffectiveSpeed(),
		TypingStates:        map[models.Sender]bool{},
	}
	return recomputeProgress(s)
}

// Advance moves the current message index forward. Moving backward is only
// legal through Reset or an explicit seek transform.
func Advance(s models.PlaybackState, index int) (models.PlaybackState, error) {
	if s.Conversation == nil {
		return s, models.ErrNoConversation
	}
	if index < 0 || index > len(s.Conversation.Messages) {
		return s, fmt.Errorf("advance to %d: %w", index, models.ErrIndexOutOfRange)
	}
	out := cloneState(s)
	out.CurrentMessageIndex = index
	return recomputeProgress(out), nil
}

// Seek moves the index to an arbitrary position without status changes.
func Seek(s models.PlaybackState, index int) (models.PlaybackState, error) {
	return Advance(s, index)
}

// MarkStatus applies one message status transition, stamping the matching
// timing field. An illegal transition is a programming error and returns
// ErrInvalidStatusTransition wrapped with context.
func MarkStatus(s models.PlaybackState, index int, status models.MessageStatus, at time.Time) (models.PlaybackState, error) {
	if s.Conversation == nil {
		return s, models.ErrNoConversation
	}
	if index < 0 || index >= len(s.Conversation.Messages) {
		return s, fmt.Errorf("mark status at %d: %w", index, models.ErrIndexOutOfRange)
	}
	from := s.Conversation.Messages[index].Status
	if !models.CanTransitionStatus(from, status) {
		return s, fmt.Errorf("message %d: %s -> %s: %w", index, from, status, models.ErrInvalidStatusTransition)
	}
	out := cloneState(s)
	msg := &out.Conversation.Messages[index]
	msg.Status = status
	stamp := at
	switch status {
	case models.MessageStatusSent:
		msg.Timing.SentAt = &stamp
	case models.MessageStatusDelivered:
		msg.Timing.DeliveredAt = &stamp
	case models.MessageStatusRead:
		msg.Timing.ReadAt = &stamp
	}
	return out, nil
}

// SetSpeed validates and applies a playback speed change. Out-of-range values
// return ErrInvalidSpeed and leave the state unchanged.
func SetSpeed(s models.PlaybackState, speed float64) (models.PlaybackState, error) {
	if !models.IsValidSpeed(speed) {
		return s, fmt.Errorf("speed %.2f: %w", speed, models.ErrInvalidSpeed)
	}
	out := cloneState(s)
	out.PlaybackSpeed = speed
	return out, nil
}

// SetTyping records a sender's typing indicator in the snapshot.
func SetTyping(s models.PlaybackState, sender models.Sender, typing bool) models.PlaybackState {
	out := cloneState(s)
	out.TypingStates[sender] = typing
	return out
}

// Playing marks the state machine as actively playing.
func Playing(s models.PlaybackState) models.PlaybackState {
	out := cloneState(s)
	out.Phase = models.PhasePlaying
	return out
}

// Paused marks the state machine as paused.
func Paused(s models.PlaybackState) models.PlaybackState {
	out := cloneState(s)
	out.Phase = models.PhasePaused
	return out
}

// Stopped parks the state machine in the loaded phase at its current
// position, ready for a fresh Play.
func Stopped(s models.PlaybackState) models.PlaybackState {
	out := cloneState(s)
	out.Phase = models.PhaseLoaded
	return out
}

// Complete marks playback finished and pins progress at 100%.
func Complete(s models.PlaybackState) models.PlaybackState {
	out := cloneState(s)
	out.Phase = models.PhaseCompleted
	out.CurrentMessageIndex = out.TotalMessages()
	out.TypingStates = map[models.Sender]bool{}
	return recomputeProgress(out)
}

// Reset rewinds the state to index 0 without discarding the conversation.
// All message statuses return to sending and timing stamps are cleared.
func Reset(s models.PlaybackState) models.PlaybackState {
	out := cloneState(s)
	out.CurrentMessageIndex = 0
	out.Error = ""
	out.TypingStates = map[models.Sender]bool{}
	if out.Conversation == nil {
		out.Phase = models.PhaseIdle
		return recomputeProgress(out)
	}
	out.Phase = models.PhaseLoaded
	for i := range out.Conversation.Messages {
		msg := &out.Conversation.Messages[i]
		msg.Status = models.MessageStatusSending
		msg.Timing.SentAt = nil
		msg.Timing.DeliveredAt = nil
		msg.Timing.ReadAt = nil
	}
	return recomputeProgress(out)
}

// Fail moves the state machine into the error phase.
func Fail(s models.PlaybackState, err error) models.PlaybackState {
	out := cloneState(s)
	out.Phase = models.PhaseError
	out.TypingStates = map[models.Sender]bool{}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// WithProgressTimes overlays elapsed/remaining playback time onto a snapshot.
// The percentage is always derived from the message index, not from time.
func WithProgressTimes(s models.PlaybackState, elapsed, remaining time.Duration) models.PlaybackState {
	out := cloneState(s)
	if elapsed < 0 {
		elapsed = 0
	}
	if remaining < 0 {
		remaining = 0
	}
	out.Progress.ElapsedTime = elapsed
	out.Progress.RemainingTime = remaining
	return out
}

func recomputeProgress(s models.PlaybackState) models.PlaybackState {
	total := s.TotalMessages()
	if total == 0 {
		s.Progress.CompletionPercentage = 0
		return s
	}
	pct := float64(s.CurrentMessageIndex) / float64(total) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	s.Progress.CompletionPercentage = pct
	return s
}

// cloneState deep-copies the snapshot so transforms never alias their input.
func cloneState(s models.PlaybackState) models.PlaybackState {
	out := s
	out.Conversation = s.Conversation.Clone()
	out.TypingStates = make(map[models.Sender]bool, len(s.TypingStates))
	for k, v := range s.TypingStates {
		out.TypingStates[k] = v
	}
	return out
}
