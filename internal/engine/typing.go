// Package engine provides the typing-state tracker.
package engine

import "github.com/ReplayDeck/ReplayPipe/internal/models"

// TypingTracker derives "who is typing now" purely from the event stream. It
// owns no timers: typing duration is enforced upstream by the playback timers,
// never re-timed here.
type TypingTracker struct {
	states map[models.Sender]bool
}

// NewTypingTracker creates an empty tracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{states: make(map[models.Sender]bool)}
}

// Apply folds one event into the typing state.
func (t *TypingTracker) Apply(evt models.ConversationEvent) {
	switch evt.Type {
	case models.EventMessageTypingStarted:
		t.states[evt.Sender] = true
	case models.EventMessageTypingStopped, models.EventMessageSent:
		delete(t.states, evt.Sender)
	case models.EventConversationReset, models.EventConversationCompleted, models.EventConversationError:
		t.states = make(map[models.Sender]bool)
	}
}

// IsTyping reports whether the given sender is currently typing.
func (t *TypingTracker) IsTyping(sender models.Sender) bool {
	return t.states[sender]
}

// Snapshot returns a copy of the current typing map.
func (t *TypingTracker) Snapshot() map[models.Sender]bool {
	out := make(map[models.Sender]bool, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}
