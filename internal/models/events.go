// Package models defines the playback event stream types.
package models

import "time"

// EventType identifies one kind of playback event. The set is closed: every
// observable milestone of the engine maps to exactly one of these tags.
type EventType string

const (
	// EventConversationStarted fires when playback begins from Loaded.
	EventConversationStarted EventType = "conversation.started"
	// EventConversationCompleted fires when the final message is sent.
	EventConversationCompleted EventType = "conversation.completed"
	// EventConversationReset fires on every reset call.
	EventConversationReset EventType = "conversation.reset"
	// EventConversationError fires when playback fails and timers are cancelled.
	EventConversationError EventType = "conversation.error"
	// EventMessageTypingStarted fires when a sender begins typing.
	EventMessageTypingStarted EventType = "message.typing_started"
	// EventMessageTypingStopped fires when typing stops without a send (pause).
	EventMessageTypingStopped EventType = "message.typing_stopped"
	// EventMessageSent fires when a message's send offset elapses.
	EventMessageSent EventType = "message.sent"
	// EventMessageDelivered fires when a message is marked delivered.
	EventMessageDelivered EventType = "message.delivered"
	// EventMessageRead fires when a message is marked read.
	EventMessageRead EventType = "message.read"
	// EventFlowTriggered fires when a flow message reaches its send offset.
	EventFlowTriggered EventType = "flow.triggered"
	// EventFlowCompleted fires when a flow result is submitted.
	EventFlowCompleted EventType = "flow.completed"
	// EventFlowFailed fires when a flow times out or is cancelled with an error.
	EventFlowFailed EventType = "flow.failed"
)

// IsValidEventType checks if the given event type is part of the closed set.
func IsValidEventType(et EventType) bool {
	switch et {
	case EventConversationStarted, EventConversationCompleted, EventConversationReset,
		EventConversationError, EventMessageTypingStarted, EventMessageTypingStopped,
		EventMessageSent, EventMessageDelivered, EventMessageRead,
		EventFlowTriggered, EventFlowCompleted, EventFlowFailed:
		return true
	default:
		return false
	}
}

// ConversationEvent is one immutable entry in the playback event stream.
// Payloads are value snapshots; subscribers must not retain or mutate
// references into engine state. MessageIndex is -1 for conversation-level
// events. Offset is scripted playback time from the start of the run, which
// makes two runs of the same template comparable tick for tick.
type ConversationEvent struct {
	Type           EventType     `json:"type"`
	ConversationID string        `json:"conversation_id"`
	MessageIndex   int           `json:"message_index"`
	MessageID      string        `json:"message_id,omitempty"`
	Sender         Sender        `json:"sender,omitempty"`
	FlowID         string        `json:"flow_id,omitempty"`
	FlowToken      string        `json:"flow_token,omitempty"`
	Offset         time.Duration `json:"offset"`
	Timestamp      time.Time     `json:"timestamp"`
	Error          string        `json:"error,omitempty"`
}
