// Package models defines message entities derived from conversation templates.
package models

import "time"

// MessageStatus represents the delivery status of a replayed message.
type MessageStatus string

const (
	// MessageStatusSending indicates the message is queued but not yet sent.
	MessageStatusSending MessageStatus = "sending"
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// validStatusTransitions is the closed transition table for message statuses.
// Anything not listed here is a programming error, not a recoverable failure.
var validStatusTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusSending:   {MessageStatusSent, MessageStatusFailed},
	MessageStatusSent:      {MessageStatusDelivered, MessageStatusFailed},
	MessageStatusDelivered: {MessageStatusRead},
	MessageStatusFailed:    {MessageStatusSending},
}

// CanTransitionStatus reports whether from -> to is a legal status change.
func CanTransitionStatus(from, to MessageStatus) bool {
	for _, allowed := range validStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// MessageTiming holds per-message timing metadata. Scripted fields are fixed at
// load time; stamp fields mutate monotonically forward (never backward except
// on reset).
type MessageTiming struct {
	QueueAt           time.Time     `json:"queue_at"`
	DelayBeforeTyping time.Duration `json:"delay_before_typing"`
	TypingDuration    time.Duration `json:"typing_duration"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `json:"read_at,omitempty"`
}

// Message is a single replayable message derived from a ScenarioMessage.
// Identity is stable once derived; timing and status are owned by the
// orchestrator.
type Message struct {
	ID      string          `json:"id"`
	Sender  Sender          `json:"sender"`
	Type    MessageType     `json:"type"`
	Content string          `json:"content"`
	Timing  MessageTiming   `json:"timing"`
	Status  MessageStatus   `json:"status"`
	Flow    *FlowDefinition `json:"flow,omitempty"`
}

// Conversation is the engine's working copy of a loaded template.
type Conversation struct {
	Metadata TemplateMetadata `json:"metadata"`
	Messages []Message        `json:"messages"`
	Settings TemplateSettings `json:"settings"`
}

// Clone returns a deep copy of the conversation so snapshots stay immutable.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := &Conversation{
		Metadata: c.Metadata,
		Settings: c.Settings,
		Messages: make([]Message, len(c.Messages)),
	}
	copy(out.Messages, c.Messages)
	for i := range out.Messages {
		out.Messages[i].Timing.SentAt = cloneTime(c.Messages[i].Timing.SentAt)
		out.Messages[i].Timing.DeliveredAt = cloneTime(c.Messages[i].Timing.DeliveredAt)
		out.Messages[i].Timing.ReadAt = cloneTime(c.Messages[i].Timing.ReadAt)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
