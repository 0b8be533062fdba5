// Package models defines the core data structures for ReplayPipe.
//
// It includes conversation templates, derived messages, playback state,
// events, and flow types, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Sender identifies which side of the conversation authored a message.
type Sender string

const (
	// SenderUser is the simulated customer side of the conversation.
	SenderUser Sender = "user"
	// SenderBusiness is the simulated business side of the conversation.
	SenderBusiness Sender = "business"
)

// IsValidSender checks if the given sender is supported.
func IsValidSender(s Sender) bool {
	switch s {
	case SenderUser, SenderBusiness:
		return true
	default:
		return false
	}
}

// MessageType defines the rendered kind of a scripted message.
type MessageType string

const (
	// MessageTypeText is a plain text bubble.
	MessageTypeText MessageType = "text"
	// MessageTypeImage is an image bubble with a caption in Content.
	MessageTypeImage MessageType = "image"
	// MessageTypeDocument is a document attachment bubble.
	MessageTypeDocument MessageType = "document"
	// MessageTypeFlow is a message that opens an embedded multi-step form.
	MessageTypeFlow MessageType = "flow"
)

// IsValidMessageType checks if the given message type is supported.
func IsValidMessageType(mt MessageType) bool {
	switch mt {
	case MessageTypeText, MessageTypeImage, MessageTypeDocument, MessageTypeFlow:
		return true
	default:
		return false
	}
}

// Playback speed bounds and validation constants
const (
	// MinPlaybackSpeed is the slowest allowed playback speed multiplier.
	MinPlaybackSpeed = 0.1
	// MaxPlaybackSpeed is the fastest allowed playback speed multiplier.
	MaxPlaybackSpeed = 5.0
	// DefaultPlaybackSpeed is used when a template does not specify a speed.
	DefaultPlaybackSpeed = 1.0
	// MaxMessageContentLength defines the maximum allowed length for message content.
	MaxMessageContentLength = 4096
	// MaxScenarioMessages defines the maximum number of messages in one template.
	MaxScenarioMessages = 200
	// MaxScenarioTitleLength defines the maximum allowed length for a scenario title.
	MaxScenarioTitleLength = 200
	// MaxFlowSteps defines the maximum number of steps in an embedded flow.
	MaxFlowSteps = 20
	// DefaultDeliveredDelay is how long after send a message is marked delivered.
	DefaultDeliveredDelay = 400 * time.Millisecond
	// DefaultReadDelay is how long after send a message is marked read.
	DefaultReadDelay = 1100 * time.Millisecond
	// DefaultFlowTimeout is the max execution time for a triggered flow.
	DefaultFlowTimeout = 30 * time.Second
)

// Error variables for better error handling and testability
var (
	ErrInvalidSpeed            = errors.New("playback speed outside valid range")
	ErrInvalidStatusTransition = errors.New("invalid message status transition")
	ErrFlowTimeout             = errors.New("flow exceeded max execution time")
	ErrEngineDisposed          = errors.New("engine has been destroyed")
	ErrNoConversation          = errors.New("no conversation loaded")
	ErrNotPlayable             = errors.New("playback cannot start from current phase")
	ErrNotPlaying              = errors.New("playback is not active")
	ErrIndexOutOfRange         = errors.New("message index out of range")
	ErrFlowNotFound            = errors.New("flow token not found")
	ErrFlowNotActive           = errors.New("flow is not active")
	ErrEmptyScenarioID         = errors.New("scenario id cannot be empty")
	ErrEmptyScenarioTitle      = errors.New("scenario title cannot be empty")
	ErrScenarioTitleTooLong    = errors.New("scenario title exceeds maximum length")
	ErrNoMessages              = errors.New("scenario must contain at least one message")
	ErrTooManyMessages         = errors.New("scenario exceeds maximum message count")
	ErrInvalidSender           = errors.New("invalid message sender")
	ErrInvalidMessageType      = errors.New("invalid message type")
	ErrEmptyContent            = errors.New("message content cannot be empty")
	ErrContentTooLong          = errors.New("message content exceeds maximum length")
	ErrNegativeDelay           = errors.New("timing values cannot be negative")
	ErrMissingFlowDefinition   = errors.New("flow message requires a flow definition")
	ErrEmptyFlowID             = errors.New("flow id cannot be empty")
	ErrNoFlowSteps             = errors.New("flow must contain at least one step")
	ErrTooManyFlowSteps        = errors.New("flow exceeds maximum step count")
)

// IsValidSpeed reports whether speed is inside the supported playback range.
func IsValidSpeed(speed float64) bool {
	return speed >= MinPlaybackSpeed && speed <= MaxPlaybackSpeed
}

// TemplateMetadata describes the identity of a scripted conversation.
type TemplateMetadata struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	BusinessName  string `json:"business_name"`
	BusinessPhone string `json:"business_phone,omitempty"`
	UserPhone     string `json:"user_phone,omitempty"`
	Language      string `json:"language,omitempty"`
}

// ScenarioMessage is one scripted message inside a conversation template.
// Timing fields are milliseconds of scripted (speed 1.0) time.
type ScenarioMessage struct {
	Sender            Sender          `json:"sender"`
	Type              MessageType     `json:"type"`
	Content           string          `json:"content"`
	DelayBeforeTyping int64           `json:"delay_before_typing"`
	TypingDuration    int64           `json:"typing_duration"`
	Flow              *FlowDefinition `json:"flow,omitempty"`
}

// TemplateSettings carries playback defaults declared by the template author.
type TemplateSettings struct {
	PlaybackSpeed        float64 `json:"playback_speed,omitempty"`
	AutoAdvance          *bool   `json:"auto_advance,omitempty"`
	ShowTypingIndicators *bool   `json:"show_typing_indicators,omitempty"`
	DeliveredDelay       int64   `json:"delivered_delay,omitempty"`
	ReadDelay            int64   `json:"read_delay,omitempty"`
}

// EffectiveSpeed returns the template's playback speed, or the default when unset.
func (s TemplateSettings) EffectiveSpeed() float64 {
	if s.PlaybackSpeed == 0 {
		return DefaultPlaybackSpeed
	}
	return s.PlaybackSpeed
}

// AutoAdvanceEnabled reports whether timers drive playback (default true).
func (s TemplateSettings) AutoAdvanceEnabled() bool {
	return s.AutoAdvance == nil || *s.AutoAdvance
}

// TypingIndicatorsEnabled reports whether typing events are emitted (default true).
func (s TemplateSettings) TypingIndicatorsEnabled() bool {
	return s.ShowTypingIndicators == nil || *s.ShowTypingIndicators
}

// EffectiveDeliveredDelay returns the post-send delivered offset at speed 1.0.
func (s TemplateSettings) EffectiveDeliveredDelay() time.Duration {
	if s.DeliveredDelay <= 0 {
		return DefaultDeliveredDelay
	}
	return time.Duration(s.DeliveredDelay) * time.Millisecond
}

// EffectiveReadDelay returns the post-send read offset at speed 1.0.
func (s TemplateSettings) EffectiveReadDelay() time.Duration {
	if s.ReadDelay <= 0 {
		return DefaultReadDelay
	}
	return time.Duration(s.ReadDelay) * time.Millisecond
}

// ConversationTemplate is the declarative script consumed by the playback engine.
// Templates are immutable input: the engine derives Messages from them and never
// writes back.
type ConversationTemplate struct {
	Metadata TemplateMetadata  `json:"metadata"`
	Messages []ScenarioMessage `json:"messages"`
	Settings TemplateSettings  `json:"settings"`
}

// Validate performs comprehensive validation on a ConversationTemplate.
func (t *ConversationTemplate) Validate() error {
	if t.Metadata.ID == "" {
		return ErrEmptyScenarioID
	}
	if t.Metadata.Title == "" {
		return ErrEmptyScenarioTitle
	}
	if len(t.Metadata.Title) > MaxScenarioTitleLength {
		return ErrScenarioTitleTooLong
	}
	if len(t.Messages) == 0 {
		return ErrNoMessages
	}
	if len(t.Messages) > MaxScenarioMessages {
		return ErrTooManyMessages
	}
	if t.Settings.PlaybackSpeed != 0 && !IsValidSpeed(t.Settings.PlaybackSpeed) {
		return ErrInvalidSpeed
	}
	for i := range t.Messages {
		if err := t.Messages[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a single scripted message.
func (m *ScenarioMessage) Validate() error {
	if !IsValidSender(m.Sender) {
		return ErrInvalidSender
	}
	if !IsValidMessageType(m.Type) {
		return ErrInvalidMessageType
	}
	if m.Content == "" {
		return ErrEmptyContent
	}
	if len(m.Content) > MaxMessageContentLength {
		return ErrContentTooLong
	}
	if m.DelayBeforeTyping < 0 || m.TypingDuration < 0 {
		return ErrNegativeDelay
	}
	if m.Type == MessageTypeFlow {
		if m.Flow == nil {
			return ErrMissingFlowDefinition
		}
		return m.Flow.Validate()
	}
	return nil
}
