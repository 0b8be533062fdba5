// Package engine provides schedule computation for conversation playback.
package engine

import (
	"fmt"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

// PhaseKind identifies one scheduled phase transition of a message.
type PhaseKind string

const (
	// PhaseTypingStart fires when a sender begins typing a message.
	PhaseTypingStart PhaseKind = "typing_start"
	// PhaseSend fires when the message is sent.
	PhaseSend PhaseKind = "send"
	// PhaseDelivered fires when the message is marked delivered.
	PhaseDelivered PhaseKind = "delivered"
	// PhaseRead fires when the message is marked read.
	PhaseRead PhaseKind = "read"
)

// ScheduledPhase is one wall-clock-relative milestone in the playback run.
// Offset is measured from the start of playback at the speed the schedule was
// computed for.
type ScheduledPhase struct {
	Kind         PhaseKind
	MessageIndex int
	Offset       time.Duration
}

// ComputeSchedule converts a conversation into the ordered list of scheduled
// phase offsets for the given speed. For message i the typing-start offset is
// the cumulative completion of message i-1 plus delayBeforeTyping/speed, and
// the send offset adds typingDuration/speed. The linear chaining keeps
// messages strictly ordered. Receipt offsets trail each send by the
// template's delivered/read delays, also divided by speed.
func ComputeSchedule(conv *models.Conversation, speed float64) ([]ScheduledPhase, error) {
	if conv == nil {
		return nil, models.ErrNoConversation
	}
	if !models.IsValidSpeed(speed) {
		return nil, fmt.Errorf("compute schedule: %w", models.ErrInvalidSpeed)
	}

	deliveredDelay := scale(conv.Settings.EffectiveDeliveredDelay(), speed)
	readDelay := scale(conv.Settings.EffectiveReadDelay(), speed)

	phases := make([]ScheduledPhase, 0, len(conv.Messages)*4)
	var cursor time.Duration
	for i := range conv.Messages {
		msg := &conv.Messages[i]
		typingStart := cursor + scale(msg.Timing.DelayBeforeTyping, speed)
		send := typingStart + scale(msg.Timing.TypingDuration, speed)

		phases = append(phases,
			ScheduledPhase{Kind: PhaseTypingStart, MessageIndex: i, Offset: typingStart},
			ScheduledPhase{Kind: PhaseSend, MessageIndex: i, Offset: send},
			ScheduledPhase{Kind: PhaseDelivered, MessageIndex: i, Offset: send + deliveredDelay},
			ScheduledPhase{Kind: PhaseRead, MessageIndex: i, Offset: send + readDelay},
		)
		cursor = send
	}
	return phases, nil
}

// ScheduleDuration returns the send offset of the final message, which is the
// point playback reports completion. Receipt phases may trail it.
func ScheduleDuration(phases []ScheduledPhase) time.Duration {
	var last time.Duration
	for _, p := range phases {
		if p.Kind == PhaseSend && p.Offset > last {
			last = p.Offset
		}
	}
	return last
}

// PhaseOffset returns the offset of the given phase kind for a message index,
// or false when the schedule has no such phase.
func PhaseOffset(phases []ScheduledPhase, index int, kind PhaseKind) (time.Duration, bool) {
	for _, p := range phases {
		if p.MessageIndex == index && p.Kind == kind {
			return p.Offset, true
		}
	}
	return 0, false
}

func scale(d time.Duration, speed float64) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) / speed)
}
