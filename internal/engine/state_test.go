package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

func loadedState(t *testing.T) models.PlaybackState {
	t.Helper()
	return Loaded(timelineConversation())
}

func TestDeriveConversationMintsStableIDs(t *testing.T) {
	conv := timelineConversation()
	if len(conv.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(conv.Messages))
	}
	seen := make(map[string]bool)
	for i, m := range conv.Messages {
		if m.ID == "" {
			t.Errorf("message %d has empty ID", i)
		}
		if seen[m.ID] {
			t.Errorf("duplicate message ID %s", m.ID)
		}
		seen[m.ID] = true
		if m.Status != models.MessageStatusSending {
			t.Errorf("message %d status = %s, want sending", i, m.Status)
		}
	}
	if conv.Messages[1].Timing.DelayBeforeTyping != time.Second {
		t.Errorf("delay not converted to duration: %v", conv.Messages[1].Timing.DelayBeforeTyping)
	}
}

func TestMarkStatusStampsTimes(t *testing.T) {
	s := loadedState(t)
	now := time.Now()

	s, err := MarkStatus(s, 0, models.MessageStatusSent, now)
	if err != nil {
		t.Fatalf("MarkStatus(sent) error = %v", err)
	}
	if s.Conversation.Messages[0].Timing.SentAt == nil {
		t.Error("SentAt not stamped")
	}

	s, err = MarkStatus(s, 0, models.MessageStatusDelivered, now)
	if err != nil {
		t.Fatalf("MarkStatus(delivered) error = %v", err)
	}
	s, err = MarkStatus(s, 0, models.MessageStatusRead, now)
	if err != nil {
		t.Fatalf("MarkStatus(read) error = %v", err)
	}
	msg := s.Conversation.Messages[0]
	if msg.Timing.DeliveredAt == nil || msg.Timing.ReadAt == nil {
		t.Error("receipt times not stamped")
	}
}

func TestMarkStatusRejectsIllegalTransition(t *testing.T) {
	s := loadedState(t)
	_, err := MarkStatus(s, 0, models.MessageStatusRead, time.Now())
	if !errors.Is(err, models.ErrInvalidStatusTransition) {
		t.Errorf("error = %v, want ErrInvalidStatusTransition", err)
	}
	// Input state untouched.
	if s.Conversation.Messages[0].Status != models.MessageStatusSending {
		t.Error("failed transition mutated input state")
	}
}

func TestTransformsDoNotAliasInput(t *testing.T) {
	s := loadedState(t)
	s2, err := MarkStatus(s, 0, models.MessageStatusSent, time.Now())
	if err != nil {
		t.Fatalf("MarkStatus() error = %v", err)
	}
	if s.Conversation.Messages[0].Status != models.MessageStatusSending {
		t.Error("transform mutated its input conversation")
	}
	if s2.Conversation == s.Conversation {
		t.Error("transform returned aliased conversation pointer")
	}
}

func TestAdvanceRecomputesProgress(t *testing.T) {
	s := loadedState(t)
	s, err := Advance(s, 2)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	want := float64(2) / 3 * 100
	if s.Progress.CompletionPercentage != want {
		t.Errorf("progress = %v, want %v", s.Progress.CompletionPercentage, want)
	}
	if _, err := Advance(s, 4); !errors.Is(err, models.ErrIndexOutOfRange) {
		t.Errorf("Advance(4) error = %v, want ErrIndexOutOfRange", err)
	}
	if _, err := Advance(s, -1); !errors.Is(err, models.ErrIndexOutOfRange) {
		t.Errorf("Advance(-1) error = %v, want ErrIndexOutOfRange", err)
	}
}

func TestCompletePinsProgress(t *testing.T) {
	s := Complete(loadedState(t))
	if s.Phase != models.PhaseCompleted {
		t.Errorf("phase = %s, want completed", s.Phase)
	}
	if s.Progress.CompletionPercentage != 100 {
		t.Errorf("progress = %v, want 100", s.Progress.CompletionPercentage)
	}
	if s.CurrentMessageIndex != 3 {
		t.Errorf("index = %d, want 3", s.CurrentMessageIndex)
	}
}

func TestStoppedParksAtLoadedWithoutAliasing(t *testing.T) {
	s := Complete(loadedState(t))
	out := Stopped(s)
	if out.Phase != models.PhaseLoaded {
		t.Errorf("phase = %s, want loaded", out.Phase)
	}
	if out.CurrentMessageIndex != s.CurrentMessageIndex {
		t.Errorf("index = %d, want %d", out.CurrentMessageIndex, s.CurrentMessageIndex)
	}
	if s.Phase != models.PhaseCompleted {
		t.Error("Stopped mutated its input snapshot")
	}
	if out.Conversation == s.Conversation {
		t.Error("Stopped returned aliased conversation pointer")
	}
}

func TestResetRewindsStatusesAndStamps(t *testing.T) {
	s := loadedState(t)
	now := time.Now()
	s, _ = MarkStatus(s, 0, models.MessageStatusSent, now)
	s, _ = MarkStatus(s, 0, models.MessageStatusDelivered, now)
	s, _ = Advance(s, 2)
	s = Complete(s)

	r := Reset(s)
	if r.Phase != models.PhaseLoaded {
		t.Errorf("phase after reset = %s, want loaded", r.Phase)
	}
	if r.CurrentMessageIndex != 0 {
		t.Errorf("index after reset = %d, want 0", r.CurrentMessageIndex)
	}
	for i, m := range r.Conversation.Messages {
		if m.Status != models.MessageStatusSending {
			t.Errorf("message %d status = %s, want sending", i, m.Status)
		}
		if m.Timing.SentAt != nil || m.Timing.DeliveredAt != nil || m.Timing.ReadAt != nil {
			t.Errorf("message %d stamps not cleared", i)
		}
	}
	// Message identity survives reset.
	if r.Conversation.Messages[0].ID != s.Conversation.Messages[0].ID {
		t.Error("reset changed message IDs")
	}
}

func TestResetIsIdempotent(t *testing.T) {
	s := Complete(loadedState(t))
	once := Reset(s)
	twice := Reset(once)
	if once.Phase != twice.Phase || once.CurrentMessageIndex != twice.CurrentMessageIndex {
		t.Error("double reset diverged from single reset")
	}
	if once.Progress != twice.Progress {
		t.Errorf("progress diverged: %+v vs %+v", once.Progress, twice.Progress)
	}
}

func TestFailCapturesError(t *testing.T) {
	s := Fail(loadedState(t), errors.New("boom"))
	if s.Phase != models.PhaseError {
		t.Errorf("phase = %s, want error", s.Phase)
	}
	if s.Error != "boom" {
		t.Errorf("error text = %q, want boom", s.Error)
	}
	if !s.HasError() {
		t.Error("HasError() = false")
	}
}

func TestSetSpeedValidation(t *testing.T) {
	s := loadedState(t)
	if _, err := SetSpeed(s, 9.0); !errors.Is(err, models.ErrInvalidSpeed) {
		t.Errorf("SetSpeed(9.0) error = %v, want ErrInvalidSpeed", err)
	}
	s2, err := SetSpeed(s, 0.5)
	if err != nil {
		t.Fatalf("SetSpeed(0.5) error = %v", err)
	}
	if s2.PlaybackSpeed != 0.5 {
		t.Errorf("speed = %v, want 0.5", s2.PlaybackSpeed)
	}
}
