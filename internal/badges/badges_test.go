package badges

import (
	"testing"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

func testRules() []models.BadgeRule {
	return []models.BadgeRule{
		{ID: "first-reply", Title: "First reply", TriggerAtMessageIndex: 1},
		{ID: "closer", Title: "Conversation closer", TriggerAtMessageIndex: 2},
	}
}

func sentAt(index int, ts time.Time) models.ConversationEvent {
	return models.ConversationEvent{Type: models.EventMessageSent, MessageIndex: index, Timestamp: ts}
}

func TestTrackerAwardsOnMatchingIndex(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, err := NewTracker("s_1", testRules())
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	tr.Handle(sentAt(0, ts))
	if got := tr.Awards(); len(got) != 0 {
		t.Fatalf("awards after index 0 = %d, want 0", len(got))
	}

	tr.Handle(sentAt(1, ts))
	awards := tr.Awards()
	if len(awards) != 1 {
		t.Fatalf("awards after index 1 = %d, want 1", len(awards))
	}
	if awards[0].RuleID != "first-reply" || awards[0].SessionID != "s_1" || !awards[0].AwardedAt.Equal(ts) {
		t.Errorf("award = %+v", awards[0])
	}
}

func TestTrackerAwardsOncePerRule(t *testing.T) {
	tr, err := NewTracker("s_1", testRules())
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	// Backward jump replays the same send.
	tr.Handle(sentAt(1, time.Now()))
	tr.Handle(sentAt(1, time.Now()))
	if got := tr.Awards(); len(got) != 1 {
		t.Errorf("awards after replay = %d, want 1", len(got))
	}
}

func TestTrackerIgnoresNonSentEvents(t *testing.T) {
	tr, err := NewTracker("s_1", testRules())
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	tr.Handle(models.ConversationEvent{Type: models.EventMessageTypingStarted, MessageIndex: 1})
	tr.Handle(models.ConversationEvent{Type: models.EventMessageDelivered, MessageIndex: 1})
	tr.Handle(models.ConversationEvent{Type: models.EventMessageRead, MessageIndex: 1})
	if got := tr.Awards(); len(got) != 0 {
		t.Errorf("awards from non-sent events = %d, want 0", len(got))
	}
}

func TestTrackerAwardHandler(t *testing.T) {
	var handled []models.BadgeAward
	tr, err := NewTracker("s_1", testRules(), WithAwardHandler(func(a models.BadgeAward) {
		handled = append(handled, a)
	}))
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	tr.Handle(sentAt(2, time.Now()))
	if len(handled) != 1 || handled[0].RuleID != "closer" {
		t.Errorf("handler calls = %+v, want one for closer", handled)
	}
}

func TestTrackerResetReArmsRules(t *testing.T) {
	tr, err := NewTracker("s_1", testRules())
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	tr.Handle(sentAt(1, time.Now()))
	tr.Reset()
	if got := tr.Awards(); len(got) != 0 {
		t.Fatalf("awards after reset = %d, want 0", len(got))
	}
	tr.Handle(sentAt(1, time.Now()))
	if got := tr.Awards(); len(got) != 1 {
		t.Errorf("awards after re-run = %d, want 1", len(got))
	}
}

func TestNewTrackerValidation(t *testing.T) {
	if _, err := NewTracker("", testRules()); err == nil {
		t.Error("empty session ID accepted")
	}
	dup := []models.BadgeRule{
		{ID: "x", TriggerAtMessageIndex: 0},
		{ID: "x", TriggerAtMessageIndex: 1},
	}
	if _, err := NewTracker("s_1", dup); err == nil {
		t.Error("duplicate rule ID accepted")
	}
	neg := []models.BadgeRule{{ID: "y", TriggerAtMessageIndex: -1}}
	if _, err := NewTracker("s_1", neg); err == nil {
		t.Error("negative trigger index accepted")
	}
}
