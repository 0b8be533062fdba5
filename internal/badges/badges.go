// Package badges awards educational badges as playback milestones are reached.
//
// A Tracker subscribes to a session's event stream and unlocks a badge the
// first time the message index named by its rule is sent. Awards are
// idempotent per rule; jumping backward and replaying a message never awards
// the same badge twice.
package badges

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

// Opts holds configuration options for a badge tracker.
type Opts struct {
	OnAward func(models.BadgeAward)
}

// Option defines a configuration option for a badge tracker.
type Option func(*Opts)

// WithAwardHandler registers a callback invoked once per unlocked badge, after
// the award is recorded. The callback runs on the event bus goroutine and must
// not block.
func WithAwardHandler(fn func(models.BadgeAward)) Option {
	return func(o *Opts) { o.OnAward = fn }
}

// Tracker observes one session's event stream and records badge awards.
type Tracker struct {
	sessionID string
	onAward   func(models.BadgeAward)

	mu       sync.Mutex
	byIndex  map[int][]models.BadgeRule
	unlocked map[string]bool
	awards   []models.BadgeAward
}

// NewTracker creates a badge tracker for the given session and rule set.
func NewTracker(sessionID string, rules []models.BadgeRule, opts ...Option) (*Tracker, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID cannot be empty")
	}
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	byIndex := make(map[int][]models.BadgeRule)
	seen := make(map[string]bool)
	for _, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("badge rule ID cannot be empty")
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("duplicate badge rule ID %s", rule.ID)
		}
		if rule.TriggerAtMessageIndex < 0 {
			return nil, fmt.Errorf("badge rule %s: trigger index cannot be negative", rule.ID)
		}
		seen[rule.ID] = true
		byIndex[rule.TriggerAtMessageIndex] = append(byIndex[rule.TriggerAtMessageIndex], rule)
	}

	return &Tracker{
		sessionID: sessionID,
		onAward:   cfg.OnAward,
		byIndex:   byIndex,
		unlocked:  make(map[string]bool),
	}, nil
}

// Handle is the event-bus subscriber. Only message.sent events can unlock
// badges; typing, receipt, and flow events carry no milestone semantics.
func (t *Tracker) Handle(evt models.ConversationEvent) {
	if evt.Type != models.EventMessageSent {
		return
	}

	t.mu.Lock()
	var fired []models.BadgeAward
	for _, rule := range t.byIndex[evt.MessageIndex] {
		if t.unlocked[rule.ID] {
			continue
		}
		t.unlocked[rule.ID] = true
		award := models.BadgeAward{
			RuleID:       rule.ID,
			SessionID:    t.sessionID,
			MessageIndex: evt.MessageIndex,
			AwardedAt:    evt.Timestamp,
		}
		t.awards = append(t.awards, award)
		fired = append(fired, award)
	}
	t.mu.Unlock()

	for _, award := range fired {
		slog.Info("Badge unlocked", "session_id", t.sessionID, "rule_id", award.RuleID, "message_index", award.MessageIndex)
		if t.onAward != nil {
			t.onAward(award)
		}
	}
}

// Awards returns the badges unlocked so far, in award order.
func (t *Tracker) Awards() []models.BadgeAward {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.BadgeAward, len(t.awards))
	copy(out, t.awards)
	return out
}

// Reset clears unlock state so a restarted run can earn badges again.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unlocked = make(map[string]bool)
	t.awards = nil
}
