package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

// EventRecorder collects playback events for assertions. With a FakeClock all
// emission is synchronous, so no waiting primitives are needed.
type EventRecorder struct {
	mu     sync.Mutex
	events []models.ConversationEvent
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Handle is the engine.Handler to subscribe with.
func (r *EventRecorder) Handle(evt models.ConversationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of everything recorded so far.
func (r *EventRecorder) Events() []models.ConversationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ConversationEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Reset discards all recorded events.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Types returns the recorded event types in order.
func (r *EventRecorder) Types() []models.EventType {
	evts := r.Events()
	out := make([]models.EventType, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

// OfType returns the recorded events matching the given type, in order.
func (r *EventRecorder) OfType(t models.EventType) []models.ConversationEvent {
	var out []models.ConversationEvent
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// AssertTypes fails the test unless the recorded type sequence matches want
// exactly.
func (r *EventRecorder) AssertTypes(t *testing.T, want []models.EventType) {
	t.Helper()
	got := r.Types()
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d\ngot:  %v\nwant: %v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s\ngot:  %v\nwant: %v", i, got[i], want[i], got, want)
		}
	}
}

// AssertOffsets fails the test unless events of the given type were recorded
// at exactly the wanted offsets, in order.
func (r *EventRecorder) AssertOffsets(t *testing.T, typ models.EventType, want []time.Duration) {
	t.Helper()
	evts := r.OfType(typ)
	if len(evts) != len(want) {
		t.Fatalf("%s count = %d, want %d", typ, len(evts), len(want))
	}
	for i, e := range evts {
		if e.Offset != want[i] {
			t.Fatalf("%s[%d] offset = %v, want %v", typ, i, e.Offset, want[i])
		}
	}
}
