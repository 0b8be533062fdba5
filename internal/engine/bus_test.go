package engine

import (
	"testing"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	var order []string
	b.Subscribe(func(models.ConversationEvent) { order = append(order, "first") })
	b.Subscribe(func(models.ConversationEvent) { order = append(order, "second") })
	b.Subscribe(func(models.ConversationEvent) { order = append(order, "third") })

	b.Emit(models.ConversationEvent{Type: models.EventConversationStarted})

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("delivered to %d subscribers, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("delivery[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()
	count := 0
	unsub := b.Subscribe(func(models.ConversationEvent) { count++ })

	b.Emit(models.ConversationEvent{Type: models.EventConversationStarted})
	unsub()
	b.Emit(models.ConversationEvent{Type: models.EventConversationStarted})

	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
	// Double unsubscribe is harmless.
	unsub()
}

func TestBusRecoversPanickingSubscriber(t *testing.T) {
	b := NewBus()
	delivered := false
	b.Subscribe(func(models.ConversationEvent) { panic("subscriber bug") })
	b.Subscribe(func(models.ConversationEvent) { delivered = true })

	b.Emit(models.ConversationEvent{Type: models.EventMessageSent})

	if !delivered {
		t.Error("panicking subscriber broke delivery to later subscribers")
	}
}

func TestBusClose(t *testing.T) {
	b := NewBus()
	count := 0
	b.Subscribe(func(models.ConversationEvent) { count++ })
	b.Close()
	b.Emit(models.ConversationEvent{Type: models.EventMessageSent})
	if count != 0 {
		t.Errorf("closed bus delivered %d events", count)
	}
}
