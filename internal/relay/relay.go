// Package relay forwards replayed messages to a real WhatsApp recipient so a
// running demo can be watched on an actual phone. It consumes the playback
// event stream read-only; playback is never affected by relay outcomes.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

// Default delivery tuning.
const (
	// DefaultQueueSize bounds the outbound buffer; events past it are dropped.
	DefaultQueueSize = 64
	// DefaultSendTimeout bounds one delivery attempt.
	DefaultSendTimeout = 10 * time.Second
)

// Service delivers one text message to an external recipient. Implemented by
// the whatsapp and twiliowhatsapp clients and by test mocks.
type Service interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Binding forwards one session's message.sent events to a recipient through a
// Service. Delivery runs on its own goroutine: the event handler only
// enqueues, so a slow or failing channel can never stall playback timers.
type Binding struct {
	svc      Service
	to       string
	messages []models.Message

	queue chan string
	stop  chan struct{}
	done  sync.WaitGroup

	mu      sync.Mutex
	dropped int
	sent    int
}

// NewBinding creates a relay binding for the given conversation snapshot.
// Message content is resolved from the snapshot by index; conversations are
// immutable after load, so the snapshot stays valid for the session lifetime.
func NewBinding(svc Service, to string, conv *models.Conversation) (*Binding, error) {
	if svc == nil {
		return nil, fmt.Errorf("relay service cannot be nil")
	}
	if to == "" {
		return nil, fmt.Errorf("relay recipient cannot be empty")
	}
	if conv == nil {
		return nil, fmt.Errorf("relay conversation cannot be nil")
	}
	b := &Binding{
		svc:      svc,
		to:       to,
		messages: conv.Clone().Messages,
		queue:    make(chan string, DefaultQueueSize),
		stop:     make(chan struct{}),
	}
	b.done.Add(1)
	go b.deliver()
	slog.Info("Relay binding attached", "to", to, "messages", len(b.messages))
	return b, nil
}

// Handle is the event-bus subscriber. Only message.sent events are forwarded;
// typing, receipt, and flow events have no off-device representation.
func (b *Binding) Handle(evt models.ConversationEvent) {
	if evt.Type != models.EventMessageSent {
		return
	}
	if evt.MessageIndex < 0 || evt.MessageIndex >= len(b.messages) {
		return
	}
	msg := b.messages[evt.MessageIndex]
	body := formatBody(msg)

	select {
	case b.queue <- body:
	default:
		b.mu.Lock()
		b.dropped++
		dropped := b.dropped
		b.mu.Unlock()
		slog.Warn("Relay queue full, message dropped", "to", b.to, "message_index", evt.MessageIndex, "dropped_total", dropped)
	}
}

func (b *Binding) deliver() {
	defer b.done.Done()
	for {
		select {
		case body := <-b.queue:
			ctx, cancel := context.WithTimeout(context.Background(), DefaultSendTimeout)
			err := b.svc.SendMessage(ctx, b.to, body)
			cancel()
			if err != nil {
				slog.Error("Relay delivery failed", "error", err, "to", b.to)
				continue
			}
			b.mu.Lock()
			b.sent++
			b.mu.Unlock()
		case <-b.stop:
			return
		}
	}
}

// Stats reports delivered and dropped message counts.
func (b *Binding) Stats() (sent, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent, b.dropped
}

// Close stops the delivery goroutine. Queued but undelivered messages are
// discarded; a relay is best-effort by design.
func (b *Binding) Close() {
	close(b.stop)
	b.done.Wait()
	slog.Info("Relay binding detached", "to", b.to)
}

// formatBody renders one replayed message for off-device delivery.
func formatBody(msg models.Message) string {
	prefix := "Customer"
	if msg.Sender == models.SenderBusiness {
		prefix = "Business"
	}
	switch msg.Type {
	case models.MessageTypeImage:
		return fmt.Sprintf("[%s, image] %s", prefix, msg.Content)
	case models.MessageTypeDocument:
		return fmt.Sprintf("[%s, document] %s", prefix, msg.Content)
	case models.MessageTypeFlow:
		return fmt.Sprintf("[%s, interactive] %s", prefix, msg.Content)
	default:
		return fmt.Sprintf("[%s] %s", prefix, msg.Content)
	}
}
