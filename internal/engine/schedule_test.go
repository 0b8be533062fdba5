package engine

import (
	"testing"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

func timelineConversation() *models.Conversation {
	tpl := models.ConversationTemplate{
		Metadata: models.TemplateMetadata{ID: "sc_timeline", Title: "Timeline"},
		Messages: []models.ScenarioMessage{
			{Sender: models.SenderBusiness, Type: models.MessageTypeText, Content: "hi", DelayBeforeTyping: 0, TypingDuration: 1200},
			{Sender: models.SenderUser, Type: models.MessageTypeText, Content: "hello", DelayBeforeTyping: 1000, TypingDuration: 1200},
			{Sender: models.SenderBusiness, Type: models.MessageTypeText, Content: "bye", DelayBeforeTyping: 500, TypingDuration: 800},
		},
	}
	n := 0
	return DeriveConversation(tpl, func() string { n++; return "m" + string(rune('0'+n)) })
}

func TestComputeScheduleLinearChaining(t *testing.T) {
	conv := timelineConversation()
	phases, err := ComputeSchedule(conv, 1.0)
	if err != nil {
		t.Fatalf("ComputeSchedule() error = %v", err)
	}

	wantTyping := []time.Duration{0, 2200 * time.Millisecond, 3900 * time.Millisecond}
	wantSend := []time.Duration{1200 * time.Millisecond, 3400 * time.Millisecond, 4700 * time.Millisecond}
	for i := range wantTyping {
		got, ok := PhaseOffset(phases, i, PhaseTypingStart)
		if !ok || got != wantTyping[i] {
			t.Errorf("typing offset[%d] = %v, want %v", i, got, wantTyping[i])
		}
		got, ok = PhaseOffset(phases, i, PhaseSend)
		if !ok || got != wantSend[i] {
			t.Errorf("send offset[%d] = %v, want %v", i, got, wantSend[i])
		}
	}
	if d := ScheduleDuration(phases); d != 4700*time.Millisecond {
		t.Errorf("ScheduleDuration() = %v, want 4.7s", d)
	}
}

func TestComputeScheduleReceiptOffsets(t *testing.T) {
	conv := timelineConversation()
	phases, err := ComputeSchedule(conv, 1.0)
	if err != nil {
		t.Fatalf("ComputeSchedule() error = %v", err)
	}
	// Default receipts: delivered trails send by 400ms, read by 1100ms.
	delivered, _ := PhaseOffset(phases, 0, PhaseDelivered)
	read, _ := PhaseOffset(phases, 0, PhaseRead)
	if delivered != 1600*time.Millisecond {
		t.Errorf("delivered offset = %v, want 1.6s", delivered)
	}
	if read != 2300*time.Millisecond {
		t.Errorf("read offset = %v, want 2.3s", read)
	}
	// Final message receipts trail the completion point.
	lastRead, _ := PhaseOffset(phases, 2, PhaseRead)
	if lastRead <= ScheduleDuration(phases) {
		t.Errorf("final read %v should trail completion %v", lastRead, ScheduleDuration(phases))
	}
}

func TestComputeScheduleSpeedScaling(t *testing.T) {
	conv := timelineConversation()
	phases, err := ComputeSchedule(conv, 2.0)
	if err != nil {
		t.Fatalf("ComputeSchedule() error = %v", err)
	}
	send, _ := PhaseOffset(phases, 2, PhaseSend)
	if send != 2350*time.Millisecond {
		t.Errorf("send offset at 2x = %v, want 2.35s", send)
	}
	delivered, _ := PhaseOffset(phases, 0, PhaseDelivered)
	if delivered != 800*time.Millisecond {
		t.Errorf("delivered offset at 2x = %v, want 800ms", delivered)
	}
}

func TestComputeScheduleRejectsInvalidSpeed(t *testing.T) {
	conv := timelineConversation()
	for _, speed := range []float64{0, 0.05, 5.1, -1} {
		if _, err := ComputeSchedule(conv, speed); err == nil {
			t.Errorf("ComputeSchedule(speed=%v) expected error", speed)
		}
	}
}

func TestComputeScheduleNilConversation(t *testing.T) {
	if _, err := ComputeSchedule(nil, 1.0); err != models.ErrNoConversation {
		t.Errorf("ComputeSchedule(nil) error = %v, want ErrNoConversation", err)
	}
}
