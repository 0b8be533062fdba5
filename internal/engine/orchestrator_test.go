package engine_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/engine"
	"github.com/ReplayDeck/ReplayPipe/internal/models"
	"github.com/ReplayDeck/ReplayPipe/internal/testutil"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// sequentialIDs returns a deterministic ID source for replay comparisons.
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id_%03d", n)
	}
}

func newTestOrchestrator(t *testing.T, opts ...engine.Option) (*engine.Orchestrator, *testutil.FakeClock, *testutil.EventRecorder) {
	t.Helper()
	clock := testutil.NewFakeClock(testEpoch)
	all := append([]engine.Option{engine.WithClock(clock), engine.WithIDSource(sequentialIDs())}, opts...)
	orch := engine.NewOrchestrator(all...)
	t.Cleanup(func() { orch.Destroy() })
	rec := testutil.NewEventRecorder()
	if _, err := orch.Subscribe(rec.Handle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	return orch, clock, rec
}

func timelineTemplate() models.ConversationTemplate {
	return testutil.NewTemplate("sc_timeline",
		testutil.TimedMessage{Delay: 0, Typing: 1200},
		testutil.TimedMessage{Delay: 1000, Typing: 1200},
		testutil.TimedMessage{Delay: 500, Typing: 800},
	)
}

func mustLoad(t *testing.T, orch *engine.Orchestrator, tpl models.ConversationTemplate) {
	t.Helper()
	if err := orch.LoadConversation(tpl); err != nil {
		t.Fatalf("LoadConversation() error = %v", err)
	}
}

func TestPlaybackTimeline(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())
	if err := orch.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	clock.Advance(6 * time.Second)

	rec.AssertTypes(t, []models.EventType{
		models.EventConversationStarted,
		models.EventMessageTypingStarted, // m0 @ 0
		models.EventMessageSent,          // m0 @ 1200
		models.EventMessageDelivered,     // m0 @ 1600
		models.EventMessageTypingStarted, // m1 @ 2200
		models.EventMessageRead,          // m0 @ 2300
		models.EventMessageSent,          // m1 @ 3400
		models.EventMessageDelivered,     // m1 @ 3800
		models.EventMessageTypingStarted, // m2 @ 3900
		models.EventMessageRead,          // m1 @ 4500
		models.EventMessageSent,          // m2 @ 4700
		models.EventConversationCompleted,
		models.EventMessageDelivered, // m2 trails completion
		models.EventMessageRead,      // m2 trails completion
	})

	rec.AssertOffsets(t, models.EventMessageTypingStarted, []time.Duration{
		0, 2200 * time.Millisecond, 3900 * time.Millisecond,
	})
	rec.AssertOffsets(t, models.EventMessageSent, []time.Duration{
		1200 * time.Millisecond, 3400 * time.Millisecond, 4700 * time.Millisecond,
	})
	rec.AssertOffsets(t, models.EventConversationCompleted, []time.Duration{4700 * time.Millisecond})

	state := orch.CurrentState()
	if !state.IsCompleted() {
		t.Errorf("phase = %s, want completed", state.Phase)
	}
	if state.Progress.CompletionPercentage != 100 {
		t.Errorf("progress = %v, want 100", state.Progress.CompletionPercentage)
	}
	for i, m := range state.Conversation.Messages {
		if m.Status != models.MessageStatusRead {
			t.Errorf("message %d status = %s, want read", i, m.Status)
		}
	}
}

func TestSetSpeedMidTypingReschedules(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t)
	mustLoad(t, orch, testutil.NewTemplate("sc_speed",
		testutil.TimedMessage{Delay: 0, Typing: 1200},
	))
	if err := orch.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	clock.Advance(600 * time.Millisecond)
	if err := orch.SetSpeed(2.0); err != nil {
		t.Fatalf("SetSpeed() error = %v", err)
	}
	clock.Advance(300 * time.Millisecond)

	sent := rec.OfType(models.EventMessageSent)
	if len(sent) != 1 {
		t.Fatalf("sent events = %d, want 1", len(sent))
	}
	wantAt := testEpoch.Add(900 * time.Millisecond)
	if !sent[0].Timestamp.Equal(wantAt) {
		t.Errorf("sent at %v, want %v (600ms at 1x then 600ms remaining at 2x)", sent[0].Timestamp, wantAt)
	}
	if sent[0].Offset != 600*time.Millisecond {
		t.Errorf("sent offset = %v, want 600ms in 2x scripted time", sent[0].Offset)
	}
}

func TestSetSpeedRejectsOutOfRange(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())
	for _, speed := range []float64{0, 0.05, 5.5} {
		if err := orch.SetSpeed(speed); !errors.Is(err, models.ErrInvalidSpeed) {
			t.Errorf("SetSpeed(%v) error = %v, want ErrInvalidSpeed", speed, err)
		}
	}
	if got := orch.CurrentState().PlaybackSpeed; got != 1.0 {
		t.Errorf("speed after rejected calls = %v, want 1.0", got)
	}
}

func TestSpeedChangesPreserveSendOrder(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t)
	mustLoad(t, orch, testutil.NewTemplate("sc_speed_order",
		testutil.TimedMessage{Delay: 0, Typing: 1000},
		testutil.TimedMessage{Delay: 500, Typing: 1000},
		testutil.TimedMessage{Delay: 500, Typing: 1000},
		testutil.TimedMessage{Delay: 500, Typing: 1000},
	))
	if err := orch.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	// Swing the speed hard in both directions mid-run. Each rescale must keep
	// the remaining sends in schedule order.
	for _, step := range []struct {
		speed   float64
		advance time.Duration
	}{
		{5.0, 300 * time.Millisecond},
		{0.1, 20 * time.Second},
		{4.0, 400 * time.Millisecond},
		{1.0, time.Minute},
	} {
		if err := orch.SetSpeed(step.speed); err != nil {
			t.Fatalf("SetSpeed(%v) error = %v", step.speed, err)
		}
		clock.Advance(step.advance)
	}

	sent := rec.OfType(models.EventMessageSent)
	if len(sent) != 4 {
		t.Fatalf("sent events = %d, want 4", len(sent))
	}
	for i := 1; i < len(sent); i++ {
		if sent[i].MessageIndex <= sent[i-1].MessageIndex {
			t.Fatalf("sent index %d arrived after %d", sent[i].MessageIndex, sent[i-1].MessageIndex)
		}
	}
	if n := len(rec.OfType(models.EventConversationCompleted)); n != 1 {
		t.Errorf("completed events = %d, want 1", n)
	}
}

func TestPauseCancelsTimersAndResumes(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())
	orch.Play()

	// Pause mid-typing of the first message.
	clock.Advance(600 * time.Millisecond)
	if err := orch.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if n := orch.PendingTimerCount(); n != 0 {
		t.Fatalf("pending timers after pause = %d, want 0", n)
	}
	stopped := rec.OfType(models.EventMessageTypingStopped)
	if len(stopped) != 1 || stopped[0].MessageIndex != 0 {
		t.Fatalf("expected one typing_stopped for message 0, got %v", stopped)
	}

	// Arbitrary wall time passes while paused; nothing fires.
	before := len(rec.Events())
	clock.Advance(time.Hour)
	if len(rec.Events()) != before {
		t.Fatal("events emitted while paused")
	}

	// Resume re-announces typing and finishes the remaining 600ms.
	if err := orch.Play(); err != nil {
		t.Fatalf("Play() after pause error = %v", err)
	}
	restarted := rec.OfType(models.EventMessageTypingStarted)
	if len(restarted) != 2 {
		t.Fatalf("typing_started count after resume = %d, want 2", len(restarted))
	}
	clock.Advance(600 * time.Millisecond)
	sent := rec.OfType(models.EventMessageSent)
	if len(sent) != 1 || sent[0].MessageIndex != 0 {
		t.Fatalf("expected message 0 sent after resume, got %v", sent)
	}
}

func TestPauseRequiresPlaying(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())
	if err := orch.Pause(); !errors.Is(err, models.ErrNotPlaying) {
		t.Errorf("Pause() before play error = %v, want ErrNotPlaying", err)
	}
}

func TestResetCancelsEverythingAndIsIdempotent(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())
	orch.Play()
	clock.Advance(2 * time.Second)

	if err := orch.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := orch.Reset(); err != nil {
		t.Fatalf("second Reset() error = %v", err)
	}
	if n := orch.PendingTimerCount(); n != 0 {
		t.Errorf("pending timers after reset = %d, want 0", n)
	}
	if n := len(rec.OfType(models.EventConversationReset)); n != 2 {
		t.Errorf("reset events = %d, want 2 (one per call)", n)
	}

	state := orch.CurrentState()
	if state.Phase != models.PhaseLoaded || state.CurrentMessageIndex != 0 {
		t.Errorf("state after reset = %s/%d, want loaded/0", state.Phase, state.CurrentMessageIndex)
	}
	for i, m := range state.Conversation.Messages {
		if m.Status != models.MessageStatusSending {
			t.Errorf("message %d status = %s, want sending", i, m.Status)
		}
	}

	// Time passing after reset produces nothing.
	before := len(rec.Events())
	clock.Advance(time.Hour)
	if len(rec.Events()) != before {
		t.Error("cancelled timers fired after reset")
	}
}

func TestJumpForwardMarksSkippedWithoutTyping(t *testing.T) {
	orch, _, rec := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())

	if err := orch.JumpTo(2); err != nil {
		t.Fatalf("JumpTo(2) error = %v", err)
	}

	rec.AssertTypes(t, []models.EventType{
		models.EventMessageSent, models.EventMessageDelivered, models.EventMessageRead, // m0
		models.EventMessageSent, models.EventMessageDelivered, models.EventMessageRead, // m1
	})
	state := orch.CurrentState()
	if state.CurrentMessageIndex != 2 {
		t.Errorf("index = %d, want 2", state.CurrentMessageIndex)
	}
	for i := 0; i < 2; i++ {
		if got := state.Conversation.Messages[i].Status; got != models.MessageStatusRead {
			t.Errorf("message %d status = %s, want read", i, got)
		}
	}
	if got := state.Conversation.Messages[2].Status; got != models.MessageStatusSending {
		t.Errorf("message 2 status = %s, want sending", got)
	}
}

func TestJumpThenPlayResumesFromTarget(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())
	orch.JumpTo(2)
	rec.Reset()

	if err := orch.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	clock.Advance(3 * time.Second)

	rec.AssertTypes(t, []models.EventType{
		models.EventConversationStarted,
		models.EventMessageTypingStarted, // m2 only
		models.EventMessageSent,
		models.EventConversationCompleted,
		models.EventMessageDelivered,
		models.EventMessageRead,
	})
	// The last message keeps its scripted offsets.
	rec.AssertOffsets(t, models.EventMessageSent, []time.Duration{4700 * time.Millisecond})
}

func TestJumpWhilePlayingReschedules(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())
	orch.Play()
	clock.Advance(600 * time.Millisecond) // mid-typing m0

	if err := orch.JumpTo(2); err != nil {
		t.Fatalf("JumpTo(2) error = %v", err)
	}
	stopped := rec.OfType(models.EventMessageTypingStopped)
	if len(stopped) != 1 {
		t.Fatalf("typing_stopped count = %d, want 1", len(stopped))
	}

	// m2 typing starts immediately after the jump base, send 800ms later.
	rec.Reset()
	clock.Advance(800 * time.Millisecond)
	types := rec.Types()
	if len(types) < 2 || types[0] != models.EventMessageTypingStarted || types[1] != models.EventMessageSent {
		t.Fatalf("post-jump events = %v, want typing_started then sent", types)
	}
}

func TestJumpBackwardKeepsStatuses(t *testing.T) {
	orch, clock, _ := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())
	orch.Play()
	clock.Advance(6 * time.Second) // run to completion

	if err := orch.JumpTo(1); err != nil {
		t.Fatalf("JumpTo(1) error = %v", err)
	}
	state := orch.CurrentState()
	if state.CurrentMessageIndex != 1 {
		t.Errorf("index = %d, want 1", state.CurrentMessageIndex)
	}
	// Statuses are monotonic: a backward jump never rewinds them.
	for i, m := range state.Conversation.Messages {
		if m.Status != models.MessageStatusRead {
			t.Errorf("message %d status = %s, want read", i, m.Status)
		}
	}
}

func TestJumpOutOfRange(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())
	if err := orch.JumpTo(7); !errors.Is(err, models.ErrIndexOutOfRange) {
		t.Errorf("JumpTo(7) error = %v, want ErrIndexOutOfRange", err)
	}
	if err := orch.JumpTo(-1); !errors.Is(err, models.ErrIndexOutOfRange) {
		t.Errorf("JumpTo(-1) error = %v, want ErrIndexOutOfRange", err)
	}
}

func TestManualStepping(t *testing.T) {
	tpl := timelineTemplate()
	off := false
	tpl.Settings.AutoAdvance = &off

	orch, clock, rec := newTestOrchestrator(t)
	mustLoad(t, orch, tpl)
	if err := orch.Play(); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if n := orch.PendingTimerCount(); n != 0 {
		t.Fatalf("manual mode scheduled %d timers", n)
	}
	clock.Advance(time.Hour)
	if n := len(rec.OfType(models.EventMessageSent)); n != 0 {
		t.Fatalf("manual mode sent %d messages on its own", n)
	}

	for i := 0; i < 3; i++ {
		if err := orch.NextMessage(); err != nil {
			t.Fatalf("NextMessage() #%d error = %v", i+1, err)
		}
	}
	if n := len(rec.OfType(models.EventMessageSent)); n != 3 {
		t.Errorf("sent events after 3 steps = %d, want 3", n)
	}
	if n := len(rec.OfType(models.EventConversationCompleted)); n != 1 {
		t.Errorf("completed events = %d, want 1", n)
	}
	if err := orch.PreviousMessage(); err != nil {
		t.Fatalf("PreviousMessage() error = %v", err)
	}
	if got := orch.CurrentState().CurrentMessageIndex; got != 2 {
		t.Errorf("index after previous = %d, want 2", got)
	}
}

func TestPlayWhilePlayingIsNoop(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())
	orch.Play()
	clock.Advance(100 * time.Millisecond)
	if err := orch.Play(); err != nil {
		t.Fatalf("second Play() error = %v", err)
	}
	if n := len(rec.OfType(models.EventConversationStarted)); n != 1 {
		t.Errorf("started events = %d, want 1", n)
	}
}

func TestPlayFromCompletedRestartsRun(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t)
	mustLoad(t, orch, timelineTemplate())
	orch.Play()
	clock.Advance(6 * time.Second)
	rec.Reset()

	if err := orch.Play(); err != nil {
		t.Fatalf("Play() from completed error = %v", err)
	}
	clock.Advance(6 * time.Second)
	if n := len(rec.OfType(models.EventConversationReset)); n != 1 {
		t.Errorf("reset events = %d, want 1 (implicit reset)", n)
	}
	if n := len(rec.OfType(models.EventMessageSent)); n != 3 {
		t.Errorf("sent events in second run = %d, want 3", n)
	}
}

func TestPlayWithoutConversation(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	if err := orch.Play(); !errors.Is(err, models.ErrNoConversation) {
		t.Errorf("Play() error = %v, want ErrNoConversation", err)
	}
}

func TestDeterministicReplay(t *testing.T) {
	run := func() []models.ConversationEvent {
		clock := testutil.NewFakeClock(testEpoch)
		orch := engine.NewOrchestrator(engine.WithClock(clock), engine.WithIDSource(sequentialIDs()))
		defer orch.Destroy()
		rec := testutil.NewEventRecorder()
		orch.Subscribe(rec.Handle)
		orch.LoadConversation(timelineTemplate())
		orch.Play()
		clock.Advance(2 * time.Second)
		orch.SetSpeed(2.0)
		clock.Advance(500 * time.Millisecond)
		orch.Pause()
		clock.Advance(time.Minute)
		orch.Play()
		clock.Advance(10 * time.Second)
		return rec.Events()
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("replay lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Type != b[i].Type || a[i].MessageIndex != b[i].MessageIndex ||
			a[i].Offset != b[i].Offset || a[i].MessageID != b[i].MessageID ||
			!a[i].Timestamp.Equal(b[i].Timestamp) {
			t.Errorf("replay diverged at event %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestDestroyIsTerminal(t *testing.T) {
	clock := testutil.NewFakeClock(testEpoch)
	orch := engine.NewOrchestrator(engine.WithClock(clock), engine.WithIDSource(sequentialIDs()))
	rec := testutil.NewEventRecorder()
	orch.Subscribe(rec.Handle)
	orch.LoadConversation(timelineTemplate())
	orch.Play()
	clock.Advance(600 * time.Millisecond)

	if err := orch.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if n := orch.PendingTimerCount(); n != 0 {
		t.Errorf("pending timers after destroy = %d, want 0", n)
	}

	before := len(rec.Events())
	clock.Advance(time.Hour)
	if len(rec.Events()) != before {
		t.Error("destroyed engine emitted events")
	}

	if err := orch.Play(); !errors.Is(err, models.ErrEngineDisposed) {
		t.Errorf("Play() after destroy error = %v, want ErrEngineDisposed", err)
	}
	if err := orch.Destroy(); !errors.Is(err, models.ErrEngineDisposed) {
		t.Errorf("second Destroy() error = %v, want ErrEngineDisposed", err)
	}
}

func TestAutoRestartAfterCompletion(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t, engine.WithAutoRestart(2*time.Second))
	mustLoad(t, orch, timelineTemplate())
	orch.Play()
	clock.Advance(6 * time.Second)
	rec.Reset()

	clock.Advance(3 * time.Second)
	if n := len(rec.OfType(models.EventConversationReset)); n != 1 {
		t.Errorf("reset events after restart delay = %d, want 1", n)
	}
	if n := len(rec.OfType(models.EventConversationStarted)); n != 1 {
		t.Errorf("started events after restart delay = %d, want 1", n)
	}
	if !orch.CurrentState().IsPlaying() {
		t.Error("engine not playing after auto-restart")
	}
}

func TestAutoRestartCancelledByControlCall(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t, engine.WithAutoRestart(2*time.Second))
	mustLoad(t, orch, timelineTemplate())
	orch.Play()
	clock.Advance(6 * time.Second)

	if err := orch.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	rec.Reset()
	clock.Advance(time.Minute)
	if n := len(rec.Events()); n != 0 {
		t.Errorf("auto-restart fired after explicit reset: %v", rec.Types())
	}
}

func TestStepPastEndStaysCompleted(t *testing.T) {
	orch, clock, rec := newTestOrchestrator(t, engine.WithAutoRestart(time.Minute))
	mustLoad(t, orch, timelineTemplate())
	orch.Play()
	clock.Advance(6 * time.Second)

	if err := orch.NextMessage(); err != nil {
		t.Fatalf("NextMessage() at end error = %v", err)
	}
	if err := orch.JumpTo(orch.CurrentState().TotalMessages()); err != nil {
		t.Fatalf("JumpTo(end) error = %v", err)
	}

	if n := len(rec.OfType(models.EventConversationCompleted)); n != 1 {
		t.Errorf("completed events = %d, want 1", n)
	}
	state := orch.CurrentState()
	if !state.IsCompleted() {
		t.Errorf("phase = %s, want completed", state.Phase)
	}
	// Control calls cancel the pending auto-restart, and re-completing must
	// not arm a fresh one.
	if n := orch.PendingTimerCount(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
	rec.Reset()
	clock.Advance(time.Hour)
	if n := len(rec.Events()); n != 0 {
		t.Errorf("timers fired after stepping at the end: %v", rec.Types())
	}
}
