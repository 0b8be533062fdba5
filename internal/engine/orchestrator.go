// Package engine provides the conversation playback orchestrator.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
	"github.com/ReplayDeck/ReplayPipe/internal/util"
	"github.com/google/uuid"
)

// Opts holds configuration options for an Orchestrator.
type Opts struct {
	Clock       Clock
	FlowTimeout time.Duration
	AutoRestart time.Duration
	NewID       func() string
}

// Option defines a configuration option for an Orchestrator.
type Option func(*Opts)

// WithClock injects a Clock. Tests pass a fake clock here.
func WithClock(c Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithFlowTimeout overrides the max execution time for triggered flows.
func WithFlowTimeout(d time.Duration) Option {
	return func(o *Opts) { o.FlowTimeout = d }
}

// WithAutoRestart schedules reset-and-play the given delay after completion.
// Any explicit control call cancels the pending restart.
func WithAutoRestart(delay time.Duration) Option {
	return func(o *Opts) { o.AutoRestart = delay }
}

// WithIDSource injects the generator used for message IDs and flow tokens.
func WithIDSource(fn func() string) Option {
	return func(o *Opts) { o.NewID = fn }
}

// pendingPhase tracks one scheduled, not-yet-fired phase timer.
type pendingPhase struct {
	phase ScheduledPhase
	dueAt time.Time
	timer Timer
}

// resumePhase records the remaining offset of a cancelled timer so play can
// resume without skipping or re-firing completed phases.
type resumePhase struct {
	phase     ScheduledPhase
	remaining time.Duration
}

// Orchestrator composes the state transforms, schedule computation, event bus,
// and typing tracker behind one control surface. It is the only entry point
// external collaborators use.
//
// Every control call and every timer callback is serialized through one mutex,
// which gives the single-logical-tick semantics the event contract requires.
type Orchestrator struct {
	mu    sync.Mutex
	clock Clock
	opts  Opts

	bus    *Bus
	typing *TypingTracker

	state    models.PlaybackState
	schedule []ScheduledPhase

	// Timer bookkeeping. epoch invalidates callbacks of cancelled timers
	// that already fired but have not run yet, so cancellation is total and
	// immediate from the caller's perspective.
	epoch       int64
	nextTimerID int64
	pending     map[int64]*pendingPhase
	resumable   []resumePhase

	// playStartedAt anchors baseOffset to the wall clock while playing.
	playStartedAt time.Time
	baseOffset    time.Duration

	// typingIndex is the message currently inside its typing window, -1 if none.
	typingIndex int

	activeFlow   *models.FlowState
	flowTimer    Timer
	flowHistory  []models.FlowState
	restartTimer Timer

	disposed bool
}

// NewOrchestrator creates an idle orchestrator. The owner must call Destroy
// exactly once when done with it.
func NewOrchestrator(opts ...Option) *Orchestrator {
	cfg := Opts{
		Clock:       NewSystemClock(),
		FlowTimeout: models.DefaultFlowTimeout,
		NewID:       func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Orchestrator created", "flow_timeout", cfg.FlowTimeout, "auto_restart", cfg.AutoRestart)
	return &Orchestrator{
		clock:       cfg.Clock,
		opts:        cfg,
		bus:         NewBus(),
		typing:      NewTypingTracker(),
		state:       NewIdleState(),
		pending:     make(map[int64]*pendingPhase),
		typingIndex: -1,
	}
}

// Subscribe attaches a handler to the playback event stream. Handlers run
// synchronously on the tick that produced the event and must not call control
// methods of this orchestrator.
func (o *Orchestrator) Subscribe(h Handler) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return func() {}, models.ErrEngineDisposed
	}
	return o.bus.Subscribe(h), nil
}

// LoadConversation derives messages from the template and replaces any prior
// conversation. On an already-playing orchestrator this is observably cancel
// timers, reset, then load; the caller decides whether to play afterwards.
func (o *Orchestrator) LoadConversation(tpl models.ConversationTemplate) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return models.ErrEngineDisposed
	}
	if err := tpl.Validate(); err != nil {
		slog.Warn("Orchestrator.LoadConversation: template validation failed", "error", err, "scenario_id", tpl.Metadata.ID)
		return err
	}

	o.cancelAllLocked()
	if o.state.Conversation != nil {
		o.state = Reset(o.state)
		o.emitLocked(models.ConversationEvent{Type: models.EventConversationReset, MessageIndex: -1})
	}

	conv := DeriveConversation(tpl, o.opts.NewID)
	speed := tpl.Settings.EffectiveSpeed()
	schedule, err := ComputeSchedule(conv, speed)
	if err != nil {
		return err
	}
	o.state = Loaded(conv)
	o.schedule = schedule
	o.baseOffset = 0
	slog.Info("Orchestrator conversation loaded", "scenario_id", tpl.Metadata.ID, "messages", len(conv.Messages), "speed", speed)
	return nil
}

// Play starts or resumes playback. Valid from Loaded, Paused, and Completed
// (implicit reset-then-play). Calling Play while already playing is a no-op.
func (o *Orchestrator) Play() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return models.ErrEngineDisposed
	}
	o.cancelRestartLocked()

	switch o.state.Phase {
	case models.PhasePlaying:
		slog.Debug("Orchestrator.Play: already playing")
		return nil
	case models.PhaseLoaded:
		return o.startRunLocked()
	case models.PhasePaused:
		return o.resumeLocked()
	case models.PhaseCompleted:
		o.resetLocked()
		return o.startRunLocked()
	case models.PhaseIdle:
		return models.ErrNoConversation
	default:
		return fmt.Errorf("play from %s: %w", o.state.Phase, models.ErrNotPlayable)
	}
}

// Pause suspends playback, recording the remaining offset of every pending
// timer so a later Play resumes without skipping or re-firing phases.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return models.ErrEngineDisposed
	}
	o.cancelRestartLocked()
	if o.state.Phase != models.PhasePlaying {
		return fmt.Errorf("pause from %s: %w", o.state.Phase, models.ErrNotPlaying)
	}

	now := o.clock.Now()
	position := o.baseOffset + now.Sub(o.playStartedAt)
	o.resumable = o.resumable[:0]
	for _, entry := range o.pending {
		entry.timer.Stop()
		remaining := entry.dueAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		o.resumable = append(o.resumable, resumePhase{phase: entry.phase, remaining: remaining})
	}
	o.pending = make(map[int64]*pendingPhase)
	o.epoch++
	sortResumable(o.resumable)

	if o.typingIndex >= 0 && o.indicatorsEnabledLocked() {
		msg := o.state.Conversation.Messages[o.typingIndex]
		o.emitLocked(models.ConversationEvent{
			Type:         models.EventMessageTypingStopped,
			MessageIndex: o.typingIndex,
			MessageID:    msg.ID,
			Sender:       msg.Sender,
			Offset:       position,
		})
	}

	o.baseOffset = position
	o.state = Paused(o.state)
	slog.Info("Orchestrator paused", "position", position, "resumable", len(o.resumable))
	return nil
}

// Reset cancels all timers and rewinds to index 0 without discarding the
// conversation. Reset is idempotent: two calls in a row produce identical
// state, each emitting one conversation.reset event.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return models.ErrEngineDisposed
	}
	o.resetLocked()
	return nil
}

// SetSpeed changes playback speed. While paused the stored remaining offsets
// are rescaled by oldSpeed/newSpeed; while playing all pending timers are
// cancelled and rescheduled with rescaled remaining durations, preserving
// message order.
func (o *Orchestrator) SetSpeed(speed float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return models.ErrEngineDisposed
	}
	o.cancelRestartLocked()
	if o.state.Conversation == nil {
		return models.ErrNoConversation
	}

	oldSpeed := o.state.PlaybackSpeed
	next, err := SetSpeed(o.state, speed)
	if err != nil {
		return err
	}
	o.state = next
	ratio := oldSpeed / speed

	schedule, err := ComputeSchedule(o.state.Conversation, speed)
	if err != nil {
		return err
	}
	o.schedule = schedule

	switch o.state.Phase {
	case models.PhasePlaying:
		now := o.clock.Now()
		elapsed := now.Sub(o.playStartedAt)
		o.baseOffset = time.Duration(float64(o.baseOffset+elapsed) * ratio)
		o.playStartedAt = now

		entries := o.drainPendingLocked()
		for _, entry := range entries {
			remaining := entry.dueAt.Sub(now)
			if remaining < 0 {
				remaining = 0
			}
			phase := entry.phase
			phase.Offset = time.Duration(float64(phase.Offset) * ratio)
			o.schedulePhaseLocked(phase, time.Duration(float64(remaining)*ratio))
		}
	case models.PhasePaused:
		o.baseOffset = time.Duration(float64(o.baseOffset) * ratio)
		for i := range o.resumable {
			o.resumable[i].remaining = time.Duration(float64(o.resumable[i].remaining) * ratio)
			o.resumable[i].phase.Offset = time.Duration(float64(o.resumable[i].phase.Offset) * ratio)
		}
	default:
		// Loaded or Completed: keep a seek-set base aligned with the new
		// schedule so a later play starts from the right offset.
		o.baseOffset = time.Duration(float64(o.baseOffset) * ratio)
	}
	slog.Info("Orchestrator speed changed", "old", oldSpeed, "new", speed, "phase", o.state.Phase)
	return nil
}

// JumpTo seeks playback to the given message index. Messages before it are
// synchronously marked delivered and read with no typing events replayed; if
// the engine was playing it resumes scheduling from that point.
func (o *Orchestrator) JumpTo(index int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return models.ErrEngineDisposed
	}
	o.cancelRestartLocked()
	return o.jumpLocked(index)
}

// NextMessage seeks one message forward. In manual mode (autoAdvance off)
// this is the primary way to step through the conversation.
func (o *Orchestrator) NextMessage() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return models.ErrEngineDisposed
	}
	o.cancelRestartLocked()
	if o.state.Conversation == nil {
		return models.ErrNoConversation
	}
	target := o.state.CurrentMessageIndex + 1
	if target > o.state.TotalMessages() {
		target = o.state.TotalMessages()
	}
	return o.jumpLocked(target)
}

// PreviousMessage seeks one message backward. Message statuses never move
// backward, so this only repositions the index.
func (o *Orchestrator) PreviousMessage() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return models.ErrEngineDisposed
	}
	o.cancelRestartLocked()
	if o.state.Conversation == nil {
		return models.ErrNoConversation
	}
	target := o.state.CurrentMessageIndex - 1
	if target < 0 {
		target = 0
	}
	return o.jumpLocked(target)
}

// SubmitFlowResult completes the active flow identified by token.
func (o *Orchestrator) SubmitFlowResult(token string, result map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return models.ErrEngineDisposed
	}
	if o.activeFlow == nil || o.activeFlow.FlowToken != token {
		return models.ErrFlowNotFound
	}
	if !o.activeFlow.IsActive() {
		return models.ErrFlowNotActive
	}
	o.finishFlowLocked(models.FlowStatusCompleted, result, "")
	return nil
}

// CancelFlow cancels the active flow identified by token and reports it as
// failed. Main playback is unaffected.
func (o *Orchestrator) CancelFlow(token string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return models.ErrEngineDisposed
	}
	if o.activeFlow == nil || o.activeFlow.FlowToken != token {
		return models.ErrFlowNotFound
	}
	if !o.activeFlow.IsActive() {
		return models.ErrFlowNotActive
	}
	o.finishFlowLocked(models.FlowStatusCancelled, nil, "flow cancelled")
	return nil
}

// CurrentState returns an immutable snapshot of the playback state.
func (o *Orchestrator) CurrentState() models.PlaybackState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// ActiveFlow returns a copy of the currently active flow state, or nil.
func (o *Orchestrator) ActiveFlow() *models.FlowState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeFlow == nil {
		return nil
	}
	cp := *o.activeFlow
	return &cp
}

// FlowHistory returns the finished flow states in completion order.
func (o *Orchestrator) FlowHistory() []models.FlowState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.FlowState, len(o.flowHistory))
	copy(out, o.flowHistory)
	return out
}

// PendingTimerCount reports the number of live timers. It is zero after
// Pause, Reset, and Destroy; ghost timers firing after cancellation are a
// defect this counter exists to catch.
func (o *Orchestrator) PendingTimerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	count := len(o.pending)
	if o.flowTimer != nil {
		count++
	}
	if o.restartTimer != nil {
		count++
	}
	return count
}

// Destroy tears down all timers and the subscriber list. It must be called
// exactly once; any control call after Destroy fails with ErrEngineDisposed.
func (o *Orchestrator) Destroy() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return models.ErrEngineDisposed
	}
	o.cancelAllLocked()
	o.disposed = true
	o.bus.Close()
	o.state = NewIdleState()
	slog.Info("Orchestrator destroyed")
	return nil
}

// --- internal, lock held ---

func (o *Orchestrator) startRunLocked() error {
	if o.state.Conversation == nil {
		return models.ErrNoConversation
	}
	o.state = Playing(o.state)
	o.playStartedAt = o.clock.Now()
	o.typingIndex = -1
	o.emitLocked(models.ConversationEvent{Type: models.EventConversationStarted, MessageIndex: -1, Offset: o.baseOffset})

	if !o.autoAdvanceLocked() {
		slog.Debug("Orchestrator.Play: manual stepping mode, no timers scheduled")
		return nil
	}
	// baseOffset is zero for a fresh run and the seek base after a jump, so
	// scheduling the remainder covers both.
	o.scheduleRemainderLocked(o.state.CurrentMessageIndex, o.baseOffset)
	if len(o.pending) == 0 {
		// Every message already played, e.g. play after a backward seek on
		// a finished run.
		o.completeLocked(ScheduleDuration(o.schedule))
		return nil
	}
	slog.Info("Orchestrator playback started", "index", o.state.CurrentMessageIndex, "pending", len(o.pending))
	return nil
}

func (o *Orchestrator) resumeLocked() error {
	now := o.clock.Now()
	o.state = Playing(o.state)
	o.playStartedAt = now

	for _, r := range o.resumable {
		o.schedulePhaseLocked(r.phase, r.remaining)
	}
	o.resumable = o.resumable[:0]

	// Re-announce typing if we paused mid-typing-window.
	if o.typingIndex >= 0 && o.indicatorsEnabledLocked() {
		msg := o.state.Conversation.Messages[o.typingIndex]
		o.emitLocked(models.ConversationEvent{
			Type:         models.EventMessageTypingStarted,
			MessageIndex: o.typingIndex,
			MessageID:    msg.ID,
			Sender:       msg.Sender,
			Offset:       o.baseOffset,
		})
	}
	slog.Info("Orchestrator playback resumed", "position", o.baseOffset, "pending", len(o.pending))
	return nil
}

func (o *Orchestrator) resetLocked() {
	o.cancelAllLocked()
	o.state = Reset(o.state)
	o.baseOffset = 0
	o.typingIndex = -1
	if o.state.Conversation != nil {
		schedule, err := ComputeSchedule(o.state.Conversation, o.state.PlaybackSpeed)
		if err == nil {
			o.schedule = schedule
		}
	}
	o.emitLocked(models.ConversationEvent{Type: models.EventConversationReset, MessageIndex: -1, Offset: 0})
	slog.Debug("Orchestrator reset")
}

func (o *Orchestrator) jumpLocked(index int) error {
	if o.state.Conversation == nil {
		return models.ErrNoConversation
	}
	if o.state.Phase == models.PhaseError {
		return fmt.Errorf("seek from %s: %w", o.state.Phase, models.ErrNotPlayable)
	}
	total := o.state.TotalMessages()
	if index < 0 || index > total {
		return fmt.Errorf("jump to %d: %w", index, models.ErrIndexOutOfRange)
	}

	wasPlaying := o.state.Phase == models.PhasePlaying
	wasPaused := o.state.Phase == models.PhasePaused
	wasCompleted := o.state.Phase == models.PhaseCompleted

	// Total cancellation before the synchronous seek; an in-progress flow
	// belongs to a message position we are leaving, so it is dropped silently.
	if o.typingIndex >= 0 && o.indicatorsEnabledLocked() {
		msg := o.state.Conversation.Messages[o.typingIndex]
		o.emitLocked(models.ConversationEvent{
			Type:         models.EventMessageTypingStopped,
			MessageIndex: o.typingIndex,
			MessageID:    msg.ID,
			Sender:       msg.Sender,
			Offset:       o.positionLocked(),
		})
	}
	o.cancelPhaseTimersLocked()
	o.cancelFlowLocked()
	o.typingIndex = -1
	o.resumable = o.resumable[:0]

	// Mark skipped messages delivered and read, replaying send/receipt events
	// but never typing events.
	for i := 0; i < index; i++ {
		if err := o.fastForwardMessageLocked(i); err != nil {
			o.failLocked(err)
			return err
		}
	}

	next, err := Seek(o.state, index)
	if err != nil {
		return err
	}
	o.state = next

	if index == total {
		if wasCompleted {
			// Already at the end. Completing again would emit a duplicate
			// event and arm a fresh auto-restart timer.
			o.baseOffset = ScheduleDuration(o.schedule)
			return nil
		}
		o.completeLocked(ScheduleDuration(o.schedule))
		return nil
	}

	base, ok := PhaseOffset(o.schedule, index, PhaseTypingStart)
	if !ok {
		base = ScheduleDuration(o.schedule)
	}
	o.baseOffset = base

	switch {
	case wasPlaying && o.autoAdvanceLocked():
		o.playStartedAt = o.clock.Now()
		o.scheduleRemainderLocked(index, base)
	case wasPlaying:
		// Manual mode keeps playing without timers.
	case wasPaused:
		o.stashRemainderLocked(index, base)
	default:
		// Loaded or Completed: stay stopped at the new position. A later
		// Play starts the run from here.
		o.state = Stopped(o.state)
	}
	slog.Info("Orchestrator seeked", "index", index, "was_playing", wasPlaying)
	return nil
}

// fastForwardMessageLocked walks one message's status forward to read,
// emitting the send and receipt events that represent the skip.
func (o *Orchestrator) fastForwardMessageLocked(i int) error {
	now := o.clock.Now()
	msg := &o.state.Conversation.Messages[i]
	sendOffset, _ := PhaseOffset(o.schedule, i, PhaseSend)

	type step struct {
		status models.MessageStatus
		event  models.EventType
	}
	var steps []step
	switch msg.Status {
	case models.MessageStatusSending:
		steps = []step{
			{models.MessageStatusSent, models.EventMessageSent},
			{models.MessageStatusDelivered, models.EventMessageDelivered},
			{models.MessageStatusRead, models.EventMessageRead},
		}
	case models.MessageStatusSent:
		steps = []step{
			{models.MessageStatusDelivered, models.EventMessageDelivered},
			{models.MessageStatusRead, models.EventMessageRead},
		}
	case models.MessageStatusDelivered:
		steps = []step{{models.MessageStatusRead, models.EventMessageRead}}
	default:
		return nil
	}

	for _, st := range steps {
		next, err := MarkStatus(o.state, i, st.status, now)
		if err != nil {
			return err
		}
		o.state = next
		m := o.state.Conversation.Messages[i]
		o.emitLocked(models.ConversationEvent{
			Type:         st.event,
			MessageIndex: i,
			MessageID:    m.ID,
			Sender:       m.Sender,
			Offset:       sendOffset,
		})
	}
	return nil
}

// scheduleRemainderLocked schedules every phase at or past index whose message
// has not fired yet, offset relative to the seek base.
func (o *Orchestrator) scheduleRemainderLocked(index int, base time.Duration) {
	for _, phase := range o.schedule {
		if phase.MessageIndex < index {
			continue
		}
		if o.state.Conversation.Messages[phase.MessageIndex].Status != models.MessageStatusSending {
			continue
		}
		delay := phase.Offset - base
		if delay < 0 {
			delay = 0
		}
		o.schedulePhaseLocked(phase, delay)
	}
}

// stashRemainderLocked rebuilds the paused resume list after a seek.
func (o *Orchestrator) stashRemainderLocked(index int, base time.Duration) {
	for _, phase := range o.schedule {
		if phase.MessageIndex < index {
			continue
		}
		if o.state.Conversation.Messages[phase.MessageIndex].Status != models.MessageStatusSending {
			continue
		}
		remaining := phase.Offset - base
		if remaining < 0 {
			remaining = 0
		}
		o.resumable = append(o.resumable, resumePhase{phase: phase, remaining: remaining})
	}
	sortResumable(o.resumable)
}

func (o *Orchestrator) schedulePhaseLocked(phase ScheduledPhase, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	epoch := o.epoch
	o.nextTimerID++
	id := o.nextTimerID
	entry := &pendingPhase{phase: phase, dueAt: o.clock.Now().Add(delay)}
	o.pending[id] = entry
	entry.timer = o.clock.AfterFunc(delay, func() {
		o.firePhase(epoch, id)
	})
}

func (o *Orchestrator) firePhase(epoch, id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed || epoch != o.epoch {
		return
	}
	entry, ok := o.pending[id]
	if !ok {
		return
	}
	delete(o.pending, id)

	defer func() {
		if r := recover(); r != nil {
			o.failLocked(fmt.Errorf("phase callback panicked: %v", r))
		}
	}()
	if err := o.applyPhaseLocked(entry.phase); err != nil {
		o.failLocked(err)
	}
}

func (o *Orchestrator) applyPhaseLocked(phase ScheduledPhase) error {
	msg := o.state.Conversation.Messages[phase.MessageIndex]

	switch phase.Kind {
	case PhaseTypingStart:
		next, err := Advance(o.state, phase.MessageIndex)
		if err != nil {
			return err
		}
		o.state = next
		o.typingIndex = phase.MessageIndex
		if o.indicatorsEnabledLocked() {
			o.emitLocked(models.ConversationEvent{
				Type:         models.EventMessageTypingStarted,
				MessageIndex: phase.MessageIndex,
				MessageID:    msg.ID,
				Sender:       msg.Sender,
				Offset:       phase.Offset,
			})
		}

	case PhaseSend:
		next, err := MarkStatus(o.state, phase.MessageIndex, models.MessageStatusSent, o.clock.Now())
		if err != nil {
			return err
		}
		o.state = next
		o.typingIndex = -1
		o.emitLocked(models.ConversationEvent{
			Type:         models.EventMessageSent,
			MessageIndex: phase.MessageIndex,
			MessageID:    msg.ID,
			Sender:       msg.Sender,
			Offset:       phase.Offset,
		})
		if msg.Flow != nil {
			o.triggerFlowLocked(msg, phase.MessageIndex, phase.Offset)
		}
		if phase.MessageIndex == o.state.TotalMessages()-1 {
			o.completeLocked(phase.Offset)
		}

	case PhaseDelivered:
		if msg.Status != models.MessageStatusSent {
			return nil
		}
		next, err := MarkStatus(o.state, phase.MessageIndex, models.MessageStatusDelivered, o.clock.Now())
		if err != nil {
			return err
		}
		o.state = next
		o.emitLocked(models.ConversationEvent{
			Type:         models.EventMessageDelivered,
			MessageIndex: phase.MessageIndex,
			MessageID:    msg.ID,
			Sender:       msg.Sender,
			Offset:       phase.Offset,
		})

	case PhaseRead:
		if msg.Status != models.MessageStatusDelivered {
			return nil
		}
		next, err := MarkStatus(o.state, phase.MessageIndex, models.MessageStatusRead, o.clock.Now())
		if err != nil {
			return err
		}
		o.state = next
		o.emitLocked(models.ConversationEvent{
			Type:         models.EventMessageRead,
			MessageIndex: phase.MessageIndex,
			MessageID:    msg.ID,
			Sender:       msg.Sender,
			Offset:       phase.Offset,
		})
	}
	return nil
}

func (o *Orchestrator) completeLocked(offset time.Duration) {
	o.state = Complete(o.state)
	o.typingIndex = -1
	o.baseOffset = offset
	o.emitLocked(models.ConversationEvent{Type: models.EventConversationCompleted, MessageIndex: -1, Offset: offset})
	slog.Info("Orchestrator conversation completed", "offset", offset)

	if o.opts.AutoRestart > 0 {
		epoch := o.epoch
		o.restartTimer = o.clock.AfterFunc(o.opts.AutoRestart, func() {
			o.autoRestart(epoch)
		})
	}
}

func (o *Orchestrator) autoRestart(epoch int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed || epoch != o.epoch || o.restartTimer == nil {
		return
	}
	o.restartTimer = nil
	if o.state.Phase != models.PhaseCompleted {
		return
	}
	slog.Info("Orchestrator auto-restarting")
	o.resetLocked()
	if err := o.startRunLocked(); err != nil {
		o.failLocked(err)
	}
}

func (o *Orchestrator) triggerFlowLocked(msg models.Message, index int, offset time.Duration) {
	token := o.opts.NewID()
	o.activeFlow = &models.FlowState{
		FlowID:       msg.Flow.ID,
		FlowToken:    token,
		MessageIndex: index,
		Status:       models.FlowStatusActive,
		StartTime:    o.clock.Now(),
	}
	o.emitLocked(models.ConversationEvent{
		Type:         models.EventFlowTriggered,
		MessageIndex: index,
		MessageID:    msg.ID,
		Sender:       msg.Sender,
		FlowID:       msg.Flow.ID,
		FlowToken:    token,
		Offset:       offset,
	})

	// The flow timeout runs on its own wall clock, independent of playback
	// speed, pause state, and the phase timer epoch. The token comparison in
	// the callback is the cancellation guard.
	o.flowTimer = o.clock.AfterFunc(o.opts.FlowTimeout, func() {
		o.flowTimedOut(token)
	})
	slog.Debug("Orchestrator flow triggered", "flow_id", msg.Flow.ID, "token", token, "timeout", o.opts.FlowTimeout)
}

func (o *Orchestrator) flowTimedOut(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return
	}
	if o.activeFlow == nil || o.activeFlow.FlowToken != token || !o.activeFlow.IsActive() {
		return
	}
	slog.Warn("Orchestrator flow timed out", "flow_id", o.activeFlow.FlowID, "token", token)
	o.finishFlowLocked(models.FlowStatusTimedOut, nil, models.ErrFlowTimeout.Error())
}

func (o *Orchestrator) finishFlowLocked(status models.FlowStatus, result map[string]string, errMsg string) {
	if o.flowTimer != nil {
		o.flowTimer.Stop()
		o.flowTimer = nil
	}
	flow := o.activeFlow
	now := o.clock.Now()
	flow.Status = status
	flow.EndTime = &now
	flow.Result = result
	o.flowHistory = append(o.flowHistory, *flow)
	o.activeFlow = nil

	evtType := models.EventFlowCompleted
	if status != models.FlowStatusCompleted {
		evtType = models.EventFlowFailed
	}
	o.emitLocked(models.ConversationEvent{
		Type:         evtType,
		MessageIndex: flow.MessageIndex,
		FlowID:       flow.FlowID,
		FlowToken:    flow.FlowToken,
		Offset:       o.positionLocked(),
		Error:        errMsg,
	})
	slog.Info("Orchestrator flow finished", "flow_id", flow.FlowID, "status", status)
}

// cancelFlowLocked drops the active flow without emitting an event. Used by
// reset, seek, load, and destroy, where the flow's message position itself is
// being discarded.
func (o *Orchestrator) cancelFlowLocked() {
	if o.flowTimer != nil {
		o.flowTimer.Stop()
		o.flowTimer = nil
	}
	if o.activeFlow != nil {
		now := o.clock.Now()
		o.activeFlow.Status = models.FlowStatusCancelled
		o.activeFlow.EndTime = &now
		o.flowHistory = append(o.flowHistory, *o.activeFlow)
		o.activeFlow = nil
	}
}

func (o *Orchestrator) cancelPhaseTimersLocked() {
	for _, entry := range o.pending {
		entry.timer.Stop()
	}
	o.pending = make(map[int64]*pendingPhase)
	o.epoch++
}

func (o *Orchestrator) cancelRestartLocked() {
	if o.restartTimer != nil {
		o.restartTimer.Stop()
		o.restartTimer = nil
	}
}

func (o *Orchestrator) cancelAllLocked() {
	o.cancelPhaseTimersLocked()
	o.cancelFlowLocked()
	o.cancelRestartLocked()
	o.resumable = o.resumable[:0]
	o.typingIndex = -1
}

func (o *Orchestrator) failLocked(err error) {
	slog.Error("Orchestrator playback failed", "error", err)
	o.cancelAllLocked()
	o.state = Fail(o.state, err)
	o.emitLocked(models.ConversationEvent{
		Type:         models.EventConversationError,
		MessageIndex: -1,
		Offset:       o.baseOffset,
		Error:        err.Error(),
	})
}

func (o *Orchestrator) emitLocked(evt models.ConversationEvent) {
	if o.state.Conversation != nil {
		evt.ConversationID = o.state.Conversation.Metadata.ID
	}
	evt.Timestamp = o.clock.Now()
	o.typing.Apply(evt)
	o.bus.Emit(evt)
}

func (o *Orchestrator) snapshotLocked() models.PlaybackState {
	s := o.state
	out := s
	out.Conversation = s.Conversation.Clone()
	out.TypingStates = o.typing.Snapshot()

	total := ScheduleDuration(o.schedule)
	elapsed := o.positionLocked()
	if elapsed > total {
		elapsed = total
	}
	return WithProgressTimes(out, elapsed, total-elapsed)
}

func (o *Orchestrator) positionLocked() time.Duration {
	switch o.state.Phase {
	case models.PhasePlaying:
		return o.baseOffset + o.clock.Now().Sub(o.playStartedAt)
	case models.PhaseCompleted:
		return ScheduleDuration(o.schedule)
	default:
		return o.baseOffset
	}
}

func (o *Orchestrator) drainPendingLocked() []*pendingPhase {
	entries := make([]*pendingPhase, 0, len(o.pending))
	for _, entry := range o.pending {
		entry.timer.Stop()
		entries = append(entries, entry)
	}
	o.pending = make(map[int64]*pendingPhase)
	o.epoch++
	sortPending(entries)
	return entries
}

func (o *Orchestrator) autoAdvanceLocked() bool {
	return o.state.Conversation != nil && o.state.Conversation.Settings.AutoAdvanceEnabled()
}

func (o *Orchestrator) indicatorsEnabledLocked() bool {
	return o.state.Conversation != nil && o.state.Conversation.Settings.TypingIndicatorsEnabled()
}

func sortResumable(rs []resumePhase) {
	sortStable(len(rs), func(a, b int) bool {
		if rs[a].remaining != rs[b].remaining {
			return rs[a].remaining < rs[b].remaining
		}
		return rs[a].phase.MessageIndex < rs[b].phase.MessageIndex
	}, func(a, b int) { rs[a], rs[b] = rs[b], rs[a] })
}

func sortPending(ps []*pendingPhase) {
	sortStable(len(ps), func(a, b int) bool {
		if !ps[a].dueAt.Equal(ps[b].dueAt) {
			return ps[a].dueAt.Before(ps[b].dueAt)
		}
		return ps[a].phase.MessageIndex < ps[b].phase.MessageIndex
	}, func(a, b int) { ps[a], ps[b] = ps[b], ps[a] })
}

// sortStable is a small insertion sort; pending sets are tiny and this keeps
// equal-offset phases in message order.
func sortStable(n int, less func(a, b int) bool, swap func(a, b int)) {
	for i := 1; i < n; i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			swap(j, j-1)
		}
	}
}

// NewMessageID mints a message ID in the engine's default format. Exposed for
// collaborators that pre-derive messages outside an orchestrator.
func NewMessageID() string {
	return util.GenerateMessageID()
}
