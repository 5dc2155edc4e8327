// Package pipeline runs the per-room interview loop: it reacts to room
// lifecycle events by starting and stopping audio extraction, turns each
// finalized utterance into an AI reply, and speaks the reply back into the
// room.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/interviewer/internal/convo"
	"github.com/zulandar/interviewer/internal/llm"
	"github.com/zulandar/interviewer/internal/media"
	"github.com/zulandar/interviewer/internal/stt"
	"github.com/zulandar/interviewer/internal/tts"
	"go.uber.org/zap"
)

// Timeout and fallback defaults.
const (
	DefaultGenerateTimeout   = 20 * time.Second
	DefaultSynthesizeTimeout = 30 * time.Second
	DefaultInjectTimeout     = 10 * time.Second
	DefaultFallbackReply     = "I apologize, I'm having some technical difficulties. Could you please repeat that?"
)

// Bridge is the media room surface the orchestrator drives.
type Bridge interface {
	StartAudioExtraction(ctx context.Context, key media.Key, onUtterance func(stt.Utterance)) (bool, error)
	StopAudioExtraction(room, participant, track string) int
	Active(room string) []media.Key
	InjectAudioFile(ctx context.Context, room, path string) (string, error)
}

// Notifier delivers room events to connected clients.
type Notifier interface {
	AIMessage(room, text string)
	SessionEnded(room, reason string)
}

// RoomSink receives the final snapshot of every closed room.
type RoomSink interface {
	RoomClosed(ctx context.Context, room convo.Room, reason string) error
}

// Track describes a published track.
type Track struct {
	SID    string
	Kind   string // "audio", "video", "data"
	Source string // "microphone", "camera", ...
}

// Orchestrator coordinates rooms. Turns within a room run one at a time;
// rooms are independent of each other.
type Orchestrator struct {
	store       *convo.Store
	bridge      Bridge
	generator   llm.Generator
	synthesizer tts.Synthesizer // nil means text-only replies
	artifacts   *Artifacts
	notifier    Notifier
	sinks       []RoomSink
	aiIdentity  string
	greeting    string
	fallback    string

	generateTimeout   time.Duration
	synthesizeTimeout time.Duration
	injectTimeout     time.Duration

	onTransition TransitionFunc
	logger       *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*roomState
	closed bool
	wg     sync.WaitGroup
}

// roomState is the orchestrator's own bookkeeping for a room. Fields other
// than turnMu are guarded by Orchestrator.mu.
type roomState struct {
	turnMu sync.Mutex

	phase    Phase
	greeted  bool
	queue    []turnRequest
	draining bool
	closed   bool
}

type turnRequest struct {
	speaker string
	text    string
	seed    bool
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	Store       *convo.Store
	Bridge      Bridge
	Generator   llm.Generator
	Synthesizer tts.Synthesizer // optional
	Artifacts   *Artifacts
	Notifier    Notifier // optional
	Sinks       []RoomSink
	AIIdentity  string
	Greeting    string // opening line spoken when a candidate joins; empty disables
	// FallbackReply is spoken when generation fails. It is recorded in the
	// transcript but never fed back to the model. Empty disables it.
	FallbackReply string

	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	InjectTimeout     time.Duration

	OnTransition TransitionFunc
	Logger       *zap.Logger
}

// New creates an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if opts.Bridge == nil {
		return nil, fmt.Errorf("pipeline: bridge is required")
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("pipeline: generator is required")
	}
	if opts.Artifacts == nil {
		return nil, fmt.Errorf("pipeline: artifacts is required")
	}
	if opts.AIIdentity == "" {
		return nil, fmt.Errorf("pipeline: ai identity is required")
	}
	o := &Orchestrator{
		store:             opts.Store,
		bridge:            opts.Bridge,
		generator:         opts.Generator,
		synthesizer:       opts.Synthesizer,
		artifacts:         opts.Artifacts,
		notifier:          opts.Notifier,
		sinks:             opts.Sinks,
		aiIdentity:        opts.AIIdentity,
		greeting:          strings.TrimSpace(opts.Greeting),
		fallback:          strings.TrimSpace(opts.FallbackReply),
		generateTimeout:   opts.GenerateTimeout,
		synthesizeTimeout: opts.SynthesizeTimeout,
		injectTimeout:     opts.InjectTimeout,
		onTransition:      opts.OnTransition,
		logger:            opts.Logger,
		rooms:             make(map[string]*roomState),
	}
	if o.notifier == nil {
		o.notifier = nopNotifier{}
	}
	if o.generateTimeout <= 0 {
		o.generateTimeout = DefaultGenerateTimeout
	}
	if o.synthesizeTimeout <= 0 {
		o.synthesizeTimeout = DefaultSynthesizeTimeout
	}
	if o.injectTimeout <= 0 {
		o.injectTimeout = DefaultInjectTimeout
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// Room lifecycle
// ---------------------------------------------------------------------------

// IsAI reports whether identity is the interviewer's own participant.
func (o *Orchestrator) IsAI(identity string) bool {
	return identity == o.aiIdentity
}

// OnTrackPublished starts extraction for a candidate's microphone track.
// Other tracks, and anything the AI publishes, are ignored.
func (o *Orchestrator) OnTrackPublished(ctx context.Context, room, participant string, track Track) {
	log := o.logger.With(zap.String("room", room), zap.String("participant", participant), zap.String("track", track.SID))
	if o.IsAI(participant) {
		log.Debug("ignoring ai track")
		return
	}
	if !media.IsMicrophone(track.Kind, track.Source) {
		log.Debug("ignoring non-microphone track", zap.String("kind", track.Kind), zap.String("source", track.Source))
		return
	}

	rs := o.state(room)
	marked := o.compareAndSetPhase(room, rs, PhaseIdle, PhaseExtracting)

	key := media.Key{Room: room, Participant: participant, Track: track.SID}
	started, err := o.bridge.StartAudioExtraction(ctx, key, o.utteranceHandler(room, participant))
	switch {
	case err != nil:
		log.Error("start extraction failed", zap.Error(err))
	case !started:
		log.Debug("extraction already active")
	}
	if marked {
		o.compareAndSetPhase(room, rs, PhaseExtracting, o.restPhase(room))
	}
}

// OnTrackUnpublished stops extraction for one track.
func (o *Orchestrator) OnTrackUnpublished(room, participant, trackSID string) {
	n := o.bridge.StopAudioExtraction(room, participant, trackSID)
	o.logger.Debug("track unpublished",
		zap.String("room", room), zap.String("participant", participant),
		zap.String("track", trackSID), zap.Int("stopped", n))
	o.settle(room)
}

// OnParticipantJoined greets a candidate once per room.
func (o *Orchestrator) OnParticipantJoined(room, participant string) {
	if o.IsAI(participant) || o.greeting == "" {
		return
	}
	o.Greet(room, participant, o.greeting)
}

// OnParticipantLeft stops every extraction for the participant.
func (o *Orchestrator) OnParticipantLeft(room, participant string) {
	if o.IsAI(participant) {
		return
	}
	n := o.bridge.StopAudioExtraction(room, participant, "")
	o.logger.Info("participant left", zap.String("room", room), zap.String("participant", participant), zap.Int("stopped", n))
	o.settle(room)
}

// OnRoomFinished tears the room down completely. It is safe to call for
// rooms that are already gone.
func (o *Orchestrator) OnRoomFinished(ctx context.Context, room string) {
	o.closeRoom(ctx, room, ReasonRoomFinished)
}

// HasSession reports whether room is a live session that is not closing.
func (o *Orchestrator) HasSession(room string) bool {
	if _, ok := o.store.Get(room); !ok {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	rs, ok := o.rooms[room]
	return !ok || !rs.closed
}

// EndSession closes a room on request and reports whether it existed.
func (o *Orchestrator) EndSession(ctx context.Context, room string) bool {
	return o.closeRoom(ctx, room, ReasonEnded)
}

// RoomExpired finishes a room the store already purged for inactivity.
func (o *Orchestrator) RoomExpired(room convo.Room) {
	o.detach(room.ID)
	o.bridge.StopAudioExtraction(room.ID, "", "")
	o.dropState(room.ID)
	o.finish(context.Background(), room, ReasonExpired)
}

// Greet queues an opening AI line for room unless one was already spoken.
// It reports whether the line was queued.
func (o *Orchestrator) Greet(room, participant, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	o.mu.Lock()
	rs := o.stateLocked(room)
	if rs.greeted {
		o.mu.Unlock()
		return false
	}
	rs.greeted = true
	o.mu.Unlock()
	return o.Enqueue(room, participant, text, true)
}

func (o *Orchestrator) closeRoom(ctx context.Context, room, reason string) bool {
	o.detach(room)
	stopped := o.bridge.StopAudioExtraction(room, "", "")
	o.dropState(room)
	snap, ok := o.store.Remove(room)
	o.logger.Info("room closed",
		zap.String("room", room), zap.String("reason", reason),
		zap.Bool("known", ok), zap.Int("stopped", stopped))
	if ok {
		o.finish(ctx, snap, reason)
	}
	return ok
}

func (o *Orchestrator) finish(ctx context.Context, room convo.Room, reason string) {
	o.notifier.SessionEnded(room.ID, reason)
	for _, sink := range o.sinks {
		if err := sink.RoomClosed(ctx, room, reason); err != nil {
			o.logger.Error("room sink failed", zap.String("room", room.ID), zap.Error(err))
		}
	}
}

// ---------------------------------------------------------------------------
// Turns
// ---------------------------------------------------------------------------

func (o *Orchestrator) utteranceHandler(room, participant string) func(stt.Utterance) {
	return func(u stt.Utterance) {
		o.logger.Info("utterance",
			zap.String("room", room), zap.String("participant", participant),
			zap.Float64("confidence", u.Confidence), zap.Int("chars", len(u.Text)))
		o.Enqueue(room, participant, u.Text, false)
	}
}

// Enqueue schedules a turn for room behind any turns already queued there
// and returns immediately. It reports false once the orchestrator is shut
// down, while the room is being closed, or when text is empty.
func (o *Orchestrator) Enqueue(room, speaker, text string, seed bool) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	rs := o.stateLocked(room)
	if rs.closed {
		return false
	}
	rs.queue = append(rs.queue, turnRequest{speaker: speaker, text: text, seed: seed})
	if !rs.draining {
		rs.draining = true
		o.wg.Add(1)
		go o.drain(room, rs)
	}
	return true
}

func (o *Orchestrator) drain(room string, rs *roomState) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if rs.closed || o.closed || len(rs.queue) == 0 {
			rs.draining = false
			rs.queue = nil
			o.mu.Unlock()
			return
		}
		req := rs.queue[0]
		rs.queue = rs.queue[1:]
		o.mu.Unlock()

		o.runTurn(context.Background(), room, rs, req)
	}
}

// HandleTranscript runs one turn for room and waits for it to finish. A seed
// turn speaks text as the AI without consulting the model. Failures are
// logged and reflected in the returned Outcome; they never escape the room.
func (o *Orchestrator) HandleTranscript(ctx context.Context, room, speaker, text string, seed bool) Outcome {
	if strings.TrimSpace(text) == "" {
		return OutcomeIgnored
	}
	return o.runTurn(ctx, room, o.state(room), turnRequest{speaker: speaker, text: text, seed: seed})
}

func (o *Orchestrator) runTurn(ctx context.Context, room string, rs *roomState, req turnRequest) (out Outcome) {
	text := strings.TrimSpace(req.text)
	if text == "" {
		return OutcomeIgnored
	}
	log := o.logger.With(zap.String("room", room), zap.String("speaker", req.speaker), zap.Bool("seed", req.seed))

	rs.turnMu.Lock()
	defer rs.turnMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Error("turn panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = OutcomeFailed
		}
		o.setPhase(room, rs, o.restPhase(room))
	}()

	var (
		lease  convo.Lease
		reply  string
		asTurn bool
	)
	if req.seed {
		lease = o.store.BeginSeed(room)
		reply = text
	} else {
		lease = o.store.BeginTurn(room, req.speaker, text)
		o.setPhase(room, rs, PhaseGenerating)
		var err error
		reply, err = o.generate(ctx, lease.History)
		switch {
		case err == nil:
			asTurn = true
		case o.fallback != "":
			log.Error("generation failed, using fallback", zap.Error(err))
			reply = o.fallback
		default:
			log.Error("generation failed", zap.Error(err))
			return OutcomeNoReply
		}
	}

	if err := o.store.CommitReply(lease, reply, asTurn); err != nil {
		if errors.Is(err, convo.ErrStale) {
			log.Info("room closed during turn, reply discarded")
			return OutcomeDiscarded
		}
		log.Error("record reply failed", zap.Error(err))
		return OutcomeNoReply
	}
	o.notifier.AIMessage(room, reply)
	log.Info("ai reply", zap.Int("chars", len(reply)))

	if err := o.speak(ctx, room, rs, lease, reply); err != nil {
		if errors.Is(err, convo.ErrStale) {
			log.Info("room closed before audio injection")
			return OutcomeDiscarded
		}
		log.Warn("reply delivered as text only", zap.Error(err))
		return OutcomeTextOnly
	}
	return OutcomeSpoken
}

func (o *Orchestrator) generate(ctx context.Context, history []convo.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.generateTimeout)
	defer cancel()
	return o.generator.Complete(ctx, history)
}

var errNoSynthesizer = errors.New("pipeline: no synthesizer configured")

// speak synthesizes reply into an artifact and injects it into room.
func (o *Orchestrator) speak(ctx context.Context, room string, rs *roomState, lease convo.Lease, reply string) error {
	if o.synthesizer == nil {
		return errNoSynthesizer
	}
	o.setPhase(room, rs, PhaseSynthesizing)

	sctx, cancel := context.WithTimeout(ctx, o.synthesizeTimeout)
	audio, err := o.synthesizer.Synthesize(sctx, reply)
	if err != nil {
		cancel()
		return err
	}
	path, err := o.artifacts.Write(room, audio, o.synthesizer.Format())
	audio.Close()
	cancel()
	if err != nil {
		return err
	}

	if !o.store.Valid(lease) {
		o.artifacts.Remove(path)
		return convo.ErrStale
	}

	o.setPhase(room, rs, PhaseInjecting)
	ictx, cancel := context.WithTimeout(ctx, o.injectTimeout)
	defer cancel()
	ingressID, err := o.bridge.InjectAudioFile(ictx, room, path)
	if err != nil {
		o.artifacts.Remove(path)
		return fmt.Errorf("pipeline: inject: %w", err)
	}
	o.artifacts.Schedule(path, ingressID)
	return nil
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// Phase reports room's current phase.
func (o *Orchestrator) Phase(room string) Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rs, ok := o.rooms[room]; ok {
		return rs.phase
	}
	return PhaseIdle
}

// Rooms reports how many rooms the orchestrator is tracking.
func (o *Orchestrator) Rooms() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rooms)
}

func (o *Orchestrator) state(room string) *roomState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked(room)
}

func (o *Orchestrator) stateLocked(room string) *roomState {
	rs, ok := o.rooms[room]
	if !ok {
		rs = &roomState{phase: PhaseIdle}
		o.rooms[room] = rs
	}
	return rs
}

// detach marks room closed while its extraction chains shut down, so text
// they release cannot queue a turn. dropState clears the mark.
func (o *Orchestrator) detach(room string) {
	o.mu.Lock()
	rs := o.stateLocked(room)
	rs.closed = true
	rs.queue = nil
	o.mu.Unlock()
}

func (o *Orchestrator) dropState(room string) {
	o.mu.Lock()
	rs, ok := o.rooms[room]
	var last Phase
	if ok {
		last = rs.phase
		rs.closed = true
		rs.queue = nil
		delete(o.rooms, room)
	}
	o.mu.Unlock()
	if ok {
		o.transitioned(room, last, PhaseIdle)
	}
}

func (o *Orchestrator) restPhase(room string) Phase {
	if len(o.bridge.Active(room)) > 0 {
		return PhaseTranscribing
	}
	return PhaseIdle
}

// settle moves an idle room between idle and transcribing after extraction
// changes. Rooms mid-turn settle when the turn ends.
func (o *Orchestrator) settle(room string) {
	o.mu.Lock()
	rs, ok := o.rooms[room]
	o.mu.Unlock()
	if !ok {
		return
	}
	rest := o.restPhase(room)
	if !o.compareAndSetPhase(room, rs, PhaseTranscribing, rest) {
		o.compareAndSetPhase(room, rs, PhaseIdle, rest)
	}
}

// setPhase moves rs to `to`. Detached rooms are left alone.
func (o *Orchestrator) setPhase(room string, rs *roomState, to Phase) {
	o.mu.Lock()
	if rs.closed {
		o.mu.Unlock()
		return
	}
	from := rs.phase
	rs.phase = to
	o.mu.Unlock()
	o.transitioned(room, from, to)
}

// compareAndSetPhase moves rs to `to` only if it is currently in `from`.
func (o *Orchestrator) compareAndSetPhase(room string, rs *roomState, from, to Phase) bool {
	o.mu.Lock()
	if rs.closed || rs.phase != from {
		o.mu.Unlock()
		return false
	}
	rs.phase = to
	o.mu.Unlock()
	o.transitioned(room, from, to)
	return true
}

func (o *Orchestrator) transitioned(room string, from, to Phase) {
	if from == to {
		return
	}
	o.logger.Debug("room phase", zap.String("room", room), zap.String("from", string(from)), zap.String("to", string(to)))
	if o.onTransition != nil {
		o.onTransition(room, from, to)
	}
}

// Shutdown stops accepting turns, waits for queued turns to finish or ctx to
// expire, archives every open room and clears pending artifacts.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("pipeline: shutdown: %w", ctx.Err())
	}

	for _, id := range o.store.IDs() {
		o.closeRoom(context.Background(), id, ReasonShutdown)
	}
	o.artifacts.Flush()
	return err
}

type nopNotifier struct{}

func (nopNotifier) AIMessage(string, string)    {}
func (nopNotifier) SessionEnded(string, string) {}
