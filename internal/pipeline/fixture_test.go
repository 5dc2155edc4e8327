package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/interviewer/internal/convo"
	"github.com/zulandar/interviewer/internal/media"
	"github.com/zulandar/interviewer/internal/stt"
	"go.uber.org/zap/zaptest"
)

const testPrompt = "You are an AI interviewer."

// ---------------------------------------------------------------------------
// Media fakes: a real media.Bridge over a recording control plane.
// ---------------------------------------------------------------------------

type fakeControl struct {
	mu        sync.Mutex
	starts    []string // room/track
	stops     []string // egress ids
	ingresses []media.IngressRequest
	deleted   []string
	n         int
	injectErr error
}

func (f *fakeControl) StartTrackEgress(_ context.Context, room, trackSID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.starts = append(f.starts, room+"/"+trackSID)
	return fmt.Sprintf("EG_%d", f.n), nil
}

func (f *fakeControl) StopEgress(_ context.Context, egressID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, egressID)
	return nil
}

func (f *fakeControl) CreateURLIngress(_ context.Context, req media.IngressRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.injectErr != nil {
		return "", f.injectErr
	}
	f.ingresses = append(f.ingresses, req)
	return fmt.Sprintf("IN_%d", len(f.ingresses)), nil
}

func (f *fakeControl) DeleteIngress(_ context.Context, ingressID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ingressID)
	return nil
}

func (f *fakeControl) counts() (starts, stops, ingresses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts), len(f.stops), len(f.ingresses)
}

type fakeProcess struct {
	done chan struct{}
	once sync.Once
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }
func (p *fakeProcess) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type fakeDecoder struct{}

func (fakeDecoder) Start(context.Context, string, io.Writer) (media.DecodeProcess, error) {
	return &fakeProcess{done: make(chan struct{})}, nil
}

type fakeStream struct {
	done chan struct{}
	once sync.Once
	// closeText is handed to onUtt during Close, like buffered speech a
	// provider releases as the socket shuts.
	closeText string
	onUtt     func(stt.Utterance)
}

func (s *fakeStream) Write(p []byte) (int, error) { return len(p), nil }
func (s *fakeStream) Done() <-chan struct{}       { return s.done }
func (s *fakeStream) Err() error                  { return nil }
func (s *fakeStream) Close() error {
	if s.closeText != "" {
		s.onUtt(stt.Utterance{Text: s.closeText})
	}
	s.once.Do(func() { close(s.done) })
	return nil
}

// fakeTranscriber hands its callbacks to the test so utterances can be
// simulated.
type fakeTranscriber struct {
	mu        sync.Mutex
	callbacks []func(stt.Utterance)
	closeText string
}

func (f *fakeTranscriber) Open(_ context.Context, onUtterance func(stt.Utterance)) (stt.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, onUtterance)
	return &fakeStream{done: make(chan struct{}), closeText: f.closeText, onUtt: onUtterance}, nil
}

func (f *fakeTranscriber) say(t *testing.T, i int, text string) {
	t.Helper()
	f.mu.Lock()
	if i >= len(f.callbacks) {
		f.mu.Unlock()
		t.Fatalf("no transcriber stream %d", i)
	}
	cb := f.callbacks[i]
	f.mu.Unlock()
	cb(stt.Utterance{Text: text, Confidence: 0.9})
}

// ---------------------------------------------------------------------------
// Provider stubs
// ---------------------------------------------------------------------------

// stubGenerator records the histories it receives.
type stubGenerator struct {
	mu       sync.Mutex
	calls    [][]convo.Turn
	reply    string
	err      error
	panicMsg string
	block    chan struct{} // when set, Complete waits for it or ctx
	entered  chan struct{} // when set, signaled on entry
	inFlight int
	maxSeen  int
}

func (g *stubGenerator) Complete(ctx context.Context, history []convo.Turn) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, append([]convo.Turn(nil), history...))
	g.inFlight++
	if g.inFlight > g.maxSeen {
		g.maxSeen = g.inFlight
	}
	reply, err, block, entered, panicMsg := g.reply, g.err, g.block, g.entered, g.panicMsg
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if reply == "" {
		reply = "Reply to: " + history[len(history)-1].Content
	}
	return reply, nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type stubSynth struct {
	mu    sync.Mutex
	texts []string
	err   error
	empty bool
}

func (s *stubSynth) Synthesize(_ context.Context, text string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	if s.err != nil {
		return nil, s.err
	}
	if s.empty {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return io.NopCloser(strings.NewReader("ID3-audio-for-" + text)), nil
}

func (s *stubSynth) Format() string { return "mp3" }

// ---------------------------------------------------------------------------
// Notifier and sink
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	mu      sync.Mutex
	replies map[string][]string
	ended   map[string]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{replies: make(map[string][]string), ended: make(map[string]string)}
}

func (n *recordingNotifier) AIMessage(room, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replies[room] = append(n.replies[room], text)
}

func (n *recordingNotifier) SessionEnded(room, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended[room] = reason
}

func (n *recordingNotifier) repliesFor(room string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.replies[room]...)
}

func (n *recordingNotifier) endedReason(room string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.ended[room]
	return r, ok
}

type closedRoom struct {
	room   convo.Room
	reason string
}

type recordingSink struct {
	mu     sync.Mutex
	closed []closedRoom
	err    error
}

func (s *recordingSink) RoomClosed(_ context.Context, room convo.Room, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, closedRoom{room: room, reason: reason})
	return s.err
}

func (s *recordingSink) all() []closedRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]closedRoom(nil), s.closed...)
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	orch        *Orchestrator
	store       *convo.Store
	bridge      *media.Bridge
	control     *fakeControl
	transcriber *fakeTranscriber
	gen         *stubGenerator
	synth       *stubSynth
	artifacts   *Artifacts
	notifier    *recordingNotifier
	sink        *recordingSink

	mu          sync.Mutex
	transitions []string
}

type fixtureOpt func(*Opts)

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		control:     &fakeControl{},
		transcriber: &fakeTranscriber{},
		gen:         &stubGenerator{},
		synth:       &stubSynth{},
		notifier:    newRecordingNotifier(),
		sink:        &recordingSink{},
	}

	store, err := convo.NewStore(convo.StoreOpts{SystemPrompt: testPrompt})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	f.store = store

	bridge, err := media.NewBridge(media.BridgeOpts{
		Control:       f.control,
		Decoder:       fakeDecoder{},
		Transcriber:   f.transcriber,
		EgressBaseURL: "rtmp://relay/live",
		AIIdentity:    "ai-interviewer",
		AIName:        "AI Interviewer",
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	f.bridge = bridge

	arts, err := NewArtifacts(ArtifactOpts{
		Dir:           t.TempDir(),
		Grace:         time.Hour,
		RemoveIngress: bridge.RemoveIngress,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewArtifacts: %v", err)
	}
	f.artifacts = arts

	o := Opts{
		Store:       store,
		Bridge:      bridge,
		Generator:   f.gen,
		Synthesizer: f.synth,
		Artifacts:   arts,
		Notifier:    f.notifier,
		Sinks:       []RoomSink{f.sink},
		AIIdentity:  "ai-interviewer",
		Logger:      logger,
	}
	o.OnTransition = func(room string, from, to Phase) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.transitions = append(f.transitions, fmt.Sprintf("%s:%s->%s", room, from, to))
	}
	for _, fn := range opts {
		fn(&o)
	}
	orch, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return f
}

func (f *fixture) transitionsFor(room string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, tr := range f.transitions {
		if strings.HasPrefix(tr, room+":") {
			out = append(out, strings.TrimPrefix(tr, room+":"))
		}
	}
	return out
}

// stopHookBridge runs onStop while extraction is being stopped, standing in
// for a transcriber that reports speech during teardown.
type stopHookBridge struct {
	*media.Bridge
	onStop func(room string)
}

func (b *stopHookBridge) StopAudioExtraction(room, participant, track string) int {
	if b.onStop != nil {
		b.onStop(room)
	}
	return b.Bridge.StopAudioExtraction(room, participant, track)
}

var micTrack = Track{SID: "TR_A", Kind: media.TrackKindAudio, Source: media.TrackSourceMicrophone}

var errBoom = errors.New("boom")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
