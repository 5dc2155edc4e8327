package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/interviewer/internal/stt"
	"go.uber.org/zap"
)

// controlTimeout bounds control plane calls made outside a caller's context.
const controlTimeout = 10 * time.Second

// Key identifies one extracted track.
type Key struct {
	Room        string
	Participant string
	Track       string
}

// String renders the key as the stream name used on the media relay.
func (k Key) String() string {
	return k.Room + "_" + k.Participant + "_" + k.Track
}

// handle is one running extract, decode and transcribe chain.
type handle struct {
	key      Key
	egressID string
	decode   DecodeProcess
	stream   stt.Stream
	cancel   context.CancelFunc
	started  time.Time
	gate     *utteranceGate
	once     sync.Once
}

// utteranceGate forwards utterances until the chain is asked to stop. Text
// the transcriber releases while it shuts down never reaches the caller.
type utteranceGate struct {
	mu      sync.RWMutex
	stopped bool
	next    func(stt.Utterance)
}

func (g *utteranceGate) deliver(u stt.Utterance) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.stopped || g.next == nil {
		return
	}
	g.next(u)
}

// shut blocks until an in-flight delivery returns.
func (g *utteranceGate) shut() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
}

// pending marks a key whose chain is still being set up.
type pending struct {
	stopRequested bool
}

// Bridge owns the set of active extraction chains and performs injections.
type Bridge struct {
	control       ControlPlane
	decoder       Decoder
	transcriber   stt.Transcriber
	egressBaseURL string
	publicBaseURL string
	aiIdentity    string
	aiName        string
	logger        *zap.Logger

	mu      sync.Mutex
	handles map[Key]*handle
	pending map[Key]*pending
}

// BridgeOpts holds parameters for creating a Bridge.
type BridgeOpts struct {
	Control       ControlPlane
	Decoder       Decoder
	Transcriber   stt.Transcriber
	EgressBaseURL string // RTMP base; the stream key is appended
	PublicBaseURL string // when set, ingress fetches artifacts from <base>/media/<name>
	AIIdentity    string
	AIName        string
	Logger        *zap.Logger
}

// NewBridge creates a Bridge.
func NewBridge(opts BridgeOpts) (*Bridge, error) {
	if opts.Control == nil {
		return nil, fmt.Errorf("media: bridge: control plane is required")
	}
	if opts.Decoder == nil {
		return nil, fmt.Errorf("media: bridge: decoder is required")
	}
	if opts.Transcriber == nil {
		return nil, fmt.Errorf("media: bridge: transcriber is required")
	}
	if opts.EgressBaseURL == "" {
		return nil, fmt.Errorf("media: bridge: egress base url is required")
	}
	if opts.AIIdentity == "" {
		return nil, fmt.Errorf("media: bridge: ai identity is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := opts.AIName
	if name == "" {
		name = opts.AIIdentity
	}
	return &Bridge{
		control:       opts.Control,
		decoder:       opts.Decoder,
		transcriber:   opts.Transcriber,
		egressBaseURL: opts.EgressBaseURL,
		publicBaseURL: opts.PublicBaseURL,
		aiIdentity:    opts.AIIdentity,
		aiName:        name,
		logger:        logger,
		handles:       make(map[Key]*handle),
		pending:       make(map[Key]*pending),
	}, nil
}

// AIIdentity is the participant identity used for injected audio.
func (b *Bridge) AIIdentity() string { return b.aiIdentity }

// StreamURL is where the egress for key publishes.
func (b *Bridge) StreamURL(key Key) string {
	return b.egressBaseURL + "/" + key.String()
}

// StartAudioExtraction mirrors the track out of the room, decodes it and
// streams it to the transcriber. It reports false without error when a chain
// for key is already running or starting.
func (b *Bridge) StartAudioExtraction(ctx context.Context, key Key, onUtterance func(stt.Utterance)) (bool, error) {
	b.mu.Lock()
	if _, ok := b.handles[key]; ok {
		b.mu.Unlock()
		return false, nil
	}
	if _, ok := b.pending[key]; ok {
		b.mu.Unlock()
		return false, nil
	}
	p := &pending{}
	b.pending[key] = p
	b.mu.Unlock()

	h, err := b.build(ctx, key, onUtterance)

	b.mu.Lock()
	delete(b.pending, key)
	if err == nil && !p.stopRequested {
		b.handles[key] = h
	}
	b.mu.Unlock()

	if err != nil {
		return false, err
	}
	if p.stopRequested {
		b.logger.Info("extraction stopped during setup", zap.String("room", key.Room), zap.String("key", key.String()))
		b.close(h)
		return false, nil
	}

	b.logger.Info("extraction started",
		zap.String("room", key.Room),
		zap.String("participant", key.Participant),
		zap.String("track", key.Track),
		zap.String("egress_id", h.egressID))
	go b.watch(h)
	return true, nil
}

// build sets up egress, transcription and decode in order, unwinding on
// failure.
func (b *Bridge) build(ctx context.Context, key Key, onUtterance func(stt.Utterance)) (*handle, error) {
	streamURL := b.StreamURL(key)
	egressID, err := b.control.StartTrackEgress(ctx, key.Room, key.Track, streamURL)
	if err != nil {
		return nil, err
	}

	// The chain outlives the request that started it.
	chainCtx, cancel := context.WithCancel(context.Background())
	gate := &utteranceGate{next: onUtterance}
	stream, err := b.transcriber.Open(chainCtx, gate.deliver)
	if err != nil {
		cancel()
		b.stopEgress(key, egressID)
		return nil, fmt.Errorf("media: open transcriber for %s: %w", key, err)
	}
	proc, err := b.decoder.Start(chainCtx, streamURL, stream)
	if err != nil {
		gate.shut()
		stream.Close()
		cancel()
		b.stopEgress(key, egressID)
		return nil, fmt.Errorf("media: start decoder for %s: %w", key, err)
	}
	return &handle{
		key:      key,
		egressID: egressID,
		decode:   proc,
		stream:   stream,
		cancel:   cancel,
		started:  time.Now(),
		gate:     gate,
	}, nil
}

// watch tears the chain down when either the transcriber or the decoder ends
// on its own.
func (b *Bridge) watch(h *handle) {
	var cause string
	var err error
	select {
	case <-h.stream.Done():
		cause, err = "transcriber ended", h.stream.Err()
	case <-h.decode.Done():
		cause, err = "decoder ended", h.decode.Err()
	}

	b.mu.Lock()
	current, ok := b.handles[h.key]
	if !ok || current != h {
		b.mu.Unlock()
		return
	}
	delete(b.handles, h.key)
	b.mu.Unlock()

	fields := []zap.Field{zap.String("room", h.key.Room), zap.String("key", h.key.String()), zap.String("cause", cause)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	b.logger.Warn("extraction ended", fields...)
	b.close(h)
}

// StopAudioExtraction stops every chain in room matching participant and
// track. An empty track matches all of the participant's tracks; an empty
// participant matches the whole room. Missing chains are not an error. It
// returns how many chains were stopped.
func (b *Bridge) StopAudioExtraction(room, participant, track string) int {
	match := func(k Key) bool {
		if k.Room != room {
			return false
		}
		if participant != "" && k.Participant != participant {
			return false
		}
		return track == "" || k.Track == track
	}

	b.mu.Lock()
	var victims []*handle
	for k, h := range b.handles {
		if match(k) {
			victims = append(victims, h)
			delete(b.handles, k)
		}
	}
	for k, p := range b.pending {
		if match(k) {
			p.stopRequested = true
		}
	}
	b.mu.Unlock()

	for _, h := range victims {
		b.logger.Info("extraction stopped",
			zap.String("room", h.key.Room),
			zap.String("key", h.key.String()),
			zap.Duration("ran", time.Since(h.started)))
		b.close(h)
	}
	return len(victims)
}

// StopRoom stops every chain in room.
func (b *Bridge) StopRoom(room string) int {
	return b.StopAudioExtraction(room, "", "")
}

// StopAll stops every chain; used at shutdown.
func (b *Bridge) StopAll() {
	b.mu.Lock()
	rooms := make(map[string]struct{})
	for k := range b.handles {
		rooms[k.Room] = struct{}{}
	}
	b.mu.Unlock()
	for room := range rooms {
		b.StopRoom(room)
	}
}

// Active lists running chain keys for room, or for all rooms when room is
// empty, sorted by key.
func (b *Bridge) Active(room string) []Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []Key
	for k := range b.handles {
		if room == "" || k.Room == room {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// close releases a handle's resources exactly once. No utterance is
// delivered once it starts.
func (b *Bridge) close(h *handle) {
	h.once.Do(func() {
		h.gate.shut()
		h.decode.Close()
		h.stream.Close()
		h.cancel()
		b.stopEgress(h.key, h.egressID)
	})
}

func (b *Bridge) stopEgress(key Key, egressID string) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	err := b.control.StopEgress(ctx, egressID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		b.logger.Debug("egress already gone", zap.String("room", key.Room), zap.String("egress_id", egressID))
	default:
		b.logger.Error("stop egress failed", zap.String("room", key.Room), zap.String("egress_id", egressID), zap.Error(err))
	}
}

// IngressURL is the URL the media server fetches path from.
func (b *Bridge) IngressURL(path string) (string, error) {
	if b.publicBaseURL != "" {
		return b.publicBaseURL + "/media/" + url.PathEscape(filepath.Base(path)), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("media: resolve %s: %w", path, err)
	}
	return (&url.URL{Scheme: "file", Path: abs}).String(), nil
}

// InjectAudioFile publishes the audio file at path into room as the AI
// participant and returns the ingress id.
func (b *Bridge) InjectAudioFile(ctx context.Context, room, path string) (string, error) {
	src, err := b.IngressURL(path)
	if err != nil {
		return "", err
	}
	id, err := b.control.CreateURLIngress(ctx, IngressRequest{
		Room:     room,
		Identity: b.aiIdentity,
		Name:     b.aiName,
		URL:      src,
	})
	if err != nil {
		return "", err
	}
	b.logger.Info("audio injected", zap.String("room", room), zap.String("ingress_id", id), zap.String("url", src))
	return id, nil
}

// RemoveIngress deletes an ingress created by InjectAudioFile. Missing
// ingresses are not an error.
func (b *Bridge) RemoveIngress(ctx context.Context, ingressID string) error {
	err := b.control.DeleteIngress(ctx, ingressID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}
