package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Deepgram defaults.
const (
	DefaultDeepgramURL   = "wss://api.deepgram.com/v1/listen"
	DefaultDeepgramModel = "nova-2-general"
	// DefaultKeepAlive is how often an idle stream pings the provider. The
	// provider drops sockets that see no traffic for about ten seconds.
	DefaultKeepAlive = 5 * time.Second

	closeGrace = 3 * time.Second
)

// Deepgram is a Transcriber backed by the Deepgram live streaming API.
type Deepgram struct {
	apiKey    string
	endpoint  string
	model     string
	keepAlive time.Duration
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

// DeepgramOpts holds parameters for creating a Deepgram transcriber.
type DeepgramOpts struct {
	APIKey    string
	Endpoint  string // defaults to DefaultDeepgramURL
	Model     string // defaults to DefaultDeepgramModel
	KeepAlive time.Duration
	Dialer    *websocket.Dialer
	Logger    *zap.Logger
}

// NewDeepgram creates a Deepgram transcriber.
func NewDeepgram(opts DeepgramOpts) (*Deepgram, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("stt: deepgram: api key is required")
	}
	d := &Deepgram{
		apiKey:    opts.APIKey,
		endpoint:  opts.Endpoint,
		model:     opts.Model,
		keepAlive: opts.KeepAlive,
		dialer:    opts.Dialer,
		logger:    opts.Logger,
	}
	if d.endpoint == "" {
		d.endpoint = DefaultDeepgramURL
	}
	if d.model == "" {
		d.model = DefaultDeepgramModel
	}
	if d.keepAlive <= 0 {
		d.keepAlive = DefaultKeepAlive
	}
	if d.dialer == nil {
		d.dialer = websocket.DefaultDialer
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d, nil
}

// URL returns the listen URL with the audio format and model parameters.
func (d *Deepgram) URL() string {
	q := url.Values{}
	q.Set("model", d.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	q.Set("channels", "1")
	q.Set("smart_format", "true")
	q.Set("interim_results", "false")
	q.Set("punctuate", "true")
	return d.endpoint + "?" + q.Encode()
}

// Open dials the provider. The stream closes itself when ctx is cancelled.
func (d *Deepgram) Open(ctx context.Context, onUtterance func(Utterance)) (Stream, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)
	conn, resp, err := d.dialer.DialContext(ctx, d.URL(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stt: deepgram: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("stt: deepgram: dial: %w", err)
	}

	s := &deepgramStream{
		conn:        conn,
		onUtterance: onUtterance,
		logger:      d.logger,
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
	}
	s.lastWrite.Store(time.Now().UnixNano())

	go s.readLoop()
	go s.keepAliveLoop(d.keepAlive)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type deepgramStream struct {
	conn        *websocket.Conn
	onUtterance func(Utterance)
	logger      *zap.Logger

	writeMu   sync.Mutex
	lastWrite atomic.Int64

	mu      sync.Mutex
	err     error
	pending []string

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// Write sends one chunk of PCM audio.
func (s *deepgramStream) Write(p []byte) (int, error) {
	select {
	case <-s.closing:
		return 0, fmt.Errorf("stt: deepgram: stream closed")
	case <-s.done:
		return 0, fmt.Errorf("stt: deepgram: stream ended")
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("stt: deepgram: write: %w", err)
	}
	s.lastWrite.Store(time.Now().UnixNano())
	return len(p), nil
}

// Close asks the provider to flush, waits briefly for it to finish, then
// drops the socket.
func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		select {
		case <-s.done:
		case <-time.After(closeGrace):
		}
		s.conn.Close()
	})
	return nil
}

func (s *deepgramStream) Done() <-chan struct{} { return s.done }

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *deepgramStream) readLoop() {
	defer close(s.done)
	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.discardPending()
			if !isCleanClose(err) && !s.isClosing() {
				s.mu.Lock()
				s.err = fmt.Errorf("stt: deepgram: read: %w", err)
				s.mu.Unlock()
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		s.handle(msg)
	}
}

func (s *deepgramStream) keepAliveLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.closing:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastWrite.Load())) < every {
				continue
			}
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *deepgramStream) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// handle buffers final segments and emits them joined once the provider
// signals end of speech.
func (s *deepgramStream) handle(msg []byte) {
	res, ok := parseResult(msg)
	if !ok {
		return
	}
	if res.typ == "Error" {
		s.logger.Warn("deepgram error message", zap.ByteString("payload", msg))
		return
	}
	if !res.isFinal {
		return
	}
	s.mu.Lock()
	if res.text != "" {
		s.pending = append(s.pending, res.text)
	}
	var utt *Utterance
	if res.speechFinal && len(s.pending) > 0 {
		utt = &Utterance{Text: strings.Join(s.pending, " "), Confidence: res.confidence}
		s.pending = nil
	}
	s.mu.Unlock()
	if utt != nil && s.onUtterance != nil {
		s.onUtterance(*utt)
	}
}

// discardPending drops final segments that never reached end of speech.
// A stream that ends mid-sentence produces no utterance.
func (s *deepgramStream) discardPending() {
	s.mu.Lock()
	n := len(s.pending)
	s.pending = nil
	s.mu.Unlock()
	if n > 0 {
		s.logger.Debug("discarding unfinished speech", zap.Int("segments", n))
	}
}

type result struct {
	typ         string
	text        string
	confidence  float64
	isFinal     bool
	speechFinal bool
}

type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResult decodes one provider message. Metadata and unknown frames
// report ok=false.
func parseResult(msg []byte) (result, bool) {
	var m deepgramMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return result{}, false
	}
	if m.Type == "Error" {
		return result{typ: m.Type}, true
	}
	if m.Type != "" && m.Type != "Results" {
		return result{}, false
	}
	r := result{typ: "Results", isFinal: m.IsFinal, speechFinal: m.SpeechFinal}
	if len(m.Channel.Alternatives) > 0 {
		r.text = strings.TrimSpace(m.Channel.Alternatives[0].Transcript)
		r.confidence = m.Channel.Alternatives[0].Confidence
	}
	return r, true
}

func isCleanClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
