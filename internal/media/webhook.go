package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
	"google.golang.org/protobuf/encoding/protojson"
)

// Webhook event names delivered by the media server.
const (
	EventRoomFinished      = "room_finished"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventTrackPublished    = "track_published"
	EventTrackUnpublished  = "track_unpublished"
)

// Track kinds and sources as reported in Event.
const (
	TrackKindAudio        = "audio"
	TrackSourceMicrophone = "microphone"
)

// ErrInvalidWebhook reports a webhook that fails authentication.
var ErrInvalidWebhook = errors.New("media: invalid webhook")

// Event is a room lifecycle notification.
type Event struct {
	Name        string
	Room        string
	Participant string
	TrackSID    string
	TrackKind   string // "audio", "video", or "data"
	TrackSource string // "microphone", "camera", ...
}

// IsMicrophone reports whether a track of the given kind and source is a
// microphone audio track.
func IsMicrophone(kind, source string) bool {
	return kind == TrackKindAudio && source == TrackSourceMicrophone
}

// WebhookVerifier authenticates webhook requests signed with the API secret.
type WebhookVerifier struct {
	keys auth.KeyProvider
}

// NewWebhookVerifier creates a WebhookVerifier for one key pair.
func NewWebhookVerifier(apiKey, apiSecret string) (*WebhookVerifier, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("media: webhook: api key and secret are required")
	}
	return &WebhookVerifier{keys: auth.NewSimpleKeyProvider(apiKey, apiSecret)}, nil
}

// Receive reads and verifies r, returning the decoded event. Authentication
// failures wrap ErrInvalidWebhook. A body that cannot be read or decoded
// returns a plain error.
func (v *WebhookVerifier) Receive(r *http.Request) (Event, error) {
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return Event{}, fmt.Errorf("media: webhook: read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	data, err := webhook.Receive(r, v.keys)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	var evt livekit.WebhookEvent
	opts := protojson.UnmarshalOptions{DiscardUnknown: true, AllowPartial: true}
	if err := opts.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("media: webhook: decode: %w", err)
	}
	out := Event{
		Name:        evt.GetEvent(),
		Room:        evt.GetRoom().GetName(),
		Participant: evt.GetParticipant().GetIdentity(),
	}
	if tr := evt.GetTrack(); tr != nil {
		out.TrackSID = tr.GetSid()
		out.TrackKind = strings.ToLower(tr.GetType().String())
		out.TrackSource = strings.ToLower(tr.GetSource().String())
	}
	return out, nil
}
