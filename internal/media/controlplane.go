// Package media bridges interview rooms on the media server: it mirrors a
// participant's microphone out of the room into the transcriber, and injects
// synthesized replies back as the AI participant.
package media

import (
	"context"
	"errors"
)

// ErrNotFound reports that the control plane has no such egress or ingress,
// usually because it already ended.
var ErrNotFound = errors.New("media: not found")

// IngressRequest describes an audio file to publish into a room.
type IngressRequest struct {
	Room     string
	Identity string
	Name     string
	URL      string
}

// ControlPlane is the subset of media server operations the bridge needs.
type ControlPlane interface {
	// StartTrackEgress streams one track of room to streamURL and returns the
	// egress id.
	StartTrackEgress(ctx context.Context, room, trackSID, streamURL string) (string, error)
	// StopEgress ends an egress. ErrNotFound means it was already gone.
	StopEgress(ctx context.Context, egressID string) error
	// CreateURLIngress publishes the media at req.URL as a participant and
	// returns the ingress id.
	CreateURLIngress(ctx context.Context, req IngressRequest) (string, error)
	// DeleteIngress removes an ingress. ErrNotFound means it was already gone.
	DeleteIngress(ctx context.Context, ingressID string) error
}
