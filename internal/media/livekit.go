package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"
)

// egressAPI abstracts the lksdk egress client methods we use.
type egressAPI interface {
	StartTrackCompositeEgress(ctx context.Context, req *livekit.TrackCompositeEgressRequest) (*livekit.EgressInfo, error)
	StopEgress(ctx context.Context, req *livekit.StopEgressRequest) (*livekit.EgressInfo, error)
}

// ingressAPI abstracts the lksdk ingress client methods we use.
type ingressAPI interface {
	CreateIngress(ctx context.Context, req *livekit.CreateIngressRequest) (*livekit.IngressInfo, error)
	DeleteIngress(ctx context.Context, req *livekit.DeleteIngressRequest) (*livekit.IngressInfo, error)
}

// LiveKit implements ControlPlane against a LiveKit server.
type LiveKit struct {
	egress  egressAPI
	ingress ingressAPI
}

// LiveKitOpts holds parameters for creating a LiveKit control plane.
type LiveKitOpts struct {
	URL       string
	APIKey    string
	APISecret string
	// For testing: inject API clients instead of dialing URL.
	Egress  egressAPI
	Ingress ingressAPI
}

// NewLiveKit creates a LiveKit control plane.
func NewLiveKit(opts LiveKitOpts) (*LiveKit, error) {
	lk := &LiveKit{egress: opts.Egress, ingress: opts.Ingress}
	if lk.egress != nil && lk.ingress != nil {
		return lk, nil
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("media: livekit url is required")
	}
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, fmt.Errorf("media: livekit api key and secret are required")
	}
	host := httpURL(opts.URL)
	if lk.egress == nil {
		lk.egress = lksdk.NewEgressClient(host, opts.APIKey, opts.APISecret)
	}
	if lk.ingress == nil {
		lk.ingress = lksdk.NewIngressClient(host, opts.APIKey, opts.APISecret)
	}
	return lk, nil
}

// StartTrackEgress implements ControlPlane.
func (lk *LiveKit) StartTrackEgress(ctx context.Context, room, trackSID, streamURL string) (string, error) {
	info, err := lk.egress.StartTrackCompositeEgress(ctx, &livekit.TrackCompositeEgressRequest{
		RoomName:     room,
		AudioTrackId: trackSID,
		StreamOutputs: []*livekit.StreamOutput{{
			Protocol: livekit.StreamProtocol_RTMP,
			Urls:     []string{streamURL},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("media: start egress for %s/%s: %w", room, trackSID, classify(err))
	}
	return info.GetEgressId(), nil
}

// StopEgress implements ControlPlane.
func (lk *LiveKit) StopEgress(ctx context.Context, egressID string) error {
	if _, err := lk.egress.StopEgress(ctx, &livekit.StopEgressRequest{EgressId: egressID}); err != nil {
		return fmt.Errorf("media: stop egress %s: %w", egressID, classify(err))
	}
	return nil
}

// CreateURLIngress implements ControlPlane.
func (lk *LiveKit) CreateURLIngress(ctx context.Context, req IngressRequest) (string, error) {
	info, err := lk.ingress.CreateIngress(ctx, &livekit.CreateIngressRequest{
		InputType:           livekit.IngressInput_URL_INPUT,
		Url:                 req.URL,
		Name:                req.Name,
		RoomName:            req.Room,
		ParticipantIdentity: req.Identity,
		ParticipantName:     req.Name,
	})
	if err != nil {
		return "", fmt.Errorf("media: create ingress in %s: %w", req.Room, classify(err))
	}
	return info.GetIngressId(), nil
}

// DeleteIngress implements ControlPlane.
func (lk *LiveKit) DeleteIngress(ctx context.Context, ingressID string) error {
	if _, err := lk.ingress.DeleteIngress(ctx, &livekit.DeleteIngressRequest{IngressId: ingressID}); err != nil {
		return fmt.Errorf("media: delete ingress %s: %w", ingressID, classify(err))
	}
	return nil
}

// classify maps twirp not-found answers, and the server's "not found"
// failed-precondition answers for finished egresses, onto ErrNotFound.
func classify(err error) error {
	var te twirp.Error
	if errors.As(err, &te) {
		switch te.Code() {
		case twirp.NotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, te.Msg())
		case twirp.FailedPrecondition:
			if strings.Contains(strings.ToLower(te.Msg()), "not found") {
				return fmt.Errorf("%w: %s", ErrNotFound, te.Msg())
			}
		}
		return err
	}
	if strings.Contains(strings.ToLower(err.Error()), "egress not found") {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// httpURL converts a ws(s) server URL to the http(s) form the API clients use.
func httpURL(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}
