package media

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

// DefaultTokenTTL is how long a join token stays valid.
const DefaultTokenTTL = 6 * time.Hour

// TokenIssuer mints room join tokens for interview candidates.
type TokenIssuer struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
}

// NewTokenIssuer creates a TokenIssuer. A zero ttl uses DefaultTokenTTL.
func NewTokenIssuer(apiKey, apiSecret string, ttl time.Duration) (*TokenIssuer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("media: token: api key and secret are required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{apiKey: apiKey, apiSecret: apiSecret, ttl: ttl}, nil
}

// Issue returns a signed token letting identity join room, publish its
// microphone and hear the interviewer.
func (ti *TokenIssuer) Issue(room, identity, name string) (string, error) {
	if room == "" {
		return "", fmt.Errorf("media: token: room is required")
	}
	if identity == "" {
		return "", fmt.Errorf("media: token: identity is required")
	}
	if name == "" {
		name = identity
	}
	yes := true
	at := auth.NewAccessToken(ti.apiKey, ti.apiSecret).
		SetVideoGrant(&auth.VideoGrant{
			RoomJoin:     true,
			Room:         room,
			CanPublish:   &yes,
			CanSubscribe: &yes,
		}).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(ti.ttl)
	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("media: token: sign: %w", err)
	}
	return token, nil
}
