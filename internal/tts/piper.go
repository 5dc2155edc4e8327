package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultPiperURL is where a local Piper HTTP server usually listens.
const DefaultPiperURL = "http://localhost:7071/tts"

// Piper synthesizes WAV audio with a self-hosted Piper server.
type Piper struct {
	client   httpDoer
	endpoint string
}

// NewPiper creates a Piper synthesizer for endpoint.
func NewPiper(endpoint string, client httpDoer) *Piper {
	if endpoint == "" {
		endpoint = DefaultPiperURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Piper{client: client, endpoint: endpoint}
}

// Synthesize posts text as a form field and streams back the WAV response.
func (p *Piper) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	form := url.Values{}
	form.Set("text", text)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("tts: piper: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: piper: %w", err)
	}
	if err := checkResponse("piper", resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Format implements Synthesizer.
func (p *Piper) Format() string { return "wav" }
