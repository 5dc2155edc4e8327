package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Deepgram Aura defaults.
const (
	DefaultDeepgramSpeakURL = "https://api.deepgram.com/v1/speak"
	DefaultDeepgramVoice    = "aura-asteria-en"
)

// Deepgram synthesizes speech with Deepgram Aura.
type Deepgram struct {
	client   httpDoer
	apiKey   string
	endpoint string
	voice    string
}

// DeepgramOpts holds parameters for creating a Deepgram synthesizer.
type DeepgramOpts struct {
	APIKey   string
	Endpoint string
	Voice    string
	Client   httpDoer
}

// NewDeepgram creates a Deepgram synthesizer.
func NewDeepgram(opts DeepgramOpts) (*Deepgram, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("tts: deepgram: api key is required")
	}
	d := &Deepgram{client: opts.Client, apiKey: opts.APIKey, endpoint: opts.Endpoint, voice: opts.Voice}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	if d.endpoint == "" {
		d.endpoint = DefaultDeepgramSpeakURL
	}
	if d.voice == "" {
		d.voice = DefaultDeepgramVoice
	}
	return d, nil
}

// Synthesize streams MP3 audio for text.
func (d *Deepgram) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return nil, fmt.Errorf("tts: deepgram: marshal: %w", err)
	}
	q := url.Values{}
	q.Set("model", d.voice)
	q.Set("encoding", "mp3")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: deepgram: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: deepgram: %w", err)
	}
	if err := checkResponse("deepgram", resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Format implements Synthesizer.
func (d *Deepgram) Format() string { return "mp3" }
