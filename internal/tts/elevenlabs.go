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

// ElevenLabs defaults.
const (
	DefaultElevenLabsURL   = "https://api.elevenlabs.io"
	DefaultElevenLabsVoice = "EXAVITQu4vr4xnSDxMaL"
	DefaultElevenLabsModel = "eleven_turbo_v2"
)

// ElevenLabs synthesizes speech with the ElevenLabs streaming endpoint.
type ElevenLabs struct {
	client  httpDoer
	apiKey  string
	baseURL string
	voice   string
	model   string
}

// ElevenLabsOpts holds parameters for creating an ElevenLabs synthesizer.
type ElevenLabsOpts struct {
	APIKey  string
	BaseURL string
	Voice   string
	Model   string
	Client  httpDoer // defaults to http.DefaultClient
}

// NewElevenLabs creates an ElevenLabs synthesizer.
func NewElevenLabs(opts ElevenLabsOpts) (*ElevenLabs, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("tts: elevenlabs: api key is required")
	}
	e := &ElevenLabs{
		client:  opts.Client,
		apiKey:  opts.APIKey,
		baseURL: opts.BaseURL,
		voice:   opts.Voice,
		model:   opts.Model,
	}
	if e.client == nil {
		e.client = http.DefaultClient
	}
	if e.baseURL == "" {
		e.baseURL = DefaultElevenLabsURL
	}
	if e.voice == "" {
		e.voice = DefaultElevenLabsVoice
	}
	if e.model == "" {
		e.model = DefaultElevenLabsModel
	}
	return e, nil
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize streams MP3 audio for text.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	body, err := json.Marshal(elevenLabsRequest{
		Text:          text,
		ModelID:       e.model,
		VoiceSettings: elevenLabsVoiceSettings{Stability: 0.5, SimilarityBoost: 0.5},
	})
	if err != nil {
		return nil, fmt.Errorf("tts: elevenlabs: marshal: %w", err)
	}
	endpoint := e.baseURL + "/v1/text-to-speech/" + url.PathEscape(e.voice) + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: elevenlabs: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: elevenlabs: %w", err)
	}
	if err := checkResponse("elevenlabs", resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Format implements Synthesizer.
func (e *ElevenLabs) Format() string { return "mp3" }
