package tts

import (
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// maxOpenAIInput is the longest input the speech endpoint accepts.
const maxOpenAIInput = 4096

type speechClient interface {
	CreateSpeech(ctx context.Context, req openai.CreateSpeechRequest) (openai.RawResponse, error)
}

// OpenAI synthesizes speech with the OpenAI audio API.
type OpenAI struct {
	client speechClient
	model  string
	voice  string
	format string
}

// OpenAIOpts holds parameters for creating an OpenAI synthesizer.
type OpenAIOpts struct {
	APIKey  string
	BaseURL string
	Model   string // defaults to tts-1
	Voice   string // defaults to alloy
	Format  string // defaults to mp3
	Client  speechClient
}

// NewOpenAI creates an OpenAI synthesizer.
func NewOpenAI(opts OpenAIOpts) (*OpenAI, error) {
	client := opts.Client
	if client == nil {
		if opts.APIKey == "" {
			return nil, fmt.Errorf("tts: openai: api key is required")
		}
		cfg := openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		client = openai.NewClientWithConfig(cfg)
	}
	o := &OpenAI{client: client, model: opts.Model, voice: opts.Voice, format: opts.Format}
	if o.model == "" {
		o.model = string(openai.TTSModel1)
	}
	if o.voice == "" {
		o.voice = string(openai.VoiceAlloy)
	}
	if o.format == "" {
		o.format = string(openai.SpeechResponseFormatMp3)
	}
	return o, nil
}

// Synthesize requests speech for text, truncated to the endpoint's limit.
func (o *OpenAI) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          truncateRunes(text, maxOpenAIInput),
		Voice:          openai.SpeechVoice(o.voice),
		ResponseFormat: openai.SpeechResponseFormat(o.format),
	})
	if err != nil {
		return nil, fmt.Errorf("tts: openai: %w", err)
	}
	return resp.ReadCloser, nil
}

// Format implements Synthesizer.
func (o *OpenAI) Format() string { return o.format }

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
