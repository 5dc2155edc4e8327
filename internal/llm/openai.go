package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/zulandar/interviewer/internal/convo"
)

// chatClient abstracts the go-openai methods we use.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI is a Provider for any OpenAI-compatible chat completions endpoint
// (OpenAI, Mistral, Ollama).
type OpenAI struct {
	client chatClient
	model  string
}

// OpenAIOpts holds parameters for creating an OpenAI provider.
type OpenAIOpts struct {
	APIKey  string
	BaseURL string // empty uses the OpenAI default
	Model   string
	// For testing: inject a client instead of building one from APIKey.
	Client chatClient
}

// NewOpenAI creates an OpenAI-compatible Provider.
func NewOpenAI(opts OpenAIOpts) (*OpenAI, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	client := opts.Client
	if client == nil {
		cfg := openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		client = openai.NewClientWithConfig(cfg)
	}
	return &OpenAI{client: client, model: opts.Model}, nil
}

// Chat sends one chat completion request and returns the first choice.
func (o *OpenAI) Chat(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, t := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    chatRole(t.Role),
			Content: t.Content,
		})
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("llm: openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func chatRole(r convo.Role) string {
	switch r {
	case convo.RoleSystem:
		return openai.ChatMessageRoleSystem
	case convo.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
