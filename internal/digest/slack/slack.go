// Package slack posts interview digests to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/interviewer/internal/digest"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Poster implements digest.Poster for Slack.
type Poster struct {
	client    slackClient
	channelID string
}

// Opts holds parameters for creating a Poster.
type Opts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Poster.
func New(opts Opts) (*Poster, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Poster{client: client, channelID: opts.ChannelID}, nil
}

// Post sends r as a message with one attachment.
func (p *Poster) Post(ctx context.Context, r digest.Report) error {
	options := buildMessageOptions(r)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := p.client.PostMessage(p.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func buildMessageOptions(r digest.Report) []slackapi.MsgOption {
	att := slackapi.Attachment{
		Title:    r.Title,
		Text:     r.Body,
		Color:    r.Color,
		Fallback: r.Title,
	}
	for _, f := range r.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(r.Title, false),
		slackapi.MsgOptionAttachments(att),
	}
}

// retryOnRateLimit retries fn while Slack answers with a rate limit,
// honoring Retry-After when present.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
