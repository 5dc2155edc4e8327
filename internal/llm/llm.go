// Package llm turns a room's turn history into the interviewer's next line.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/interviewer/internal/convo"
)

// Default generation parameters.
const (
	DefaultWindow      = 10
	DefaultMaxTokens   = 150
	DefaultTemperature = 0.7
	DefaultTimeout     = 20 * time.Second
)

// Request is what a Provider receives for one completion.
type Request struct {
	Messages    []convo.Turn
	MaxTokens   int
	Temperature float32
}

// Provider performs a single chat completion against a backend.
type Provider interface {
	Chat(ctx context.Context, req Request) (string, error)
}

// Generator produces a reply from a turn history.
type Generator interface {
	Complete(ctx context.Context, history []convo.Turn) (string, error)
}

// Client applies windowing and limits before delegating to a Provider.
type Client struct {
	provider    Provider
	window      int
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	Provider    Provider
	Window      int     // most recent non-system turns forwarded; defaults to DefaultWindow
	MaxTokens   int     // defaults to DefaultMaxTokens
	Temperature float32 // defaults to DefaultTemperature
	Timeout     time.Duration
}

// New creates a Client.
func New(opts ClientOpts) (*Client, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("llm: provider is required")
	}
	c := &Client{
		provider:    opts.Provider,
		window:      opts.Window,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
	}
	if c.window <= 0 {
		c.window = DefaultWindow
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.temperature <= 0 {
		c.temperature = DefaultTemperature
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	return c, nil
}

// Complete forwards the system prompt plus the most recent window of turns
// and returns the trimmed reply. An empty reply is an error.
func (c *Client) Complete(ctx context.Context, history []convo.Turn) (string, error) {
	msgs := Window(history, c.window)
	if len(msgs) == 0 {
		return "", fmt.Errorf("llm: empty history")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.provider.Chat(ctx, Request{
		Messages:    msgs,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("llm: complete: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("llm: empty reply")
	}
	return reply, nil
}

// Window keeps a leading system turn, if any, and the last n other turns.
func Window(history []convo.Turn, n int) []convo.Turn {
	var system []convo.Turn
	rest := history
	if len(rest) > 0 && rest[0].Role == convo.RoleSystem {
		system = rest[:1]
		rest = rest[1:]
	}
	if n > 0 && len(rest) > n {
		rest = rest[len(rest)-n:]
	}
	out := make([]convo.Turn, 0, len(system)+len(rest))
	out = append(out, system...)
	return append(out, rest...)
}
