package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/interviewer/internal/convo"
)

// recordingProvider captures every request it receives.
type recordingProvider struct {
	mu       sync.Mutex
	requests []Request
	reply    string
	err      error
	block    bool
}

func (p *recordingProvider) Chat(ctx context.Context, req Request) (string, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return p.reply, p.err
}

func (p *recordingProvider) last() Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func buildHistory(pairs int) []convo.Turn {
	h := []convo.Turn{{Role: convo.RoleSystem, Content: "system"}}
	for i := 0; i < pairs; i++ {
		h = append(h,
			convo.Turn{Role: convo.RoleUser, Content: fmt.Sprintf("q%d", i)},
			convo.Turn{Role: convo.RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		)
	}
	return h
}

func TestNew_RequiresProvider(t *testing.T) {
	if _, err := New(ClientOpts{}); err == nil {
		t.Fatal("expected error for missing provider")
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(ClientOpts{Provider: &recordingProvider{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.window != DefaultWindow || c.maxTokens != DefaultMaxTokens || c.temperature != DefaultTemperature {
		t.Errorf("defaults = %d/%d/%v", c.window, c.maxTokens, c.temperature)
	}
}

func TestComplete_TruncatesToWindow(t *testing.T) {
	p := &recordingProvider{reply: "next question"}
	c, _ := New(ClientOpts{Provider: p, Window: 4})

	history := append(buildHistory(5), convo.Turn{Role: convo.RoleUser, Content: "latest"})
	if _, err := c.Complete(context.Background(), history); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got := p.last().Messages
	if len(got) != 5 {
		t.Fatalf("forwarded %d messages, want 5 (system + 4)", len(got))
	}
	if got[0].Role != convo.RoleSystem {
		t.Errorf("got[0].Role = %q, want system", got[0].Role)
	}
	want := []string{"a3", "q4", "a4", "latest"}
	for i, w := range want {
		if got[i+1].Content != w {
			t.Errorf("got[%d] = %q, want %q", i+1, got[i+1].Content, w)
		}
	}
}

func TestComplete_ShortHistoryUntouched(t *testing.T) {
	p := &recordingProvider{reply: "ok"}
	c, _ := New(ClientOpts{Provider: p})
	history := []convo.Turn{
		{Role: convo.RoleSystem, Content: "s"},
		{Role: convo.RoleUser, Content: "hi"},
	}
	c.Complete(context.Background(), history)
	if n := len(p.last().Messages); n != 2 {
		t.Errorf("forwarded %d messages, want 2", n)
	}
}

func TestComplete_PassesLimits(t *testing.T) {
	p := &recordingProvider{reply: "ok"}
	c, _ := New(ClientOpts{Provider: p, MaxTokens: 42, Temperature: 0.3})
	c.Complete(context.Background(), buildHistory(1))
	req := p.last()
	if req.MaxTokens != 42 {
		t.Errorf("MaxTokens = %d, want 42", req.MaxTokens)
	}
	if req.Temperature != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", req.Temperature)
	}
}

func TestComplete_TrimsReply(t *testing.T) {
	c, _ := New(ClientOpts{Provider: &recordingProvider{reply: "  Great answer.\n"}})
	got, err := c.Complete(context.Background(), buildHistory(1))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "Great answer." {
		t.Errorf("reply = %q, want %q", got, "Great answer.")
	}
}

func TestComplete_EmptyReplyIsError(t *testing.T) {
	c, _ := New(ClientOpts{Provider: &recordingProvider{reply: "   "}})
	if _, err := c.Complete(context.Background(), buildHistory(1)); err == nil {
		t.Fatal("expected error for empty reply")
	}
}

func TestComplete_ProviderError(t *testing.T) {
	boom := errors.New("rate limited")
	c, _ := New(ClientOpts{Provider: &recordingProvider{err: boom}})
	_, err := c.Complete(context.Background(), buildHistory(1))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
	if !strings.HasPrefix(err.Error(), "llm: complete") {
		t.Errorf("error = %q, want llm: complete prefix", err)
	}
}

func TestComplete_Timeout(t *testing.T) {
	c, _ := New(ClientOpts{Provider: &recordingProvider{block: true}, Timeout: 20 * time.Millisecond})
	start := time.Now()
	_, err := c.Complete(context.Background(), buildHistory(1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Complete took %v, want bounded by timeout", time.Since(start))
	}
}

func TestComplete_EmptyHistory(t *testing.T) {
	c, _ := New(ClientOpts{Provider: &recordingProvider{reply: "x"}})
	if _, err := c.Complete(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty history")
	}
}

func TestWindow_NoSystemPrompt(t *testing.T) {
	h := []convo.Turn{
		{Role: convo.RoleUser, Content: "1"},
		{Role: convo.RoleAssistant, Content: "2"},
		{Role: convo.RoleUser, Content: "3"},
	}
	got := Window(h, 2)
	if len(got) != 2 || got[0].Content != "2" || got[1].Content != "3" {
		t.Errorf("Window = %+v, want last two", got)
	}
}

func TestWindow_DoesNotAliasInput(t *testing.T) {
	h := buildHistory(3)
	got := Window(h, 2)
	got[0].Content = "changed"
	if h[0].Content != "system" {
		t.Error("Window result aliases the input slice")
	}
}
