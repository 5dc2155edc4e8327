package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/interviewer/internal/digest"
)

type mockSession struct {
	mu        sync.Mutex
	sent      []*discordgo.MessageSend
	channels  []string
	failCount int
	calls     int
	err       error
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failCount {
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
	}
	if m.err != nil {
		return nil, m.err
	}
	m.channels = append(m.channels, channelID)
	m.sent = append(m.sent, data)
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID}, nil
}

func newTestPoster(t *testing.T, sess *mockSession) *Poster {
	t.Helper()
	p, err := New(Opts{ChannelID: "chan-1", Session: sess})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.baseBackoff = time.Millisecond
	p.maxBackoff = 5 * time.Millisecond
	return p
}

var report = digest.Report{
	Title: "Interview r1 finished",
	Body:  "Interviewer: hello\nCandidate: hi",
	Color: "#36a64f",
	Fields: []digest.Field{
		{Name: "Candidate", Value: "alice", Short: true},
		{Name: "Reason", Value: "ended", Short: true},
	},
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "c"}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := New(Opts{Session: &mockSession{}}); err == nil {
		t.Error("expected error without channel")
	}
}

func TestPost(t *testing.T) {
	sess := &mockSession{}
	p := newTestPoster(t, sess)

	if err := p.Post(context.Background(), report); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if len(sess.sent) != 1 || sess.channels[0] != "chan-1" {
		t.Fatalf("sent = %d to %v", len(sess.sent), sess.channels)
	}
	embeds := sess.sent[0].Embeds
	if len(embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(embeds))
	}
	e := embeds[0]
	if e.Title != report.Title || e.Description != report.Body {
		t.Errorf("embed = %+v", e)
	}
	if e.Color != 0x36a64f {
		t.Errorf("Color = %#x, want 0x36a64f", e.Color)
	}
	if len(e.Fields) != 2 || e.Fields[1].Name != "Reason" || !e.Fields[1].Inline {
		t.Errorf("fields = %+v", e.Fields)
	}
}

func TestBuildMessageSend_ClipsLongBody(t *testing.T) {
	r := report
	r.Body = strings.Repeat("x", maxEmbedDescription+100)
	data := buildMessageSend(r)
	if n := len([]rune(data.Embeds[0].Description)); n != maxEmbedDescription {
		t.Errorf("description runes = %d, want %d", n, maxEmbedDescription)
	}
}

func TestPost_RetriesRateLimit(t *testing.T) {
	sess := &mockSession{failCount: 2}
	p := newTestPoster(t, sess)
	if err := p.Post(context.Background(), report); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if sess.calls != 3 {
		t.Errorf("calls = %d, want 3", sess.calls)
	}
}

func TestPost_GivesUp(t *testing.T) {
	sess := &mockSession{failCount: 100}
	p := newTestPoster(t, sess)
	if err := p.Post(context.Background(), report); err == nil {
		t.Fatal("expected error")
	}
	if sess.calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", sess.calls, maxRetries+1)
	}
}

func TestPost_OtherError(t *testing.T) {
	sess := &mockSession{err: errors.New("missing access")}
	p := newTestPoster(t, sess)
	err := p.Post(context.Background(), report)
	if err == nil || !strings.Contains(err.Error(), "discord: send message") {
		t.Errorf("err = %v", err)
	}
	if sess.calls != 1 {
		t.Errorf("calls = %d, want 1", sess.calls)
	}
}

func TestParseHexColor(t *testing.T) {
	tests := map[string]int{
		"#36a64f": 0x36a64f,
		"DAA038":  0xdaa038,
		"":        0,
		"#zz0000": 0,
	}
	for in, want := range tests {
		if got := parseHexColor(in); got != want {
			t.Errorf("parseHexColor(%q) = %#x, want %#x", in, got, want)
		}
	}
}
