package slack

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/interviewer/internal/digest"
)

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

type mockSlackClient struct {
	mu        sync.Mutex
	posted    []postedMessage
	failCount int // rate-limit this many calls first
	calls     int
	postErr   error
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failCount {
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

var report = digest.Report{
	Title:  "Interview r1 finished",
	Body:   "Interviewer: hello\nCandidate: hi",
	Color:  digest.ColorEnded,
	Fields: []digest.Field{{Name: "Candidate", Value: "alice", Short: true}},
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "C1"}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := New(Opts{BotToken: "xoxb-1"}); err == nil {
		t.Error("expected error without channel")
	}
	if _, err := New(Opts{BotToken: "xoxb-1", ChannelID: "C1"}); err != nil {
		t.Errorf("New: %v", err)
	}
}

func TestPost(t *testing.T) {
	mock := &mockSlackClient{}
	p, _ := New(Opts{ChannelID: "C_INTERVIEWS", Client: mock})

	if err := p.Post(context.Background(), report); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if len(mock.posted) != 1 {
		t.Fatalf("posted %d, want 1", len(mock.posted))
	}
	msg := mock.posted[0]
	if msg.channelID != "C_INTERVIEWS" {
		t.Errorf("channel = %q", msg.channelID)
	}

	_, values, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", msg.channelID, "", msg.options...)
	if err != nil {
		t.Fatalf("apply options: %v", err)
	}
	if values.Get("text") != report.Title {
		t.Errorf("text = %q", values.Get("text"))
	}
	var atts []slackapi.Attachment
	if err := json.Unmarshal([]byte(values.Get("attachments")), &atts); err != nil {
		t.Fatalf("attachments: %v", err)
	}
	if len(atts) != 1 {
		t.Fatalf("attachments = %d, want 1", len(atts))
	}
	att := atts[0]
	if att.Text != report.Body || att.Color != digest.ColorEnded {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Candidate" || att.Fields[0].Value != "alice" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}

func TestPost_RetriesRateLimit(t *testing.T) {
	mock := &mockSlackClient{failCount: 2}
	p, _ := New(Opts{ChannelID: "C1", Client: mock})

	if err := p.Post(context.Background(), report); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if mock.calls != 3 {
		t.Errorf("calls = %d, want 3", mock.calls)
	}
}

func TestPost_GivesUpAfterRetries(t *testing.T) {
	mock := &mockSlackClient{failCount: 10}
	p, _ := New(Opts{ChannelID: "C1", Client: mock})

	err := p.Post(context.Background(), report)
	var rle *slackapi.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if mock.calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", mock.calls, maxRetries+1)
	}
}

func TestPost_OtherErrorNotRetried(t *testing.T) {
	mock := &mockSlackClient{postErr: errors.New("channel_not_found")}
	p, _ := New(Opts{ChannelID: "C1", Client: mock})

	if err := p.Post(context.Background(), report); err == nil {
		t.Fatal("expected error")
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want 1", mock.calls)
	}
}

func TestRetryOnRateLimit_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryOnRateLimit(ctx, func() error {
		return &slackapi.RateLimitedError{RetryAfter: time.Second}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
