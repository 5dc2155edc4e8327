// Package digest posts a short summary of each finished interview to a chat
// channel.
package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/interviewer/internal/convo"
	"go.uber.org/zap"
)

// Defaults for Sink.
const (
	DefaultMaxLines    = 12
	DefaultLineChars   = 280
	DefaultPostTimeout = 15 * time.Second
)

// Sidebar colors by close reason.
const (
	ColorEnded    = "#36a64f"
	ColorFinished = "#439fe0"
	ColorExpired  = "#daa038"
)

// Report is a platform-neutral interview summary.
type Report struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

// Field is a key-value pair shown alongside the report.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Poster delivers a report to one chat platform.
type Poster interface {
	Post(ctx context.Context, r Report) error
}

// Sink turns closed rooms into reports.
type Sink struct {
	poster      Poster
	maxLines    int
	minMessages int
	timeout     time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// SinkOpts holds parameters for creating a Sink.
type SinkOpts struct {
	Poster      Poster
	MaxLines    int // transcript lines included, newest last
	MinMessages int // rooms with fewer messages are not reported; defaults to 1
	Timeout     time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
}

// NewSink creates a Sink.
func NewSink(opts SinkOpts) (*Sink, error) {
	if opts.Poster == nil {
		return nil, fmt.Errorf("digest: poster is required")
	}
	s := &Sink{
		poster:      opts.Poster,
		maxLines:    opts.MaxLines,
		minMessages: opts.MinMessages,
		timeout:     opts.Timeout,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if s.maxLines <= 0 {
		s.maxLines = DefaultMaxLines
	}
	if s.minMessages <= 0 {
		s.minMessages = 1
	}
	if s.timeout <= 0 {
		s.timeout = DefaultPostTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// RoomClosed posts the digest for room.
func (s *Sink) RoomClosed(ctx context.Context, room convo.Room, reason string) error {
	if len(room.Messages) < s.minMessages {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.poster.Post(ctx, Build(room, reason, s.now(), s.maxLines)); err != nil {
		return fmt.Errorf("digest: post %s: %w", room.ID, err)
	}
	s.logger.Debug("digest posted", zap.String("room", room.ID))
	return nil
}

// Build summarizes room. Only the last maxLines transcript lines are kept.
func Build(room convo.Room, reason string, now time.Time, maxLines int) Report {
	var answers int
	for _, m := range room.Messages {
		if m.Sender == convo.SenderUser {
			answers++
		}
	}

	participant := room.Participant
	if participant == "" {
		participant = "unknown"
	}
	r := Report{
		Title: fmt.Sprintf("Interview %s finished", room.ID),
		Color: colorFor(reason),
		Fields: []Field{
			{Name: "Candidate", Value: participant, Short: true},
			{Name: "Reason", Value: reason, Short: true},
			{Name: "Answers", Value: fmt.Sprint(answers), Short: true},
		},
	}
	if !room.CreatedAt.IsZero() {
		r.Fields = append(r.Fields, Field{
			Name:  "Duration",
			Value: now.Sub(room.CreatedAt).Round(time.Second).String(),
			Short: true,
		})
	}
	if role := room.Metadata["role"]; role != "" {
		r.Fields = append(r.Fields, Field{Name: "Role", Value: role, Short: true})
	}

	msgs := room.Messages
	var b strings.Builder
	if maxLines > 0 && len(msgs) > maxLines {
		fmt.Fprintf(&b, "(%d earlier lines omitted)\n", len(msgs)-maxLines)
		msgs = msgs[len(msgs)-maxLines:]
	}
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", speaker(m.Sender), clip(m.Text, DefaultLineChars))
	}
	r.Body = strings.TrimRight(b.String(), "\n")
	return r
}

func speaker(s convo.Sender) string {
	if s == convo.SenderAI {
		return "Interviewer"
	}
	return "Candidate"
}

func colorFor(reason string) string {
	switch reason {
	case "ended":
		return ColorEnded
	case "expired":
		return ColorExpired
	default:
		return ColorFinished
	}
}

// clip truncates s to n runes.
func clip(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
