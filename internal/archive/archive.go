// Package archive persists finished interviews and reads them back.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/interviewer/internal/convo"
	"github.com/zulandar/interviewer/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no interview is archived for a room.
var ErrNotFound = errors.New("archive: interview not found")

// Sink writes closed rooms to the database.
type Sink struct {
	db        *gorm.DB
	keepEmpty bool
	now       func() time.Time
	logger    *zap.Logger
}

// SinkOpts holds parameters for creating a Sink.
type SinkOpts struct {
	DB        *gorm.DB
	KeepEmpty bool // archive rooms that never exchanged a message
	Now       func() time.Time
	Logger    *zap.Logger
}

// NewSink creates a Sink.
func NewSink(opts SinkOpts) (*Sink, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("archive: db is required")
	}
	s := &Sink{db: opts.DB, keepEmpty: opts.KeepEmpty, now: opts.Now, logger: opts.Logger}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// RoomClosed stores the room and its transcript in one transaction.
func (s *Sink) RoomClosed(ctx context.Context, room convo.Room, reason string) error {
	if len(room.Messages) == 0 && !s.keepEmpty {
		s.logger.Debug("skipping empty interview", zap.String("room", room.ID))
		return nil
	}
	iv, err := toModel(room, reason, s.now())
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&iv).Error
	})
	if err != nil {
		return fmt.Errorf("archive: save %s: %w", room.ID, err)
	}
	s.logger.Info("interview archived",
		zap.String("room", room.ID), zap.Uint("id", iv.ID),
		zap.Int("entries", len(iv.Entries)), zap.String("reason", reason))
	return nil
}

func toModel(room convo.Room, reason string, now time.Time) (models.Interview, error) {
	iv := models.Interview{
		RoomID:      room.ID,
		Participant: room.Participant,
		Status:      string(convo.StateCompleted),
		Reason:      reason,
		StartedAt:   room.CreatedAt,
		EndedAt:     now,
	}
	if len(room.Metadata) > 0 {
		b, err := json.Marshal(room.Metadata)
		if err != nil {
			return iv, fmt.Errorf("archive: encode metadata: %w", err)
		}
		iv.Metadata = string(b)
	}
	for i, m := range room.Messages {
		if m.Sender == convo.SenderUser {
			iv.TurnCount++
		}
		iv.Entries = append(iv.Entries, models.TranscriptEntry{
			Sequence: i,
			Sender:   string(m.Sender),
			Text:     m.Text,
			SpokenAt: m.Timestamp,
		})
	}
	return iv, nil
}

// ListOpts filters List results.
type ListOpts struct {
	Participant string
	Limit       int // defaults to 50
}

// List returns archived interviews, newest first, without transcripts.
func List(db *gorm.DB, opts ListOpts) ([]models.Interview, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q := db.Model(&models.Interview{})
	if opts.Participant != "" {
		q = q.Where("participant = ?", opts.Participant)
	}
	var out []models.Interview
	if err := q.Order("ended_at DESC").Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return out, nil
}

// Show returns the most recent archived interview for roomID with its
// transcript in spoken order.
func Show(db *gorm.DB, roomID string) (*models.Interview, error) {
	if roomID == "" {
		return nil, fmt.Errorf("archive: room id is required")
	}
	var iv models.Interview
	err := db.Where("room_id = ?", roomID).
		Order("id DESC").
		Preload("Entries", func(tx *gorm.DB) *gorm.DB { return tx.Order("sequence ASC") }).
		First(&iv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: show %s: %w", roomID, err)
	}
	return &iv, nil
}

// Messages converts an archived transcript back to transcript lines.
func Messages(iv *models.Interview) []convo.Message {
	out := make([]convo.Message, 0, len(iv.Entries))
	for _, e := range iv.Entries {
		out = append(out, convo.Message{Sender: convo.Sender(e.Sender), Text: e.Text, Timestamp: e.SpokenAt})
	}
	return out
}
