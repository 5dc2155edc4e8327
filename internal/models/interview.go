package models

import "time"

// Interview is the archived record of one finished interview room.
type Interview struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	RoomID      string    `gorm:"size:64;not null;index"`
	Participant string    `gorm:"size:128;index"`
	Status      string    `gorm:"size:16;default:completed;index"` // created, active, completed
	Reason      string    `gorm:"size:32"`                         // ended, room_finished, expired
	Metadata    string    `gorm:"type:json"`
	TurnCount   int       `gorm:"default:0"`
	StartedAt   time.Time `gorm:"index"`
	EndedAt     time.Time
	CreatedAt   time.Time

	Entries []TranscriptEntry `gorm:"foreignKey:InterviewID"`
}

// TranscriptEntry stores one transcript line of an archived interview.
type TranscriptEntry struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	InterviewID uint      `gorm:"not null;index:idx_interview_seq"`
	Sequence    int       `gorm:"not null;index:idx_interview_seq"`
	Sender      string    `gorm:"size:8;not null"` // "user" or "ai"
	Text        string    `gorm:"type:text;not null"`
	SpokenAt    time.Time
}
