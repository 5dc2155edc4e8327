package db

import (
	"fmt"

	"github.com/zulandar/interviewer/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the GORM models that make up the interview archive.
func AllModels() []interface{} {
	return []interface{}{
		&models.Interview{},
		&models.TranscriptEntry{},
	}
}

// AutoMigrate creates or updates the archive tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
