package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/lecternhq/lectern/internal/models"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.SegmentRecord{},
		&models.RunRecord{},
	}
}

// AutoMigrate creates or updates all archive tables.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
