package models

import "time"

// RunRecord is the archived rollup of one flow run's event log.
type RunRecord struct {
	RunID        string `gorm:"primaryKey;size:64"`
	Status       string `gorm:"size:16;index"`
	EventCount   int
	ErrorCount   int
	WarningCount int
	LastProblem  string `gorm:"type:text"`
	LogPath      string `gorm:"size:255"`
	CreatedTs    int64
	UpdatedTs    int64
	ArchivedAt   time.Time
}
