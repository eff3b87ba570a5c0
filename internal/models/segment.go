package models

import "time"

// SegmentRecord is the archived form of one pipeline segment.
type SegmentRecord struct {
	SegmentID  string `gorm:"primaryKey;size:64"`
	FlowRunID  string `gorm:"size:64;index"`
	Text       string `gorm:"type:text"`
	AudioRef   string `gorm:"size:255"`
	Status     string `gorm:"size:16;index"`
	SourceRole string `gorm:"size:32"`
	SourcePage string `gorm:"size:64"`
	Injected   bool   `gorm:"default:false"`
	SentStatus string `gorm:"size:16"`
	CreatedTs  int64
	UpdatedTs  int64
	ArchivedAt time.Time
}
