package db

import "time"

// ProcessedCommand is the journal row for one command id. Status EXECUTING marks a
// dispatch whose outcome was not yet recorded.
type ProcessedCommand struct {
	ID             uint   `gorm:"primaryKey"`
	CommandID      string `gorm:"size:128;uniqueIndex"`
	Kind           string `gorm:"size:32"`
	Via            string `gorm:"size:16"`
	Status         string `gorm:"size:16;index"`
	Attempts       int
	Error          string `gorm:"size:2048"`
	UnknownOutcome bool
	ResultJSON     string `gorm:"type:text"`
	ExecutingAt    *time.Time
	CompletedAt    *time.Time
	AckedAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
