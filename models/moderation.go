package models

import (
	"time"
)

// ModerationAction is one enforcement decision. Rows are never deleted.
//
// LiveTakedownKey is set only while the row is a live takedown, and is
// unique, so at most one live takedown can exist per subject key.
type ModerationAction struct {
	ID              uint64  `gorm:"primaryKey"`
	Action          string  `gorm:"not null"`
	SubjectType     string  `gorm:"not null"`
	SubjectDid      string  `gorm:"not null;index"`
	SubjectUri      *string `gorm:"index"`
	SubjectCid      *string
	Reason          string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	CreatedByDid    string    `gorm:"not null"`
	ReversedAt      *time.Time
	ReversedByDid   *string
	ReversedReason  *string
	LiveTakedownKey *string `gorm:"uniqueIndex"`
	IdempotencyKey  *string `gorm:"uniqueIndex"`
}

func (a *ModerationAction) Live() bool {
	return a.ReversedAt == nil
}

type ModerationReport struct {
	ID             uint64  `gorm:"primaryKey"`
	SubjectType    string  `gorm:"not null"`
	SubjectDid     string  `gorm:"not null;index"`
	SubjectUri     *string `gorm:"index"`
	SubjectCid     *string
	ReasonType     string `gorm:"not null"`
	Reason         *string
	ReportedByDid  string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	IdempotencyKey *string   `gorm:"uniqueIndex"`
}

// ModerationReportResolution links a report to an action that addressed it.
type ModerationReportResolution struct {
	ReportId     uint64    `gorm:"primaryKey"`
	ActionId     uint64    `gorm:"primaryKey;index"`
	CreatedAt    time.Time `gorm:"not null"`
	CreatedByDid string    `gorm:"not null"`
}
