package models

import (
	"time"

	"gorm.io/gorm"
)

// Account is a locally known repo. The activity indexer keeps these rows in
// sync, and the index resolver answers subject existence checks from them.
type Account struct {
	gorm.Model
	Did         string `gorm:"uniqueIndex"`
	Handle      string
	Deactivated bool
}

// RecordEntry tracks the current version of a record.
type RecordEntry struct {
	ID         uint `gorm:"primarykey"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Uri        string `gorm:"uniqueIndex"`
	Did        string `gorm:"index"`
	Collection string
	Rkey       string
	Cid        string
	Deleted    bool
}

func AutoMigrateIndex(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &RecordEntry{})
}

func AutoMigrateModeration(db *gorm.DB) error {
	return db.AutoMigrate(&ModerationAction{}, &ModerationReport{}, &ModerationReportResolution{})
}
