package notifs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is a consumer of notification messages which keeps per-user
// notification lists in a database.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ Sink = (*Store)(nil)

func NewStore(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&NotifRecord{}, &NotifRecordState{}, &NotifSeen{}); err != nil {
		return nil, fmt.Errorf("migrating notification tables: %w", err)
	}
	if logger == nil {
		logger = slog.Default().With("system", "notifs")
	}
	return &Store{
		db:     db,
		logger: logger,
	}, nil
}

type NotifRecord struct {
	ID            uint64 `gorm:"primaryKey"`
	CreatedAt     time.Time
	UserDid       string `gorm:"not null;uniqueIndex:idx_notif_user_record_reason,priority:1;index"`
	Author        string `gorm:"not null"`
	RecordUri     string `gorm:"not null;uniqueIndex:idx_notif_user_record_reason,priority:2;index"`
	RecordCid     string `gorm:"not null"`
	Reason        string `gorm:"not null;uniqueIndex:idx_notif_user_record_reason,priority:3"`
	ReasonSubject *string
}

// NotifRecordState tracks whether notifications for a record have been
// retracted. Once deleted, later creates for the record are dropped.
type NotifRecordState struct {
	RecordUri string `gorm:"primaryKey"`
	Deleted   bool
	UpdatedAt time.Time
}

type NotifSeen struct {
	ID       uint   `gorm:"primarykey"`
	UserDid  string `gorm:"uniqueIndex"`
	LastSeen time.Time
}

// Notification is a stored notification as presented to its recipient.
type Notification struct {
	ID        uint64
	Info      Info
	IsRead    bool
	IndexedAt time.Time
}

func (s *Store) Emit(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case *CreateNotification:
		return s.applyCreate(ctx, m)
	case *DeleteNotifications:
		return s.applyDelete(ctx, m)
	default:
		return fmt.Errorf("unsupported notification message: %T", msg)
	}
}

func (s *Store) applyCreate(ctx context.Context, m *CreateNotification) error {
	if _, err := ParseReason(string(m.Reason)); err != nil {
		return err
	}

	result := "created"
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := lockRecordState(tx, m.RecordUri)
		if err != nil {
			return err
		}
		if st.Deleted {
			result = "dropped"
			return nil
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&NotifRecord{
			UserDid:       m.UserDid,
			Author:        m.Author,
			RecordUri:     m.RecordUri,
			RecordCid:     m.RecordCid,
			Reason:        string(m.Reason),
			ReasonSubject: m.ReasonSubject,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			result = "duplicate"
		}
		return nil
	})
	if err != nil {
		messagesApplied.WithLabelValues(string(TypeCreateNotification), "error").Inc()
		return fmt.Errorf("applying create notification for %s: %w", m.RecordUri, err)
	}

	if result == "dropped" {
		s.logger.Debug("dropping notification for retracted record", "uri", m.RecordUri, "user", m.UserDid)
	}
	messagesApplied.WithLabelValues(string(TypeCreateNotification), result).Inc()
	return nil
}

func (s *Store) applyDelete(ctx context.Context, m *DeleteNotifications) error {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_uri"}},
			DoUpdates: clause.Assignments(map[string]any{"deleted": true, "updated_at": time.Now()}),
		}).Create(&NotifRecordState{RecordUri: m.RecordUri, Deleted: true}).Error; err != nil {
			return err
		}

		res := tx.Where("record_uri = ?", m.RecordUri).Delete(&NotifRecord{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		messagesApplied.WithLabelValues(string(TypeDeleteNotifications), "error").Inc()
		return fmt.Errorf("applying delete notifications for %s: %w", m.RecordUri, err)
	}

	s.logger.Debug("retracted notifications", "uri", m.RecordUri, "count", removed)
	messagesApplied.WithLabelValues(string(TypeDeleteNotifications), "deleted").Inc()
	return nil
}

// lockRecordState makes sure a state row exists for uri and locks it for the
// rest of the transaction.
func lockRecordState(tx *gorm.DB, uri string) (*NotifRecordState, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&NotifRecordState{RecordUri: uri}).Error; err != nil {
		return nil, err
	}

	var st NotifRecordState
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&st, "record_uri = ?", uri).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) lastSeen(ctx context.Context, user string) (time.Time, error) {
	var seen NotifSeen
	if err := s.db.WithContext(ctx).First(&seen, "user_did = ?", user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return seen.LastSeen, nil
}

// ListNotifications returns a page of notifications for user, newest first.
// before is an exclusive id cursor as returned by a previous call.
func (s *Store) ListNotifications(ctx context.Context, user string, before string, limit int) ([]Notification, string, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	lastSeen, err := s.lastSeen(ctx, user)
	if err != nil {
		return nil, "", err
	}

	q := s.db.WithContext(ctx).Where("user_did = ?", user).Order("id desc").Limit(limit)
	if before != "" {
		cursorID, err := strconv.ParseUint(before, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor %q: %w", before, err)
		}
		q = q.Where("id < ?", cursorID)
	}

	var rows []NotifRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, "", err
	}

	out := make([]Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, Notification{
			ID: row.ID,
			Info: Info{
				UserDid:       row.UserDid,
				Author:        row.Author,
				RecordUri:     row.RecordUri,
				RecordCid:     row.RecordCid,
				Reason:        Reason(row.Reason),
				ReasonSubject: row.ReasonSubject,
			},
			IsRead:    !row.CreatedAt.After(lastSeen),
			IndexedAt: row.CreatedAt,
		})
	}

	var cursor string
	if len(rows) == limit {
		cursor = strconv.FormatUint(rows[len(rows)-1].ID, 10)
	}
	return out, cursor, nil
}

func (s *Store) CountUnread(ctx context.Context, user string) (int64, error) {
	lastSeen, err := s.lastSeen(ctx, user)
	if err != nil {
		return 0, err
	}

	var c int64
	if err := s.db.WithContext(ctx).Model(&NotifRecord{}).Where("user_did = ? AND created_at > ?", user, lastSeen).Count(&c).Error; err != nil {
		return 0, err
	}
	return c, nil
}

func (s *Store) UpdateSeen(ctx context.Context, user string, seen time.Time) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_did"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
	}).Create(&NotifSeen{
		UserDid:  user,
		LastSeen: seen,
	}).Error
}
