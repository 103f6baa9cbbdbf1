// Package moderation is the moderation action ledger: operators take and
// reverse actions on accounts and records, file reports, and link reports to
// the actions that resolved them.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/bailiff/models"
	"github.com/bluesky-social/bailiff/notifs"
	"github.com/bluesky-social/bailiff/resolver"
	"github.com/bluesky-social/bailiff/subject"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Config configures an Engine. Only Resolver is required.
type Config struct {
	Resolver resolver.Resolver
	// Outbox is poked after a commit that enqueued notification messages.
	// Messages are persisted either way.
	Outbox *notifs.Dispatcher
	Logger *slog.Logger
	Clock  func() time.Time

	DefaultPageSize int
	MaxPageSize     int
}

// Engine owns the moderation tables and is safe for concurrent use.
type Engine struct {
	db       *gorm.DB
	resolver resolver.Resolver
	outbox   *notifs.Dispatcher
	logger   *slog.Logger
	clock    func() time.Time

	defaultPageSize int
	maxPageSize     int
}

// NewEngine migrates the moderation and outbox tables on db and returns an
// engine backed by them.
func NewEngine(db *gorm.DB, config Config) (*Engine, error) {
	if config.Resolver == nil {
		return nil, fmt.Errorf("moderation engine requires a subject resolver")
	}
	if err := models.AutoMigrateModeration(db); err != nil {
		return nil, fmt.Errorf("migrating moderation tables: %w", err)
	}
	if err := notifs.MigrateOutbox(db); err != nil {
		return nil, fmt.Errorf("migrating outbox: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("system", "moderation")
	}
	clock := config.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = 50
	}
	if config.MaxPageSize <= 0 {
		config.MaxPageSize = 100
	}
	if config.DefaultPageSize > config.MaxPageSize {
		config.DefaultPageSize = config.MaxPageSize
	}

	return &Engine{
		db:              db,
		resolver:        config.Resolver,
		outbox:          config.Outbox,
		logger:          logger,
		clock:           clock,
		defaultPageSize: config.DefaultPageSize,
		maxPageSize:     config.MaxPageSize,
	}, nil
}

// TakeActionInput describes an action to record.
type TakeActionInput struct {
	Action    string
	Subject   subject.Subject
	Reason    string
	CreatedBy string
	// IdempotencyKey, when set, makes a retried call return the action the
	// first call created. Reusing a key for a different kind or subject is
	// rejected.
	IdempotencyKey string
}

// TakeAction records a new action against a subject that currently exists.
// At most one live takedown may exist per subject; a takedown of a record
// also retracts the notifications that record produced.
func (e *Engine) TakeAction(ctx context.Context, in TakeActionInput) (*Action, error) {
	ctx, span := tracer.Start(ctx, "TakeAction")
	defer span.End()

	kind, err := ParseActionKind(in.Action)
	if err != nil {
		return nil, err
	}
	if _, err := subject.ParseDID(in.CreatedBy); err != nil {
		return nil, invalidf("createdBy: %v", err)
	}
	if in.Subject == nil {
		return nil, invalidf("subject is required")
	}
	span.SetAttributes(attribute.String("action", string(kind)), attribute.String("subject", in.Subject.String()))

	if in.IdempotencyKey != "" {
		if prev, err := e.actionByIdempotencyKey(ctx, in.IdempotencyKey); err != nil || prev != nil {
			if err != nil {
				return nil, err
			}
			return replayedAction(prev, kind, in)
		}
	}

	subj, err := e.resolver.ResolveSubject(ctx, in.Subject)
	if err != nil {
		return nil, subjectErr(err)
	}
	typ, did, uri, cid, err := subject.Columns(subj)
	if err != nil {
		return nil, invalidf("%v", err)
	}

	row := models.ModerationAction{
		Action:       string(kind),
		SubjectType:  typ,
		SubjectDid:   did,
		SubjectUri:   uri,
		SubjectCid:   cid,
		Reason:       in.Reason,
		CreatedAt:    e.clock(),
		CreatedByDid: in.CreatedBy,
	}
	if in.IdempotencyKey != "" {
		row.IdempotencyKey = &in.IdempotencyKey
	}

	var takedownKey string
	if kind == ActionTakedown {
		takedownKey, err = subject.Key(subj)
		if err != nil {
			return nil, invalidf("%v", err)
		}
		row.LiveTakedownKey = &takedownKey
	}

	_, isRecord := subj.(subject.Record)
	retract := kind == ActionTakedown && isRecord

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if kind == ActionTakedown {
			var live int64
			if err := tx.Model(&models.ModerationAction{}).Where("live_takedown_key = ?", takedownKey).Count(&live).Error; err != nil {
				return err
			}
			if live > 0 {
				return fmt.Errorf("%w: %s is already taken down", ErrConflictingAction, subj)
			}
		}

		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		if retract {
			if err := notifs.Enqueue(tx, notifs.NewDeleteNotifications(subj.(subject.Record).Uri)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, ErrConflictingAction):
			conflictingTakedowns.Inc()
			return nil, err
		case errors.Is(err, gorm.ErrDuplicatedKey):
			if in.IdempotencyKey != "" {
				if prev, perr := e.actionByIdempotencyKey(ctx, in.IdempotencyKey); perr == nil && prev != nil {
					return replayedAction(prev, kind, in)
				}
			}
			// lost the race against a concurrent takedown
			conflictingTakedowns.Inc()
			return nil, fmt.Errorf("%w: %s is already taken down", ErrConflictingAction, subj)
		default:
			return nil, unavailable(err)
		}
	}

	if retract && e.outbox != nil {
		e.outbox.Notify()
	}

	actionsTaken.WithLabelValues(string(kind), typ).Inc()
	e.logger.Info("moderation action taken", "id", row.ID, "action", kind, "subject", subj.String(), "by", in.CreatedBy)
	span.SetAttributes(attribute.Int64("id", int64(row.ID)))
	return actionFromRow(&row, nil)
}

func (e *Engine) actionByIdempotencyKey(ctx context.Context, key string) (*Action, error) {
	var row models.ModerationAction
	if err := e.db.WithContext(ctx).Where("idempotency_key = ?", key).Limit(1).Find(&row).Error; err != nil {
		return nil, unavailable(err)
	}
	if row.ID == 0 {
		return nil, nil
	}
	return e.hydrateAction(ctx, &row)
}

// replayedAction returns prev if it was created by the same request as in.
func replayedAction(prev *Action, kind ActionKind, in TakeActionInput) (*Action, error) {
	if prev.Kind != kind || !sameSubject(prev.Subject, in.Subject) {
		return nil, invalidf("idempotency key %q was used for a different action", in.IdempotencyKey)
	}
	return prev, nil
}

// sameSubject reports whether a stored subject is the one requested. An
// unpinned record request matches any stored version of the record.
func sameSubject(stored, requested subject.Subject) bool {
	switch r := requested.(type) {
	case subject.Repo:
		s, ok := stored.(subject.Repo)
		return ok && s.Did == r.Did
	case subject.Record:
		s, ok := stored.(subject.Record)
		if !ok || s.Uri != r.Uri {
			return false
		}
		return !r.Pinned() || s.Cid == r.Cid
	default:
		return false
	}
}

type ReverseActionInput struct {
	ID        uint64
	CreatedBy string
	Reason    string
}

// ReverseAction marks a live action as overturned. Reversal is one-way and
// does not restore retracted notifications.
func (e *Engine) ReverseAction(ctx context.Context, in ReverseActionInput) (*Action, error) {
	ctx, span := tracer.Start(ctx, "ReverseAction", trace.WithAttributes(attribute.Int64("id", int64(in.ID))))
	defer span.End()

	if _, err := subject.ParseDID(in.CreatedBy); err != nil {
		return nil, invalidf("createdBy: %v", err)
	}

	var row models.ModerationAction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", in.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: action %d", ErrNotFound, in.ID)
			}
			return err
		}
		if !row.Live() {
			return fmt.Errorf("%w: action %d", ErrAlreadyReversed, in.ID)
		}

		now := e.clock()
		res := tx.Model(&models.ModerationAction{}).Where("id = ? AND reversed_at IS NULL", in.ID).Updates(map[string]any{
			"reversed_at":       now,
			"reversed_by_did":   in.CreatedBy,
			"reversed_reason":   in.Reason,
			"live_takedown_key": nil,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: action %d", ErrAlreadyReversed, in.ID)
		}

		row.ReversedAt = &now
		row.ReversedByDid = &in.CreatedBy
		row.ReversedReason = &in.Reason
		row.LiveTakedownKey = nil
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyReversed) {
			return nil, err
		}
		return nil, unavailable(err)
	}

	actionsReversed.WithLabelValues(row.Action).Inc()
	e.logger.Info("moderation action reversed", "id", row.ID, "action", row.Action, "by", in.CreatedBy)
	return e.hydrateAction(ctx, &row)
}

// Healthcheck confirms the ledger database is reachable.
func (e *Engine) Healthcheck(ctx context.Context) error {
	if err := e.db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		return unavailable(err)
	}
	return nil
}
