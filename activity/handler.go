// Package activity indexes ordinary repo activity and turns it into
// notification messages.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/bailiff/models"
	"github.com/bluesky-social/bailiff/notifs"
	"github.com/bluesky-social/bailiff/subject"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidOp is returned for ops that can never be applied.
var ErrInvalidOp = errors.New("invalid op")

type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is a single record change in a repo.
type Op struct {
	Action OpKind          `json:"action"`
	Uri    string          `json:"uri"`
	Cid    string          `json:"cid,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
}

type Handler struct {
	db     *gorm.DB
	outbox *notifs.Dispatcher
	logger *slog.Logger
}

func NewHandler(db *gorm.DB, outbox *notifs.Dispatcher, logger *slog.Logger) (*Handler, error) {
	if err := models.AutoMigrateIndex(db); err != nil {
		return nil, err
	}
	if err := notifs.MigrateOutbox(db); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With("system", "activity")
	}
	return &Handler{
		db:     db,
		outbox: outbox,
		logger: logger,
	}, nil
}

// HandleOp applies one op to the record index and enqueues the resulting
// notification messages in the same transaction.
func (h *Handler) HandleOp(ctx context.Context, op *Op) error {
	ctx, span := otel.Tracer("activity").Start(ctx, "HandleOp")
	defer span.End()

	did, collection, rkey, err := subject.SplitRecordURI(op.Uri)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOp, err)
	}
	span.SetAttributes(attribute.String("action", string(op.Action)), attribute.String("uri", op.Uri))

	var rcid string
	var rec any
	if op.Action == OpCreate || op.Action == OpUpdate {
		rcid, err = subject.ParseCID(op.Cid)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOp, err)
		}
	}
	if op.Action == OpCreate {
		rec, err = decodeRecord(collection, op.Record)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOp, err)
		}
	}

	var msgs []notifs.Message
	switch op.Action {
	case OpCreate:
		msgs, err = notificationsFor(did, op.Uri, rcid, rec)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOp, err)
		}
	case OpUpdate:
	case OpDelete:
		msgs = []notifs.Message{notifs.NewDeleteNotifications(op.Uri)}
	default:
		return fmt.Errorf("%w: unrecognized op action %q", ErrInvalidOp, op.Action)
	}

	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Account{Did: did}).Error; err != nil {
			return err
		}

		switch op.Action {
		case OpCreate, OpUpdate:
			entry := models.RecordEntry{
				Uri:        op.Uri,
				Did:        did,
				Collection: collection,
				Rkey:       rkey,
				Cid:        rcid,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "uri"}},
				DoUpdates: clause.Assignments(map[string]any{"cid": rcid, "deleted": false, "updated_at": time.Now()}),
			}).Create(&entry).Error; err != nil {
				return err
			}
		case OpDelete:
			if err := tx.Model(&models.RecordEntry{}).Where("uri = ?", op.Uri).Updates(map[string]any{"deleted": true, "updated_at": time.Now()}).Error; err != nil {
				return err
			}
		}

		for _, msg := range msgs {
			if err := notifs.Enqueue(tx, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		opsHandled.WithLabelValues(string(op.Action), collection, "error").Inc()
		return fmt.Errorf("applying %s of %s: %w", op.Action, op.Uri, err)
	}

	opsHandled.WithLabelValues(string(op.Action), collection, "ok").Inc()
	if len(msgs) > 0 && h.outbox != nil {
		h.outbox.Notify()
	}
	h.logger.Debug("handled op", "action", op.Action, "uri", op.Uri, "messages", len(msgs))
	return nil
}

// notificationsFor derives the notifications a newly created record causes.
// Nobody is notified about their own activity.
func notificationsFor(author, uri, rcid string, rec any) ([]notifs.Message, error) {
	var out []notifs.Message
	add := func(user string, reason notifs.Reason, reasonSubject string) {
		if user == "" || user == author {
			return
		}
		info := notifs.Info{
			UserDid:   user,
			Author:    author,
			RecordUri: uri,
			RecordCid: rcid,
			Reason:    reason,
		}
		if reasonSubject != "" {
			info.ReasonSubject = &reasonSubject
		}
		out = append(out, notifs.NewCreateNotification(info))
	}

	switch rec := rec.(type) {
	case nil:
	case *FeedPost:
		if rec.Reply != nil && rec.Reply.Parent != nil {
			add(subject.DidFromURI(rec.Reply.Parent.Uri), notifs.ReasonReply, rec.Reply.Parent.Uri)
		}
		for _, did := range lo.Uniq(rec.mentions()) {
			add(did, notifs.ReasonMention, "")
		}
	case *FeedVote:
		if rec.Subject == nil {
			return nil, fmt.Errorf("vote has no subject")
		}
		switch rec.Direction {
		case "up":
			add(subject.DidFromURI(rec.Subject.Uri), notifs.ReasonVote, rec.Subject.Uri)
		case "down":
		default:
			return nil, fmt.Errorf("invalid vote direction: %q", rec.Direction)
		}
	case *FeedRepost:
		if rec.Subject == nil {
			return nil, fmt.Errorf("repost has no subject")
		}
		add(subject.DidFromURI(rec.Subject.Uri), notifs.ReasonRepost, rec.Subject.Uri)
	case *GraphFollow:
		add(rec.Subject.Did, notifs.ReasonFollow, "")
	case *GraphAssertion:
		reason := notifs.ReasonAssertion
		if rec.Assertion == AssertMember {
			reason = notifs.ReasonInvite
		}
		add(rec.Subject.Did, reason, "")
	default:
		return nil, fmt.Errorf("unrecognized record type: %T", rec)
	}
	return out, nil
}
