package moderation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bluesky-social/bailiff/models"
	"github.com/bluesky-social/bailiff/subject"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ResolveReportsInput struct {
	ActionID  uint64
	ReportIDs []uint64
	CreatedBy string
}

// ResolveReports links reports to the action that addressed them. Every
// report must be covered by the action's subject. Links that already exist
// are left alone, so the call can be retried safely.
func (e *Engine) ResolveReports(ctx context.Context, in ResolveReportsInput) (*Action, error) {
	ctx, span := tracer.Start(ctx, "ResolveReports", trace.WithAttributes(
		attribute.Int64("action", int64(in.ActionID)),
		attribute.Int("reports", len(in.ReportIDs)),
	))
	defer span.End()

	if _, err := subject.ParseDID(in.CreatedBy); err != nil {
		return nil, invalidf("createdBy: %v", err)
	}
	reportIDs := lo.Uniq(in.ReportIDs)
	if len(reportIDs) == 0 {
		return nil, invalidf("at least one report id is required")
	}

	var act models.ModerationAction
	var linked int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&act, "id = ?", in.ActionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: action %d", ErrNotFound, in.ActionID)
			}
			return err
		}
		actSubj, err := subject.FromColumns(act.SubjectType, act.SubjectDid, act.SubjectUri, act.SubjectCid)
		if err != nil {
			return err
		}

		var reports []models.ModerationReport
		if err := tx.Where("id IN ?", reportIDs).Find(&reports).Error; err != nil {
			return err
		}
		if len(reports) != len(reportIDs) {
			found := lo.Map(reports, func(r models.ModerationReport, _ int) uint64 { return r.ID })
			missing := lo.Without(reportIDs, found...)
			sort.Slice(missing, func(a, b int) bool { return missing[a] < missing[b] })
			return fmt.Errorf("%w: reports %v", ErrNotFound, missing)
		}

		for _, rep := range reports {
			repSubj, err := subject.FromColumns(rep.SubjectType, rep.SubjectDid, rep.SubjectUri, rep.SubjectCid)
			if err != nil {
				return err
			}
			if !subject.Covers(actSubj, repSubj) {
				return fmt.Errorf("%w: report %d is about %s, action %d is about %s", ErrSubjectMismatch, rep.ID, repSubj, act.ID, actSubj)
			}
		}

		now := e.clock()
		links := lo.Map(reportIDs, func(id uint64, _ int) models.ModerationReportResolution {
			return models.ModerationReportResolution{
				ReportId:     id,
				ActionId:     act.ID,
				CreatedAt:    now,
				CreatedByDid: in.CreatedBy,
			}
		})
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&links)
		if res.Error != nil {
			return res.Error
		}
		linked = res.RowsAffected
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrSubjectMismatch) {
			return nil, err
		}
		return nil, unavailable(err)
	}

	resolutionsLinked.Add(float64(linked))
	e.logger.Info("reports resolved", "action", act.ID, "reports", reportIDs, "new_links", linked, "by", in.CreatedBy)
	return e.hydrateAction(ctx, &act)
}
