package moderation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/bluesky-social/bailiff/models"
	"github.com/bluesky-social/bailiff/subject"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type ListActionsParams struct {
	// Subject narrows results. A repo subject also matches actions on any
	// record in that repo.
	Subject subject.Subject
	// Before is the cursor from a previous page: only ids below it are returned.
	Before string
	Limit  int
}

type ActionPage struct {
	Actions []*Action
	// Cursor is empty on the last page.
	Cursor string
}

func (e *Engine) pageSize(limit int) int {
	if limit <= 0 {
		return e.defaultPageSize
	}
	if limit > e.maxPageSize {
		return e.maxPageSize
	}
	return limit
}

func parseCursor(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, invalidf("malformed cursor %q", raw)
	}
	return id, nil
}

func filterSubject(q *gorm.DB, s subject.Subject) (*gorm.DB, error) {
	switch v := s.(type) {
	case nil:
		return q, nil
	case subject.Repo:
		return q.Where("subject_did = ?", v.Did), nil
	case subject.Record:
		q = q.Where("subject_uri = ?", v.Uri)
		if v.Pinned() {
			q = q.Where("subject_cid = ?", v.Cid)
		}
		return q, nil
	default:
		return nil, invalidf("unsupported subject type: %T", s)
	}
}

// ListActions pages through actions newest first.
func (e *Engine) ListActions(ctx context.Context, params ListActionsParams) (*ActionPage, error) {
	ctx, span := tracer.Start(ctx, "ListActions")
	defer span.End()

	limit := e.pageSize(params.Limit)
	q, err := filterSubject(e.db.WithContext(ctx).Model(&models.ModerationAction{}), params.Subject)
	if err != nil {
		return nil, err
	}
	if params.Before != "" {
		before, err := parseCursor(params.Before)
		if err != nil {
			return nil, err
		}
		q = q.Where("id < ?", before)
	}

	var rows []models.ModerationAction
	if err := q.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, unavailable(err)
	}
	span.SetAttributes(attribute.Int("count", len(rows)))

	actions, err := e.hydrateActions(ctx, rows)
	if err != nil {
		return nil, err
	}

	out := &ActionPage{Actions: actions}
	if len(rows) == limit {
		out.Cursor = strconv.FormatUint(rows[len(rows)-1].ID, 10)
	}
	return out, nil
}

func (e *Engine) GetAction(ctx context.Context, id uint64) (*Action, error) {
	var row models.ModerationAction
	if err := e.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: action %d", ErrNotFound, id)
		}
		return nil, unavailable(err)
	}
	return e.hydrateAction(ctx, &row)
}

func (e *Engine) hydrateAction(ctx context.Context, row *models.ModerationAction) (*Action, error) {
	out, err := e.hydrateActions(ctx, []models.ModerationAction{*row})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// hydrateActions attaches linked report ids with one query for the whole page.
func (e *Engine) hydrateActions(ctx context.Context, rows []models.ModerationAction) ([]*Action, error) {
	out := make([]*Action, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}

	ids := lo.Map(rows, func(row models.ModerationAction, _ int) uint64 { return row.ID })
	var links []models.ModerationReportResolution
	if err := e.db.WithContext(ctx).Where("action_id IN ?", ids).Find(&links).Error; err != nil {
		return nil, unavailable(err)
	}
	byAction := lo.GroupBy(links, func(l models.ModerationReportResolution) uint64 { return l.ActionId })

	for i := range rows {
		reportIDs := lo.Map(byAction[rows[i].ID], func(l models.ModerationReportResolution, _ int) uint64 { return l.ReportId })
		sort.Slice(reportIDs, func(a, b int) bool { return reportIDs[a] < reportIDs[b] })
		act, err := actionFromRow(&rows[i], reportIDs)
		if err != nil {
			return nil, err
		}
		out = append(out, act)
	}
	return out, nil
}
