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

type CreateReportInput struct {
	ReasonType string
	Reason     *string
	Subject    subject.Subject
	ReportedBy string
	// IdempotencyKey, when set, makes a retried call return the report the
	// first call created.
	IdempotencyKey string
}

// CreateReport files a report. Reports are never merged: every call adds a
// row, unless it repeats an idempotency key.
func (e *Engine) CreateReport(ctx context.Context, in CreateReportInput) (*Report, error) {
	ctx, span := tracer.Start(ctx, "CreateReport")
	defer span.End()

	reasonType, err := ParseReasonType(in.ReasonType)
	if err != nil {
		return nil, err
	}
	if _, err := subject.ParseDID(in.ReportedBy); err != nil {
		return nil, invalidf("reportedBy: %v", err)
	}
	if in.Subject == nil {
		return nil, invalidf("subject is required")
	}
	span.SetAttributes(attribute.String("reason_type", string(reasonType)), attribute.String("subject", in.Subject.String()))

	if in.IdempotencyKey != "" {
		if prev, err := e.reportByIdempotencyKey(ctx, in.IdempotencyKey); err != nil || prev != nil {
			if err != nil {
				return nil, err
			}
			return replayedReport(prev, reasonType, in)
		}
	}

	subj, err := e.resolveReported(ctx, in.Subject)
	if err != nil {
		return nil, err
	}
	typ, did, uri, cid, err := subject.Columns(subj)
	if err != nil {
		return nil, invalidf("%v", err)
	}

	row := models.ModerationReport{
		SubjectType:   typ,
		SubjectDid:    did,
		SubjectUri:    uri,
		SubjectCid:    cid,
		ReasonType:    string(reasonType),
		Reason:        in.Reason,
		ReportedByDid: in.ReportedBy,
		CreatedAt:     e.clock(),
	}
	if in.IdempotencyKey != "" {
		row.IdempotencyKey = &in.IdempotencyKey
	}

	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrDuplicatedKey) && in.IdempotencyKey != "" {
			if prev, perr := e.reportByIdempotencyKey(ctx, in.IdempotencyKey); perr == nil && prev != nil {
				return replayedReport(prev, reasonType, in)
			}
		}
		return nil, unavailable(err)
	}

	reportsCreated.WithLabelValues(string(reasonType)).Inc()
	e.logger.Info("report created", "id", row.ID, "reason_type", reasonType, "subject", subj.String())
	return reportFromRow(&row, nil)
}

// resolveReported checks that a reported subject exists. A record reported
// at a specific CID keeps that CID even if the record has since changed.
func (e *Engine) resolveReported(ctx context.Context, s subject.Subject) (subject.Subject, error) {
	rec, ok := s.(subject.Record)
	if !ok || !rec.Pinned() {
		out, err := e.resolver.ResolveSubject(ctx, s)
		if err != nil {
			return nil, subjectErr(err)
		}
		return out, nil
	}
	if _, err := e.resolver.ResolveSubject(ctx, subject.Record{Uri: rec.Uri}); err != nil {
		return nil, subjectErr(err)
	}
	return rec, nil
}

func replayedReport(prev *Report, reasonType ReasonType, in CreateReportInput) (*Report, error) {
	if prev.ReasonType != reasonType || prev.ReportedBy != in.ReportedBy || !sameSubject(prev.Subject, in.Subject) {
		return nil, invalidf("idempotency key %q was used for a different report", in.IdempotencyKey)
	}
	return prev, nil
}

func (e *Engine) reportByIdempotencyKey(ctx context.Context, key string) (*Report, error) {
	var row models.ModerationReport
	if err := e.db.WithContext(ctx).Where("idempotency_key = ?", key).Limit(1).Find(&row).Error; err != nil {
		return nil, unavailable(err)
	}
	if row.ID == 0 {
		return nil, nil
	}
	return e.hydrateReport(ctx, &row)
}

func (e *Engine) GetReport(ctx context.Context, id uint64) (*Report, error) {
	var row models.ModerationReport
	if err := e.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: report %d", ErrNotFound, id)
		}
		return nil, unavailable(err)
	}
	return e.hydrateReport(ctx, &row)
}

type ListReportsParams struct {
	Subject subject.Subject
	// Resolved, when set, keeps only reports that are (or are not) linked to
	// a live action.
	Resolved *bool
	Before   string
	Limit    int
}

type ReportPage struct {
	Reports []*Report
	Cursor  string
}

const liveResolutionExists = `EXISTS (SELECT 1 FROM moderation_report_resolutions
	JOIN moderation_actions ON moderation_actions.id = moderation_report_resolutions.action_id
	WHERE moderation_report_resolutions.report_id = moderation_reports.id
	AND moderation_actions.reversed_at IS NULL)`

func (e *Engine) ListReports(ctx context.Context, params ListReportsParams) (*ReportPage, error) {
	ctx, span := tracer.Start(ctx, "ListReports")
	defer span.End()

	limit := e.pageSize(params.Limit)
	q, err := filterSubject(e.db.WithContext(ctx).Model(&models.ModerationReport{}), params.Subject)
	if err != nil {
		return nil, err
	}
	if params.Resolved != nil {
		if *params.Resolved {
			q = q.Where(liveResolutionExists)
		} else {
			q = q.Where("NOT " + liveResolutionExists)
		}
	}
	if params.Before != "" {
		before, err := parseCursor(params.Before)
		if err != nil {
			return nil, err
		}
		q = q.Where("id < ?", before)
	}

	var rows []models.ModerationReport
	if err := q.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, unavailable(err)
	}

	reports, err := e.hydrateReports(ctx, rows)
	if err != nil {
		return nil, err
	}
	out := &ReportPage{Reports: reports}
	if len(rows) == limit {
		out.Cursor = strconv.FormatUint(rows[len(rows)-1].ID, 10)
	}
	return out, nil
}

func (e *Engine) hydrateReport(ctx context.Context, row *models.ModerationReport) (*Report, error) {
	out, err := e.hydrateReports(ctx, []models.ModerationReport{*row})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// hydrateReports attaches the live actions linked to each report. Reversed
// actions no longer count as resolving a report.
func (e *Engine) hydrateReports(ctx context.Context, rows []models.ModerationReport) ([]*Report, error) {
	out := make([]*Report, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}

	ids := lo.Map(rows, func(row models.ModerationReport, _ int) uint64 { return row.ID })
	var links []models.ModerationReportResolution
	err := e.db.WithContext(ctx).
		Joins("JOIN moderation_actions ON moderation_actions.id = moderation_report_resolutions.action_id").
		Where("moderation_report_resolutions.report_id IN ?", ids).
		Where("moderation_actions.reversed_at IS NULL").
		Find(&links).Error
	if err != nil {
		return nil, unavailable(err)
	}
	byReport := lo.GroupBy(links, func(l models.ModerationReportResolution) uint64 { return l.ReportId })

	for i := range rows {
		actionIDs := lo.Map(byReport[rows[i].ID], func(l models.ModerationReportResolution, _ int) uint64 { return l.ActionId })
		sort.Slice(actionIDs, func(a, b int) bool { return actionIDs[a] < actionIDs[b] })
		rep, err := reportFromRow(&rows[i], actionIDs)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}
