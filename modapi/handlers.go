package modapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/bluesky-social/bailiff/activity"
	"github.com/bluesky-social/bailiff/moderation"
	"github.com/bluesky-social/bailiff/subject"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("modapi")

func badRequest(format string, args ...any) error {
	return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf(format, args...))
}

func queryID(c echo.Context) (uint64, error) {
	raw := c.QueryParam("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("id must be a positive integer: %q", raw)
	}
	return id, nil
}

func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("limit must be an integer: %q", raw)
	}
	return limit, nil
}

func querySubject(c echo.Context) (subject.Subject, error) {
	raw := c.QueryParam("subject")
	if raw == "" {
		return nil, nil
	}
	subj, err := subject.Parse(raw)
	if err != nil {
		return nil, badRequest("invalid subject: %v", err)
	}
	return subj, nil
}

func bodySubject(ref *subject.Ref) (subject.Subject, error) {
	subj, err := subject.FromRef(ref)
	if err != nil {
		return nil, badRequest("invalid subject: %v", err)
	}
	return subj, nil
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	if err := srv.engine.Healthcheck(c.Request().Context()); err != nil {
		srv.logger.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(http.StatusServiceUnavailable, HealthStatus{Status: "error", Version: versioninfo.Short(), Message: "can't connect to database"})
	}
	return c.JSON(http.StatusOK, HealthStatus{Status: "ok", Version: versioninfo.Short()})
}

func (srv *Server) HandleTakeModerationAction(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleTakeModerationAction")
	defer span.End()

	var body TakeActionInput
	if err := c.Bind(&body); err != nil {
		return err
	}
	subj, err := bodySubject(body.Subject)
	if err != nil {
		return err
	}

	act, err := srv.engine.TakeAction(ctx, moderation.TakeActionInput{
		Action:         body.Action,
		Subject:        subj,
		Reason:         body.Reason,
		CreatedBy:      body.CreatedBy,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, NewActionView(act))
}

func (srv *Server) HandleReverseModerationAction(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleReverseModerationAction")
	defer span.End()

	var body ReverseActionInput
	if err := c.Bind(&body); err != nil {
		return err
	}
	act, err := srv.engine.ReverseAction(ctx, moderation.ReverseActionInput{
		ID:        body.ID,
		CreatedBy: body.CreatedBy,
		Reason:    body.Reason,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, NewActionView(act))
}

func (srv *Server) HandleResolveModerationReports(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleResolveModerationReports")
	defer span.End()

	var body ResolveReportsInput
	if err := c.Bind(&body); err != nil {
		return err
	}
	act, err := srv.engine.ResolveReports(ctx, moderation.ResolveReportsInput{
		ActionID:  body.ActionID,
		ReportIDs: body.ReportIDs,
		CreatedBy: body.CreatedBy,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, NewActionView(act))
}

func (srv *Server) HandleGetModerationActions(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleGetModerationActions")
	defer span.End()

	subj, err := querySubject(c)
	if err != nil {
		return err
	}
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}

	page, err := srv.engine.ListActions(ctx, moderation.ListActionsParams{
		Subject: subj,
		Before:  c.QueryParam("before"),
		Limit:   limit,
	})
	if err != nil {
		return err
	}

	out := ActionsOutput{
		Cursor:  cursorPtr(page.Cursor),
		Actions: make([]*ActionView, 0, len(page.Actions)),
	}
	for _, act := range page.Actions {
		out.Actions = append(out.Actions, NewActionView(act))
	}
	return c.JSON(http.StatusOK, out)
}

func (srv *Server) HandleGetModerationAction(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleGetModerationAction")
	defer span.End()

	id, err := queryID(c)
	if err != nil {
		return err
	}
	act, err := srv.engine.GetAction(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, NewActionView(act))
}

func (srv *Server) HandleGetModerationReports(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleGetModerationReports")
	defer span.End()

	subj, err := querySubject(c)
	if err != nil {
		return err
	}
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}

	var resolved *bool
	if raw := c.QueryParam("resolved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest("resolved must be a boolean: %q", raw)
		}
		resolved = &v
	}

	page, err := srv.engine.ListReports(ctx, moderation.ListReportsParams{
		Subject:  subj,
		Resolved: resolved,
		Before:   c.QueryParam("before"),
		Limit:    limit,
	})
	if err != nil {
		return err
	}

	out := ReportsOutput{
		Cursor:  cursorPtr(page.Cursor),
		Reports: make([]*ReportView, 0, len(page.Reports)),
	}
	for _, rep := range page.Reports {
		out.Reports = append(out.Reports, NewReportView(rep))
	}
	return c.JSON(http.StatusOK, out)
}

func (srv *Server) HandleGetModerationReport(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleGetModerationReport")
	defer span.End()

	id, err := queryID(c)
	if err != nil {
		return err
	}
	rep, err := srv.engine.GetReport(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, NewReportView(rep))
}

func (srv *Server) HandleCreateReport(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleCreateReport")
	defer span.End()

	var body CreateReportInput
	if err := c.Bind(&body); err != nil {
		return err
	}
	subj, err := bodySubject(body.Subject)
	if err != nil {
		return err
	}

	rep, err := srv.engine.CreateReport(ctx, moderation.CreateReportInput{
		ReasonType:     body.ReasonType,
		Reason:         body.Reason,
		Subject:        subj,
		ReportedBy:     body.ReportedBy,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, NewReportView(rep))
}

func (srv *Server) HandleIngestOp(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleIngestOp")
	defer span.End()

	var op activity.Op
	if err := c.Bind(&op); err != nil {
		return err
	}
	if err := srv.activity.HandleOp(ctx, &op); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, IngestOutput{Uri: op.Uri})
}
