// Package modapi serves the moderation ledger over XRPC-style HTTP routes.
package modapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/bailiff/activity"
	"github.com/bluesky-social/bailiff/moderation"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// requestMetrics registers its collectors once per process.
var requestMetrics = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("bailiff")
})

type Config struct {
	Engine *moderation.Engine
	// Activity is optional; without it the ingest route is not registered.
	Activity      *activity.Handler
	AdminPassword string
	Logger        *slog.Logger
	Bind          string
}

type Server struct {
	engine        *moderation.Engine
	activity      *activity.Handler
	adminPassword string
	logger        *slog.Logger

	echo  *echo.Echo
	httpd *http.Server
}

func NewServer(config Config) (*Server, error) {
	if config.Engine == nil {
		return nil, fmt.Errorf("modapi requires a moderation engine")
	}
	if config.AdminPassword == "" {
		return nil, fmt.Errorf("admin password must be configured")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("system", "modapi")
	}

	e := echo.New()

	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		engine:        config.Engine,
		activity:      config.Activity,
		adminPassword: config.AdminPassword,
		logger:        logger,
		echo:          e,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(requestMetrics())
	e.Use(otelecho.Middleware("bailiff"))
	e.Use(middleware.BodyLimit("4M"))
	e.Use(srv.adminAuthMiddleware())
	e.HTTPErrorHandler = srv.errorHandler

	srv.RegisterHandlers(e)
	return srv, nil
}

func (srv *Server) RegisterHandlers(e *echo.Echo) {
	e.GET("/_health", srv.HandleHealthCheck)

	e.POST("/xrpc/com.atproto.moderation.createReport", srv.HandleCreateReport)

	e.POST("/xrpc/com.atproto.admin.takeModerationAction", srv.HandleTakeModerationAction)
	e.POST("/xrpc/com.atproto.admin.reverseModerationAction", srv.HandleReverseModerationAction)
	e.POST("/xrpc/com.atproto.admin.resolveModerationReports", srv.HandleResolveModerationReports)
	e.GET("/xrpc/com.atproto.admin.getModerationActions", srv.HandleGetModerationActions)
	e.GET("/xrpc/com.atproto.admin.getModerationAction", srv.HandleGetModerationAction)
	e.GET("/xrpc/com.atproto.admin.getModerationReports", srv.HandleGetModerationReports)
	e.GET("/xrpc/com.atproto.admin.getModerationReport", srv.HandleGetModerationReport)

	if srv.activity != nil {
		e.POST("/ingest/op", srv.HandleIngestOp)
	}
}

// requiresAdmin reports whether path is behind basic auth.
func requiresAdmin(path string) bool {
	return strings.HasPrefix(path, "/xrpc/com.atproto.admin.") || strings.HasPrefix(path, "/ingest/")
}

func (srv *Server) adminAuthMiddleware() echo.MiddlewareFunc {
	return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Skipper: func(c echo.Context) bool {
			return !requiresAdmin(c.Request().URL.Path)
		},
		Validator: func(username, password string, c echo.Context) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(username), []byte("admin")) == 1 &&
				subtle.ConstantTimeCompare([]byte(password), []byte(srv.adminPassword)) == 1 {
				return true, nil
			}
			srv.logger.Warn("admin auth failed", "username", username, "path", c.Request().URL.Path)
			return false, nil
		},
		Realm: "bailiff",
	})
}

// XRPCError is the error body shape used by atproto services.
type XRPCError struct {
	ErrStr  string `json:"error"`
	Message string `json:"message"`
}

// errorStatus maps an error to an HTTP status and XRPC error name.
func errorStatus(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		if he.Code == http.StatusBadRequest {
			return he.Code, "InvalidRequest"
		}
		return he.Code, strings.ReplaceAll(http.StatusText(he.Code), " ", "")
	case errors.Is(err, moderation.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, moderation.ErrConflictingAction):
		return http.StatusConflict, "ConflictingAction"
	case errors.Is(err, moderation.ErrAlreadyReversed):
		return http.StatusBadRequest, "AlreadyReversed"
	case errors.Is(err, moderation.ErrSubjectMismatch):
		return http.StatusBadRequest, "SubjectMismatch"
	case errors.Is(err, moderation.ErrInvalidInput), errors.Is(err, activity.ErrInvalidOp):
		return http.StatusBadRequest, "InvalidRequest"
	case errors.Is(err, moderation.ErrUnavailable):
		return http.StatusServiceUnavailable, "Unavailable"
	default:
		return http.StatusInternalServerError, "InternalServerError"
	}
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code, name := errorStatus(err)
	if code >= 500 {
		srv.logger.Warn("http internal error", "path", c.Path(), "statusCode", code, "err", err)
	}
	if c.Response().Committed {
		return
	}

	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprintf("%v", he.Message)
	}
	if code == http.StatusInternalServerError {
		msg = "internal server error"
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, XRPCError{ErrStr: name, Message: msg})
	}
	if err != nil {
		srv.logger.Error("failed to write error response", "err", err)
	}
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// RunAPI serves until ctx is cancelled, then shuts down gracefully.
func (srv *Server) RunAPI(ctx context.Context) error {
	srv.logger.Info("starting api server", "bind", srv.httpd.Addr)
	errc := make(chan error, 1)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	return srv.Shutdown()
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}
