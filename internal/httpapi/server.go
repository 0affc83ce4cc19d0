// Package httpapi provides the remedyd control API: trigger cycles, inspect
// scope status, operator rollback, the kill-switch, and report retrieval.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/cycle"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/ring"
)

const defaultReportLimit = 20

// ReportLister serves persisted cycle reports.
type ReportLister interface {
	ListReports(scope string, limit int) ([]cycle.CycleReport, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// OperatorToken authorizes rollback and kill-switch endpoints. Those
	// endpoints refuse all requests when it is unset.
	OperatorToken string
}

// Server provides the remedyd control endpoints.
type Server struct {
	echo       *echo.Echo
	registry   *cycle.Registry
	killSwitch *ring.KillSwitch
	reports    ReportLister
	logger     *zap.Logger
	config     *Config
}

// NewServer creates the control API server.
func NewServer(registry *cycle.Registry, ks *ring.KillSwitch, reports ReportLister, logger *zap.Logger, cfg *Config) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("engine registry cannot be nil")
	}
	if ks == nil {
		return nil, fmt.Errorf("kill-switch cannot be nil")
	}
	if reports == nil {
		return nil, fmt.Errorf("report lister cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9190,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			fields := []zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			}
			fields = append(fields, logging.ContextFields(c.Request().Context())...)
			logger.Info("http request", fields...)

			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).Middleware())

	s := &Server{
		echo:       e,
		registry:   registry,
		killSwitch: ks,
		reports:    reports,
		logger:     logger,
		config:     cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/cycles", s.handleRunCycle)
	v1.GET("/status/:scope", s.handleStatus)
	v1.GET("/reports/:scope", s.handleReports)

	// Destructive operator actions require the operator token.
	op := v1.Group("", s.requireOperator)
	op.POST("/rollback/:scope", s.handleRollback)
	op.POST("/killswitch", s.handleKillSwitch)
}

// RunCycleRequest is the request body for POST /api/v1/cycles.
type RunCycleRequest struct {
	Scope  string `json:"scope"`
	DryRun bool   `json:"dry_run"`
	Force  bool   `json:"force"`
}

// RunCycleResponse is the response body for POST /api/v1/cycles.
type RunCycleResponse struct {
	Scope  string `json:"scope"`
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status/:scope.
type StatusResponse struct {
	ring.Status
	Phase       cycle.Phase `json:"phase"`
	ErrorLocked bool        `json:"error_locked"`
}

// RollbackResponse is the response body for POST /api/v1/rollback/:scope.
type RollbackResponse struct {
	Scope  string `json:"scope"`
	Status string `json:"status"`
}

// KillSwitchRequest is the request body for POST /api/v1/killswitch.
type KillSwitchRequest struct {
	Engaged bool   `json:"engaged"`
	Reason  string `json:"reason"`
}

// KillSwitchResponse is the response body for POST /api/v1/killswitch.
type KillSwitchResponse struct {
	Engaged bool   `json:"engaged"`
	Reason  string `json:"reason,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRunCycle starts a remediation cycle for the scope. The cycle runs in
// the background; the response only acknowledges the start.
func (s *Server) handleRunCycle(c echo.Context) error {
	var req RunCycleRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid cycle request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Scope == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "scope field is required")
	}

	engine, err := s.registry.Engine(req.Scope)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if engine.ErrorLocked() {
		return echo.NewHTTPError(http.StatusConflict, cycle.ErrScopeLocked.Error())
	}

	opts := cycle.Options{DryRun: req.DryRun, Force: req.Force}

	// Detach from the request context: the cycle outlives the HTTP call.
	go func() {
		if _, err := engine.Run(context.Background(), opts); err != nil {
			s.logger.Warn("cycle refused",
				zap.String("scope", req.Scope),
				zap.Error(err),
			)
		}
	}()

	return c.JSON(http.StatusAccepted, RunCycleResponse{
		Scope:  req.Scope,
		Status: "started",
	})
}

// handleStatus returns the scope's ring state and engine flags.
func (s *Server) handleStatus(c echo.Context) error {
	scope := c.Param("scope")

	engine, ok := s.registry.Lookup(scope)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown scope %q", scope))
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:      engine.Status(),
		Phase:       engine.Phase(),
		ErrorLocked: engine.ErrorLocked(),
	})
}

// handleReports lists the scope's persisted cycle reports, newest first.
func (s *Server) handleReports(c echo.Context) error {
	scope := c.Param("scope")

	limit := defaultReportLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	reports, err := s.reports.ListReports(scope, limit)
	if err != nil {
		s.logger.Error("failed to list reports",
			zap.String("scope", scope),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list reports")
	}
	if reports == nil {
		reports = []cycle.CycleReport{}
	}

	return c.JSON(http.StatusOK, reports)
}

// handleRollback rolls the scope back. A running cycle is asked to stop and
// restore at its next boundary; an idle scope is restored immediately.
func (s *Server) handleRollback(c echo.Context) error {
	scope := c.Param("scope")

	engine, ok := s.registry.Lookup(scope)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown scope %q", scope))
	}

	if engine.Phase() != cycle.PhaseIdle && engine.Phase() != cycle.PhaseError {
		engine.RequestRollback()
		return c.JSON(http.StatusAccepted, RollbackResponse{
			Scope:  scope,
			Status: "rollback_requested",
		})
	}

	if err := engine.ManualRollback(c.Request().Context()); err != nil {
		if errors.Is(err, cycle.ErrNoSnapshot) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		s.logger.Error("manual rollback failed",
			zap.String("scope", scope),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "rollback failed")
	}

	return c.JSON(http.StatusOK, RollbackResponse{
		Scope:  scope,
		Status: "rolled_back",
	})
}

// handleKillSwitch engages or clears the process-wide kill-switch.
func (s *Server) handleKillSwitch(c echo.Context) error {
	var req KillSwitchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Engaged {
		reason := req.Reason
		if reason == "" {
			reason = "engaged via control api"
		}
		s.killSwitch.Engage(reason)
		s.logger.Warn("kill-switch engaged", zap.String("reason", reason))
	} else {
		s.killSwitch.Clear()
		s.logger.Info("kill-switch cleared")
	}

	engaged, reason := s.killSwitch.Engaged()
	return c.JSON(http.StatusOK, KillSwitchResponse{
		Engaged: engaged,
		Reason:  reason,
	})
}

// requireOperator gates destructive endpoints behind the operator token.
func (s *Server) requireOperator(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.OperatorToken == "" {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "operator token not configured")
		}

		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		token := auth[len(prefix):]

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.OperatorToken)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid operator token")
		}

		return next(c)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
