// Package http provides the HTTP API for stepd.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/config"
	"github.com/fyrsmithlabs/stepd/internal/engine"
	"github.com/fyrsmithlabs/stepd/internal/logging"
	"github.com/fyrsmithlabs/stepd/internal/orchestrator"
	"github.com/fyrsmithlabs/stepd/internal/store"
)

// Server exposes run, step, and engine operations over HTTP.
type Server struct {
	echo     *echo.Echo
	orch     *orchestrator.Orchestrator
	store    store.Store
	registry *engine.Registry
	logger   *logging.Logger
	config   config.ServerConfig
}

// NewServer builds the API server with its routes and middleware.
func NewServer(orch *orchestrator.Orchestrator, st store.Store, registry *engine.Registry, logger *logging.Logger, cfg config.ServerConfig) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("engine registry is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	metrics := NewHTTPMetrics(logger)
	e.Use(metrics.MetricsMiddleware())

	s := &Server{
		echo:     e,
		orch:     orch,
		store:    st,
		registry: registry,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/events", s.handleListEvents)
	v1.POST("/runs/:id/pause", s.handlePauseRun)
	v1.POST("/runs/:id/resume", s.handleResumeRun)
	v1.POST("/runs/:id/cancel", s.handleCancelRun)

	v1.POST("/steps/:id/execute", s.handleExecuteStep)
	v1.POST("/steps/:id/qa", s.handleRunQA)
	v1.POST("/steps/:id/retry", s.handleRetryStep)

	v1.GET("/engines", s.handleListEngines)
}

// Echo exposes the underlying router for extra route registration.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}
