// Package web serves the pipeline HTTP API: status, summaries, gate
// decisions, analytics and Prometheus metrics.
package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lucasnoah/infrafactory/internal/analytics"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/pipeline"
)

// Engine is the subset of the pipeline engine the API drives.
type Engine interface {
	Status(id string) (*pipeline.PipelineState, error)
	List(stageFilter string) ([]pipeline.PipelineState, error)
	Summary(id string) (string, error)
	RecordDecision(id string, d contract.ApprovalDecision) error
	Resume(ctx context.Context, id string) (*pipeline.PipelineState, error)
}

// Server is the HTTP API server.
type Server struct {
	echo   *echo.Echo
	engine Engine
	db     analytics.Querier
	logger *zap.Logger
	addr   string
	now    func() time.Time

	// resumes started by decisions run on ctx and are awaited on Shutdown.
	ctx     context.Context
	cancel  context.CancelFunc
	resumes sync.WaitGroup
}

// NewServer creates a Server. database may be nil, which disables the
// analytics endpoints.
func NewServer(engine Engine, database analytics.Querier, logger *zap.Logger, addr string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:   e,
		engine: engine,
		db:     database,
		logger: logger,
		addr:   addr,
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/pipelines", s.handleList)
	v1.GET("/pipelines/:id", s.handleStatus)
	v1.GET("/pipelines/:id/summary", s.handleSummary)
	v1.GET("/pipelines/:id/timeline", s.handleTimeline)
	v1.POST("/pipelines/:id/gates/:gate/decision", s.handleDecision)
	v1.GET("/stats", s.handleStats)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels in-flight resumes and waits
// for them to persist.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	err := s.echo.Shutdown(ctx)
	s.cancel()
	s.resumes.Wait()
	return err
}

// resume continues a pipeline after a decision was recorded.
func (s *Server) resume(id string) {
	s.resumes.Add(1)
	go func() {
		defer s.resumes.Done()
		ps, err := s.engine.Resume(s.ctx, id)
		if err != nil {
			s.logger.Error("resume after decision", zap.String("request_id", id), zap.Error(err))
			return
		}
		s.logger.Info("pipeline resumed",
			zap.String("request_id", id),
			zap.String("stage", string(ps.Stage)),
		)
	}()
}
