// Package server exposes the admin HTTP surface of the workflow manager.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/xscopehub/grantflow/internal/engine"
	"github.com/xscopehub/grantflow/internal/manager"
	"github.com/xscopehub/grantflow/internal/registry"
	"github.com/xscopehub/grantflow/internal/workflow"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type StatsSource interface {
	Stats() manager.Stats
}

type Inspector interface {
	Inspect(ctx context.Context, id uuid.UUID) (engine.Snapshot, error)
}

type Describer interface {
	Describe() []registry.Summary
}

// Deps are the components the admin routes read from. Nil fields disable
// the matching route.
type Deps struct {
	Store     Pinger
	Manager   StatsSource
	Engine    Inspector
	Registry  Describer
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	Service   string
	ReadTime  time.Duration
	WriteTime time.Duration
}

// Server wraps the admin router.
type Server struct {
	deps   Deps
	router *gin.Engine
	logger *slog.Logger
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Service == "" {
		deps.Service = "workflow-manager"
	}
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(deps.Service))

	s := &Server{deps: deps, router: r, logger: deps.Logger}
	s.routes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/healthz", s.healthz)
	if s.deps.Manager != nil {
		s.router.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.deps.Manager.Stats())
		})
	}
	if s.deps.Registry != nil {
		s.router.GET("/registry", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.deps.Registry.Describe())
		})
	}
	if s.deps.Engine != nil {
		s.router.GET("/workflows/:id", s.inspect)
	}
	if s.deps.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	} else {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
			s.logger.WarnContext(c.Request.Context(), "health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db not ready"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) inspect(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}
	snap, err := s.deps.Engine.Inspect(c.Request.Context(), id)
	switch {
	case errors.Is(err, workflow.ErrUnknownWorkflowInstance):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.ErrorContext(c.Request.Context(), "inspect workflow failed", "workflow_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusOK, snap)
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.deps.ReadTime,
		WriteTimeout: s.deps.WriteTime,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
