// Package api exposes the engine over HTTP: starting and resuming runs with
// SSE event streaming, cancellation of active runs, and read access to runs,
// session steps and traces.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runwire/runwire/pkg/engine"
	"github.com/runwire/runwire/pkg/store/postgres"
	"github.com/runwire/runwire/pkg/version"
)

// Server is the HTTP front of one engine.
type Server struct {
	engine *engine.Engine
	db     *sql.DB
	http   *http.Server
	logger *slog.Logger
}

// Option customises the server.
type Option func(*Server)

// WithDB attaches the database handle used by the health endpoint. Without
// it, health reports the in-memory store as healthy.
func WithDB(db *sql.DB) Option {
	return func(s *Server) { s.db = db }
}

// NewServer creates a server over the given engine.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine: eng,
		logger: slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", s.Health)

	api := r.Group("/api")
	{
		api.POST("/runs", s.CreateRun)
		api.GET("/runs", s.ListRuns)
		api.GET("/runs/active", s.ListActiveRuns)
		api.GET("/runs/:id", s.GetRun)
		api.POST("/runs/:id/cancel", s.CancelRun)

		api.POST("/sessions/:id/resume", s.ResumeSession)
		api.POST("/sessions/:id/fork", s.ForkSession)
		api.GET("/sessions/:id/steps", s.GetSessionSteps)

		api.GET("/traces/:id", s.GetTrace)
		api.GET("/runnables", s.ListRunnables)
	}
	return r
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Health reports process and store health.
func (s *Server) Health(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "store": "memory", "version": version.Full()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := postgres.Health(ctx, s.db)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": dbHealth, "version": version.Full()})
}

// requestLog logs one line per request in slog form.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
