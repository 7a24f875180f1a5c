// Package server exposes chat and handoff operations over HTTP. Chat replies
// are streamed as Server-Sent Events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/advisor/internal/conversation"
	"github.com/aixgo-dev/advisor/pkg/handoff"
	"github.com/aixgo-dev/advisor/pkg/observability"
	"github.com/aixgo-dev/advisor/pkg/session"
)

// Config configures the API server.
type Config struct {
	Addr             string        `yaml:"addr"`
	ActorRatePerSec  float64       `yaml:"actor_rate_per_sec"`
	ActorBurst       int           `yaml:"actor_burst"`
	GlobalRatePerSec float64       `yaml:"global_rate_per_sec"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	Debug            bool          `yaml:"debug"`
}

// Handoffs is the subset of the orchestrator the API uses.
type Handoffs interface {
	Status(ctx context.Context, scope session.Scope) (*handoff.Attempt, error)
	ConfirmAndExecute(ctx context.Context, scope session.Scope, timing string) (*handoff.Attempt, error)
	Decline(ctx context.Context, scope session.Scope) (*handoff.Attempt, error)
	Resume(ctx context.Context, scope session.Scope) (*handoff.Attempt, error)
}

// Server is the HTTP API.
type Server struct {
	cfg      Config
	engine   *gin.Engine
	conv     *conversation.Service
	handoffs Handoffs
	registry *session.Registry
	limiter  *actorLimiter
	logger   zerolog.Logger
}

// New builds the router.
func New(cfg Config, conv *conversation.Service, handoffs Handoffs, registry *session.Registry, logger zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		engine:   gin.New(),
		conv:     conv,
		handoffs: handoffs,
		registry: registry,
		limiter:  newActorLimiter(cfg.GlobalRatePerSec, cfg.ActorRatePerSec, cfg.ActorBurst),
		logger:   logger,
	}
	s.engine.Use(gin.Recovery(), s.accessLog())

	v1 := s.engine.Group("/v1")
	v1.POST("/chat", s.chat)
	v1.GET("/handoff", s.handoffStatus)
	v1.POST("/handoff/confirm", s.handoffConfirm)
	v1.POST("/handoff/decline", s.handoffDecline)
	v1.POST("/handoff/resume", s.handoffResume)
	v1.GET("/actors/:contact/sessions", s.actorSessions)
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully. Streams in
// flight keep their detached turn work running to completion.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("api server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		observability.RecordHTTPRequest(c.Request.Method, path, fmt.Sprint(status), time.Since(start))
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

func abortJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
