// Package api exposes reconciliation sessions over HTTP
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"reconciliation-engine/internal/matcher"
	"reconciliation-engine/internal/reconciler"
	"reconciliation-engine/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Store is what the API reads besides the session manager
type Store interface {
	reconciler.Store
	ListSessions(ctx context.Context, accountID string) ([]*reconciler.Session, error)
}

// Config contains the HTTP server settings
type Config struct {
	Addr           string
	AllowedOrigins []string
	// Matching is the configuration for sessions started without a profile
	Matching        *matcher.MatchingConfig
	ShutdownTimeout time.Duration
	Clock           func() time.Time
}

// DefaultConfig returns the default server settings
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8080",
		AllowedOrigins:  []string{"http://localhost:3000"},
		Matching:        matcher.DefaultMatchingConfig(),
		ShutdownTimeout: 10 * time.Second,
		Clock:           time.Now,
	}
}

// Server serves the reconciliation API
type Server struct {
	manager *reconciler.Manager
	store   Store
	config  *Config
	engine  *gin.Engine
	logger  logger.Logger
}

// NewServer creates a server and registers its routes
func NewServer(manager *reconciler.Manager, store Store, config *Config, log logger.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Matching == nil {
		config.Matching = matcher.DefaultMatchingConfig()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	s := &Server{
		manager: manager,
		store:   store,
		config:  config,
		engine:  gin.New(),
		logger:  log.WithComponent("api"),
	}

	s.engine.Use(gin.Recovery(), s.requestLogger())
	if len(config.AllowedOrigins) > 0 {
		s.engine.Use(cors.New(cors.Config{
			AllowOrigins:     config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST"},
			AllowHeaders:     []string{"Origin", "Content-Type", "X-Actor"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	sessions := api.Group("/sessions")
	sessions.POST("", s.startSession)
	sessions.GET("", s.listSessions)
	sessions.GET("/:id", s.getSession)
	sessions.POST("/:id/run", s.runSession)
	sessions.POST("/:id/complete", s.completeSession)
	sessions.POST("/:id/cancel", s.cancelSession)
	sessions.GET("/:id/matches", s.listMatches)
	sessions.GET("/:id/exceptions", s.listExceptions)
	sessions.GET("/:id/report", s.sessionReport)

	matches := api.Group("/matches")
	matches.POST("/confirm", s.confirmMatch)
	matches.POST("/:id/reject", s.rejectMatch)

	api.POST("/transactions/:id/exclude", s.excludeTransaction)
	api.POST("/exceptions/:id/resolve", s.resolveException)
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.config.Addr).Info("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.logger.WithFields(logger.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}
