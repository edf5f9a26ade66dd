// Package api serves stored reconciliation runs over HTTP so that pending
// checks can be reviewed from another tool while the run sits in the store.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"check-reconciliation-service/internal/store"
	"check-reconciliation-service/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Config controls the HTTP listener
type Config struct {
	Addr            string        `json:"addr" yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	DefaultPageSize int           `json:"default_page_size" yaml:"default_page_size" validate:"gt=0,lte=500"`
}

// DefaultConfig listens on localhost only
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		DefaultPageSize: 20,
	}
}

// Server exposes the review endpoints over a run store
type Server struct {
	store  *store.Store
	config Config
	logger logger.Logger
}

// NewServer creates a review API server
func NewServer(st *store.Store, config Config, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = DefaultConfig().DefaultPageSize
	}
	return &Server{
		store:  st,
		config: config,
		logger: log.WithComponent("api"),
	}
}

// Router builds the gin engine with every route registered
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	runs := router.Group("/runs")
	{
		runs.GET("", s.listRuns)
		runs.GET("/:id", s.getRun)
		runs.GET("/:id/pending", s.getPending)
		runs.GET("/:id/checks/:check", s.getCheck)
		runs.POST("/:id/checks/:check/accept", s.acceptCheck)
		runs.POST("/:id/checks/:check/skip", s.skipCheck)
		runs.GET("/:id/artifact", s.getArtifact)
	}

	return router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.config.Addr).Info("Review API listening")
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down review API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// requestLogger logs one line per request through the service logger
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.Request.URL.Path == "/health" {
			return
		}
		entry := s.logger.WithFields(logger.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
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
