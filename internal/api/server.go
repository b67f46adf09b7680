// Package api exposes the ops HTTP surface: health, pipeline status, source
// health, ledger reads and queue depths.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/signalfuse/signalfuse/internal/generator"
	"github.com/signalfuse/signalfuse/internal/ledger"
	"github.com/signalfuse/signalfuse/internal/monitor"
	"github.com/signalfuse/signalfuse/internal/queue"
	"github.com/signalfuse/signalfuse/internal/sources"
)

// Server is the ops REST API server.
type Server struct {
	router    *gin.Engine
	addr      string
	server    *http.Server
	gen       *generator.Generator
	registry  *sources.Registry
	ledger    *ledger.Ledger
	queue     *queue.Store
	latency   *monitor.LatencyTracker
	integrity *monitor.IntegrityMonitor
}

// Config wires the server's read surfaces.
type Config struct {
	Addr      string
	Generator *generator.Generator
	Registry  *sources.Registry
	Ledger    *ledger.Ledger
	Queue     *queue.Store
	Latency   *monitor.LatencyTracker
	Integrity *monitor.IntegrityMonitor
}

// NewServer creates the API server.
func NewServer(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		router:    router,
		addr:      config.Addr,
		gen:       config.Generator,
		registry:  config.Registry,
		ledger:    config.Ledger,
		queue:     config.Queue,
		latency:   config.Latency,
		integrity: config.Integrity,
	}
	s.setupRoutes()
	return s
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting ops API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping ops API server")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs every request through zerolog.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}
		logEvent.Msg("API request")
	}
}
