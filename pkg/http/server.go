package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"callguard-server/pkg/config"
	"callguard-server/pkg/messaging"
	"callguard-server/pkg/metrics"
	"callguard-server/pkg/session"
)

// Server is the caller-facing HTTP surface: the call websocket endpoint,
// session query APIs, health checks, and Prometheus metrics.
type Server struct {
	logger     *logrus.Logger
	config     *config.HTTPConfig
	httpServer *http.Server
	mux        *http.ServeMux
	startTime  time.Time

	manager     *session.Manager
	publisher   *messaging.Publisher
	callHandler *CallHandler
}

// NewServer creates the HTTP server and registers all endpoints.
func NewServer(logger *logrus.Logger, cfg *config.HTTPConfig, manager *session.Manager, publisher *messaging.Publisher, callHandler *CallHandler) *Server {
	server := &Server{
		logger:      logger,
		config:      cfg,
		startTime:   time.Now(),
		manager:     manager,
		publisher:   publisher,
		callHandler: callHandler,
	}

	mux := http.NewServeMux()
	server.mux = mux

	mux.HandleFunc("/health", server.HealthHandler)
	mux.HandleFunc("/health/live", server.LivenessHandler)
	mux.HandleFunc("/health/ready", server.ReadinessHandler)

	if cfg.EnableMetrics {
		if registry := metrics.GetRegistry(); registry != nil {
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			}))
			logger.Info("Prometheus metrics endpoint enabled at /metrics")
		}
	}

	mux.HandleFunc("/api/sessions/", server.sessionRouter)

	if callHandler != nil {
		mux.HandleFunc("/ws/call", callHandler.ServeHTTP)
		logger.Info("Call websocket endpoint registered at /ws/call")
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Handler returns the root handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("port", s.config.Port).Info("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
