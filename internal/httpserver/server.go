// Package httpserver exposes the demo process's Prometheus metrics and a
// small status surface over HTTP, in the teacher's mux+promhttp style.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StatusSource reports a point-in-time view of the aperture for the
// /status endpoint, decoupling httpserver from loadbalancer's generics.
type StatusSource interface {
	ActiveSize() int
	IdleSize() int
}

// Server is the demo's HTTP surface: /metrics, /health, /status.
type Server struct {
	logger     *logrus.Logger
	httpServer *http.Server
	router     *mux.Router
	status     StatusSource
	startTime  time.Time
}

// New builds a Server listening on addr and serving metricsPath for
// Prometheus scraping. status may be nil, in which case /status reports
// only uptime.
func New(addr, metricsPath string, status StatusSource, logger *logrus.Logger) *Server {
	s := &Server{
		logger:    logger,
		status:    status,
		startTime: time.Now(),
	}

	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.Handle(metricsPath, promhttp.Handler()).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is canceled, then shuts it down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.httpServer.Addr).Info("httpserver: listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("httpserver: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"uptime": time.Since(s.startTime).String(),
	}
	if s.status != nil {
		body["active"] = s.status.ActiveSize()
		body["idle"] = s.status.IdleSize()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("httpserver: request handled")
	})
}
