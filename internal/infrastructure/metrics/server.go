// Package metrics serves Prometheus metrics alongside the health and status endpoints
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/infrastructure/health"
	"trade_engine/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// StatusFunc returns the JSON-encodable engine view served on /status
type StatusFunc func() any

// Server handles Prometheus metrics export plus /health and /status
type Server struct {
	addr   string
	logger core.ILogger
	health *health.HealthManager
	status StatusFunc
	srv    *http.Server
}

// NewServer creates a new metrics server. hm and status may be nil.
func NewServer(port int, hm *health.HealthManager, status StatusFunc, logger core.ILogger) *Server {
	s := &Server{
		addr:   fmt.Sprintf(":%d", port),
		logger: logger.WithField("component", "metrics_server"),
		health: hm,
		status: status,
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Run serves until ctx is done, then shuts the listener down
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	s.logger.Info("Starting metrics server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Stopping metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := telemetry.GetGlobalMetrics()

	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
		"metrics": map[string]interface{}{
			"open_orders":     metrics.GetOpenOrders(),
			"instance_states": metrics.GetInstanceStates(),
		},
	}

	code := http.StatusOK
	if s.health != nil {
		body["components"] = s.health.GetStatus()
		if !s.health.IsHealthy() {
			body["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "status not available"})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
