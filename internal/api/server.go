package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"protocol-monitor/internal/config"
	"protocol-monitor/internal/storage"
)

// HealthChecker verifies backing-store connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server exposes the read-only reporting API over HTTP.
type Server struct {
	cfg       config.APIConfig
	protocols map[string]config.ProtocolConfig
	order     []string
	snapshots storage.SnapshotStore
	alerts    storage.AlertStore
	health    HealthChecker
	logger    zerolog.Logger
	srv       *http.Server
}

// NewServer wires the reporting API against the given stores.
func NewServer(cfg config.APIConfig, protocols map[string]config.ProtocolConfig, order []string, snapshots storage.SnapshotStore, alerts storage.AlertStore, health HealthChecker, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		protocols: protocols,
		order:     order,
		snapshots: snapshots,
		alerts:    alerts,
		health:    health,
		logger:    logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /protocols", s.handleProtocols)
	mux.HandleFunc("GET /protocols/{name}/history", s.handleHistory)
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.logRequests(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the configured HTTP handler. Test hook.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("reporting api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownTimeout := s.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(started)).
			Msg("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
