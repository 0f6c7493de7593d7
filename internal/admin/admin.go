// Package admin provides the HTTP admin interface for a tracker
// instance: health check, Prometheus metrics, the current snapshot as
// JSON, and a forced aggregation pass for deterministic observation.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockmesh/blockmesh/internal/tracker"
)

// Server is the admin HTTP server. It serves on localhost by default;
// mutating endpoints require the configured token when one is set.
type Server struct {
	server  *http.Server
	mux     *http.ServeMux
	tracker *tracker.Tracker
	token   string
	logger  zerolog.Logger
}

// NewServer creates an admin server for the given tracker.
func NewServer(t *tracker.Tracker, token string, logger zerolog.Logger) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		tracker: t,
		token:   token,
		logger:  logger.With().Str("component", "admin").Logger(),
	}

	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.Handle("/metrics", t.Metrics().Handler())
	s.mux.HandleFunc("/stats", s.statsHandler)
	s.mux.HandleFunc("/update", s.updateHandler)

	return s
}

// Handler returns the admin mux, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the admin server on the given address.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("Admin server started")
	return nil
}

// Stop gracefully stops the admin server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// authorized checks the bearer token on mutating endpoints. An empty
// configured token disables the check.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got := r.Header.Get("Authorization")
	want := "Bearer " + s.token
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// statsResponse is the /stats payload: the last published snapshot,
// plus the error from the most recent aggregation pass when it failed.
type statsResponse struct {
	tracker.Snapshot
	Error string `json:"error,omitempty"`
}

// statsHandler returns the last published metrics snapshot as JSON.
// A non-empty error field means the snapshot is stale.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	out := statsResponse{Snapshot: s.tracker.Snapshot()}
	if err := s.tracker.Err(); err != nil {
		out.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode snapshot")
	}
}

// updateHandler triggers a synchronous aggregation pass and returns the
// resulting snapshot.
func (s *Server) updateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := s.tracker.ForceUpdate(); err != nil {
		s.logger.Error().Err(err).Msg("Forced aggregation pass failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode snapshot")
	}
}
