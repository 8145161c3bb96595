// Package admin serves the replicator's HTTP status surface: the
// dispatch queue snapshot, per-stage progress, and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tejeswarp/tungsten-replicator/dispatch"
	"github.com/tejeswarp/tungsten-replicator/pipeline"
	"github.com/tejeswarp/tungsten-replicator/telemetry"
	"github.com/tejeswarp/tungsten-replicator/thl"
)

// Server exposes replicator state over HTTP.
type Server struct {
	addr     string
	queue    *dispatch.ParallelQueue
	history  *thl.Log
	trackers map[string]*pipeline.ProgressTracker

	httpServer *http.Server
}

// NewServer wires the status surface. Queue and history may be nil when
// the corresponding subsystem is not running.
func NewServer(addr string, queue *dispatch.ParallelQueue, history *thl.Log, trackers map[string]*pipeline.ProgressTracker) *Server {
	return &Server{
		addr:     addr,
		queue:    queue,
		history:  history,
		trackers: trackers,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if h := telemetry.GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	log.Info().Str("addr", s.addr).Msg("Admin endpoints enabled at /status and /metrics")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{}

	if s.queue != nil {
		status["queue"] = s.queue.Status()
	}
	if s.history != nil {
		min, err := s.history.MinStoredSeqno()
		if err != nil {
			writeError(w, err)
			return
		}
		max, err := s.history.MaxStoredSeqno()
		if err != nil {
			writeError(w, err)
			return
		}
		status["thl"] = map[string]any{
			"min_stored_seqno": min,
			"max_stored_seqno": max,
		}
	}

	stages := map[string]any{}
	for name, tracker := range s.trackers {
		tasks := map[string]any{}
		tracker.Each(func(tp *pipeline.TaskProgress) {
			tasks[fmt.Sprintf("task.%d", tp.TaskID())] = map[string]any{
				"event_count":    tp.EventCount(),
				"extract_millis": tp.PhaseTotal(pipeline.PhaseExtract).Milliseconds(),
				"filter_millis":  tp.PhaseTotal(pipeline.PhaseFilter).Milliseconds(),
				"apply_millis":   tp.PhaseTotal(pipeline.PhaseApply).Milliseconds(),
			}
		})
		stages[name] = tasks
	}
	if len(stages) > 0 {
		status["stages"] = stages
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Warn().Err(err).Msg("Failed to encode status response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
