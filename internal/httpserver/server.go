// Package httpserver exposes the ingest API: scrapers POST batches of raw
// posts and poll run status. Auth is a single shared bearer token compared
// in constant time.
package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalendaryo/kalendaryo/internal/pipeline"
	"github.com/kalendaryo/kalendaryo/internal/store"
)

// Config for the ingest server.
type Config struct {
	ListenAddr  string
	IngestToken string
}

// Server serves the ingest and run-status endpoints.
type Server struct {
	cfg        Config
	store      *store.Store
	pipe       *pipeline.Pipeline
	logger     *slog.Logger
	httpServer *http.Server
}

func NewServer(cfg Config, s *store.Store, pipe *pipeline.Pipeline, logger *slog.Logger) *Server {
	srv := &Server{cfg: cfg, store: s, pipe: pipe, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ingest", srv.requireAuth(srv.handleIngest))
	mux.HandleFunc("GET /api/runs/{id}", srv.requireAuth(srv.handleRunStatus))
	mux.HandleFunc("POST /api/runs/{id}/cancel", srv.requireAuth(srv.handleRunCancel))
	mux.HandleFunc("GET /healthz", srv.handleHealth)

	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8787"
	}
	srv.httpServer = &http.Server{
		Addr:         addr,
		Handler:      withLogging(logger, mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

// Start blocks until the server shuts down or fails.
func (s *Server) Start() error {
	s.logger.Info("starting ingest server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requireAuth checks the bearer token. The comparison is constant-time so
// the token cannot be probed byte by byte; a missing server-side token
// disables the API rather than opening it.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.IngestToken == "" {
			writeError(w, http.StatusServiceUnavailable, "NotConfigured", "ingest token is not configured")
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.IngestToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

type ingestRequest struct {
	RunID      string             `json:"run_id,omitempty"`
	BatchIndex int                `json:"batch_index,omitempty"`
	BatchTotal int                `json:"batch_total,omitempty"`
	Posts      []pipeline.RawPost `json:"posts"`
}

// handleIngest registers the batch and processes it in the background; the
// caller polls the run endpoint for progress.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body")
		return
	}
	if len(req.Posts) == 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "posts must not be empty")
		return
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	if req.BatchTotal <= 0 {
		req.BatchTotal = 1
	}

	go func() {
		summary, err := s.pipe.Run(context.Background(), runID, req.BatchIndex, req.BatchTotal, req.Posts)
		if err != nil {
			s.logger.Error("ingest run failed", "run_id", runID, "error", err)
			return
		}
		s.logger.Info("ingest run finished",
			"run_id", runID,
			"status", summary.Status,
			"processed", summary.Processed,
			"rejected", summary.Rejected,
			"duplicates", summary.Duplicates,
			"failed", summary.Failed,
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"posts":  len(req.Posts),
	})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("run lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "run lookup failed")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "NotFound", "no such run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":           run.ID,
		"status":           run.Status,
		"batch_index":      run.BatchIndex,
		"batch_total":      run.BatchTotal,
		"posts_total":      run.PostsTotal,
		"posts_processed":  run.PostsProcessed,
		"posts_failed":     run.PostsFailed,
		"posts_rejected":   run.PostsRejected,
		"posts_duplicate":  run.Duplicates,
		"cancel_requested": run.CancelRequested,
	})
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.RequestCancel(r.Context(), id); err != nil {
		s.logger.Error("cancel request failed", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "cancel request failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": "cancel_requested"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
