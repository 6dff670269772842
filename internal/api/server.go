// Package api provides the HTTP status server for testsmith: liveness,
// slot/scheduler/checkpoint snapshots, and Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/testsmith-ai/testsmith/internal/infra/checkpoint"
	"github.com/testsmith-ai/testsmith/internal/infra/slots"
	"github.com/testsmith-ai/testsmith/internal/infra/timers"
)

// Server exposes run state over HTTP while batches execute.
type Server struct {
	slots *slots.Manager
	sched *timers.Scheduler
	store *checkpoint.Store
}

// NewServer creates a status server over the given components.
func NewServer(sm *slots.Manager, sched *timers.Scheduler, store *checkpoint.Store) *Server {
	return &Server{slots: sm, sched: sched, store: store}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/slots", s.handleSlots)
		r.Get("/checkpoints", s.handleCheckpoints)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// handleStatus reports one combined snapshot of the run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Summary()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"slots":  s.slots.GetCurrentCounts(),
		"timers": s.sched.GetStats(),
		"checkpoints": map[string]any{
			"total":       summary.TotalCheckpoints,
			"active":      summary.ActiveCheckpoints,
			"recoverable": len(summary.Recoverable),
		},
	})
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"counts": s.slots.GetCurrentCounts(),
		"stats":  s.slots.GetStats(),
	})
}

// handleCheckpoints lists checkpoints, optionally filtered by bucket.
func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	bucket := r.URL.Query().Get("bucket")
	switch bucket {
	case "", checkpoint.BucketActive, checkpoint.BucketCompleted, checkpoint.BucketFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown bucket: "+bucket)
		return
	}

	infos, err := s.store.List(bucket)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type item struct {
		ID        string    `json:"id"`
		TaskID    string    `json:"task_id"`
		SourceRef string    `json:"source_ref,omitempty"`
		Bucket    string    `json:"bucket"`
		Phase     string    `json:"phase"`
		Progress  int       `json:"progress"`
		Failures  int       `json:"failures"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	items := make([]item, 0, len(infos))
	for _, ci := range infos {
		items = append(items, item(ci))
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": items})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}
