package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/locallama/router/internal/jobtracker"
)

// Server mounts Service's read-only resource surface as chi routes, plus
// the Prometheus /metrics endpoint.
type Server struct {
	svc            *Service
	metricsEnabled bool
	events         *jobtracker.WebSocketBroadcaster
}

// NewServer wraps svc in an HTTP resource surface. It subscribes a
// WebSocketBroadcaster to svc's Job Tracker event bus so /jobs/events
// can push progress/completion events to connected clients.
func NewServer(svc *Service) *Server {
	return &Server{svc: svc, metricsEnabled: true, events: jobtracker.NewWebSocketBroadcaster(svc.tracker.Events())}
}

// Close releases the server's WebSocket broadcaster.
func (s *Server) Close() {
	s.events.Close()
}

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/status", s.handleStatus)
	r.Get("/models", s.handleModels)
	r.Get("/jobs/active", s.handleJobsActive)
	r.Get("/jobs/progress/{id}", s.handleJobProgress)
	r.Get("/jobs/events", s.events.ServeHTTP)
	r.Route("/openrouter", func(r chi.Router) {
		r.Get("/models", s.handleFreeModels)
	})
	r.Get("/usage/{api}", s.handleUsage)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.svc.registry.AvailableModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleFreeModels(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	models, err := s.svc.GetFreeModels(r.Context(), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleJobsActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.tracker.Active())
}

func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.svc.tracker.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// usageStat is a placeholder per-api usage summary; real accounting
// happens in the Performance Store and the remote aggregator's own
// billing endpoint, neither of which this resource surface recomputes.
type usageStat struct {
	API           string    `json:"api"`
	SampleCount   int       `json:"sample_count"`
	LastRefreshed time.Time `json:"last_refreshed"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	api := chi.URLParam(r, "api")
	writeJSON(w, http.StatusOK, usageStat{API: api, LastRefreshed: time.Now()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
