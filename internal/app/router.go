// Package app wires the operational HTTP surface: health, metrics, breaker
// visibility, and dead-letter inspection/replay.
package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/product-ingest/internal/domain"
	"github.com/fairyhunter13/product-ingest/internal/observability"
)

// Server serves the ops endpoints for one pipeline process.
type Server struct {
	breakers  []*observability.CircuitBreaker
	dlq       domain.DeadLetterStore
	publisher domain.Publisher
}

// NewServer constructs the ops server. dlq and publisher may be nil in
// binaries that do not carry the dead-letter archive; the routes then
// respond 404.
func NewServer(breakers []*observability.CircuitBreaker, dlq domain.DeadLetterStore, publisher domain.Publisher) *Server {
	return &Server{breakers: breakers, dlq: dlq, publisher: publisher}
}

// Router builds the chi router.
func (s *Server) Router(rateLimitPerMin int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(rateLimitPerMin, time.Minute))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/breaker", s.handleBreaker)

	if s.dlq != nil {
		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", s.handleDLQList)
			r.Get("/{id}", s.handleDLQGet)
			if s.publisher != nil {
				r.Post("/{id}/replay", s.handleDLQReplay)
			}
		})
	}
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	stats := make([]map[string]any, 0, len(s.breakers))
	for _, b := range s.breakers {
		stats = append(stats, b.Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": stats})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := s.dlq.List(r.Context(), limit, offset)
	if err != nil {
		slog.Error("dlq list failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	if entries == nil {
		entries = []domain.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.dlq.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleDLQReplay republishes an archived record to its primary topic with
// a fresh retry budget. Replay is the only path back from the dead-letter
// archive, and it is always an explicit operator action.
func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.dlq.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
		return
	}

	rec := entry.Record
	rec.Attempt = 0
	rec.LastError = ""
	rec.EnqueuedAt = time.Now().UTC()
	if err := s.publisher.Publish(r.Context(), rec, false); err != nil {
		slog.Error("dlq replay publish failed", slog.String("id", id), slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "publish failed"})
		return
	}
	if err := s.dlq.MarkReplayed(r.Context(), id); err != nil {
		slog.Error("dlq mark replayed failed", slog.String("id", id), slog.Any("error", err))
	}
	slog.Info("dead-letter entry replayed", slog.String("id", id), slog.String("key", rec.Key))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "replayed", "id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", slog.Any("error", err))
	}
}
