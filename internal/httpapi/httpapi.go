// Package httpapi is the sync engine's only inbound HTTP surface: a health
// probe for orchestration platforms and the PM webhook receiver that feeds
// the "PM webhook" trigger source. Routing uses go-chi/chi/v5.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oculairmedia/huly-vibe-sync/internal/logging"
	"github.com/oculairmedia/huly-vibe-sync/internal/triggers"
)

const component = "httpapi"

// HealthChecker reports whether the process's core dependencies (the
// Mapping store, at minimum) are reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Server wraps the chi router and the dependencies its handlers need.
type Server struct {
	router     chi.Router
	dispatcher *triggers.Dispatcher
	health     HealthChecker
}

// New builds a Server. dispatcher receives decoded webhook payloads;
// health backs the /healthz probe.
func New(dispatcher *triggers.Dispatcher, health HealthChecker) *Server {
	s := &Server{dispatcher: dispatcher, health: health}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhooks/pm", s.handleWebhook)

	s.router = r
	return s
}

// ServeHTTP lets *Server satisfy http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.Component(logging.From(r.Context()), component)
		ctx := logging.Into(r.Context(), log)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Healthy(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWebhook decodes a PM "issue changed" notification and hands it to
// the trigger dispatcher as a targeted run. The handler returns as soon as
// the payload is accepted; the run itself proceeds asynchronously
// (Dispatcher.HandleWebhook detaches it from the request context).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := logging.Component(logging.From(r.Context()), component)

	var payload triggers.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid webhook payload"})
		return
	}
	if payload.Project == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "project is required"})
		return
	}

	log.Info("accepted PM webhook", "project", payload.Project, "changed_issues", len(payload.ChangedIssues))
	s.dispatcher.HandleWebhook(r.Context(), payload)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}
