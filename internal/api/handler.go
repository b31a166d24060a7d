package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/meridianapps/chatdock/internal/catalog"
	"github.com/meridianapps/chatdock/internal/store"
)

// defaultMaxRequestBodySize is the maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler serves the chatdock HTTP API.
type Handler struct {
	runtime *Runtime
	catalog *catalog.Catalog
	repo    store.Repository
	ai      bool
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(runtime *Runtime, cat *catalog.Catalog, repo store.Repository, aiEnabled bool) *Handler {
	return &Handler{
		runtime: runtime,
		catalog: cat,
		repo:    repo,
		ai:      aiEnabled,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HandleHealth)
		r.Get("/agents", h.HandleListAgents)
		r.Get("/sessions", h.HandleListSessions)

		r.Route("/dock", func(r chi.Router) {
			r.Get("/", h.HandleDockState)
			r.Post("/open", h.HandleOpenSelection)
			r.Post("/select", h.HandleSelectAgent)
			r.Post("/back", h.HandleBackToSelection)
			r.Post("/close", h.HandleCloseChat)
			r.Route("/agents/{agentID}", func(r chi.Router) {
				r.Post("/minimize", h.HandleMinimizeAgent)
				r.Post("/maximize", h.HandleMaximizeAgent)
				r.Post("/focus", h.HandleFocusAgent)
				r.Post("/close", h.HandleCloseAgent)
			})
		})

		r.Route("/chat/{agentID}", func(r chi.Router) {
			r.Get("/messages", h.HandleListMessages)
			r.Post("/messages", h.HandleSendMessage)
			r.Post("/retry", h.HandleRetryFailed)
		})

		r.Route("/tokens", func(r chi.Router) {
			r.Get("/", h.HandleBalance)
			r.Post("/refresh", h.HandleRefreshBalance)
			r.Post("/topup", h.HandleTopUp)
			r.Get("/shortfall", h.HandleShortfall)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// HandleHealth reports database connectivity.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "db": false})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "ok", "db": true, "ai": h.ai})
}

// HandleListAgents returns the configured agent roster.
func (h *Handler) HandleListAgents(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"agents": h.catalog.Agents()})
}
