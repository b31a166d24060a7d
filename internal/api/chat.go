package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/meridianapps/chatdock/internal/chat"
	"github.com/meridianapps/chatdock/internal/gate"
	"github.com/meridianapps/chatdock/internal/gen"
	"github.com/meridianapps/chatdock/internal/identity"
)

// HandleListSessions returns all of the user's sessions, newest first,
// including inactive ones replaced by later conversations.
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load sessions")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// HandleListMessages returns the message history for an agent's session.
func (h *Handler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.catalog.Get(chi.URLParam(r, "agentID"))
	if !ok {
		Error(w, http.StatusNotFound, "unknown agent")
		return
	}

	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	msgs, err := rt.Chat.History(r.Context(), agent)
	if err != nil {
		var creation *chat.SessionCreationError
		if errors.As(err, &creation) {
			Error(w, http.StatusServiceUnavailable, "chat temporarily unavailable")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// HandleSendMessage runs one chat turn and streams the assistant reply as
// server-sent events. The first result decides the response shape: a
// gate refusal maps to 402 before any SSE bytes are written.
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.catalog.Get(chi.URLParam(r, "agentID"))
	if !ok {
		Error(w, http.StatusNotFound, "unknown agent")
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message cannot be empty")
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	rt := h.runtime.ForUser(userID)

	next, stop := iter.Pull2(rt.Chat.Send(r.Context(), agent, req.Message))
	defer stop()

	first, firstErr, valid := next()
	if !valid {
		// Turn abandoned; the client closed the window mid-flight.
		JSON(w, http.StatusOK, map[string]string{"status": "abandoned"})
		return
	}
	if firstErr != nil {
		h.writeSendError(w, firstErr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk, err := first, error(nil); ; {
		if err != nil {
			if writeErr := writeSSE(w, "error", err.Error()); writeErr != nil {
				slog.Warn("failed to write SSE error event", "error", writeErr)
			}
			flusher.Flush()
			return
		}
		data, marshalErr := json.Marshal(chunk)
		if marshalErr != nil {
			slog.Warn("failed to marshal chat chunk", "error", marshalErr)
			return
		}
		if writeErr := writeSSE(w, "message", string(data)); writeErr != nil {
			slog.Warn("failed to write SSE message event", "user_id", userID, "error", writeErr)
			return
		}
		flusher.Flush()

		var valid bool
		chunk, err, valid = next()
		if !valid {
			return
		}
	}
}

// HandleRetryFailed re-queues messages whose persistence failed.
func (h *Handler) HandleRetryFailed(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	n := rt.Chat.RetryFailed(chi.URLParam(r, "agentID"))
	JSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (h *Handler) writeSendError(w http.ResponseWriter, err error) {
	var blocked *gate.BlockedError
	if errors.As(err, &blocked) {
		JSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   "insufficient tokens",
			"blocked": blocked.Blocked,
		})
		return
	}
	var creation *chat.SessionCreationError
	if errors.As(err, &creation) {
		Error(w, http.StatusServiceUnavailable, "chat temporarily unavailable")
		return
	}
	var generation *gen.GenerationError
	if errors.As(err, &generation) {
		Error(w, http.StatusBadGateway, "generation failed, try again")
		return
	}
	if errors.Is(err, chat.ErrAIDisabled) {
		Error(w, http.StatusServiceUnavailable, "AI features are disabled")
		return
	}
	Error(w, http.StatusInternalServerError, "failed to send message")
}

func writeSSE(w http.ResponseWriter, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
