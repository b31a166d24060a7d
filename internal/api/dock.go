package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/meridianapps/chatdock/internal/identity"
)

// HandleDockState returns the current dock snapshot plus per-agent
// loading flags.
func (h *Handler) HandleDockState(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	snap := rt.Dock.Snapshot()

	flags := make(map[string]map[string]bool, len(snap.Entries))
	for _, e := range snap.Entries {
		loading, creating := rt.Chat.Flags(e.Agent.ID)
		flags[e.Agent.ID] = map[string]bool{
			"is_loading":          loading,
			"is_creating_session": creating,
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"dock":  snap,
		"flags": flags,
	})
}

// HandleOpenSelection shows the agent picker.
func (h *Handler) HandleOpenSelection(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	rt.Dock.OpenAgentSelection()
	JSON(w, http.StatusOK, rt.Dock.Snapshot())
}

// HandleSelectAgent opens an agent window and focuses it.
func (h *Handler) HandleSelectAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	agent, ok := h.catalog.Get(req.AgentID)
	if !ok {
		Error(w, http.StatusNotFound, "unknown agent")
		return
	}

	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	rt.Dock.SelectAgent(agent)
	JSON(w, http.StatusOK, rt.Dock.Snapshot())
}

// HandleBackToSelection returns to the agent picker without closing any
// open agent.
func (h *Handler) HandleBackToSelection(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	rt.Dock.BackToSelection()
	JSON(w, http.StatusOK, rt.Dock.Snapshot())
}

// HandleCloseChat closes the shell; open agents persist in the background.
func (h *Handler) HandleCloseChat(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	rt.Dock.CloseChat()
	JSON(w, http.StatusOK, rt.Dock.Snapshot())
}

// HandleMinimizeAgent minimizes an open agent window.
func (h *Handler) HandleMinimizeAgent(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	rt.Dock.MinimizeAgent(chi.URLParam(r, "agentID"))
	JSON(w, http.StatusOK, rt.Dock.Snapshot())
}

// HandleMaximizeAgent restores a window, focuses it, and clears unread.
func (h *Handler) HandleMaximizeAgent(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	rt.Dock.MaximizeAgent(chi.URLParam(r, "agentID"))
	JSON(w, http.StatusOK, rt.Dock.Snapshot())
}

// HandleFocusAgent focuses a window without changing minimized state.
func (h *Handler) HandleFocusAgent(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	rt.Dock.FocusAgent(chi.URLParam(r, "agentID"))
	JSON(w, http.StatusOK, rt.Dock.Snapshot())
}

// HandleCloseAgent removes an agent window and abandons its in-flight
// generation.
func (h *Handler) HandleCloseAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	rt.Chat.CloseAgent(agentID)
	rt.Dock.CloseAgent(agentID)
	JSON(w, http.StatusOK, rt.Dock.Snapshot())
}
