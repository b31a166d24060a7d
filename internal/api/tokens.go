package api

import (
	"net/http"

	"github.com/meridianapps/chatdock/internal/identity"
)

// HandleBalance returns the last-fetched token balance.
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	balance, err := rt.Ledger.Balance(r.Context())
	if err != nil {
		Error(w, http.StatusServiceUnavailable, "balance unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"balance":         balance,
		"total_available": balance.TotalAvailable(),
	})
}

// HandleRefreshBalance force-refetches the balance from the account store.
func (h *Handler) HandleRefreshBalance(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	balance, err := rt.Ledger.Refresh(r.Context())
	if err != nil {
		// The previous balance is retained on a failed fetch; report it
		// alongside the degraded status.
		JSON(w, http.StatusServiceUnavailable, map[string]any{
			"balance": balance,
			"stale":   true,
		})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"balance":         balance,
		"total_available": balance.TotalAvailable(),
	})
}

// HandleTopUp credits purchased extra tokens and closes the top-up flow.
// The purchase itself (payment processing) happens outside the core; this
// endpoint observes its result.
func (h *Handler) HandleTopUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		Error(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	balance, err := rt.Ledger.Credit(r.Context(), req.Amount)
	if err != nil {
		Error(w, http.StatusServiceUnavailable, "top-up failed")
		return
	}
	rt.Gate.CloseTopUp()
	JSON(w, http.StatusOK, map[string]any{
		"balance":         balance,
		"total_available": balance.TotalAvailable(),
	})
}

// HandleShortfall returns the most recent gate refusal and whether the
// top-up flow is open.
func (h *Handler) HandleShortfall(w http.ResponseWriter, r *http.Request) {
	rt := h.runtime.ForUser(identity.UserIDFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]any{
		"shortfall":  rt.Gate.LastShortfall(),
		"topup_open": rt.Gate.TopUpOpen(),
	})
}
