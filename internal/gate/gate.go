// Package gate pre-flights AI-generating actions against the token budget.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meridianapps/chatdock/internal/ledger"
	"github.com/meridianapps/chatdock/internal/metrics"
)

// defaultEstimate is charged against the check for features that were
// never registered. Under-gating an unlisted feature is worse than
// over-gating it, so the default is deliberately conservative.
const defaultEstimate int64 = 5000

// Well-known feature names.
const (
	FeatureChatMessage       = "chat_message"
	FeatureGenerateCopyShort = "generate_copy_short"
	FeatureGenerateCopyLong  = "generate_copy_long"
	FeatureSessionTitle      = "session_title"
)

func defaultEstimates() map[string]int64 {
	return map[string]int64{
		FeatureChatMessage:       1000,
		FeatureGenerateCopyShort: 2000,
		FeatureGenerateCopyLong:  8000,
		FeatureSessionTitle:      500,
	}
}

// Blocked describes a gate refusal: the feature's estimated cost exceeds
// the available balance. It routes the user to the top-up flow.
type Blocked struct {
	Feature   string `json:"feature"`
	Required  int64  `json:"required"`
	Available int64  `json:"available"`
}

// BlockedError carries a Blocked result across error-returning call
// chains (the chat turn pipeline maps it to the insufficient-funds
// presentation).
type BlockedError struct {
	Blocked
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("feature %s blocked: requires %d tokens, %d available", e.Feature, e.Required, e.Available)
}

// Decision is the outcome of an authorization check. When Proceed is
// true the caller runs the action and settles the actual cost through
// the ledger itself; the estimate is only a pre-flight gate, never the
// billed amount.
type Decision struct {
	Proceed bool
	Blocked *Blocked
}

// Gate wraps a named feature behind a cost estimate and the ledger.
type Gate struct {
	ledger    *ledger.Ledger
	estimates map[string]int64

	mu            sync.Mutex
	lastShortfall *Blocked
	topUpOpen     bool
}

// New creates a gate over a ledger with the built-in estimate table.
func New(l *ledger.Ledger) *Gate {
	return &Gate{ledger: l, estimates: defaultEstimates()}
}

// Register sets or overrides the estimated cost for a feature. Estimates
// must be positive; non-positive values are ignored.
func (g *Gate) Register(feature string, estimate int64) {
	if estimate <= 0 {
		return
	}
	g.mu.Lock()
	g.estimates[feature] = estimate
	g.mu.Unlock()
}

// EstimatedCost returns the pre-registered estimate for a feature, or the
// conservative default for unknown features.
func (g *Gate) EstimatedCost(feature string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.estimates[feature]; ok {
		return c
	}
	return defaultEstimate
}

// Authorize checks whether the user can afford the feature's estimated
// cost. A balance fetch failure fails closed: the action is blocked with
// a generic shortfall rather than silently allowed unmetered.
func (g *Gate) Authorize(ctx context.Context, feature string) Decision {
	cost := g.EstimatedCost(feature)

	ok, err := g.ledger.HasAtLeast(ctx, cost)
	if err != nil {
		slog.Warn("balance check failed, blocking action", "feature", feature, "error", err)
		return g.block(Blocked{Feature: feature, Required: cost, Available: 0})
	}
	if !ok {
		balance, err := g.ledger.Balance(ctx)
		if err != nil {
			return g.block(Blocked{Feature: feature, Required: cost, Available: 0})
		}
		return g.block(Blocked{Feature: feature, Required: cost, Available: balance.TotalAvailable()})
	}
	return Decision{Proceed: true}
}

func (g *Gate) block(b Blocked) Decision {
	g.mu.Lock()
	g.lastShortfall = &b
	g.mu.Unlock()
	metrics.GateBlocks.WithLabelValues(b.Feature).Inc()
	slog.Info("action blocked by token gate", "feature", b.Feature, "required", b.Required, "available", b.Available)
	return Decision{Blocked: &b}
}

// LastShortfall returns the most recent blocked result for the
// insufficient-funds presentation, or nil when none was recorded.
func (g *Gate) LastShortfall() *Blocked {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastShortfall == nil {
		return nil
	}
	b := *g.lastShortfall
	return &b
}

// OpenTopUp opens the token-purchase flow. Idempotent: opening while
// already open is a no-op.
func (g *Gate) OpenTopUp() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.topUpOpen {
		return
	}
	g.topUpOpen = true
}

// CloseTopUp closes the token-purchase flow and clears the recorded
// shortfall.
func (g *Gate) CloseTopUp() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.topUpOpen = false
	g.lastShortfall = nil
}

// TopUpOpen reports whether the purchase flow is currently open.
func (g *Gate) TopUpOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.topUpOpen
}
