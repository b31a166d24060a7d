package domain

import (
	"time"
)

// ChatSession is the durable conversation record for one (user, agent) pair.
// At most one active session exists per pair; the store enforces this.
type ChatSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"-"`
	AgentID      string    `json:"agent_id"`
	AgentName    string    `json:"agent_name"`
	Title        string    `json:"title,omitempty"`
	IsActive     bool      `json:"is_active"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenBalance is the user's remaining token budget, split into the
// recurring monthly grant and purchased extra tokens. Both pools are
// non-negative at all times.
type TokenBalance struct {
	MonthlyTokens int64 `json:"monthly_tokens"`
	ExtraTokens   int64 `json:"extra_tokens"`
}

// TotalAvailable returns the spendable total across both pools.
func (b TokenBalance) TotalAvailable() int64 {
	return b.MonthlyTokens + b.ExtraTokens
}
