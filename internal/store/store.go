// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/meridianapps/chatdock/internal/domain"
)

// ErrInsufficientFunds is returned by Debit when the account cannot cover
// the requested amount. The balance is left untouched.
var ErrInsufficientFunds = errors.New("insufficient token balance")

// Repository defines the interface for persisting sessions, messages and
// token accounts.
type Repository interface {
	// CreateSession creates a new active session for a (user, agent) pair,
	// deactivating any previous one for the same pair.
	CreateSession(ctx context.Context, session *domain.ChatSession) error

	// GetActiveSession retrieves the active session for a (user, agent)
	// pair, or nil when none exists.
	GetActiveSession(ctx context.Context, userID, agentID string) (*domain.ChatSession, error)

	// ListSessions retrieves all sessions for a user, newest first.
	ListSessions(ctx context.Context, userID string) ([]*domain.ChatSession, error)

	// SetSessionTitle updates the title of a session if it is still empty.
	SetSessionTitle(ctx context.Context, sessionID, title string) error

	// AppendMessage persists a message and bumps the session's
	// message_count and updated_at.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages retrieves the ordered message history of a session.
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)

	// EnsureAccount creates the token account for a user if missing,
	// seeding it with the monthly grant.
	EnsureAccount(ctx context.Context, userID string, monthlyGrant int64) error

	// GetBalance retrieves the current token balance for a user.
	GetBalance(ctx context.Context, userID string) (domain.TokenBalance, error)

	// Debit atomically decrements the balance by amount, spending monthly
	// tokens before extra tokens. Fails with ErrInsufficientFunds when the
	// total available is below amount; the balance is never driven
	// negative and never clamped.
	Debit(ctx context.Context, userID string, amount int64) (domain.TokenBalance, error)

	// Credit adds purchased extra tokens to an account.
	Credit(ctx context.Context, userID string, amount int64) (domain.TokenBalance, error)

	// ResetMonthly replaces the monthly pool with the given grant. Invoked
	// by the external replenishment job, observed by the core.
	ResetMonthly(ctx context.Context, userID string, grant int64) (domain.TokenBalance, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
