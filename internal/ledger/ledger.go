// Package ledger tracks the user's remaining token budget.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meridianapps/chatdock/internal/domain"
	"github.com/meridianapps/chatdock/internal/store"
)

// InsufficientFundsError reports a consumption attempt that the balance
// cannot cover. The balance is left untouched.
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient tokens: required %d, available %d", e.Required, e.Available)
}

// FetchError reports a balance read failure. The previously fetched
// balance is retained.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch token balance: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// AccountStore is the subset of the repository the ledger depends on.
type AccountStore interface {
	GetBalance(ctx context.Context, userID string) (domain.TokenBalance, error)
	Debit(ctx context.Context, userID string, amount int64) (domain.TokenBalance, error)
	Credit(ctx context.Context, userID string, amount int64) (domain.TokenBalance, error)
}

// Ledger is the single source of truth for one user's token budget. It
// caches the last fetched balance for cheap availability checks; actual
// consumption always re-validates against the account store, so a stale
// cache can never authorize an unaffordable spend.
type Ledger struct {
	userID string
	store  AccountStore

	mu      sync.Mutex
	balance domain.TokenBalance
	fetched bool
}

// New creates a ledger for a user. The balance is fetched lazily on the
// first query.
func New(userID string, accounts AccountStore) *Ledger {
	return &Ledger{userID: userID, store: accounts}
}

// Balance returns the last-fetched balance. It may be stale between
// refreshes; callers that need a fresh value use Refresh.
func (l *Ledger) Balance(ctx context.Context) (domain.TokenBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.fetched {
		return l.refreshLocked(ctx)
	}
	return l.balance, nil
}

// Refresh re-fetches the balance from the account store. On failure the
// previous balance is retained, not cleared.
func (l *Ledger) Refresh(ctx context.Context) (domain.TokenBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshLocked(ctx)
}

func (l *Ledger) refreshLocked(ctx context.Context) (domain.TokenBalance, error) {
	balance, err := l.store.GetBalance(ctx, l.userID)
	if err != nil {
		return l.balance, &FetchError{Err: err}
	}
	l.balance = balance
	l.fetched = true
	return balance, nil
}

// HasAtLeast reports whether the current balance covers amount. Pure
// comparison against the cached balance; no mutation. When no balance has
// been fetched yet it fetches one first.
func (l *Ledger) HasAtLeast(ctx context.Context, amount int64) (bool, error) {
	balance, err := l.Balance(ctx)
	if err != nil {
		return false, err
	}
	return balance.TotalAvailable() >= amount, nil
}

// Consume decrements the balance by amount. The decrement happens as one
// atomic conditional operation in the account store, so the availability
// check a caller performed earlier (possibly across a suspension point)
// is re-validated here against the current balance. On shortfall it
// returns *InsufficientFundsError and leaves the balance unchanged.
func (l *Ledger) Consume(ctx context.Context, amount int64) (domain.TokenBalance, error) {
	if amount < 0 {
		return domain.TokenBalance{}, fmt.Errorf("consume amount cannot be negative: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance, err := l.store.Debit(ctx, l.userID, amount)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			// The store reports the live balance alongside the refusal;
			// keep the cache current for the shortfall presentation.
			l.balance = balance
			l.fetched = true
			return balance, &InsufficientFundsError{Required: amount, Available: balance.TotalAvailable()}
		}
		return l.balance, &FetchError{Err: err}
	}

	l.balance = balance
	l.fetched = true
	slog.Debug("tokens consumed", "user_id", l.userID, "amount", amount, "remaining", balance.TotalAvailable())
	return balance, nil
}

// Credit adds purchased extra tokens and updates the cached balance.
func (l *Ledger) Credit(ctx context.Context, amount int64) (domain.TokenBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, err := l.store.Credit(ctx, l.userID, amount)
	if err != nil {
		return l.balance, &FetchError{Err: err}
	}
	l.balance = balance
	l.fetched = true
	return balance, nil
}
