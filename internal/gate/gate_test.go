package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/meridianapps/chatdock/internal/domain"
	"github.com/meridianapps/chatdock/internal/ledger"
	"github.com/meridianapps/chatdock/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccounts struct {
	balance  domain.TokenBalance
	fetchErr error
}

func (f *fakeAccounts) GetBalance(context.Context, string) (domain.TokenBalance, error) {
	if f.fetchErr != nil {
		return domain.TokenBalance{}, f.fetchErr
	}
	return f.balance, nil
}

func (f *fakeAccounts) Debit(_ context.Context, _ string, amount int64) (domain.TokenBalance, error) {
	if f.balance.TotalAvailable() < amount {
		return f.balance, store.ErrInsufficientFunds
	}
	f.balance.MonthlyTokens -= amount
	return f.balance, nil
}

func (f *fakeAccounts) Credit(_ context.Context, _ string, amount int64) (domain.TokenBalance, error) {
	f.balance.ExtraTokens += amount
	return f.balance, nil
}

func newGate(balance domain.TokenBalance) (*Gate, *fakeAccounts) {
	accounts := &fakeAccounts{balance: balance}
	return New(ledger.New("u1", accounts)), accounts
}

func TestAuthorizeProceedsWhenAffordable(t *testing.T) {
	// Scenario: 1000 monthly tokens cover the chat_message estimate.
	g, _ := newGate(domain.TokenBalance{MonthlyTokens: 1000})

	decision := g.Authorize(context.Background(), FeatureChatMessage)
	assert.True(t, decision.Proceed)
	assert.Nil(t, decision.Blocked)
	assert.Nil(t, g.LastShortfall())
}

func TestAuthorizeBlocksWithShortfall(t *testing.T) {
	// Scenario: 500 available, generate_copy_long estimated at 8000.
	g, _ := newGate(domain.TokenBalance{MonthlyTokens: 500})

	decision := g.Authorize(context.Background(), FeatureGenerateCopyLong)
	require.NotNil(t, decision.Blocked)
	assert.False(t, decision.Proceed)
	assert.Equal(t, int64(8000), decision.Blocked.Required)
	assert.Equal(t, int64(500), decision.Blocked.Available)

	shortfall := g.LastShortfall()
	require.NotNil(t, shortfall)
	assert.Equal(t, FeatureGenerateCopyLong, shortfall.Feature)
}

func TestAuthorizeUnknownFeatureUsesConservativeDefault(t *testing.T) {
	g, _ := newGate(domain.TokenBalance{MonthlyTokens: 4000})

	decision := g.Authorize(context.Background(), "never_registered")
	require.NotNil(t, decision.Blocked, "unknown features are over-gated, not waved through")
	assert.Equal(t, defaultEstimate, decision.Blocked.Required)

	g2, _ := newGate(domain.TokenBalance{MonthlyTokens: 10000})
	assert.True(t, g2.Authorize(context.Background(), "never_registered").Proceed)
}

func TestAuthorizeFailsClosedOnFetchError(t *testing.T) {
	accounts := &fakeAccounts{fetchErr: errors.New("account store down")}
	g := New(ledger.New("u1", accounts))

	decision := g.Authorize(context.Background(), FeatureChatMessage)
	require.NotNil(t, decision.Blocked, "fetch failure must block, never allow unmetered actions")
	assert.False(t, decision.Proceed)
}

func TestRegisterOverridesEstimate(t *testing.T) {
	g, _ := newGate(domain.TokenBalance{MonthlyTokens: 100})
	g.Register("cheap_action", 50)

	assert.Equal(t, int64(50), g.EstimatedCost("cheap_action"))
	assert.True(t, g.Authorize(context.Background(), "cheap_action").Proceed)

	g.Register("ignored", 0)
	assert.Equal(t, defaultEstimate, g.EstimatedCost("ignored"))
}

func TestTopUpFlowIsIdempotent(t *testing.T) {
	g, _ := newGate(domain.TokenBalance{})

	g.OpenTopUp()
	g.OpenTopUp()
	assert.True(t, g.TopUpOpen())

	g.CloseTopUp()
	assert.False(t, g.TopUpOpen())
	assert.Nil(t, g.LastShortfall(), "closing the flow clears the recorded shortfall")
}
