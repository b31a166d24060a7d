package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridianapps/chatdock/internal/dock"
	"github.com/meridianapps/chatdock/internal/domain"
	"github.com/meridianapps/chatdock/internal/gate"
	"github.com/meridianapps/chatdock/internal/gen"
	"github.com/meridianapps/chatdock/internal/ledger"
	"github.com/meridianapps/chatdock/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory session/account store.
type fakeStore struct {
	mu          sync.Mutex
	sessions    map[string]*domain.ChatSession // keyed by user:agent
	messages    map[string][]*domain.Message   // keyed by session id
	balance     domain.TokenBalance
	createCalls int32
	createDelay time.Duration
	appendDelay time.Duration
	appendErr   error
}

func newFakeStore(balance domain.TokenBalance) *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*domain.ChatSession),
		messages: make(map[string][]*domain.Message),
		balance:  balance,
	}
}

func (f *fakeStore) CreateSession(_ context.Context, s *domain.ChatSession) error {
	atomic.AddInt32(&f.createCalls, 1)
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.UserID+":"+s.AgentID] = s
	return nil
}

func (f *fakeStore) GetActiveSession(_ context.Context, userID, agentID string) (*domain.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[userID+":"+agentID], nil
}

func (f *fakeStore) SetSessionTitle(_ context.Context, sessionID, title string) error {
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, msg *domain.Message) error {
	if f.appendDelay > 0 {
		time.Sleep(f.appendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.messages[msg.SessionID] = append(f.messages[msg.SessionID], msg)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, sessionID string) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Message(nil), f.messages[sessionID]...), nil
}

func (f *fakeStore) GetBalance(context.Context, string) (domain.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeStore) Debit(_ context.Context, _ string, amount int64) (domain.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance.TotalAvailable() < amount {
		return f.balance, store.ErrInsufficientFunds
	}
	if f.balance.MonthlyTokens >= amount {
		f.balance.MonthlyTokens -= amount
	} else {
		remainder := amount - f.balance.MonthlyTokens
		f.balance.MonthlyTokens = 0
		f.balance.ExtraTokens -= remainder
	}
	return f.balance, nil
}

func (f *fakeStore) Credit(_ context.Context, _ string, amount int64) (domain.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance.ExtraTokens += amount
	return f.balance, nil
}

// fakeGenerator returns a fixed reply, optionally blocking until the
// context is cancelled.
type fakeGenerator struct {
	reply     *gen.Reply
	err       error
	blockCtx  bool
	generated int32
}

func (f *fakeGenerator) Generate(ctx context.Context, agent domain.Agent, _ []*domain.Message, _ string) (*gen.Reply, error) {
	if f.blockCtx {
		<-ctx.Done()
		return nil, &gen.GenerationError{AgentID: agent.ID, Err: ctx.Err()}
	}
	atomic.AddInt32(&f.generated, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func testAgent(id string) domain.Agent {
	return domain.Agent{ID: id, Name: "Agent " + id, Prompt: "you are " + id}
}

func newTestManager(t *testing.T, fs *fakeStore, generator gen.Generator) (*Manager, *dock.Manager) {
	t.Helper()
	l := ledger.New("u1", fs)
	g := gate.New(l)
	d := dock.NewManager()
	m := NewManager("u1", fs, generator, g, l, d, 5*time.Second)
	t.Cleanup(m.Close)
	return m, d
}

func collect(m *Manager, agent domain.Agent, text string) ([]*Chunk, []error) {
	var chunks []*Chunk
	var errs []error
	for chunk, err := range m.Send(context.Background(), agent, text) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, errs
}

func TestEnsureSessionCoalescesConcurrentCreation(t *testing.T) {
	// Two callers racing before the first create resolves must share one
	// session rather than creating duplicates.
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 10000})
	fs.createDelay = 50 * time.Millisecond
	m, _ := newTestManager(t, fs, nil)
	agent := testAgent("a")

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.EnsureSession(context.Background(), agent)
			require.NoError(t, err)
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fs.createCalls), "exactly one session created")
	assert.Equal(t, ids[0], ids[1], "both callers resolve to the same session")
}

func TestEnsureSessionReusesExistingActiveSession(t *testing.T) {
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 10000})
	m, _ := newTestManager(t, fs, nil)
	agent := testAgent("a")

	first, err := m.EnsureSession(context.Background(), agent)
	require.NoError(t, err)
	second, err := m.EnsureSession(context.Background(), agent)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), fs.createCalls)
}

func TestSendFullTurn(t *testing.T) {
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 10000})
	generator := &fakeGenerator{reply: &gen.Reply{Text: "hello there", PromptTokens: 100, CompletionTokens: 50}}
	m, d := newTestManager(t, fs, generator)
	agent := testAgent("a")
	d.SelectAgent(agent)

	chunks, errs := collect(m, agent, "hi")
	require.Empty(t, errs)
	require.Len(t, chunks, 2)
	assert.Equal(t, "hello there", chunks[0].Delta)
	require.NotNil(t, chunks[1].Message)
	assert.Equal(t, domain.RoleAssistant, chunks[1].Message.Role)
	require.NotNil(t, chunks[1].Balance)
	assert.Equal(t, int64(10000-150), chunks[1].Balance.TotalAvailable(), "actual usage billed, not the estimate")

	history, err := m.History(context.Background(), agent)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleUser, history[0].Role)
	assert.Equal(t, domain.RoleAssistant, history[1].Role)

	// The agent is focused and maximized, so its own reply is not unread.
	assert.Zero(t, d.Snapshot().Entries[0].UnreadCount)
}

func TestSendIncrementsUnreadForUnfocusedAgent(t *testing.T) {
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 10000})
	generator := &fakeGenerator{reply: &gen.Reply{Text: "done", PromptTokens: 10, CompletionTokens: 10}}
	m, d := newTestManager(t, fs, generator)
	agentA, agentB := testAgent("a"), testAgent("b")
	d.SelectAgent(agentA)
	d.SelectAgent(agentB) // focus moves to b

	_, errs := collect(m, agentA, "hi")
	require.Empty(t, errs)

	snap := d.Snapshot()
	require.Equal(t, "b", snap.FocusedID)
	assert.Equal(t, 1, snap.Entries[0].UnreadCount, "reply to backgrounded agent counts as unread")
}

func TestSendBlockedByGate(t *testing.T) {
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 500})
	generator := &fakeGenerator{reply: &gen.Reply{Text: "never"}}
	m, _ := newTestManager(t, fs, generator)
	agent := testAgent("a")

	chunks, errs := collect(m, agent, "hi")
	assert.Empty(t, chunks)
	require.Len(t, errs, 1)
	var blocked *gate.BlockedError
	require.ErrorAs(t, errs[0], &blocked)
	assert.Equal(t, int64(1000), blocked.Required)
	assert.Equal(t, int64(500), blocked.Available)

	assert.Zero(t, atomic.LoadInt32(&generator.generated), "generation never runs for a blocked action")
	assert.Equal(t, int64(500), fs.balance.TotalAvailable(), "nothing billed")
}

func TestSendDrainedBalanceBlocksNextTurn(t *testing.T) {
	// The first turn costs exactly the remaining balance; once drained,
	// the gate refuses the next turn before any generation runs.
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 1200})
	generator := &fakeGenerator{reply: &gen.Reply{Text: "long reply", PromptTokens: 600, CompletionTokens: 600}}
	m, _ := newTestManager(t, fs, generator)
	agent := testAgent("a")

	chunks, errs := collect(m, agent, "hi")
	require.Empty(t, errs)
	require.NotEmpty(t, chunks)
	assert.Equal(t, int64(0), fs.balance.TotalAvailable())

	_, errs = collect(m, agent, "again")
	require.Len(t, errs, 1)
	var blocked *gate.BlockedError
	assert.ErrorAs(t, errs[0], &blocked)
	assert.Equal(t, int32(1), atomic.LoadInt32(&generator.generated))
}

func TestSendSettlementShortfallOpensTopUp(t *testing.T) {
	// Authorize passes on the 1000-token estimate but the actual usage
	// exceeds the remaining balance: the debit is refused and the top-up
	// flow opens.
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 1500})
	generator := &fakeGenerator{reply: &gen.Reply{Text: "big", PromptTokens: 2000, CompletionTokens: 500}}
	m, _ := newTestManager(t, fs, generator)
	agent := testAgent("a")

	chunks, errs := collect(m, agent, "hi")
	require.Empty(t, errs)
	require.Len(t, chunks, 2)
	assert.Nil(t, chunks[1].Balance, "no balance reported when the debit was refused")
	assert.Equal(t, int64(1500), fs.balance.TotalAvailable(), "refused debit leaves the balance untouched")
	assert.True(t, m.gate.TopUpOpen())
}

func TestSendGenerationErrorKeepsSessionUsable(t *testing.T) {
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 10000})
	generator := &fakeGenerator{err: &gen.GenerationError{AgentID: "a", Err: errors.New("backend timeout")}}
	m, d := newTestManager(t, fs, generator)
	agent := testAgent("a")
	d.SelectAgent(agent)

	_, errs := collect(m, agent, "hi")
	require.Len(t, errs, 1)
	var genErr *gen.GenerationError
	assert.ErrorAs(t, errs[0], &genErr)

	// The user message survives; the failure is per-message, not fatal.
	history, err := m.History(context.Background(), agent)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.RoleUser, history[0].Role)

	// The dock remains fully operable.
	d.MinimizeAgent(agent.ID)
	d.MaximizeAgent(agent.ID)
	assert.Equal(t, int64(10000), fs.balance.TotalAvailable(), "failed generations are not billed")

	loading, _ := m.Flags(agent.ID)
	assert.False(t, loading)
}

func TestCancelAgentDiscardsInFlightResult(t *testing.T) {
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 10000})
	generator := &fakeGenerator{blockCtx: true}
	m, d := newTestManager(t, fs, generator)
	agent := testAgent("a")
	d.SelectAgent(agent)

	done := make(chan struct{})
	var chunks []*Chunk
	var errs []error
	go func() {
		defer close(done)
		for chunk, err := range m.Send(context.Background(), agent, "hi") {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			chunks = append(chunks, chunk)
		}
	}()

	require.Eventually(t, func() bool {
		loading, _ := m.Flags(agent.ID)
		return loading
	}, time.Second, 5*time.Millisecond)

	m.CancelAgent(agent.ID)
	<-done

	assert.Empty(t, chunks, "abandoned result is discarded, not applied")
	assert.Empty(t, errs)

	history, err := m.History(context.Background(), agent)
	require.NoError(t, err)
	require.Len(t, history, 1, "only the user message remains")
	assert.Equal(t, int64(10000), fs.balance.TotalAvailable())
}

func TestAppendIsOptimisticAndMarksFailures(t *testing.T) {
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 10000})
	fs.appendErr = errors.New("disk full")
	m, _ := newTestManager(t, fs, nil)
	agent := testAgent("a")

	_, err := m.EnsureSession(context.Background(), agent)
	require.NoError(t, err)

	msg, err := m.Append(agent, domain.RoleUser, "hello")
	require.NoError(t, err, "append succeeds immediately despite the backend failure")

	history, err := m.History(context.Background(), agent)
	require.NoError(t, err)
	require.Len(t, history, 1, "the shown message is not retracted")

	require.Eventually(t, func() bool {
		history, err := m.History(context.Background(), agent)
		return err == nil && len(history) == 1 && history[0].Delivery == domain.DeliveryFailed
	}, time.Second, 5*time.Millisecond)

	// Once the backend recovers, retry persists the flagged message.
	fs.mu.Lock()
	fs.appendErr = nil
	fs.mu.Unlock()
	assert.Equal(t, 1, m.RetryFailed(agent.ID))

	require.Eventually(t, func() bool {
		stored, _ := fs.ListMessages(context.Background(), msg.SessionID)
		return len(stored) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHistorySurvivesConcurrentAgentClose(t *testing.T) {
	// A history read and a window close for the same agent can arrive
	// concurrently; the read must come back empty or complete, never
	// crash on the removed state.
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 10000})
	m, _ := newTestManager(t, fs, nil)
	agent := testAgent("a")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				m.CloseAgent(agent.ID)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = m.History(context.Background(), agent)
			}
		}
	}()

	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestPersistOrderSurvivesBackpressure(t *testing.T) {
	// Appends far beyond the persist queue's capacity, against a slow
	// store, must still reach the store in append order.
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 10000})
	fs.appendDelay = 100 * time.Microsecond
	m, _ := newTestManager(t, fs, nil)
	agent := testAgent("a")

	session, err := m.EnsureSession(context.Background(), agent)
	require.NoError(t, err)

	const total = 400
	for i := 0; i < total; i++ {
		_, err := m.Append(agent, domain.RoleUser, fmt.Sprintf("message %04d", i))
		require.NoError(t, err)
	}
	m.Close()

	stored, err := fs.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, stored, total)
	for i, msg := range stored {
		require.Equal(t, fmt.Sprintf("message %04d", i), msg.Content)
	}
}

func TestFlagsDistinguishLoadingFromCreating(t *testing.T) {
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 10000})
	fs.createDelay = 50 * time.Millisecond
	m, _ := newTestManager(t, fs, nil)
	agent := testAgent("a")

	go func() { _, _ = m.EnsureSession(context.Background(), agent) }()

	require.Eventually(t, func() bool {
		_, creating := m.Flags(agent.ID)
		return creating
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		_, creating := m.Flags(agent.ID)
		return !creating
	}, time.Second, time.Millisecond)

	loading, creating := m.Flags(agent.ID)
	assert.False(t, loading)
	assert.False(t, creating)
}

func TestSendWithoutGeneratorFails(t *testing.T) {
	fs := newFakeStore(domain.TokenBalance{MonthlyTokens: 10000})
	m, _ := newTestManager(t, fs, nil)

	_, errs := collect(m, testAgent("a"), "hi")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAIDisabled)
}
