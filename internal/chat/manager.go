// Package chat owns message history and session identity per agent and
// drives complete chat turns through the token gate and the generation
// backend.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meridianapps/chatdock/internal/dock"
	"github.com/meridianapps/chatdock/internal/domain"
	"github.com/meridianapps/chatdock/internal/gate"
	"github.com/meridianapps/chatdock/internal/gen"
	"github.com/meridianapps/chatdock/internal/ledger"
	"github.com/meridianapps/chatdock/internal/metrics"
	"github.com/meridianapps/chatdock/internal/shared"
	"github.com/meridianapps/chatdock/internal/tokencount"
	"golang.org/x/sync/singleflight"
)

// ErrAIDisabled is returned when no generation backend is configured.
var ErrAIDisabled = errors.New("generation backend not configured")

// SessionCreationError is fatal to one EnsureSession attempt. It leaves
// no partial state behind; the next attempt starts clean.
type SessionCreationError struct {
	AgentID string
	Err     error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("create session for agent %s: %v", e.AgentID, e.Err)
}

func (e *SessionCreationError) Unwrap() error {
	return e.Err
}

// SessionStore is the subset of the repository the chat manager uses.
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.ChatSession) error
	GetActiveSession(ctx context.Context, userID, agentID string) (*domain.ChatSession, error)
	SetSessionTitle(ctx context.Context, sessionID, title string) error
	AppendMessage(ctx context.Context, msg *domain.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)
}

// Chunk is one unit of assistant output. Delta carries incremental text;
// the final chunk carries the appended message and the post-billing
// balance instead.
type Chunk struct {
	Delta   string               `json:"delta,omitempty"`
	Message *domain.Message      `json:"message,omitempty"`
	Balance *domain.TokenBalance `json:"balance,omitempty"`
}

// agentState is the per-agent conversation bookkeeping.
type agentState struct {
	session  *domain.ChatSession
	history  []*domain.Message
	loading  bool
	creating bool
	epoch    uint64
	cancel   context.CancelFunc
}

// Manager owns the chat state of one user across all agents. Sessions are
// created lazily; messages are appended optimistically and persisted in
// the background; generation calls are cancellable per agent.
type Manager struct {
	userID  string
	store   SessionStore
	gen     gen.Generator
	gate    *gate.Gate
	ledger  *ledger.Ledger
	dock    *dock.Manager
	timeout time.Duration

	sf     singleflight.Group
	mu     sync.Mutex
	states map[string]*agentState

	persistCh chan *persistJob
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type persistJob struct {
	msg       *domain.Message
	sessionID string
	title     string // non-empty on the first user message of a session
}

// NewManager creates the chat manager for one user. generator may be nil
// when AI features are disabled. Close must be called on teardown.
func NewManager(userID string, sessions SessionStore, generator gen.Generator, g *gate.Gate, l *ledger.Ledger, d *dock.Manager, timeout time.Duration) *Manager {
	m := &Manager{
		userID:    userID,
		store:     sessions,
		gen:       generator,
		gate:      g,
		ledger:    l,
		dock:      d,
		timeout:   timeout,
		states:    make(map[string]*agentState),
		persistCh: make(chan *persistJob, 256),
		done:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.persistLoop()
	return m
}

// Close stops the background persist worker after draining queued writes.
// Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Flags reports per-agent loading state: whether a generation is in
// flight and whether session creation is in flight. Independent booleans
// so the UI can distinguish "waiting for a reply" from "setting up".
func (m *Manager) Flags(agentID string) (isLoading, isCreatingSession bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[agentID]; ok {
		return st.loading, st.creating
	}
	return false, false
}

// History returns a copy of the in-memory message view for an agent.
func (m *Manager) History(ctx context.Context, agent domain.Agent) ([]*domain.Message, error) {
	if _, err := m.EnsureSession(ctx, agent); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[agent.ID]
	if st == nil {
		// The agent was closed between the session lookup and here; the
		// in-memory view is gone and there is nothing to show.
		return nil, nil
	}
	out := make([]*domain.Message, len(st.history))
	for i, msg := range st.history {
		c := *msg
		out[i] = &c
	}
	return out, nil
}

// EnsureSession returns the active session for the agent, creating one
// through the store when none exists. Concurrent calls for the same agent
// are coalesced: the second caller waits for the first's result instead
// of creating a duplicate session.
func (m *Manager) EnsureSession(ctx context.Context, agent domain.Agent) (*domain.ChatSession, error) {
	m.mu.Lock()
	if st, ok := m.states[agent.ID]; ok && st.session != nil {
		session := st.session
		m.mu.Unlock()
		return session, nil
	}
	m.mu.Unlock()

	v, err, _ := m.sf.Do(m.userID+":"+agent.ID, func() (any, error) {
		return m.loadOrCreateSession(ctx, agent)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ChatSession), nil
}

func (m *Manager) loadOrCreateSession(ctx context.Context, agent domain.Agent) (*domain.ChatSession, error) {
	m.setCreating(agent.ID, true)
	defer m.setCreating(agent.ID, false)

	session, err := m.store.GetActiveSession(ctx, m.userID, agent.ID)
	if err != nil {
		return nil, &SessionCreationError{AgentID: agent.ID, Err: err}
	}

	var history []*domain.Message
	if session == nil {
		now := time.Now()
		session = &domain.ChatSession{
			ID:        uuid.NewString(),
			UserID:    m.userID,
			AgentID:   agent.ID,
			AgentName: agent.Name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.store.CreateSession(ctx, session); err != nil {
			return nil, &SessionCreationError{AgentID: agent.ID, Err: err}
		}
		slog.Info("chat session created", "user_id", m.userID, "agent_id", agent.ID, "session_id", session.ID)
	} else {
		history, err = m.store.ListMessages(ctx, session.ID)
		if err != nil {
			// The session exists; an unreadable history falls back to
			// empty rather than failing the whole surface.
			slog.Warn("failed to load session history", "session_id", session.ID, "error", err)
			history = nil
		}
	}

	m.mu.Lock()
	st := m.stateLocked(agent.ID)
	st.session = session
	if st.history == nil {
		st.history = history
	}
	m.mu.Unlock()
	return session, nil
}

// Append adds a message to the in-memory history immediately and queues
// the durable write. A failed persist marks the message failed for retry;
// it is never retracted from the view.
func (m *Manager) Append(agent domain.Agent, role domain.MessageRole, content string) (*domain.Message, error) {
	m.mu.Lock()
	st, ok := m.states[agent.ID]
	if !ok || st.session == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("no session for agent %s", agent.ID)
	}
	msg, err := domain.NewMessage(uuid.NewString(), st.session.ID, role, content, time.Now())
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	st.history = append(st.history, &msg)
	st.session.MessageCount++
	title := ""
	if role == domain.RoleUser && st.session.Title == "" {
		title = deriveTitle(content)
		st.session.Title = title
	}
	m.mu.Unlock()

	m.enqueuePersist(&persistJob{msg: &msg, sessionID: msg.SessionID, title: title})
	return &msg, nil
}

// Send drives one complete chat turn: gate check, lazy session creation,
// optimistic user append, generation, assistant append, actual-cost
// billing, dock notification. The returned sequence yields assistant
// output and terminates with an error on any recoverable failure.
func (m *Manager) Send(ctx context.Context, agent domain.Agent, userText string) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		if m.gen == nil {
			yield(nil, ErrAIDisabled)
			return
		}

		decision := m.gate.Authorize(ctx, gate.FeatureChatMessage)
		if !decision.Proceed {
			yield(nil, &gate.BlockedError{Blocked: *decision.Blocked})
			return
		}

		if _, err := m.EnsureSession(ctx, agent); err != nil {
			yield(nil, err)
			return
		}

		if _, err := m.Append(agent, domain.RoleUser, userText); err != nil {
			yield(nil, err)
			return
		}

		history := m.historyBefore(agent.ID)
		turnCtx, epoch := m.beginTurn(ctx, agent.ID)
		defer m.endTurn(agent.ID, epoch)

		reply, err := m.gen.Generate(turnCtx, agent, history, userText)
		if m.turnAbandoned(agent.ID, epoch) {
			// The window was closed mid-flight; the result, whatever it
			// was, is discarded rather than applied to a stale entry.
			slog.Info("discarding abandoned generation", "user_id", m.userID, "agent_id", agent.ID)
			return
		}
		if err != nil {
			metrics.GenerationFailures.WithLabelValues(agent.ID).Inc()
			if _, ok := err.(*gen.GenerationError); ok {
				yield(nil, err)
			} else {
				yield(nil, &gen.GenerationError{AgentID: agent.ID, Err: err})
			}
			return
		}

		if !yield(&Chunk{Delta: reply.Text}, nil) {
			return
		}

		msg, err := m.Append(agent, domain.RoleAssistant, reply.Text)
		if err != nil {
			yield(nil, err)
			return
		}
		metrics.MessagesGenerated.WithLabelValues(agent.ID).Inc()

		balance := m.settle(ctx, agent, userText, reply)
		m.dock.NoteIncoming(agent.ID)

		m.mu.Lock()
		final := *msg
		m.mu.Unlock()
		yield(&Chunk{Message: &final, Balance: balance}, nil)
	}
}

// settle bills the actual cost of a finished turn. The estimate checked
// by the gate is never the billed amount; the charge is the backend's
// reported usage, or a local token count when usage is missing.
func (m *Manager) settle(ctx context.Context, agent domain.Agent, userText string, reply *gen.Reply) *domain.TokenBalance {
	cost := reply.PromptTokens + reply.CompletionTokens
	if cost <= 0 {
		cost = tokencount.CountTurn(userText, reply.Text)
	}

	balance, err := m.ledger.Consume(ctx, cost)
	if err != nil {
		var insufficient *ledger.InsufficientFundsError
		if errors.As(err, &insufficient) {
			// The reply was already produced; the debit is refused, not
			// clamped. Surface the shortfall so the user is routed to
			// the top-up flow before the next action.
			slog.Warn("actual cost exceeded remaining balance",
				"user_id", m.userID, "agent_id", agent.ID,
				"cost", cost, "available", insufficient.Available)
			m.gate.OpenTopUp()
			return nil
		}
		slog.Warn("failed to bill turn", "user_id", m.userID, "agent_id", agent.ID, "error", err)
		return nil
	}
	metrics.TokensConsumed.Add(float64(cost))
	return &balance
}

// CancelAgent abandons any in-flight generation for an agent. Called when
// the agent's window or session is closed; a result that arrives after
// cancellation is discarded.
func (m *Manager) CancelAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[agentID]
	if !ok {
		return
	}
	st.epoch++
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.loading = false
}

// CloseAgent discards the in-memory state for an agent alongside
// cancelling its in-flight work. The durable session remains in the
// store.
func (m *Manager) CloseAgent(agentID string) {
	m.CancelAgent(agentID)
	m.mu.Lock()
	delete(m.states, agentID)
	m.mu.Unlock()
}

func (m *Manager) historyBefore(agentID string) []*domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[agentID]
	if st == nil || len(st.history) == 0 {
		return nil
	}
	// Exclude the just-appended user message; Generate receives it
	// separately as the turn's user text.
	out := make([]*domain.Message, len(st.history)-1)
	copy(out, st.history[:len(st.history)-1])
	return out
}

func (m *Manager) beginTurn(ctx context.Context, agentID string) (context.Context, uint64) {
	turnCtx, cancel := context.WithTimeout(ctx, m.timeout)
	m.mu.Lock()
	st := m.stateLocked(agentID)
	st.loading = true
	st.cancel = cancel
	epoch := st.epoch
	m.mu.Unlock()
	return turnCtx, epoch
}

func (m *Manager) endTurn(agentID string, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[agentID]
	if !ok || st.epoch != epoch {
		return
	}
	st.loading = false
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
}

func (m *Manager) turnAbandoned(agentID string, epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[agentID]
	return !ok || st.epoch != epoch
}

func (m *Manager) setCreating(agentID string, creating bool) {
	m.mu.Lock()
	m.stateLocked(agentID).creating = creating
	m.mu.Unlock()
}

// stateLocked returns the agent's state, creating it if needed. Caller
// holds m.mu.
func (m *Manager) stateLocked(agentID string) *agentState {
	st, ok := m.states[agentID]
	if !ok {
		st = &agentState{}
		m.states[agentID] = st
	}
	return st
}

// enqueuePersist hands a write to the background worker. A full queue
// blocks the caller instead of persisting inline; an inline write would
// commit ahead of earlier queued messages and break the durable order.
func (m *Manager) enqueuePersist(job *persistJob) {
	select {
	case m.persistCh <- job:
	case <-m.done:
		// The worker has stopped; write directly so nothing is lost.
		m.persistOne(job)
	}
}

// persistLoop drains queued message writes in order, so the durable
// history preserves append order even though persistence is asynchronous.
func (m *Manager) persistLoop() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.persistCh:
			m.persistOne(job)
		case <-m.done:
			for {
				select {
				case job := <-m.persistCh:
					m.persistOne(job)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) persistOne(job *persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := m.store.AppendMessage(ctx, job.msg)
	if err != nil && shared.IsSQLiteConflictError(err) {
		time.Sleep(100 * time.Millisecond)
		err = m.store.AppendMessage(ctx, job.msg)
	}
	if err != nil {
		m.setDelivery(job.msg, domain.DeliveryFailed)
		slog.Warn("failed to persist message", "message_id", job.msg.ID, "session_id", job.sessionID, "error", err)
		return
	}
	m.setDelivery(job.msg, domain.DeliveryPersisted)

	if job.title != "" {
		if err := m.store.SetSessionTitle(ctx, job.sessionID, job.title); err != nil {
			slog.Warn("failed to set session title", "session_id", job.sessionID, "error", err)
		}
	}
}

// setDelivery updates a message's delivery state under the state lock,
// so concurrent History snapshots observe a consistent value.
func (m *Manager) setDelivery(msg *domain.Message, state domain.DeliveryState) {
	m.mu.Lock()
	msg.Delivery = state
	m.mu.Unlock()
}

// RetryFailed re-queues messages whose persist failed.
func (m *Manager) RetryFailed(agentID string) int {
	m.mu.Lock()
	st, ok := m.states[agentID]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	var retry []*domain.Message
	for _, msg := range st.history {
		if msg.Delivery == domain.DeliveryFailed {
			msg.Delivery = domain.DeliveryPending
			retry = append(retry, msg)
		}
	}
	m.mu.Unlock()

	for _, msg := range retry {
		m.enqueuePersist(&persistJob{msg: msg, sessionID: msg.SessionID})
	}
	return len(retry)
}

const maxTitleLen = 60

// deriveTitle truncates the first user message into a session title.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen])
	}
	return content
}
