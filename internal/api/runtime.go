// Package api provides HTTP handlers for the chatdock API.
package api

import (
	"sync"
	"time"

	"github.com/meridianapps/chatdock/internal/chat"
	"github.com/meridianapps/chatdock/internal/dock"
	"github.com/meridianapps/chatdock/internal/events"
	"github.com/meridianapps/chatdock/internal/gate"
	"github.com/meridianapps/chatdock/internal/gen"
	"github.com/meridianapps/chatdock/internal/ledger"
	"github.com/meridianapps/chatdock/internal/store"
)

// UserRuntime bundles the per-user core instances: one ledger, one gate,
// one dock and one chat manager, explicitly constructed and torn down
// with the user's activity rather than living as process globals.
type UserRuntime struct {
	Ledger *ledger.Ledger
	Gate   *gate.Gate
	Dock   *dock.Manager
	Chat   *chat.Manager
}

// Runtime owns the per-user runtimes for the process.
type Runtime struct {
	repo      store.Repository
	generator gen.Generator
	hub       *events.Hub
	timeout   time.Duration

	mu    sync.Mutex
	users map[string]*UserRuntime
}

// NewRuntime creates the runtime registry. generator may be nil when AI
// features are disabled.
func NewRuntime(repo store.Repository, generator gen.Generator, hub *events.Hub, timeout time.Duration) *Runtime {
	return &Runtime{
		repo:      repo,
		generator: generator,
		hub:       hub,
		timeout:   timeout,
		users:     make(map[string]*UserRuntime),
	}
}

// ForUser returns the runtime for a user, constructing it on first use.
func (r *Runtime) ForUser(userID string) *UserRuntime {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rt, ok := r.users[userID]; ok {
		return rt
	}

	l := ledger.New(userID, r.repo)
	g := gate.New(l)
	d := dock.NewManager()
	d.SetListener(r.hub.DockListener(userID))
	c := chat.NewManager(userID, r.repo, r.generator, g, l, d, r.timeout)

	rt := &UserRuntime{Ledger: l, Gate: g, Dock: d, Chat: c}
	r.users[userID] = rt
	return rt
}

// CloseUser tears down a user's runtime: in-flight generations are
// cancelled, queued persists drained, event clients disconnected.
func (r *Runtime) CloseUser(userID string) {
	r.mu.Lock()
	rt, ok := r.users[userID]
	delete(r.users, userID)
	r.mu.Unlock()

	if !ok {
		return
	}
	rt.Chat.Close()
	r.hub.CloseUser(userID)
}

// Close tears down every user runtime.
func (r *Runtime) Close() {
	r.mu.Lock()
	users := make([]string, 0, len(r.users))
	for id := range r.users {
		users = append(users, id)
	}
	r.mu.Unlock()

	for _, id := range users {
		r.CloseUser(id)
	}
}
