// Package dock implements the floating multi-window chat state machine:
// which agents are open, focused, minimized, and carrying unread messages.
package dock

import (
	"sync"
	"time"

	"github.com/meridianapps/chatdock/internal/domain"
)

// Entry is the window state of one open agent. Exactly one entry exists
// per agent id; it is created by SelectAgent and destroyed by CloseAgent.
type Entry struct {
	Agent        domain.Agent `json:"agent"`
	IsMinimized  bool         `json:"is_minimized"`
	UnreadCount  int          `json:"unread_count"`
	LastActivity time.Time    `json:"last_activity"`
}

// Snapshot is a read-only copy of the dock state for the presentation
// layer. Mutating a snapshot has no effect on the manager.
type Snapshot struct {
	Step      domain.ChatStep `json:"step"`
	Entries   []Entry         `json:"entries"`
	FocusedID string          `json:"focused_id,omitempty"`
}

// Listener observes dock state changes. Called after every mutating
// operation, outside the manager's lock.
type Listener func(Snapshot)

// Manager is the multi-window state machine. Every operation is atomic:
// no caller ever observes a half-applied transition, and an incoming
// message consults focus and increments unread under the same lock.
//
// Focus policy: closing the focused agent refocuses the most recently
// active remaining open agent. Closing the last open agent while chatting
// transitions the step back to agent selection.
type Manager struct {
	mu       sync.Mutex
	step     domain.ChatStep
	entries  map[string]*Entry
	order    []string // agent ids in open order, for stable snapshots
	focused  string   // agent id, "" when no agent is focused
	now      func() time.Time
	listener Listener
}

// NewManager creates a dock in the closed step with no open agents.
func NewManager() *Manager {
	return &Manager{
		step:    domain.StepClosed,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// SetListener registers the change listener. Must be called before the
// manager is shared.
func (m *Manager) SetListener(l Listener) {
	m.listener = l
}

// OpenAgentSelection shows the agent picker from any state. The open
// agent set is untouched.
func (m *Manager) OpenAgentSelection() {
	m.mutate(func() {
		m.step = domain.StepAgentSelection
	})
}

// SelectAgent opens (or un-minimizes) an agent's window, focuses it, and
// enters the chatting step. Selecting an already focused, maximized agent
// is idempotent.
func (m *Manager) SelectAgent(agent domain.Agent) {
	m.mutate(func() {
		m.step = domain.StepChatting
		e, ok := m.entries[agent.ID]
		if !ok {
			e = &Entry{Agent: agent, LastActivity: m.now()}
			m.entries[agent.ID] = e
			m.order = append(m.order, agent.ID)
		}
		e.IsMinimized = false
		e.LastActivity = m.now()
		m.focusLocked(agent.ID)
	})
}

// BackToSelection returns to the agent picker without closing any open
// agent; only the foregrounded view changes.
func (m *Manager) BackToSelection() {
	m.mutate(func() {
		if m.step == domain.StepChatting {
			m.step = domain.StepAgentSelection
		}
	})
}

// CloseChat closes the shell. Open agents persist in the background and
// are restored on reopen.
func (m *Manager) CloseChat() {
	m.mutate(func() {
		m.step = domain.StepClosed
	})
}

// CloseAgent removes the entry for an agent entirely, discarding its
// unread counter. A focused agent hands focus to the most recently active
// remaining entry; closing the last entry while chatting falls back to
// agent selection.
func (m *Manager) CloseAgent(agentID string) {
	m.mutate(func() {
		if _, ok := m.entries[agentID]; !ok {
			return
		}
		delete(m.entries, agentID)
		for i, id := range m.order {
			if id == agentID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		if m.focused == agentID {
			m.focusLocked(m.mostRecentLocked())
		}
		if len(m.entries) == 0 && m.step == domain.StepChatting {
			m.step = domain.StepAgentSelection
		}
	})
}

// MinimizeAgent minimizes an agent's window; a focused agent loses focus.
func (m *Manager) MinimizeAgent(agentID string) {
	m.mutate(func() {
		e, ok := m.entries[agentID]
		if !ok {
			return
		}
		e.IsMinimized = true
		if m.focused == agentID {
			m.focused = ""
		}
	})
}

// MaximizeAgent restores an agent's window, focuses it, and clears its
// unread counter: surfacing a window implies its messages are seen.
func (m *Manager) MaximizeAgent(agentID string) {
	m.mutate(func() {
		e, ok := m.entries[agentID]
		if !ok {
			return
		}
		e.IsMinimized = false
		e.LastActivity = m.now()
		m.focusLocked(agentID)
	})
}

// FocusAgent focuses an agent without changing its minimized state. A
// minimized window stays minimized; callers wanting both effects use
// MaximizeAgent.
func (m *Manager) FocusAgent(agentID string) {
	m.mutate(func() {
		e, ok := m.entries[agentID]
		if !ok {
			return
		}
		m.focused = agentID
		if !e.IsMinimized {
			e.UnreadCount = 0
		}
	})
}

// NoteIncoming records an incoming message for an agent: the unread
// counter increments unless the agent is the focused, unminimized one.
// The focus check and the increment happen under one lock so a message
// delivery racing a focus toggle can never lose an increment.
func (m *Manager) NoteIncoming(agentID string) {
	m.mutate(func() {
		e, ok := m.entries[agentID]
		if !ok {
			return
		}
		e.LastActivity = m.now()
		if m.focused == agentID && !e.IsMinimized {
			return
		}
		e.UnreadCount++
	})
}

// IsOpen reports whether an agent currently has a window entry.
func (m *Manager) IsOpen(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[agentID]
	return ok
}

// Step returns the current shell step.
func (m *Manager) Step() domain.ChatStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

// Snapshot returns a read-only copy of the dock state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{Step: m.step, FocusedID: m.focused}
	snap.Entries = make([]Entry, 0, len(m.order))
	for _, id := range m.order {
		snap.Entries = append(snap.Entries, *m.entries[id])
	}
	return snap
}

// focusLocked sets focus to agentID ("" clears focus) and maintains the
// invariant that the focused, unminimized entry has no unread messages.
func (m *Manager) focusLocked(agentID string) {
	m.focused = agentID
	if agentID == "" {
		return
	}
	if e, ok := m.entries[agentID]; ok && !e.IsMinimized {
		e.UnreadCount = 0
	}
}

// mostRecentLocked returns the id of the open entry with the latest
// activity, or "" when none remain.
func (m *Manager) mostRecentLocked() string {
	best := ""
	var bestAt time.Time
	for _, id := range m.order {
		e := m.entries[id]
		if best == "" || e.LastActivity.After(bestAt) {
			best = id
			bestAt = e.LastActivity
		}
	}
	return best
}

// mutate applies op under the lock and notifies the listener with the
// resulting snapshot outside of it.
func (m *Manager) mutate(op func()) {
	m.mu.Lock()
	op()
	snap := m.snapshotLocked()
	l := m.listener
	m.mu.Unlock()

	if l != nil {
		l(snap)
	}
}
