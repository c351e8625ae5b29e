package secctx

import "sync"

// Manager is a connection-id → ContextStack registry, guarded by a
// short-held mutex. A connection's stack is created the first time
// StackFor references it and lives until Drop removes it — the host
// engine owns each connection's lifetime and calls Drop when a
// connection closes. StackFor hands out the live stack; Effective
// returns a merged copy.
type Manager struct {
	mu     sync.Mutex
	stacks map[string]*ContextStack
}

// NewManager returns an empty connection registry.
func NewManager() *Manager {
	return &Manager{stacks: make(map[string]*ContextStack)}
}

// StackFor returns the ContextStack for connID, creating a fresh
// single-base-frame stack the first time connID is referenced. The
// returned pointer is the registry's live stack, not a copy — callers
// that only need to read the effective context should use Effective
// instead.
func (m *Manager) StackFor(connID string) *ContextStack {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[connID]
	if !ok {
		s = NewContextStack()
		m.stacks[connID] = s
	}
	return s
}

// Effective returns connID's merged effective context, cloned out of
// the registry so the caller cannot mutate live stack state through
// it.
func (m *Manager) Effective(connID string) SecurityContext {
	return m.StackFor(connID).Effective()
}

// Drop discards connID's stack entirely, releasing it once the host
// engine reports the connection closed.
func (m *Manager) Drop(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stacks, connID)
}

// Len reports how many connections currently have a registered stack.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stacks)
}
