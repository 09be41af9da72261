package bridge

import "sync"

// DeriveThreadID returns the downstream id the bridge derives for an
// agent-initiated thread. Relay-initiated thread ids are supplied in the
// dispatch and never invented here.
func DeriveThreadID(agentThreadID string) string {
	return "codex:" + agentThreadID
}

// Bindings is the one-way lookup from agent thread id to downstream thread
// id. Bindings are installed before any event can be emitted for that agent
// thread and are never removed during a session.
type Bindings struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewBindings creates an empty binding table.
func NewBindings() *Bindings {
	return &Bindings{m: make(map[string]string)}
}

// Install sets the downstream id for an agent thread.
func (b *Bindings) Install(agentThreadID, downstreamID string) {
	if agentThreadID == "" || downstreamID == "" {
		return
	}
	b.mu.Lock()
	b.m[agentThreadID] = downstreamID
	b.mu.Unlock()
}

// Lookup resolves the downstream id for an agent thread.
func (b *Bindings) Lookup(agentThreadID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.m[agentThreadID]
	return id, ok
}

// Len returns the number of installed bindings.
func (b *Bindings) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.m)
}
