package mcp

import "sync"

// SessionRegistry maps execution IDs to the MCP session that started or last
// touched them, so lifecycle notifications reach the right client.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // executionID -> sessionID
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an execution with a session, replacing any previous
// mapping.
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[executionID] = sessionID
}

// SessionFor returns the session for an execution.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[executionID]
	return sid, ok
}

// Remove drops every mapping pointing at a session, typically after the
// client disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for executionID, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, executionID)
		}
	}
}

// Forget drops the mapping for a single execution, typically once it is
// terminal.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, executionID)
}
