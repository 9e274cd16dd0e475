package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps agent IDs to MCP session IDs. Tool calls carrying an
// agent_id fill it; closing sessions empty it.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // agentID -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an agent ID with a session ID. A reconnecting agent
// replaces its previous session.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentID] = sessionID
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Remove deletes every agent mapped to sessionID and returns them sorted.
func (r *SessionRegistry) Remove(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
			removed = append(removed, aid)
		}
	}
	slices.Sort(removed)
	return removed
}

// Agents lists connected agent IDs, sorted.
func (r *SessionRegistry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for aid := range r.sessions {
		out = append(out, aid)
	}
	slices.Sort(out)
	return out
}
