// Package session tracks each worker's resumable execution context, status,
// and credential assignment for the lifetime of a run.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmgit/swarmgit/pkg/models"
)

// Session is one worker's execution context. Fields are guarded by the
// owning Registry; mutate through Registry.Update.
type Session struct {
	ID              string
	Role            string
	Status          string
	WorktreePath    string
	BranchName      string
	ResumeHandle    string
	CredentialIndex int
	Turns           int
	Merges          int
	Failures        int
	RateLimits      int
	UpdatedAt       time.Time
}

// Registry holds every session of a run. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session. Returns an error if the id is taken.
func (r *Registry) Create(id, role string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("session %q already registered", id)
	}
	s := &Session{ID: id, Role: role, Status: models.SessionIdle, UpdatedAt: time.Now().UTC()}
	r.sessions[id] = s
	r.order = append(r.order, id)
	return s, nil
}

// Update applies fn to the session under the registry lock and stamps
// UpdatedAt. No-op for unknown ids.
func (r *Registry) Update(id string, fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	fn(s)
	s.UpdatedAt = time.Now().UTC()
}

// Get returns a copy of the session, so callers never race the registry.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// IDs returns session ids in creation order, optionally filtered by role.
func (r *Registry) IDs(role string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		if role == "" || r.sessions[id].Role == role {
			out = append(out, id)
		}
	}
	return out
}

// States returns every session in creation order as serializable state.
func (r *Registry) States() []models.SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.SessionState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, toState(r.sessions[id]))
	}
	return out
}

// Restore loads sessions from a persisted snapshot, replacing the registry
// contents. Resumable handles and counters round-trip exactly.
func (r *Registry) Restore(states []models.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session, len(states))
	r.order = r.order[:0]
	for _, st := range states {
		r.sessions[st.ID] = fromState(st)
		r.order = append(r.order, st.ID)
	}
}

func toState(s *Session) models.SessionState {
	return models.SessionState{
		ID:              s.ID,
		Role:            s.Role,
		Status:          s.Status,
		WorktreePath:    s.WorktreePath,
		BranchName:      s.BranchName,
		ResumeHandle:    s.ResumeHandle,
		CredentialIndex: s.CredentialIndex,
		Turns:           s.Turns,
		Merges:          s.Merges,
		Failures:        s.Failures,
		RateLimits:      s.RateLimits,
		UpdatedAt:       s.UpdatedAt,
	}
}

func fromState(st models.SessionState) *Session {
	return &Session{
		ID:              st.ID,
		Role:            st.Role,
		Status:          st.Status,
		WorktreePath:    st.WorktreePath,
		BranchName:      st.BranchName,
		ResumeHandle:    st.ResumeHandle,
		CredentialIndex: st.CredentialIndex,
		Turns:           st.Turns,
		Merges:          st.Merges,
		Failures:        st.Failures,
		RateLimits:      st.RateLimits,
		UpdatedAt:       st.UpdatedAt,
	}
}
