package presence

import "sync"

// Registry maps users to their live transport session handles. Mutations per
// user are serialized by the registry lock; callers receive the transition
// facts (first session up, last session down) and act outside any lock held
// here, keeping the one-lock-at-a-time policy intact.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]map[string]struct{}
	owners   map[string]int64
}

// NewRegistry builds an empty presence table.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[int64]map[string]struct{}),
		owners:   make(map[string]int64),
	}
}

// Connect registers a session handle for the user. It reports whether this
// transition brought the user online (no prior sessions).
func (r *Registry) Connect(userID int64, handle string) (wasOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[userID] = set
	}
	wasOffline = len(set) == 0
	set[handle] = struct{}{}
	r.owners[handle] = userID
	return wasOffline
}

// Disconnect removes a session handle. It returns the owning user and
// whether the user is now offline (last session gone). Unknown handles
// return ok=false.
func (r *Registry) Disconnect(handle string) (userID int64, nowOffline, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.owners[handle]
	if !ok {
		return 0, false, false
	}
	delete(r.owners, handle)
	set := r.sessions[userID]
	delete(set, handle)
	if len(set) == 0 {
		delete(r.sessions, userID)
		return userID, true, true
	}
	return userID, false, true
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[userID]) > 0
}

// Sessions returns the live session handles for a user.
func (r *Registry) Sessions(userID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.sessions[userID]
	out := make([]string, 0, len(set))
	for handle := range set {
		out = append(out, handle)
	}
	return out
}
