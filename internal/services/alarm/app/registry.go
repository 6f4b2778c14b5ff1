package server

import "sync"

// registry is the process-local index of live sessions, keyed by user.
// It guards only the index; no domain state lives here.
type registry struct {
	mu     sync.Mutex
	byUser map[string]map[*session]struct{}
	userOf map[*session]string
}

func newRegistry() *registry {
	return &registry{
		byUser: make(map[string]map[*session]struct{}),
		userOf: make(map[*session]string),
	}
}

func (r *registry) attach(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byUser[sess.userID]
	if !ok {
		sessions = make(map[*session]struct{})
		r.byUser[sess.userID] = sessions
	}
	sessions[sess] = struct{}{}
	r.userOf[sess] = sess.userID
}

func (r *registry) detach(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.userOf[sess]
	if !ok {
		return
	}
	delete(r.userOf, sess)

	sessions := r.byUser[userID]
	delete(sessions, sess)
	if len(sessions) == 0 {
		delete(r.byUser, userID)
	}
}

// sessionsFor returns every live session belonging to any of the users.
func (r *registry) sessionsFor(userIDs map[string]struct{}) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*session
	for userID := range userIDs {
		for sess := range r.byUser[userID] {
			matched = append(matched, sess)
		}
	}
	return matched
}
