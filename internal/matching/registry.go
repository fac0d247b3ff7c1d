package matching

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// SessionRegistry tracks meet sessions by participant. A user has at most one
// current session: the ACTIVE one, or the last FINISHED/ERROR one until it is
// archived. Like SearchPool it relies on the Coordinator's lock.
type SessionRegistry struct {
	sessions map[string]*Session  // session ID -> session, current view only
	current  map[UserID]string    // participant -> current session ID
	history  map[UserID][]Session // archived FINISHED sessions, newest first
	newID    func() string
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		current:  make(map[UserID]string),
		history:  make(map[UserID][]Session),
		newID:    func() string { return uuid.New().String() },
	}
}

// Open creates an ACTIVE session for a and b.
func (r *SessionRegistry) Open(a, b UserID, now time.Time) (Session, error) {
	if a == b {
		return Session{}, ErrSelfPairing
	}
	if r.IsActive(a) || r.IsActive(b) {
		return Session{}, ErrDuplicateParticipant
	}

	s := &Session{
		ID:           r.newID(),
		ParticipantA: a,
		ParticipantB: b,
		Status:       StatusActive,
		CreatedAt:    now,
	}
	r.sessions[s.ID] = s
	r.current[a] = s.ID
	r.current[b] = s.ID
	return s.clone(), nil
}

// StatusOf returns the user's current session, if any.
func (r *SessionRegistry) StatusOf(user UserID) (Session, bool) {
	id, ok := r.current[user]
	if !ok {
		return Session{}, false
	}
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// IsActive reports whether the user owns an ACTIVE session.
func (r *SessionRegistry) IsActive(user UserID) bool {
	s, ok := r.StatusOf(user)
	return ok && s.Status == StatusActive
}

// Finish moves an ACTIVE session to outcome (FINISHED or ERROR). It returns
// false for unknown or already finished sessions, so repeating it is harmless.
func (r *SessionRegistry) Finish(sessionID string, outcome MeetStatus, now time.Time) bool {
	if outcome != StatusFinished && outcome != StatusError {
		return false
	}
	s, ok := r.sessions[sessionID]
	if !ok || s.Status != StatusActive {
		return false
	}
	t := now
	s.Status = outcome
	s.FinishedAt = &t
	return true
}

// HistoryOf returns the user's FINISHED sessions, most recent first. Sessions
// not yet archived are included alongside archived ones.
func (r *SessionRegistry) HistoryOf(user UserID) []Session {
	var out []Session
	for _, s := range r.sessions {
		if s.Status == StatusFinished && s.IsParticipant(user) {
			out = append(out, s.clone())
		}
	}
	for _, s := range r.history[user] {
		out = append(out, s.clone())
	}
	sortNewestFirst(out)
	return out
}

// Archive removes FINISHED and ERROR sessions that finished at least
// retention ago from the current view and returns them. FINISHED sessions are
// kept in the in-process history.
func (r *SessionRegistry) Archive(now time.Time, retention time.Duration) []Session {
	var archived []Session
	for id, s := range r.sessions {
		if s.Status == StatusActive || s.FinishedAt == nil {
			continue
		}
		if now.Sub(*s.FinishedAt) < retention {
			continue
		}
		delete(r.sessions, id)
		for _, user := range []UserID{s.ParticipantA, s.ParticipantB} {
			if r.current[user] == id {
				delete(r.current, user)
			}
		}
		if s.Status == StatusFinished {
			r.appendHistory(*s)
		}
		archived = append(archived, s.clone())
	}
	sortNewestFirst(archived)
	return archived
}

// Seed loads previously archived sessions into the history. Non-FINISHED
// sessions and sessions already known are ignored.
func (r *SessionRegistry) Seed(sessions []Session) {
	known := make(map[string]bool)
	for _, list := range r.history {
		for _, s := range list {
			known[s.ID] = true
		}
	}
	for _, s := range sessions {
		if s.Status != StatusFinished || known[s.ID] {
			continue
		}
		known[s.ID] = true
		r.appendHistory(s.clone())
	}
	for user := range r.history {
		sortNewestFirst(r.history[user])
	}
}

// TrimHistory drops in-process history that finished before cutoff.
func (r *SessionRegistry) TrimHistory(cutoff time.Time) {
	for user, list := range r.history {
		keep := list[:0]
		for _, s := range list {
			at := s.CreatedAt
			if s.FinishedAt != nil {
				at = *s.FinishedAt
			}
			if !at.Before(cutoff) {
				keep = append(keep, s)
			}
		}
		if len(keep) == 0 {
			delete(r.history, user)
			continue
		}
		r.history[user] = keep
	}
}

// ActiveCount returns the number of ACTIVE sessions.
func (r *SessionRegistry) ActiveCount() int {
	n := 0
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			n++
		}
	}
	return n
}

func (r *SessionRegistry) appendHistory(s Session) {
	r.history[s.ParticipantA] = append([]Session{s}, r.history[s.ParticipantA]...)
	r.history[s.ParticipantB] = append([]Session{s.clone()}, r.history[s.ParticipantB]...)
}

// sortNewestFirst orders by finish time, then creation time, then ID.
func sortNewestFirst(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		at, bt := a.CreatedAt, b.CreatedAt
		if a.FinishedAt != nil {
			at = *a.FinishedAt
		}
		if b.FinishedAt != nil {
			bt = *b.FinishedAt
		}
		if !at.Equal(bt) {
			return at.After(bt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
