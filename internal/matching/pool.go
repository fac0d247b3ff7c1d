package matching

import (
	"sort"
	"time"
)

// SearchPool holds the users currently waiting for a partner. It has no lock
// of its own: every call happens inside the Coordinator's exclusion domain.
type SearchPool struct {
	entries   map[UserID]WaitingEntry
	inSession func(UserID) bool
}

// NewSearchPool creates an empty pool. inSession reports whether a user owns
// an ACTIVE session; such users are refused by Admit. A nil predicate admits
// everyone.
func NewSearchPool(inSession func(UserID) bool) *SearchPool {
	if inSession == nil {
		inSession = func(UserID) bool { return false }
	}
	return &SearchPool{
		entries:   make(map[UserID]WaitingEntry),
		inSession: inSession,
	}
}

// Admit inserts the user's entry, replacing any previous one. Restarting a
// search resets the admission time.
func (p *SearchPool) Admit(user UserID, params SearchParams, now time.Time) (WaitingEntry, error) {
	if p.inSession(user) {
		return WaitingEntry{}, ErrAlreadyInSession
	}
	entry := WaitingEntry{UserID: user, Params: params, EnteredAt: now}
	p.entries[user] = entry
	return entry, nil
}

// Withdraw removes the user's entry. Returns false if the user was not waiting.
func (p *SearchPool) Withdraw(user UserID) bool {
	if _, ok := p.entries[user]; !ok {
		return false
	}
	delete(p.entries, user)
	return true
}

// Lookup returns the user's waiting entry, if any.
func (p *SearchPool) Lookup(user UserID) (WaitingEntry, bool) {
	entry, ok := p.entries[user]
	return entry, ok
}

// Len returns the number of waiting users.
func (p *SearchPool) Len() int {
	return len(p.entries)
}

// Snapshot returns the waiting entries ordered by admission time, ties broken
// by UserID. The slice is a copy and may be kept by the caller.
func (p *SearchPool) Snapshot() []WaitingEntry {
	out := make([]WaitingEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return waitsLonger(out[i], out[j])
	})
	return out
}

// Expire removes entries that have waited maxWait or longer and returns their
// users in admission order.
func (p *SearchPool) Expire(now time.Time, maxWait time.Duration) []UserID {
	var expired []UserID
	for _, entry := range p.Snapshot() {
		if now.Sub(entry.EnteredAt) < maxWait {
			// Snapshot is ordered oldest first; nothing later can be stale.
			break
		}
		delete(p.entries, entry.UserID)
		expired = append(expired, entry.UserID)
	}
	return expired
}

// restore puts back an entry removed during an aborted pairing, keeping its
// original admission time.
func (p *SearchPool) restore(entry WaitingEntry) {
	p.entries[entry.UserID] = entry
}

// waitsLonger orders entries oldest first, then by UserID.
func waitsLonger(a, b WaitingEntry) bool {
	if !a.EnteredAt.Equal(b.EnteredAt) {
		return a.EnteredAt.Before(b.EnteredAt)
	}
	return a.UserID < b.UserID
}
