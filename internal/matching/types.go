// Package matching pairs users who want an ad-hoc coffee meeting. It holds the
// pool of waiting searchers, the registry of meet sessions, the compatibility
// policy, and the coordinator that ties them together under a single lock.
package matching

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// UserID identifies a verified user. It is the only key shared across the
// pool, the registry and the history archive.
type UserID string

// MeetStatus is the status surfaced to a user for their meet request.
type MeetStatus string

// Meet statuses. Transitions are performed only by the Coordinator.
const (
	StatusNone     MeetStatus = "NONE"
	StatusSearch   MeetStatus = "SEARCH"
	StatusActive   MeetStatus = "ACTIVE"
	StatusFinished MeetStatus = "FINISHED"
	StatusError    MeetStatus = "ERROR"
)

// CancelStatus is the outcome of a cancel request.
type CancelStatus string

const (
	CancelSuccess CancelStatus = "SUCCESS"
	CancelFailure CancelStatus = "FAILURE"
)

// ParseOutcome converts a terminal status name into a MeetStatus. Only
// FINISHED and ERROR are accepted.
func ParseOutcome(s string) (MeetStatus, error) {
	switch MeetStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusFinished:
		return StatusFinished, nil
	case StatusError:
		return StatusError, nil
	}
	return "", fmt.Errorf("%w: outcome %q", ErrInvalidOutcome, s)
}

// TimeWindow is the span of time a user is available for a meeting.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlap returns how long w and o overlap. Zero if they do not.
func (w TimeWindow) Overlap(o TimeWindow) time.Duration {
	start := w.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := w.End
	if o.End.Before(end) {
		end = o.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Valid reports whether the window has a positive length.
func (w TimeWindow) Valid() bool {
	return !w.Start.IsZero() && w.End.After(w.Start)
}

// SearchParams are the preferences a user submits with a search. They are
// immutable for the lifetime of the waiting entry they belong to.
type SearchParams struct {
	Building string     `json:"building,omitempty"` // empty = any building
	Window   TimeWindow `json:"window"`
	Tags     []string   `json:"tags,omitempty"`
}

// Limits on submitted parameters.
const (
	MaxTags        = 16
	MaxTagLength   = 32
	MaxBuildingLen = 64
)

// Validate checks the parameters before they are admitted into the pool.
// Limits apply to the normalized form, so padding and duplicate tags do not
// count against them.
func (p SearchParams) Validate() error {
	p = p.Normalize()
	if !p.Window.Valid() {
		return fmt.Errorf("%w: window must have start before end", ErrInvalidParams)
	}
	if len(p.Building) > MaxBuildingLen {
		return fmt.Errorf("%w: building exceeds %d characters", ErrInvalidParams, MaxBuildingLen)
	}
	if len(p.Tags) > MaxTags {
		return fmt.Errorf("%w: at most %d tags", ErrInvalidParams, MaxTags)
	}
	for _, tag := range p.Tags {
		if len(tag) > MaxTagLength {
			return fmt.Errorf("%w: tag %q exceeds %d characters", ErrInvalidParams, tag, MaxTagLength)
		}
	}
	return nil
}

// Normalize returns a copy with a trimmed building and lower-cased, sorted,
// de-duplicated tags so that parameters compare structurally.
func (p SearchParams) Normalize() SearchParams {
	out := SearchParams{
		Building: strings.TrimSpace(p.Building),
		Window:   TimeWindow{Start: p.Window.Start.UTC(), End: p.Window.End.UTC()},
	}
	seen := make(map[string]bool, len(p.Tags))
	for _, tag := range p.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out.Tags = append(out.Tags, tag)
	}
	sort.Strings(out.Tags)
	return out
}

// WaitingEntry is a user's presence in the search pool.
type WaitingEntry struct {
	UserID    UserID       `json:"user_id"`
	Params    SearchParams `json:"params"`
	EnteredAt time.Time    `json:"entered_at"`
}

// Session is a meeting between two matched users.
type Session struct {
	ID           string     `json:"id"`
	ParticipantA UserID     `json:"participant_a"`
	ParticipantB UserID     `json:"participant_b"`
	Status       MeetStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// IsParticipant reports whether user is one of the two participants.
func (s Session) IsParticipant(user UserID) bool {
	return user == s.ParticipantA || user == s.ParticipantB
}

// Partner returns the other participant, or "" if user is not in the session.
func (s Session) Partner(user UserID) UserID {
	switch user {
	case s.ParticipantA:
		return s.ParticipantB
	case s.ParticipantB:
		return s.ParticipantA
	}
	return ""
}

// clone returns a deep copy so callers never share the registry's pointers.
func (s Session) clone() Session {
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		s.FinishedAt = &t
	}
	return s
}
