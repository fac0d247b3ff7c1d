package matching

import (
	"context"
	"time"
)

// EventType names a committed transition a user may want to hear about.
type EventType string

const (
	EventMatched   EventType = "matched"
	EventExpired   EventType = "expired"
	EventCancelled EventType = "cancelled"
	EventFinished  EventType = "finished"
)

// Event is emitted by the Coordinator after a transition has been committed
// and the lock released. One event is emitted per affected user.
type Event struct {
	Type      EventType  `json:"type"`
	UserID    UserID     `json:"user_id"`
	SessionID string     `json:"session_id,omitempty"`
	PartnerID UserID     `json:"partner_id,omitempty"`
	Status    MeetStatus `json:"status"`
	At        time.Time  `json:"at"`
}

// Notifier delivers events to whoever is listening for a user. Delivery is
// best effort; failures are logged by the Coordinator and never roll back
// the transition.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ev Event) error

// Notify calls f(ctx, ev).
func (f NotifierFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// MultiNotifier fans an event out to several notifiers and returns the first
// error encountered.
type MultiNotifier []Notifier

// Notify delivers ev to every notifier.
func (m MultiNotifier) Notify(ctx context.Context, ev Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func matchedEvents(s Session) []Event {
	return []Event{
		{Type: EventMatched, UserID: s.ParticipantA, SessionID: s.ID, PartnerID: s.ParticipantB, Status: StatusActive, At: s.CreatedAt},
		{Type: EventMatched, UserID: s.ParticipantB, SessionID: s.ID, PartnerID: s.ParticipantA, Status: StatusActive, At: s.CreatedAt},
	}
}

func finishedEvents(s Session) []Event {
	at := s.CreatedAt
	if s.FinishedAt != nil {
		at = *s.FinishedAt
	}
	return []Event{
		{Type: EventFinished, UserID: s.ParticipantA, SessionID: s.ID, PartnerID: s.ParticipantB, Status: s.Status, At: at},
		{Type: EventFinished, UserID: s.ParticipantB, SessionID: s.ID, PartnerID: s.ParticipantA, Status: s.Status, At: at},
	}
}
