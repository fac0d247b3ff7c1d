package matching

import (
	"context"
	"fmt"

	"github.com/coffeemeet/meet-app/internal/protocol"
)

// EventPublisher is the part of messaging.NATSClient the publisher needs.
type EventPublisher interface {
	PublishMeetEvent(userID string, data []byte) error
}

// Publisher is a Notifier that encodes each event as a protocol message and
// publishes it on the user's meet event subject, so whichever socket server
// holds the user's connection can forward it.
type Publisher struct {
	pub EventPublisher
}

// NewPublisher returns a Notifier backed by pub.
func NewPublisher(pub EventPublisher) *Publisher {
	return &Publisher{pub: pub}
}

// Notify publishes ev to ev.UserID.
func (p *Publisher) Notify(_ context.Context, ev Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := p.pub.PublishMeetEvent(string(ev.UserID), data); err != nil {
		return fmt.Errorf("matching: publish %s for %s: %w", ev.Type, ev.UserID, err)
	}
	return nil
}

// EncodeEvent renders ev as the server message pushed to sockets.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := protocol.NewServerMessage(string(ev.Type), protocol.EventMsg{
		UserID:    string(ev.UserID),
		SessionID: ev.SessionID,
		PartnerID: string(ev.PartnerID),
		Status:    string(ev.Status),
		At:        ev.At,
	})
	if err != nil {
		return nil, fmt.Errorf("matching: encode %s event: %w", ev.Type, err)
	}
	return data, nil
}

// Info renders s as seen by viewer.
func (s Session) Info(viewer UserID) protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:         s.ID,
		PartnerID:  string(s.Partner(viewer)),
		Status:     string(s.Status),
		CreatedAt:  s.CreatedAt,
		FinishedAt: s.FinishedAt,
	}
}
