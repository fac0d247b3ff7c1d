package ws

import (
	"context"

	"github.com/coffeemeet/meet-app/internal/matching"
)

// Notify implements matching.Notifier by pushing ev to the user's open
// sockets on this server. A user with no socket simply misses the push; the
// status query remains authoritative.
func (s *Server) Notify(_ context.Context, ev matching.Event) error {
	data, err := matching.EncodeEvent(ev)
	if err != nil {
		return err
	}
	s.SendToUser(ev.UserID, data)
	return nil
}

// Deliver forwards an already encoded event received from the message bus.
// Its signature matches messaging.NATSClient.SubscribeMeetEvents.
func (s *Server) Deliver(userID string, data []byte) {
	if n := s.SendToUser(matching.UserID(userID), data); n > 0 {
		s.log.Debug().Str("user", userID).Int("sockets", n).Msg("event delivered")
	}
}
