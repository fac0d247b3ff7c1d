// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the meet service and its collaborators. It handles connection
// lifecycle, subject-based subscriptions, and helpers for meet events and
// one-time-code delivery requests.
package messaging

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/coffeemeet/meet-app/internal/logging"
)

// NATS subjects used by the meet service.
const (
	SubjectMeetEvent    = "meet.event"  // + .<user token>
	SubjectCodeDelivery = "otp.deliver" // consumed by the external code sender
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
	log  zerolog.Logger
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "meetd",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	logger := logging.For("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
		log:  logger,
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// UserSubject returns the meet event subject for a user. User IDs may contain
// dots, so they are encoded into a single subject token.
func UserSubject(userID string) string {
	return SubjectMeetEvent + "." + base64.RawURLEncoding.EncodeToString([]byte(userID))
}

// ParseUserSubject reverses UserSubject.
func ParseUserSubject(subject string) (string, error) {
	token, ok := strings.CutPrefix(subject, SubjectMeetEvent+".")
	if !ok || token == "" || strings.Contains(token, ".") {
		return "", fmt.Errorf("nats: %q is not a meet event subject", subject)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("nats: decode subject token %q: %w", token, err)
	}
	return string(raw), nil
}

// PublishMeetEvent publishes an encoded event on the user's subject.
func (c *NATSClient) PublishMeetEvent(userID string, data []byte) error {
	return c.Publish(UserSubject(userID), data)
}

// SubscribeMeetEvents subscribes to events for every user and passes the
// decoded user ID and raw payload to the handler.
func (c *NATSClient) SubscribeMeetEvents(handler func(userID string, data []byte)) error {
	return c.Subscribe(SubjectMeetEvent+".*", func(msg *nats.Msg) {
		userID, err := ParseUserSubject(msg.Subject)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping meet event")
			return
		}
		handler(userID, msg.Data)
	})
}

// UnsubscribeMeetEvents removes the all-users event subscription.
func (c *NATSClient) UnsubscribeMeetEvents() error {
	return c.unsubscribe(SubjectMeetEvent + ".*")
}

// PublishCodeDelivery asks the external sender to deliver a one-time code.
func (c *NATSClient) PublishCodeDelivery(data []byte) error {
	return c.Publish(SubjectCodeDelivery, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain failed")
	}

	c.log.Info().Msg("client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
