// Package protocol defines the WebSocket message types and structures used for
// communication between meet clients and the server. All messages are JSON and
// share an envelope with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed message
// whose type clients may not send.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeGetStatus = "get_status"
	TypeSearch    = "search"
	TypeCancel    = "cancel"
	TypeFinish    = "finish"
	TypeHistory   = "history"
	TypePing      = "ping"
)

// Server -> Client reply types.
const (
	TypeStatus       = "status"
	TypeSearchResult = "search_result"
	TypeCancelResult = "cancel_result"
	TypeFinishResult = "finish_result"
	TypeHistoryList  = "history"
	TypeRateLimited  = "rate_limited"
	TypeError        = "error"
	TypePong         = "pong"
)

// Server -> Client pushed event types. They mirror matching.EventType.
const (
	TypeMatched   = "matched"
	TypeExpired   = "expired"
	TypeCancelled = "cancelled"
	TypeFinished  = "finished"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// GetStatusMsg asks for the caller's current meet status.
type GetStatusMsg struct {
	Type string `json:"type"`
}

// SearchMsg starts (or restarts) a search with new parameters.
type SearchMsg struct {
	Type        string    `json:"type"`
	Building    string    `json:"building"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Tags        []string  `json:"tags"`
}

// CancelMsg withdraws the caller from the search pool.
type CancelMsg struct {
	Type string `json:"type"`
}

// FinishMsg ends the caller's active session with an outcome.
type FinishMsg struct {
	Type    string `json:"type"`
	Outcome string `json:"outcome"` // FINISHED | ERROR
}

// HistoryMsg asks for the caller's finished sessions.
type HistoryMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionInfo describes a session from one participant's point of view.
type SessionInfo struct {
	ID         string     `json:"id"`
	PartnerID  string     `json:"partner_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// The reply structs below are also the REST response bodies, where "type" is
// left out.

// StatusMsg reports the caller's meet status.
type StatusMsg struct {
	Type         string       `json:"type,omitempty"`
	Status       string       `json:"status"`
	Session      *SessionInfo `json:"session,omitempty"`
	WaitingSince *time.Time   `json:"waiting_since,omitempty"`
}

// SearchResultMsg is the reply to a search.
type SearchResultMsg struct {
	Type    string       `json:"type,omitempty"`
	Status  string       `json:"status"`
	Session *SessionInfo `json:"session,omitempty"`
}

// CancelResultMsg is the reply to a cancel.
type CancelResultMsg struct {
	Type   string `json:"type,omitempty"`
	Status string `json:"status"` // SUCCESS | FAILURE
}

// FinishResultMsg is the reply to a finish.
type FinishResultMsg struct {
	Type     string `json:"type,omitempty"`
	Finished bool   `json:"finished"`
}

// HistoryListMsg carries the caller's finished sessions, newest first.
type HistoryListMsg struct {
	Type     string        `json:"type,omitempty"`
	Sessions []SessionInfo `json:"sessions"`
}

// EventMsg is pushed when the caller's meet state changed outside a request
// of theirs, for example when another user matched with them.
type EventMsg struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	PartnerID string    `json:"partner_id,omitempty"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeGetStatus:
		var m GetStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSearch:
		var m SearchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancel:
		var m CancelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFinish:
		var m FinishMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHistory:
		var m HistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and forces its "type" field to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
