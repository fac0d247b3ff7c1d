package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a search message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Search(t *testing.T) {
	input := []byte(`{"type":"search","building":"X","window_start":"2026-01-05T14:00:00Z","window_end":"2026-01-05T15:00:00Z","tags":["go","coffee"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSearch {
		t.Fatalf("expected type %q, got %q", TypeSearch, msgType)
	}

	m, ok := msg.(SearchMsg)
	if !ok {
		t.Fatalf("expected SearchMsg, got %T", msg)
	}
	if m.Building != "X" {
		t.Errorf("expected building %q, got %q", "X", m.Building)
	}
	wantStart := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)
	if !m.WindowStart.Equal(wantStart) {
		t.Errorf("expected window_start %v, got %v", wantStart, m.WindowStart)
	}
	if m.WindowEnd.Sub(m.WindowStart) != time.Hour {
		t.Errorf("expected a one hour window, got %v", m.WindowEnd.Sub(m.WindowStart))
	}
	if len(m.Tags) != 2 || m.Tags[0] != "go" || m.Tags[1] != "coffee" {
		t.Errorf("unexpected tags: %v", m.Tags)
	}
}

func TestParseClientMessage_Finish(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"finish","outcome":"ERROR"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := msg.(FinishMsg)
	if !ok {
		t.Fatalf("expected FinishMsg, got %T", msg)
	}
	if m.Outcome != "ERROR" {
		t.Errorf("expected outcome ERROR, got %q", m.Outcome)
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"search","window_start":"tomorrow"}`))
	if err == nil {
		t.Fatal("expected error for malformed window_start")
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_Event(t *testing.T) {
	at := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)
	payload := EventMsg{
		UserID:    "alice",
		SessionID: "s-1",
		PartnerID: "bob",
		Status:    "ACTIVE",
		At:        at,
	}

	data, err := NewServerMessage(TypeMatched, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMatched {
		t.Errorf("expected type %q, got %v", TypeMatched, result["type"])
	}
	if result["session_id"] != "s-1" {
		t.Errorf("expected session_id %q, got %v", "s-1", result["session_id"])
	}
	if result["partner_id"] != "bob" {
		t.Errorf("expected partner_id %q, got %v", "bob", result["partner_id"])
	}
	if result["at"] != "2026-01-05T14:00:00Z" {
		t.Errorf("unexpected at: %v", result["at"])
	}
}

func TestNewServerMessage_OmitsEmptySession(t *testing.T) {
	data, err := NewServerMessage(TypeStatus, StatusMsg{Status: "NONE"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if _, ok := result["session"]; ok {
		t.Errorf("expected no session field, got %v", result["session"])
	}
	if _, ok := result["waiting_since"]; ok {
		t.Errorf("expected no waiting_since field, got %v", result["waiting_since"])
	}
}

func TestNewServerMessage_Unmarshalable(t *testing.T) {
	if _, err := NewServerMessage(TypeError, make(chan int)); err == nil {
		t.Fatal("expected error for unmarshalable payload")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"matched"}`)); err == nil {
		t.Fatal("expected error for a server-only type")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"get_status", `{"type":"get_status"}`, TypeGetStatus},
		{"search", `{"type":"search","building":"X"}`, TypeSearch},
		{"cancel", `{"type":"cancel"}`, TypeCancel},
		{"finish", `{"type":"finish","outcome":"FINISHED"}`, TypeFinish},
		{"history", `{"type":"history"}`, TypeHistory},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

func TestReplyStructs_OmitEmptyType(t *testing.T) {
	raw, err := json.Marshal(HistoryListMsg{Sessions: []SessionInfo{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"sessions":[]}` {
		t.Errorf("unexpected body %s", raw)
	}

	data, err := NewServerMessage(TypeHistoryList, HistoryListMsg{Sessions: []SessionInfo{}})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != TypeHistoryList {
		t.Errorf("expected type %q on the socket, got %v", TypeHistoryList, m["type"])
	}
}
