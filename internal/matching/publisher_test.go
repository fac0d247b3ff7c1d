package matching

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) PublishMeetEvent(userID string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, userID)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestPublisher_Notify(t *testing.T) {
	fp := &fakePublisher{}
	p := NewPublisher(fp)

	ev := Event{Type: EventMatched, UserID: "alice", SessionID: "s-1", PartnerID: "bob", Status: StatusActive, At: t0}
	if err := p.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(fp.subjects) != 1 || fp.subjects[0] != "alice" {
		t.Fatalf("expected one publish for alice, got %v", fp.subjects)
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(fp.payloads[0], &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if msg["type"] != "matched" || msg["partner_id"] != "bob" || msg["status"] != "ACTIVE" {
		t.Errorf("unexpected payload %v", msg)
	}
}

func TestPublisher_NotifyError(t *testing.T) {
	boom := errors.New("nats down")
	p := NewPublisher(&fakePublisher{err: boom})

	err := p.Notify(context.Background(), Event{Type: EventExpired, UserID: "alice", Status: StatusNone, At: t0})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped publish error, got %v", err)
	}
}

func TestMultiNotifier(t *testing.T) {
	boom := errors.New("first failure")
	var calls int
	count := NotifierFunc(func(context.Context, Event) error { calls++; return nil })
	fail := NotifierFunc(func(context.Context, Event) error { calls++; return boom })

	err := MultiNotifier{fail, count, fail}.Notify(context.Background(), Event{})
	if !errors.Is(err, boom) {
		t.Errorf("expected first error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("every notifier must be called, got %d calls", calls)
	}
}
