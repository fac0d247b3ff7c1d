package ws

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/coffeemeet/meet-app/internal/history"
	"github.com/coffeemeet/meet-app/internal/matching"
	"github.com/coffeemeet/meet-app/internal/protocol"
	"github.com/coffeemeet/meet-app/internal/ratelimit"
)

type testEnv struct {
	srv   *Server
	coord *matching.Coordinator
	ts    *httptest.Server
}

// newTestEnv wires a dispatcher, server and coordinator the way meetd does,
// minus the message bus. The user is taken from the ?user= query parameter.
func newTestEnv(t *testing.T, limiter Limiter) *testEnv {
	t.Helper()

	d := NewMessageDispatcher()
	cfg := DefaultServerConfig()
	cfg.Heartbeat.Interval = 0
	srv := NewServer(cfg, d.Dispatch)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	coord := matching.NewCoordinator(matching.DefaultConfig(), srv, nil)
	RegisterMeetHandlers(d, coord, history.NewLookup(coord, nil, 0), limiter)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := srv.Accept(w, r, matching.UserID(r.URL.Query().Get("user"))); err != nil {
			t.Logf("accept: %v", err)
		}
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &testEnv{srv: srv, coord: coord, ts: ts}
}

func (e *testEnv) dial(t *testing.T, user string) net.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/?user=" + user
	conn, _, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type reply struct {
	Type       string                 `json:"type"`
	Status     string                 `json:"status"`
	Code       string                 `json:"code"`
	Finished   bool                   `json:"finished"`
	RetryAfter int                    `json:"retry_after"`
	SessionID  string                 `json:"session_id"`
	PartnerID  string                 `json:"partner_id"`
	Session    *protocol.SessionInfo  `json:"session"`
	Sessions   []protocol.SessionInfo `json:"sessions"`
}

func send(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	if err := wsutil.WriteClientText(conn, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readType reads server messages until one of type want arrives.
func readType(t *testing.T, conn net.Conn, want string) reply {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		var r reply
		if err := json.Unmarshal(data, &r); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if r.Type == want {
			return r
		}
	}
}

func searchJSON(building string) string {
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Minute)
	msg, _ := json.Marshal(protocol.SearchMsg{
		Type:        protocol.TypeSearch,
		Building:    building,
		WindowStart: start,
		WindowEnd:   start.Add(time.Hour),
	})
	return string(msg)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_PingPong(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "alice")

	send(t, conn, `{"type":"ping"}`)
	readType(t, conn, protocol.TypePong)
}

func TestServer_MalformedAndUnsupported(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "alice")

	send(t, conn, `not json`)
	if r := readType(t, conn, protocol.TypeError); r.Code != "parse_error" {
		t.Errorf("expected parse_error, got %q", r.Code)
	}

	send(t, conn, `{"type":"matched"}`)
	if r := readType(t, conn, protocol.TypeError); r.Code != "unsupported_type" {
		t.Errorf("server-only types are unsupported, got %q", r.Code)
	}

	send(t, conn, `{"type":"search","window_start":"tomorrow"}`)
	if r := readType(t, conn, protocol.TypeError); r.Code != "parse_error" {
		t.Errorf("expected parse_error for a bad payload, got %q", r.Code)
	}

	send(t, conn, `{"type":"search","window_start":"2026-01-05T15:00:00Z","window_end":"2026-01-05T14:00:00Z"}`)
	if r := readType(t, conn, protocol.TypeError); r.Code != "invalid_params" {
		t.Errorf("expected invalid_params, got %q", r.Code)
	}
}

func TestServer_MatchPushesEventToWaitingUser(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	send(t, alice, searchJSON("B1"))
	if r := readType(t, alice, protocol.TypeSearchResult); r.Status != "SEARCH" {
		t.Fatalf("first searcher should wait, got %q", r.Status)
	}

	send(t, bob, searchJSON("B1"))
	res := readType(t, bob, protocol.TypeSearchResult)
	if res.Status != "ACTIVE" || res.Session == nil {
		t.Fatalf("second searcher should match, got %+v", res)
	}
	if res.Session.PartnerID != "alice" {
		t.Errorf("bob's partner should be alice, got %q", res.Session.PartnerID)
	}

	ev := readType(t, alice, protocol.TypeMatched)
	if ev.SessionID != res.Session.ID || ev.PartnerID != "bob" {
		t.Errorf("unexpected matched event %+v", ev)
	}

	send(t, alice, `{"type":"get_status"}`)
	st := readType(t, alice, protocol.TypeStatus)
	if st.Status != "ACTIVE" || st.Session == nil || st.Session.ID != res.Session.ID {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestServer_FinishAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	send(t, alice, searchJSON("B2"))
	readType(t, alice, protocol.TypeSearchResult)
	send(t, bob, searchJSON("B2"))
	readType(t, bob, protocol.TypeSearchResult)

	send(t, bob, `{"type":"finish","outcome":"finished"}`)
	if r := readType(t, bob, protocol.TypeFinishResult); !r.Finished {
		t.Fatal("finish should succeed for an active session")
	}
	readType(t, alice, protocol.TypeFinished)

	send(t, alice, `{"type":"finish"}`)
	if r := readType(t, alice, protocol.TypeFinishResult); r.Finished {
		t.Error("second finish should report false")
	}

	send(t, alice, `{"type":"history"}`)
	h := readType(t, alice, protocol.TypeHistoryList)
	if len(h.Sessions) != 1 || h.Sessions[0].PartnerID != "bob" || h.Sessions[0].Status != "FINISHED" {
		t.Errorf("unexpected history %+v", h.Sessions)
	}

	send(t, bob, `{"type":"finish","outcome":"abandoned"}`)
	if r := readType(t, bob, protocol.TypeError); r.Code != "invalid_outcome" {
		t.Errorf("expected invalid_outcome, got %q", r.Code)
	}
}

func TestServer_Cancel(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "carol")

	send(t, conn, `{"type":"cancel"}`)
	if r := readType(t, conn, protocol.TypeCancelResult); r.Status != "FAILURE" {
		t.Errorf("cancel without search should fail, got %q", r.Status)
	}

	send(t, conn, searchJSON("B3"))
	readType(t, conn, protocol.TypeSearchResult)
	send(t, conn, `{"type":"cancel"}`)
	if r := readType(t, conn, protocol.TypeCancelResult); r.Status != "SUCCESS" {
		t.Errorf("cancel while searching should succeed, got %q", r.Status)
	}
	if got := env.coord.Status("carol"); got != matching.StatusNone {
		t.Errorf("expected NONE after cancel, got %s", got)
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }
func (denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 42 * time.Second
}

func TestServer_SearchRateLimited(t *testing.T) {
	env := newTestEnv(t, denyLimiter{})
	conn := env.dial(t, "dave")

	send(t, conn, searchJSON("B4"))
	r := readType(t, conn, protocol.TypeRateLimited)
	if r.RetryAfter != 42 {
		t.Errorf("expected retry_after 42, got %d", r.RetryAfter)
	}
	if got := env.coord.Status("dave"); got != matching.StatusNone {
		t.Errorf("throttled search must not admit, got %s", got)
	}
}

func TestServer_MultipleSocketsPerUser(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dial(t, "erin")
	env.dial(t, "erin")
	waitFor(t, func() bool { return len(env.srv.Connections().ForUser("erin")) == 2 })

	data, _ := matching.EncodeEvent(matching.Event{Type: matching.EventExpired, UserID: "erin", Status: matching.StatusNone})
	if n := env.srv.SendToUser("erin", data); n != 2 {
		t.Errorf("expected delivery to 2 sockets, got %d", n)
	}
}

func TestServer_PongWithPayloadKeepsStreamAligned(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "hana")

	pong := ws.NewPongFrame([]byte("keepalive-payload"))
	if err := ws.WriteFrame(conn, ws.MaskFrameInPlace(pong)); err != nil {
		t.Fatalf("write pong: %v", err)
	}
	send(t, conn, `{"type":"ping"}`)
	readType(t, conn, protocol.TypePong)
}

func TestServer_ReadsFramesSentWithHandshake(t *testing.T) {
	env := newTestEnv(t, nil)
	host := strings.TrimPrefix(env.ts.URL, "http://")

	// The upgrade request and two frames go out in one write so they land in
	// the server's handshake buffer together.
	raw, err := net.Dial("tcp", host)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { raw.Close() })

	var buf bytes.Buffer
	buf.WriteString("GET /?user=ivan HTTP/1.1\r\n")
	buf.WriteString("Host: " + host + "\r\n")
	buf.WriteString("Upgrade: websocket\r\nConnection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n")
	for i := 0; i < 2; i++ {
		if err := wsutil.WriteClientText(&buf, []byte(`{"type":"ping"}`)); err != nil {
			t.Fatalf("encode frame: %v", err)
		}
	}
	if _, err := raw.Write(buf.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}

	br := bufio.NewReader(raw)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	rw := struct {
		io.Reader
		io.Writer
	}{br, raw}
	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2; i++ {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			t.Fatalf("pong %d: %v", i+1, err)
		}
		var r reply
		if err := json.Unmarshal(data, &r); err != nil || r.Type != protocol.TypePong {
			t.Fatalf("expected pong, got %s", data)
		}
	}
}

func TestServer_AcceptBeforeStart(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := srv.Accept(httptest.NewRecorder(), req, "alice"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestServer_ClientCloseRemovesConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "frank")
	waitFor(t, func() bool { return env.srv.Connections().Count() == 1 })

	conn.Close()
	waitFor(t, func() bool { return env.srv.Connections().Count() == 0 })
}

func TestServer_ShutdownClosesSockets(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "gina")
	waitFor(t, func() bool { return env.srv.Connections().Count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := wsutil.ReadServerText(conn); err == nil {
		t.Error("expected the socket to be closed after shutdown")
	}
}
