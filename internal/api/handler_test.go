package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffeemeet/meet-app/internal/auth"
	"github.com/coffeemeet/meet-app/internal/history"
	"github.com/coffeemeet/meet-app/internal/matching"
	"github.com/coffeemeet/meet-app/internal/otp"
	"github.com/coffeemeet/meet-app/internal/protocol"
	"github.com/coffeemeet/meet-app/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memoryCodes struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *memoryCodes) Issue(_ context.Context, address string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[address] = "123456"
	return "123456", nil
}

func (m *memoryCodes) Verify(_ context.Context, address, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want, ok := m.codes[address]
	if !ok {
		return otp.ErrCodeNotFound
	}
	if want != code {
		return otp.ErrCodeMismatch
	}
	delete(m.codes, address)
	return nil
}

type recordingSender struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (s *recordingSender) PublishCodeDelivery(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, data)
	return s.err
}

type fixedLimiter struct {
	allow bool
	left  int
	retry time.Duration
}

func (l fixedLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return l.allow, nil
}

func (l fixedLimiter) Remaining(context.Context, string, ratelimit.Rule) (int, error) {
	return l.left, nil
}

func (l fixedLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return l.retry
}

type testAPI struct {
	handler *Handler
	router  *gin.Engine
	tokens  *auth.Service
	coord   *matching.Coordinator
	sender  *recordingSender
}

func newTestAPI(t *testing.T, limiter *fixedLimiter) *testAPI {
	t.Helper()

	tokens, err := auth.NewService(auth.Config{Secret: []byte("api-test-secret-0123456789")}, nil)
	require.NoError(t, err)

	coord := matching.NewCoordinator(matching.DefaultConfig(), nil, nil)
	sender := &recordingSender{}
	deps := Deps{
		ServiceName: "meetd-test",
		Meet:        coord,
		History:     history.NewLookup(coord, nil, 0),
		Tokens:      tokens,
		Codes:       &memoryCodes{codes: make(map[string]string)},
		Sender:      sender,
	}
	if limiter != nil {
		deps.Limiter = *limiter
	}

	h := NewHandler(deps)
	return &testAPI{handler: h, router: h.Router(), tokens: tokens, coord: coord, sender: sender}
}

func (a *testAPI) token(t *testing.T, user string) string {
	t.Helper()
	tok, _, err := a.tokens.Issue(matching.UserID(user))
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func searchBody(building string) SearchRequest {
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Minute)
	return SearchRequest{Building: building, WindowStart: start, WindowEnd: start.Add(time.Hour)}
}

func TestHealthAndReady(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	a.handler.SetShuttingDown()
	w = a.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "shutting_down")
}

func TestReady_BackingServiceDown(t *testing.T) {
	a := newTestAPI(t, nil)
	a.handler.deps.Ready = func(context.Context) error { return errors.New("redis down") }

	w := a.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis down")
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t, nil)
	a.do(t, http.MethodGet, "/health", "", nil)

	w := a.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "meet_http_requests_total")
}

func TestTraceIDHeader(t *testing.T) {
	a := newTestAPI(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(TraceIDHeader, "trace-abc")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, "trace-abc", w.Header().Get(TraceIDHeader))

	w = a.do(t, http.MethodGet, "/health", "", nil)
	assert.Len(t, w.Header().Get(TraceIDHeader), 32, "a trace id is generated when none is sent")
}

func TestMeetRoutesRequireAuth(t *testing.T) {
	a := newTestAPI(t, nil)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/meet/status"},
		{http.MethodPost, "/api/v1/meet/search"},
		{http.MethodPost, "/api/v1/meet/cancel"},
		{http.MethodPost, "/api/v1/meet/finish"},
		{http.MethodGet, "/api/v1/meet/history"},
		{http.MethodGet, "/api/v1/meet/ws"},
		{http.MethodPost, "/api/v1/auth/logout"},
	} {
		w := a.do(t, route.method, route.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s without token", route.method, route.path)

		w = a.do(t, route.method, route.path, "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s with garbage token", route.method, route.path)
	}
}

func TestLoginFlow(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/v1/auth/code", "", CodeRequest{Address: " Alice@Example.com "})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, a.sender.payloads, 1)

	var delivery codeDelivery
	require.NoError(t, json.Unmarshal(a.sender.payloads[0], &delivery))
	assert.Equal(t, "alice@example.com", delivery.Address)
	assert.Equal(t, "123456", delivery.Code)

	w = a.do(t, http.MethodPost, "/api/v1/auth/token", "", TokenRequest{Address: "alice@example.com", Code: "000000"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/auth/token", "", TokenRequest{Address: "alice@example.com", Code: "123456"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tok := decode[TokenResponse](t, w)
	assert.Equal(t, "alice@example.com", tok.UserID)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	w = a.do(t, http.MethodGet, "/api/v1/meet/status", tok.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "NONE", decode[protocol.StatusMsg](t, w).Status)

	w = a.do(t, http.MethodPost, "/api/v1/auth/token", "", TokenRequest{Address: "alice@example.com", Code: "123456"})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "a code is single use")
}

func TestRequestCode_BadInput(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/v1/auth/code", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/auth/code", "", CodeRequest{Address: "no-at-sign"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestCode_DeliveryFailure(t *testing.T) {
	a := newTestAPI(t, nil)
	a.sender.err = errors.New("nats down")

	w := a.do(t, http.MethodPost, "/api/v1/auth/code", "", CodeRequest{Address: "bob@example.com"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMeetFlow(t *testing.T) {
	a := newTestAPI(t, nil)
	alice, bob := a.token(t, "alice"), a.token(t, "bob")

	w := a.do(t, http.MethodPost, "/api/v1/meet/search", alice, searchBody("HQ"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "SEARCH", decode[protocol.SearchResultMsg](t, w).Status)

	w = a.do(t, http.MethodGet, "/api/v1/meet/status", alice, nil)
	st := decode[protocol.StatusMsg](t, w)
	assert.Equal(t, "SEARCH", st.Status)
	assert.NotNil(t, st.WaitingSince)

	w = a.do(t, http.MethodPost, "/api/v1/meet/search", bob, searchBody("HQ"))
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[protocol.SearchResultMsg](t, w)
	require.Equal(t, "ACTIVE", res.Status)
	require.NotNil(t, res.Session)
	assert.Equal(t, "alice", res.Session.PartnerID)

	w = a.do(t, http.MethodGet, "/api/v1/meet/status", alice, nil)
	st = decode[protocol.StatusMsg](t, w)
	assert.Equal(t, "ACTIVE", st.Status)
	require.NotNil(t, st.Session)
	assert.Equal(t, res.Session.ID, st.Session.ID)
	assert.Equal(t, "bob", st.Session.PartnerID)

	w = a.do(t, http.MethodPost, "/api/v1/meet/cancel", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "an active user is not searching")
	assert.Equal(t, "FAILURE", decode[protocol.CancelResultMsg](t, w).Status)

	w = a.do(t, http.MethodPost, "/api/v1/meet/finish", bob, FinishRequest{Outcome: "sometimes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/meet/finish", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[protocol.FinishResultMsg](t, w).Finished)

	w = a.do(t, http.MethodPost, "/api/v1/meet/finish", alice, FinishRequest{Outcome: "FINISHED"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/meet/history", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[protocol.HistoryListMsg](t, w)
	require.Len(t, hist.Sessions, 1)
	assert.Equal(t, res.Session.ID, hist.Sessions[0].ID)
	assert.Equal(t, "bob", hist.Sessions[0].PartnerID)
	assert.Equal(t, "FINISHED", hist.Sessions[0].Status)
}

func TestHistory_EmptyIsList(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodGet, "/api/v1/meet/history", a.token(t, "carol"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[]}`, w.Body.String())
}

func TestSearch_InvalidParams(t *testing.T) {
	a := newTestAPI(t, nil)
	tok := a.token(t, "dave")

	w := a.do(t, http.MethodPost, "/api/v1/meet/search", tok, map[string]string{"building": "HQ"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "window is required")

	body := searchBody("HQ")
	body.WindowStart, body.WindowEnd = body.WindowEnd, body.WindowStart
	w = a.do(t, http.MethodPost, "/api/v1/meet/search", tok, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, matching.StatusNone, a.coord.Status("dave"))
}

func TestCancel(t *testing.T) {
	a := newTestAPI(t, nil)
	tok := a.token(t, "erin")

	a.do(t, http.MethodPost, "/api/v1/meet/search", tok, searchBody("Annex"))
	w := a.do(t, http.MethodPost, "/api/v1/meet/cancel", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SUCCESS", decode[protocol.CancelResultMsg](t, w).Status)

	w = a.do(t, http.MethodPost, "/api/v1/meet/cancel", tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSearch_RateLimited(t *testing.T) {
	a := newTestAPI(t, &fixedLimiter{allow: false, retry: 30 * time.Second})

	w := a.do(t, http.MethodPost, "/api/v1/meet/search", a.token(t, "frank"), searchBody("HQ"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get(RateLimitRemainingHeader))
	assert.Equal(t, matching.StatusNone, a.coord.Status("frank"))
}

func TestSearch_RemainingHeader(t *testing.T) {
	a := newTestAPI(t, &fixedLimiter{allow: true, left: 7})

	w := a.do(t, http.MethodPost, "/api/v1/meet/search", a.token(t, "hugo"), searchBody("HQ"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "7", w.Header().Get(RateLimitRemainingHeader))
}

func TestFinish_ChunkedEmptyBody(t *testing.T) {
	a := newTestAPI(t, nil)
	alice, bob := a.token(t, "alice"), a.token(t, "bob")
	a.do(t, http.MethodPost, "/api/v1/meet/search", alice, searchBody("HQ"))
	w := a.do(t, http.MethodPost, "/api/v1/meet/search", bob, searchBody("HQ"))
	require.Equal(t, "ACTIVE", decode[protocol.SearchResultMsg](t, w).Status)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/meet/finish", nil)
	req.Body = io.NopCloser(strings.NewReader(""))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set("Authorization", "Bearer "+alice)
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[protocol.FinishResultMsg](t, w).Finished)
	assert.Len(t, a.coord.ListFinished("bob"), 1, "outcome defaults to FINISHED")
}

func TestLogout_WithoutRevocationStore(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/v1/auth/logout", a.token(t, "gina"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer abc"))
	assert.Equal(t, "", bearerToken("Bearer "))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken(""))
}
