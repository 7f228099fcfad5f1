package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"driftdb/internal/auth"
	"driftdb/internal/logging"
	"driftdb/internal/room"
	"driftdb/internal/roomstore"
	"driftdb/internal/store"
	"driftdb/internal/wire"
)

func makeToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","exp":%d,"iat":%d}`, subject, expires.Unix(), expires.Add(-time.Minute).Unix())
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}

type stubVerifier struct {
	err error
}

func (s *stubVerifier) Verify(token string) (*auth.TokenClaims, error) { return nil, s.err }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubReadiness struct {
	uptime time.Duration
	err    error
}

func (s *stubReadiness) StartupError() error   { return s.err }
func (s *stubReadiness) Uptime() time.Duration { return s.uptime }

func newTestRegistry() *room.Registry {
	return room.NewRegistry(roomstore.NewMemoryBackend(), time.Hour, logging.NewTestLogger(), "")
}

func TestRootHandlerServesBanner(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handlers.RootHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected CORS wildcard origin")
	}
}

func TestNewRoomHandlerReturnsURLs(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:       logging.NewTestLogger(),
		RoomIDSource: func() (string, error) { return "fixedroomid", nil },
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/new", nil)
	req.Host = "drift.example"
	handlers.NewRoomHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload roomResult
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Room != "fixedroomid" {
		t.Fatalf("Room = %q", payload.Room)
	}
	if payload.SocketURL != "ws://drift.example/room/fixedroomid/connect" {
		t.Fatalf("SocketURL = %q", payload.SocketURL)
	}
	if payload.HTTPURL != "http://drift.example/room/fixedroomid/send" {
		t.Fatalf("HTTPURL = %q", payload.HTTPURL)
	}
}

func TestNewRoomHandlerUsesHTTPSScheme(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:       logging.NewTestLogger(),
		UseHTTPS:     true,
		RoomIDSource: func() (string, error) { return "r", nil },
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/new", nil)
	req.Host = "drift.example"
	handlers.NewRoomHandler().ServeHTTP(rr, req)

	var payload roomResult
	json.NewDecoder(rr.Body).Decode(&payload)
	if payload.SocketURL != "wss://drift.example/room/r/connect" || payload.HTTPURL != "https://drift.example/room/r/send" {
		t.Fatalf("unexpected urls: %+v", payload)
	}
}

func TestNewRoomHandlerRejectsWrongMethod(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/new", nil)
	handlers.NewRoomHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestNewRoomHandlerEnforcesRateLimit(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:       logging.NewTestLogger(),
		NewRoomLimit: &stubLimiter{remaining: 1},
		RoomIDSource: func() (string, error) { return "r", nil },
	})
	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/new", nil)
		r.Host = "drift.example"
		return r
	}
	first := httptest.NewRecorder()
	handlers.NewRoomHandler().ServeHTTP(first, req())
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	handlers.NewRoomHandler().ServeHTTP(second, req())
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}

func TestRoomHandlerGetReturnsURLs(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Rooms: newTestRegistry()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/room/abc123", nil)
	req.Host = "drift.example"
	handlers.RoomHandler(nil).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload roomResult
	json.NewDecoder(rr.Body).Decode(&payload)
	if payload.Room != "abc123" {
		t.Fatalf("Room = %q", payload.Room)
	}
}

func TestRoomHandlerUnknownSubPathIsNotFound(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Rooms: newTestRegistry()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/room/abc123/bogus", nil)
	handlers.RoomHandler(nil).ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestRoomHandlerConnectDelegatesToTransport(t *testing.T) {
	called := false
	connect := func(w http.ResponseWriter, r *http.Request) { called = true }
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Rooms: newTestRegistry()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/room/abc123/connect", nil)
	handlers.RoomHandler(connect).ServeHTTP(rr, req)
	if !called {
		t.Fatal("expected the connect handler to be invoked")
	}
}

func TestRoomHandlerSendAppliesMessage(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Rooms: newTestRegistry()})

	push := wire.PushMessage("k", "v", store.Append())
	body, err := json.Marshal(push)
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/room/abc123/send", strings.NewReader(string(body)))
	handlers.RoomHandler(nil).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	get := wire.GetMessage("k", 0)
	getBody, err := json.Marshal(get)
	if err != nil {
		t.Fatalf("marshal get: %v", err)
	}
	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/room/abc123/send", strings.NewReader(string(getBody)))
	handlers.RoomHandler(nil).ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr2.Code, rr2.Body.String())
	}
	var resp wire.MessageFromDatabase
	if err := json.NewDecoder(rr2.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Kind != wire.OutboundInit || len(resp.Data) != 1 || resp.Data[0].Value != "v" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRoomHandlerSendRejectsMalformedBody(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Rooms: newTestRegistry()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/room/abc123/send", strings.NewReader("not-json"))
	handlers.RoomHandler(nil).ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	readiness := &stubReadiness{uptime: 45 * time.Second, err: errors.New("boom")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: readiness})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status        string  `json:"status"`
		Message       string  `json:"message"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "boom" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.UptimeSeconds != readiness.uptime.Seconds() {
		t.Fatalf("unexpected uptime: got %f want %f", payload.UptimeSeconds, readiness.uptime.Seconds())
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	readiness := &stubReadiness{uptime: 90 * time.Second}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: readiness})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handlers.MetricsHandler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.Contains(rr.Body.String(), "driftdb_uptime_seconds 90") {
		t.Fatalf("metrics missing uptime gauge:\n%s", rr.Body.String())
	}
}

func TestAdminCompactHandlerRequiresAuth(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Rooms: newTestRegistry()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/rooms/abc123/compact", nil)
	handlers.AdminCompactHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when no verifier is configured, got %d", rr.Code)
	}
}

func TestAdminCompactHandlerRejectsBadToken(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:        logging.NewTestLogger(),
		Rooms:         newTestRegistry(),
		AdminVerifier: &stubVerifier{err: errors.New("bad token")},
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/rooms/abc123/compact", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	handlers.AdminCompactHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAdminCompactHandlerEnforcesRateLimit(t *testing.T) {
	reg := newTestRegistry()
	handlers := NewHandlerSet(Options{
		Logger:        logging.NewTestLogger(),
		Rooms:         reg,
		AdminVerifier: &stubVerifier{},
		AdminLimit:    &stubLimiter{remaining: 1},
	})
	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/admin/rooms/abc123/compact", nil)
		r.Header.Set("Authorization", "Bearer whatever")
		return r
	}
	first := httptest.NewRecorder()
	handlers.AdminCompactHandler().ServeHTTP(first, req())
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d: %s", first.Code, first.Body.String())
	}
	second := httptest.NewRecorder()
	handlers.AdminCompactHandler().ServeHTTP(second, req())
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}

func TestAdminCompactHandlerAcceptsValidHMACBearerToken(t *testing.T) {
	verifier, err := auth.NewHMACTokenVerifier("room-admin-secret", time.Second)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })

	reg := newTestRegistry()
	if _, err := reg.Get("abc123").SendMessage(context.Background(), wire.PushMessage("k", "v", store.Append())); err != nil {
		t.Fatalf("seed SendMessage: %v", err)
	}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Rooms: reg, AdminVerifier: verifier})

	token := makeToken(t, "room-admin-secret", "ops", now.Add(time.Minute))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/rooms/abc123/compact", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handlers.AdminCompactHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}
