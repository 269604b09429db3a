package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"keepsake/cmd/identity"
	"keepsake/cmd/internal/auth/session"

	"aidanwoods.dev/go-paseto"
)

type stubDirectory struct {
	users map[string]string // username -> userID, password is always "hunter2-ok"
}

func (d stubDirectory) Authenticate(_ context.Context, username, password string) (string, error) {
	id, ok := d.users[strings.ToLower(username)]
	if !ok || password != "hunter2-ok" {
		return "", identity.ErrInvalidCredentials
	}
	return id, nil
}

func newTestHandler(t *testing.T, mutate func(*Config)) *Handler {
	t.Helper()

	secret := paseto.NewV4AsymmetricSecretKey()
	sessCfg := session.DefaultConfig()
	sessCfg.PasetoV4SecretKeyHex = secret.ExportHex()

	tokens, err := session.NewPasetoV4PublicManager(sessCfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	svc := session.NewService(sessCfg, session.NewMemoryStore(), tokens)

	cfg := Config{
		MaxBodyBytes:    1 << 20,
		LoginIPMax:      100,
		LoginIPWindow:   time.Minute,
		RefreshIPMax:    100,
		RefreshIPWindow: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	dir := stubDirectory{users: map[string]string{"alice": "user-alice"}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	h, err := NewHandler(log, cfg, nil, dir, svc)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:40312"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func testMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func TestLoginRefreshLogoutFlow(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, nil)
	mux := testMux(h)

	rr := postJSON(t, mux, "/auth/login", loginRequest{
		Username: "alice", Password: "hunter2-ok", DeviceLabel: "firefox-linux",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", rr.Code, rr.Body.String())
	}
	login := decodeBody[loginResponse](t, rr)
	if login.UserID != "user-alice" {
		t.Fatalf("login: user id %q", login.UserID)
	}
	if login.Session.AccessToken == "" || login.Session.RefreshToken == "" {
		t.Fatalf("login: expected tokens in response")
	}

	rr = postJSON(t, mux, "/auth/refresh", refreshRequest{RefreshToken: login.Session.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: status %d body %s", rr.Code, rr.Body.String())
	}
	refreshed := decodeBody[refreshResponse](t, rr)
	if refreshed.Session.RefreshToken == login.Session.RefreshToken {
		t.Fatalf("refresh: expected a new refresh token")
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+refreshed.Session.AccessToken)
	req.RemoteAddr = "198.51.100.7:40312"
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: status %d body %s", rr.Code, rr.Body.String())
	}
	out := decodeBody[logoutResponse](t, rr)
	if out.RevokedSessions != 1 {
		t.Fatalf("logout: revoked %d, want 1", out.RevokedSessions)
	}

	// The survivor refresh token was revoked by logout; using it must fail.
	rr = postJSON(t, mux, "/auth/refresh", refreshRequest{RefreshToken: refreshed.Session.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: status %d", rr.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	mux := testMux(newTestHandler(t, nil))

	rr := postJSON(t, mux, "/auth/login", loginRequest{Username: "alice", Password: "wrong"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d", rr.Code)
	}
	resp := decodeBody[errorResponse](t, rr)
	if resp.Error.Code != "invalid_credentials" {
		t.Fatalf("bad password: code %q", resp.Error.Code)
	}

	rr = postJSON(t, mux, "/auth/login", loginRequest{Username: "nobody", Password: "hunter2-ok"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user: status %d", rr.Code)
	}
}

// Denials for an unknown token and for a reused (revoked) token must be
// byte-identical so callers cannot tell a stolen token apart from a
// garbage one.
func TestRefreshDenialsAreOpaque(t *testing.T) {
	t.Parallel()

	mux := testMux(newTestHandler(t, nil))

	rr := postJSON(t, mux, "/auth/login", loginRequest{Username: "alice", Password: "hunter2-ok"})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: status %d", rr.Code)
	}
	login := decodeBody[loginResponse](t, rr)

	// Rotate once so the original token becomes revoked-with-successor.
	rr = postJSON(t, mux, "/auth/refresh", refreshRequest{RefreshToken: login.Session.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("first refresh: status %d", rr.Code)
	}

	reuse := postJSON(t, mux, "/auth/refresh", refreshRequest{RefreshToken: login.Session.RefreshToken})
	unknown := postJSON(t, mux, "/auth/refresh", refreshRequest{RefreshToken: "not-a-real-token"})

	if reuse.Code != http.StatusUnauthorized || unknown.Code != http.StatusUnauthorized {
		t.Fatalf("statuses: reuse=%d unknown=%d, want 401/401", reuse.Code, unknown.Code)
	}
	if reuse.Body.String() != unknown.Body.String() {
		t.Fatalf("bodies differ:\nreuse:   %s\nunknown: %s", reuse.Body.String(), unknown.Body.String())
	}
}

func TestRefreshReuseRevokesSuccessor(t *testing.T) {
	t.Parallel()

	mux := testMux(newTestHandler(t, nil))

	rr := postJSON(t, mux, "/auth/login", loginRequest{Username: "alice", Password: "hunter2-ok"})
	login := decodeBody[loginResponse](t, rr)

	rr = postJSON(t, mux, "/auth/refresh", refreshRequest{RefreshToken: login.Session.RefreshToken})
	refreshed := decodeBody[refreshResponse](t, rr)

	// Replay of the rotated-out token trips reuse detection; the
	// cascade must take the successor down with it.
	if rr := postJSON(t, mux, "/auth/refresh", refreshRequest{RefreshToken: login.Session.RefreshToken}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("replay: status %d", rr.Code)
	}
	if rr := postJSON(t, mux, "/auth/refresh", refreshRequest{RefreshToken: refreshed.Session.RefreshToken}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("successor after reuse: status %d", rr.Code)
	}
}

func TestRefreshRateLimited(t *testing.T) {
	t.Parallel()

	mux := testMux(newTestHandler(t, func(cfg *Config) {
		cfg.RefreshIPMax = 2
		cfg.RefreshIPWindow = time.Minute
	}))

	for i := 0; i < 2; i++ {
		rr := postJSON(t, mux, "/auth/refresh", refreshRequest{RefreshToken: "whatever"})
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i, rr.Code)
		}
	}

	rr := postJSON(t, mux, "/auth/refresh", refreshRequest{RefreshToken: "whatever"})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third attempt: status %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()

	mux := testMux(newTestHandler(t, nil))

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET login: status %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(`{"refresh_token": "x", "surprise": true}`))
	req.RemoteAddr = "198.51.100.7:40312"
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status %d", rr.Code)
	}

	rr = postJSON(t, mux, "/auth/refresh", refreshRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty refresh_token: status %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("logout without bearer: status %d", rr.Code)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"Bearer  padded ", "padded"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(req); got != tc.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestClientIPForwarding(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "203.0.113.9:55000"
	req.Header.Set("X-Forwarded-For", "192.0.2.50, 10.0.0.1")

	if ip := clientIP(req, false); ip == nil || ip.String() != "203.0.113.9" {
		t.Fatalf("untrusted proxy: got %v", ip)
	}
	if ip := clientIP(req, true); ip == nil || ip.String() != "192.0.2.50" {
		t.Fatalf("trusted proxy: got %v", ip)
	}
}
