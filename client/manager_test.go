package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// authServer is a minimal fake of the server's auth API. It tracks the
// currently valid access token and counts refresh calls.
type authServer struct {
	mu            sync.Mutex
	access        string
	refresh       string
	refreshCalls  atomic.Int64
	refreshDelay  time.Duration
	refreshBlock  chan struct{} // when non-nil, refresh waits for close
	refreshDenied bool
}

func (s *authServer) session(access, refresh string) map[string]any {
	now := time.Now().UTC()
	return map[string]any{
		"access_token":       access,
		"access_expires_at":  now.Add(24 * time.Hour),
		"refresh_token":      refresh,
		"refresh_expires_at": now.Add(365 * 24 * time.Hour),
	}
}

func (s *authServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "hunter2-ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.access, s.refresh = "access-1", "refresh-1"
		s.mu.Unlock()
		writeTestJSON(w, map[string]any{
			"user_id": "user-1",
			"session": s.session("access-1", "refresh-1"),
		})
	})

	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		n := s.refreshCalls.Add(1)
		if s.refreshBlock != nil {
			<-s.refreshBlock
		}
		if s.refreshDelay > 0 {
			time.Sleep(s.refreshDelay)
		}
		if s.refreshDenied {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"invalid_session","message":"session not active"}}`))
			return
		}

		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		current := s.refresh
		s.mu.Unlock()
		if req["refresh_token"] != current {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		access := "access-r" + itoa(n)
		refresh := "refresh-r" + itoa(n)
		s.mu.Lock()
		s.access, s.refresh = access, refresh
		s.mu.Unlock()
		writeTestJSON(w, map[string]any{"session": s.session(access, refresh)})
	})

	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, map[string]any{"revoked_sessions": 1})
	})

	mux.HandleFunc("/api/data", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		current := s.access
		s.mu.Unlock()
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if bearer != current {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("payload"))
	})

	return mux
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, s *authServer, opts ...Option) (*Manager, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	m, err := NewManager(srv.URL, NewMemoryStorage(), opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, srv
}

func mustLogin(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Login(context.Background(), "alice", "hunter2-ok"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestDoAttachesBearer(t *testing.T) {
	t.Parallel()

	s := &authServer{}
	m, srv := newTestManager(t, s)
	mustLogin(t, m)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/data", nil)
	resp, err := m.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "payload" {
		t.Fatalf("body %q", body)
	}
}

func TestDoWithoutCredentials(t *testing.T) {
	t.Parallel()

	s := &authServer{}
	m, srv := newTestManager(t, s)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/data", nil)
	if _, err := m.Do(req); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}

// A request storm that all hit 401 must trigger exactly one refresh
// network call; every request then retries with the fresh token.
func TestConcurrent401sShareOneRefresh(t *testing.T) {
	t.Parallel()

	s := &authServer{refreshDelay: 50 * time.Millisecond}
	m, srv := newTestManager(t, s)
	mustLogin(t, m)

	// Invalidate the client's access token server-side so every
	// request 401s first.
	s.mu.Lock()
	s.access = "rotated-away"
	s.mu.Unlock()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/data", nil)
			resp, err := m.Do(req)
			if err != nil {
				errs[i] = err
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs[i] = errors.New("non-200 after refresh")
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("worker %d: %v", i, err)
		}
	}
	if got := s.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", got)
	}
}

func TestRefreshFailureClearsCredentials(t *testing.T) {
	t.Parallel()

	s := &authServer{refreshDenied: true}
	m, srv := newTestManager(t, s)
	mustLogin(t, m)

	s.mu.Lock()
	s.access = "rotated-away"
	s.mu.Unlock()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/data", nil)
	if _, err := m.Do(req); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}

	if m.Authenticated() {
		t.Fatalf("credentials should be cleared after refresh denial")
	}
	req2, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/data", nil)
	if _, err := m.Do(req2); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("follow-up err = %v, want ErrNotAuthenticated", err)
	}
}

// Logout while a refresh is in flight: the refresh's eventual success
// must be discarded, not reinstalled.
func TestLogoutDiscardsInflightRefresh(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	s := &authServer{refreshBlock: block}
	m, srv := newTestManager(t, s)
	mustLogin(t, m)

	s.mu.Lock()
	s.access = "rotated-away"
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/data", nil)
		_, err := m.Do(req)
		done <- err
	}()

	// Wait until the refresh call is parked inside the handler.
	deadline := time.After(2 * time.Second)
	for s.refreshCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("refresh call never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	close(block)

	err := <-done
	if !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("err = %v, want ErrLoggedOut", err)
	}
	if m.Authenticated() {
		t.Fatalf("must be logged out")
	}
}

func TestRefreshTimeout(t *testing.T) {
	t.Parallel()

	s := &authServer{refreshDelay: time.Second}
	m, srv := newTestManager(t, s, WithRefreshTimeout(50*time.Millisecond))
	mustLogin(t, m)

	s.mu.Lock()
	s.access = "rotated-away"
	s.mu.Unlock()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/data", nil)
	start := time.Now()
	_, err := m.Do(req)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if errors.Is(err, ErrRefreshFailed) || errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("timeout must be a transient error, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("timed-out refresh held the caller too long")
	}
	// Transient failure keeps credentials so the caller may retry.
	if !m.Authenticated() {
		t.Fatalf("credentials must survive a transient refresh failure")
	}
}

func TestCallerContextStopsWaitOnly(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	s := &authServer{refreshBlock: block}
	m, srv := newTestManager(t, s)
	mustLogin(t, m)

	s.mu.Lock()
	s.access = "rotated-away"
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/data", nil)
		_, err := m.Do(req)
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for s.refreshCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("refresh call never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The shared refresh keeps going and lands new credentials.
	close(block)
	waitFor(t, 2*time.Second, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.has && m.creds.AccessToken != "access-1"
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
