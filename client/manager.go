package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Manager holds the current token pair and wraps outgoing requests.
// Construct one per application session and tear it down on logout.
type Manager struct {
	baseURL        string
	httpClient     *http.Client
	storage        Storage
	log            *slog.Logger
	deviceLabel    string
	refreshTimeout time.Duration

	mu    sync.Mutex
	creds Credentials
	has   bool
	// generation increments on login/logout; a refresh that completes
	// under a stale generation is discarded, so a logout can never be
	// resurrected by an in-flight refresh response.
	generation uint64

	refreshGroup singleflight.Group
}

// Option configures optional Manager dependencies.
type Option func(*Manager)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithDeviceLabel sets the label sent on login and refresh.
func WithDeviceLabel(label string) Option {
	return func(m *Manager) { m.deviceLabel = strings.TrimSpace(label) }
}

// WithRefreshTimeout bounds how long a shared refresh call may take.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// NewManager builds a Manager and loads any persisted credentials.
func NewManager(baseURL string, storage Storage, opts ...Option) (*Manager, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("client: empty base URL")
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}

	m := &Manager{
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		storage:        storage,
		log:            slog.Default(),
		refreshTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	creds, ok, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("client: load credentials: %w", err)
	}
	if ok && !creds.empty() {
		m.creds = creds
		m.has = true
	}

	return m, nil
}

// wire types mirroring the server's auth API.

type sessionPayload struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginPayload struct {
	UserID  string         `json:"user_id"`
	Session sessionPayload `json:"session"`
}

type refreshPayload struct {
	Session sessionPayload `json:"session"`
}

func credentialsFrom(s sessionPayload) Credentials {
	return Credentials{
		AccessToken:      s.AccessToken,
		AccessExpiresAt:  s.AccessExpiresAt,
		RefreshToken:     s.RefreshToken,
		RefreshExpiresAt: s.RefreshExpiresAt,
	}
}

// Login authenticates with the server and stores the returned token
// pair. Any in-flight refresh from a previous session is discarded.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	body := map[string]string{
		"username":     username,
		"password":     password,
		"device_label": m.deviceLabel,
	}

	var out loginPayload
	status, err := m.postJSON(ctx, "/auth/login", body, &out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return ErrNotAuthenticated
	}
	if status != http.StatusOK {
		return fmt.Errorf("client: login: unexpected status %d", status)
	}

	creds := credentialsFrom(out.Session)
	if creds.empty() {
		return errors.New("client: login: empty session in response")
	}

	m.mu.Lock()
	m.creds = creds
	m.has = true
	m.generation++
	m.mu.Unlock()
	m.refreshGroup.Forget("refresh")

	if err := m.storage.Save(creds); err != nil {
		m.log.Warn("client.storage.save.fail", "err", err)
	}
	return nil
}

// Logout clears local credentials immediately and best-effort revokes
// the server-side session. Requests waiting on an in-flight refresh are
// rejected with ErrLoggedOut.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	access := m.creds.AccessToken
	m.creds = Credentials{}
	m.has = false
	m.generation++
	m.mu.Unlock()
	m.refreshGroup.Forget("refresh")

	if err := m.storage.Clear(); err != nil {
		m.log.Warn("client.storage.clear.fail", "err", err)
	}

	if access == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/auth/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+access)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		// Local state is already cleared; server-side revocation will
		// happen when the orphaned chain is next touched or swept.
		m.log.Warn("client.logout.request.fail", "err", err)
		return nil
	}
	drainAndClose(resp.Body)
	return nil
}

// Authenticated reports whether credentials are currently held.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.has
}

// Do sends req with the current access token attached. On a 401 it
// performs (or joins) a single-flight refresh and retries once with the
// fresh token. Retried requests need a rewindable body (req.GetBody);
// otherwise the original 401 response is returned as-is.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	if !m.has {
		m.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	access := m.creds.AccessToken
	m.mu.Unlock()

	req.Header.Set("Authorization", "Bearer "+access)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	retry, err := rewindRequest(req)
	if err != nil || retry == nil {
		// Cannot replay the body; surface the 401 untouched.
		return resp, nil
	}
	drainAndClose(resp.Body)

	creds, err := m.refresh(req.Context())
	if err != nil {
		return nil, err
	}

	retry.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	return m.httpClient.Do(retry)
}

// refresh joins the shared refresh. Every caller that observed a 401
// while one refresh is in flight receives that refresh's outcome; the
// caller's own context only stops the wait, not the shared call.
func (m *Manager) refresh(ctx context.Context) (Credentials, error) {
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	ch := m.refreshGroup.DoChan("refresh", func() (any, error) {
		return m.doRefresh(gen)
	})

	select {
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credentials{}, res.Err
		}
		m.mu.Lock()
		stale := m.generation != gen
		m.mu.Unlock()
		if stale {
			return Credentials{}, ErrLoggedOut
		}
		return res.Val.(Credentials), nil
	}
}

// doRefresh performs the actual network call exactly once per flight.
// It runs on a detached context so a single impatient caller cannot
// cancel the refresh out from under everyone else waiting on it.
func (m *Manager) doRefresh(gen uint64) (Credentials, error) {
	m.mu.Lock()
	refreshToken := m.creds.RefreshToken
	m.mu.Unlock()
	if refreshToken == "" {
		return Credentials{}, ErrNotAuthenticated
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	body := map[string]string{
		"refresh_token": refreshToken,
		"device_label":  m.deviceLabel,
	}

	var out refreshPayload
	status, err := m.postJSON(ctx, "/auth/refresh", body, &out)
	if err != nil {
		// Network/transport failure: keep credentials, the caller may
		// retry with backoff.
		return Credentials{}, fmt.Errorf("client: refresh: %w", err)
	}

	switch {
	case status == http.StatusOK:
	case status == http.StatusUnauthorized:
		// Session is dead server-side. Clear local state so the app
		// lands in a clean logged-out state, never "maybe logged in".
		m.clearIfGeneration(gen)
		return Credentials{}, ErrRefreshFailed
	default:
		return Credentials{}, fmt.Errorf("client: refresh: unexpected status %d", status)
	}

	creds := credentialsFrom(out.Session)
	if creds.empty() {
		m.clearIfGeneration(gen)
		return Credentials{}, ErrRefreshFailed
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return Credentials{}, ErrLoggedOut
	}
	m.creds = creds
	m.has = true
	m.mu.Unlock()

	if err := m.storage.Save(creds); err != nil {
		m.log.Warn("client.storage.save.fail", "err", err)
	}
	return creds, nil
}

func (m *Manager) clearIfGeneration(gen uint64) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.creds = Credentials{}
	m.has = false
	m.mu.Unlock()

	if err := m.storage.Clear(); err != nil {
		m.log.Warn("client.storage.clear.fail", "err", err)
	}
}

func (m *Manager) postJSON(ctx context.Context, path string, body any, out any) (int, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("client: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// rewindRequest builds a fresh copy of req for the retry. Returns nil
// when the body cannot be replayed.
func rewindRequest(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		retry.Body = nil
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	retry.Body = body
	return retry, nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
