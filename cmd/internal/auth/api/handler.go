package authapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"keepsake/cmd/identity"
	"keepsake/cmd/internal/auth/session"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Handler wires HTTP auth endpoints to the identity directory and
// the session service.
type Handler struct {
	log *slog.Logger
	cfg Config

	// pool is only used for audit inserts; nil disables auditing
	// (memory-store deployments).
	pool *pgxpool.Pool

	directory identity.Directory
	sessions  *session.Service

	loginLimiter   *ipRateLimiter
	refreshLimiter *ipRateLimiter
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, pool *pgxpool.Pool, directory identity.Directory, sessions *session.Service) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if directory == nil {
		return nil, errors.New("authapi: nil identity directory")
	}
	if sessions == nil {
		return nil, errors.New("authapi: nil session service")
	}

	return &Handler{
		log:            log,
		cfg:            cfg,
		pool:           pool,
		directory:      directory,
		sessions:       sessions,
		loginLimiter:   newIPRateLimiter(cfg.LoginIPMax, cfg.LoginIPWindow),
		refreshLimiter: newIPRateLimiter(cfg.RefreshIPMax, cfg.RefreshIPWindow),
	}, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	if ok, retryAfter := h.loginLimiter.Allow(ipKey(ip), now); !ok {
		h.auditRateLimited(ctx, "auth.login", ip, ua, retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	userID, err := h.directory.Authenticate(ctx, username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.auditLoginFailed(ctx, ip, ua, username)
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.log.Error("auth.login.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	}

	deviceLabel := strings.TrimSpace(req.DeviceLabel)
	if deviceLabel == "" {
		deviceLabel = ua
	}

	issued, err := h.sessions.Login(ctx, now, userID, deviceLabel)
	if err != nil {
		h.log.Error("auth.login.issue.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	}

	h.auditLoginSuccess(ctx, userID, ip, ua)

	writeJSON(w, http.StatusOK, loginResponse{
		UserID:  userID,
		Session: toSessionResponse(issued),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	if ok, retryAfter := h.refreshLimiter.Allow(ipKey(ip), now); !ok {
		h.auditRateLimited(ctx, "auth.refresh", ip, ua, retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	deviceLabel := strings.TrimSpace(req.DeviceLabel)
	if deviceLabel == "" {
		deviceLabel = ua
	}

	issued, err := h.sessions.Rotate(ctx, now, req.RefreshToken, deviceLabel)
	if err != nil {
		// Every denial maps to the same opaque 401 so callers cannot
		// probe which tokens exist or were flagged as stolen. The
		// audit log keeps the real reason.
		switch {
		case errors.Is(err, session.ErrReuseDetected):
			h.auditReuseDetected(ctx, ip, ua)
			writeInvalidSession(w)
		case errors.Is(err, session.ErrExpiredToken):
			h.auditRefreshDenied(ctx, "expired", ip, ua)
			writeInvalidSession(w)
		case errors.Is(err, session.ErrInvalidToken):
			h.auditRefreshDenied(ctx, "invalid", ip, ua)
			writeInvalidSession(w)
		default:
			h.log.Error("auth.refresh.fail", "err", err)
			writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		}
		return
	}

	h.auditRefreshSuccess(ctx, issued.RecordID, ip, ua)

	writeJSON(w, http.StatusOK, refreshResponse{Session: toSessionResponse(issued)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	revoked, err := h.sessions.Logout(ctx, now, claims.UserID)
	if err != nil {
		h.log.Error("auth.logout.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	}

	h.auditLogout(ctx, claims.UserID, revoked, ip, ua)

	writeJSON(w, http.StatusOK, logoutResponse{RevokedSessions: revoked})
}

// ---- helpers ----

func writeInvalidSession(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "invalid_session", "session not active")
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.AccessClaims{}, false
	}
	claims, err := h.sessions.VerifyAccessToken(token, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return session.AccessClaims{}, false
	}
	return claims, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func ipKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
