package authapi

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"
)

// The audit log is where the real refresh-failure reason lives. The
// HTTP response is deliberately opaque; operators read this instead.

func (h *Handler) auditLoginFailed(ctx context.Context, ip net.IP, ua, username string) {
	h.insertAudit(ctx, "auth.login.failed", nil, ip, ua, map[string]any{
		"username": username,
	})
}

func (h *Handler) auditLoginSuccess(ctx context.Context, userID string, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.login.success", &userID, ip, ua, nil)
}

func (h *Handler) auditRefreshSuccess(ctx context.Context, recordID string, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.refresh.success", nil, ip, ua, map[string]any{
		"record_id": recordID,
	})
}

func (h *Handler) auditRefreshDenied(ctx context.Context, reason string, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.refresh.denied", nil, ip, ua, map[string]any{
		"reason": reason,
	})
}

func (h *Handler) auditReuseDetected(ctx context.Context, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.refresh.reuse_detected", nil, ip, ua, nil)
}

func (h *Handler) auditLogout(ctx context.Context, userID string, revoked int64, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.logout", &userID, ip, ua, map[string]any{
		"revoked_sessions": revoked,
	})
}

func (h *Handler) auditRateLimited(ctx context.Context, action string, ip net.IP, ua string, retryAfter time.Duration) {
	h.insertAudit(ctx, action+".rate_limited", nil, ip, ua, map[string]any{
		"retry_after_s": int64(retryAfter.Seconds()),
	})
}

func (h *Handler) insertAudit(ctx context.Context, action string, userID *string, ip net.IP, ua string, meta map[string]any) {
	if h == nil || h.pool == nil {
		return
	}

	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	var ipVal any
	if ip != nil {
		ipVal = ip.String()
	}

	var metaVal *string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := h.pool.Exec(ctx, `
		INSERT INTO keepsake.audit_log (
			user_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, now(), $3, $4, $5::jsonb)
	`, userID, action, ipVal, trimOrNil(ua), metaVal)
	if err != nil {
		h.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
