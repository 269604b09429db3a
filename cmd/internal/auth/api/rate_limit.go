package authapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ipRateLimiter is a per-key sliding-window limiter. Keys are client
// IPs; memory is bounded by pruning idle keys on a cadence.
type ipRateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration

	byKey     map[string][]time.Time
	lastPrune time.Time
}

func newIPRateLimiter(limit int, window time.Duration) *ipRateLimiter {
	if limit <= 0 {
		limit = 20
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ipRateLimiter{
		limit:  limit,
		window: window,
		byKey:  make(map[string][]time.Time),
	}
}

// Allow reports whether an event for key at time "now" should be
// permitted, and the retry-after hint when it should not.
func (l *ipRateLimiter) Allow(key string, now time.Time) (bool, time.Duration) {
	if key == "" {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > l.window {
		l.pruneLocked(now)
		l.lastPrune = now
	}

	cut := now.Add(-l.window)
	events := l.byKey[key]
	dst := events[:0]
	for _, t := range events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}

	if len(dst) >= l.limit {
		l.byKey[key] = dst
		retry := dst[0].Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return false, retry
	}

	l.byKey[key] = append(dst, now)
	return true, 0
}

func (l *ipRateLimiter) pruneLocked(now time.Time) {
	cut := now.Add(-l.window)
	for key, events := range l.byKey {
		keep := events[:0]
		for _, t := range events {
			if t.After(cut) {
				keep = append(keep, t)
			}
		}
		if len(keep) == 0 {
			delete(l.byKey, key)
			continue
		}
		l.byKey[key] = keep
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
