package httpx

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// quota is a fixed-window request budget for one route class.
type quota struct {
	limit  int
	window time.Duration
}

// rateDecision reports how an Allow call landed so handlers can emit
// X-RateLimit headers.
type rateDecision struct {
	ok      bool
	used    int
	resetAt time.Time
}

type RateLimiter interface {
	Allow(key string, q quota) rateDecision
	Close()
}

// memoryRateLimiter counts per-key fixed windows in process memory.
// Expired windows are pruned opportunistically during Allow calls, so no
// background goroutine is needed; single-replica deployments get correct
// limits and multi-replica ones switch to the Redis limiter.
type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*countedWindow
	calls   int
}

type countedWindow struct {
	used    int
	resetAt time.Time
}

// pruneEvery bounds how much garbage accumulates between scans.
const pruneEvery = 512

func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{windows: make(map[string]*countedWindow)}
}

func (m *memoryRateLimiter) Allow(key string, q quota) rateDecision {
	if q.limit <= 0 {
		return rateDecision{ok: true}
	}
	window := q.window
	if window <= 0 {
		window = time.Minute
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.calls%pruneEvery == 0 {
		for k, w := range m.windows {
			if now.After(w.resetAt) {
				delete(m.windows, k)
			}
		}
	}

	w := m.windows[key]
	if w == nil || now.After(w.resetAt) {
		w = &countedWindow{resetAt: now.Add(window)}
		m.windows[key] = w
	}
	if w.used >= q.limit {
		return rateDecision{ok: false, used: w.used, resetAt: w.resetAt}
	}
	w.used++
	return rateDecision{ok: true, used: w.used, resetAt: w.resetAt}
}

func (m *memoryRateLimiter) Close() {}

// withRateLimit guards a route with the given quota. keyFn picks the
// counting bucket; it falls back to the client address so an endpoint is
// never left uncounted.
func (r *Router) withRateLimit(route string, q quota, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if q.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := keyFn(req)
		if key == "" {
			key = deviceKey(req)
		}
		decision := r.limiter.Allow(key, q)
		r.applyRateHeaders(w, q, decision)
		if !decision.ok {
			r.recordRateLimitHit(route, rateMetricClass(key))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// handlerAuthRate authenticates, then counts against the operator's token
// identity rather than their network address.
func (r *Router) handlerAuthRate(route string, q quota, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(route, q, r.operatorKey, next))
}

// operatorKey buckets authenticated traffic per user.
func (r *Router) operatorKey(req *http.Request) string {
	if user, ok := userFromContext(req.Context()); ok && user.ID != "" {
		return "operator:" + user.ID
	}
	return ""
}

// deviceKey buckets unauthenticated device traffic (OTA polls, heartbeats)
// per source address, honoring X-Forwarded-For when a proxy fronts the API.
func deviceKey(req *http.Request) string {
	ip := clientIP(req)
	if ip == "" {
		ip = "unknown"
	}
	return "device:" + ip
}

// rateMetricClass collapses a bucket key to its class so the metric label
// stays low-cardinality.
func rateMetricClass(key string) string {
	if idx := strings.IndexRune(key, ':'); idx > 0 {
		return key[:idx]
	}
	return "unknown"
}
