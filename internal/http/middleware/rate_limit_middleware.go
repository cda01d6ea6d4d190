package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sandeepkv93/smart-session-gateway/internal/http/response"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"
)

// Decision is a limiter verdict for one request.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
}

// RateLimitPolicy admits Limit requests per key in each fixed Window.
type RateLimitPolicy struct {
	Limit  int
	Window time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error)
}

// FailureMode decides what happens to a request when the limiter backend
// errors.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

type localFixedWindowLimiter struct {
	mu        sync.Mutex
	windows   map[string]*localWindow
	nextSweep time.Time
	now       func() time.Time
}

type localWindow struct {
	count int
	ends  time.Time
}

type RateLimiter struct {
	limiter Limiter
	policy  RateLimitPolicy
	mode    FailureMode
	scope   string
	keyFunc func(r *http.Request) string
}

// NewLocalFixedWindowLimiter counts in process memory. Each replica keeps
// its own budget.
func NewLocalFixedWindowLimiter() Limiter {
	return &localFixedWindowLimiter{
		windows: make(map[string]*localWindow),
		now:     time.Now,
	}
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewDistributedRateLimiter(NewLocalFixedWindowLimiter(), RateLimitPolicy{Limit: limit, Window: window}, FailClosed, "local", nil)
}

func NewDistributedRateLimiter(
	limiter Limiter,
	policy RateLimitPolicy,
	mode FailureMode,
	scope string,
	keyFunc func(r *http.Request) string,
) *RateLimiter {
	if scope == "" {
		scope = "api"
	}
	if keyFunc == nil {
		keyFunc = clientIPKey
	}
	return &RateLimiter{
		limiter: limiter,
		policy:  policy.normalize(),
		mode:    mode,
		scope:   scope,
		keyFunc: keyFunc,
	}
}

func PerMinutePolicy(limit int) RateLimitPolicy {
	return RateLimitPolicy{Limit: limit, Window: time.Minute}.normalize()
}

func (p RateLimitPolicy) normalize() RateLimitPolicy {
	if p.Limit <= 0 {
		p.Limit = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	return p
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.keyFunc(r)
			if key == "" {
				key = clientIPKey(r)
			}
			decision, err := rl.limiter.Allow(r.Context(), key, rl.policy)
			if err != nil {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "backend_error", string(rl.mode))
				if rl.mode == FailOpen {
					slog.WarnContext(r.Context(), "rate limiter backend unavailable, allowing request",
						"scope", rl.scope,
						"mode", string(rl.mode),
						"error", err.Error(),
					)
					next.ServeHTTP(w, r)
					return
				}
				writeRateLimitHeaders(w.Header(), rl.policy.Limit, 0, time.Now().Add(rl.policy.Window))
				w.Header().Set("Retry-After", retryAfterHeader(rl.policy.Window))
				observability.RecordRateLimitRetryAfter(r.Context(), rl.scope, "backend", rl.policy.Window)
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			writeRateLimitHeaders(w.Header(), rl.policy.Limit, decision.Remaining, decision.ResetAt)
			if !decision.Allowed {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "deny", string(rl.mode))
				w.Header().Set("Retry-After", retryAfterHeader(decision.RetryAfter))
				observability.RecordRateLimitRetryAfter(r.Context(), rl.scope, "window", decision.RetryAfter)
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), rl.scope, "allow", string(rl.mode))
			next.ServeHTTP(w, r)
		})
	}
}

// AgentPathKeyFunc gives each delegated endpoint its own budget, keyed by a
// digest of the path parameter. The raw path never reaches the limiter.
func AgentPathKeyFunc(param string) func(r *http.Request) string {
	return func(r *http.Request) string {
		path := strings.TrimSpace(chi.URLParam(r, param))
		if path == "" {
			return ""
		}
		sum := sha256.Sum256([]byte(path))
		return "agent:" + hex.EncodeToString(sum[:16])
	}
}

func (rl *localFixedWindowLimiter) Allow(_ context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = policy.normalize()
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !now.Before(rl.nextSweep) {
		for k, w := range rl.windows {
			if !now.Before(w.ends) {
				delete(rl.windows, k)
			}
		}
		rl.nextSweep = now.Add(policy.Window)
	}

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.ends) {
		w = &localWindow{ends: now.Add(policy.Window)}
		rl.windows[key] = w
	}
	w.count++
	if w.count > policy.Limit {
		return Decision{RetryAfter: w.ends.Sub(now), ResetAt: w.ends}, nil
	}
	return Decision{Allowed: true, Remaining: policy.Limit - w.count, ResetAt: w.ends}, nil
}

func clientIPKey(r *http.Request) string {
	ip := parseRequestIP(r)
	if ip != nil {
		return "ip:" + ip.String()
	}
	return "ip:" + r.RemoteAddr
}

// parseRequestIP reads RemoteAddr, which chimiddleware.RealIP has already
// rewritten from trusted forwarding headers when that middleware is mounted.
func parseRequestIP(r *http.Request) net.IP {
	host := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return net.ParseIP(host)
}

func retryAfterHeader(d time.Duration) string {
	if d <= 0 {
		return "1"
	}
	seconds := int(d.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return fmt.Sprintf("%d", seconds)
}

func writeRateLimitHeaders(h http.Header, limit int, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", max(limit, 0)))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(remaining, 0)))
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
}
