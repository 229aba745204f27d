package middleware

import (
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/technosupport/ts-replay/internal/metrics"
	"github.com/technosupport/ts-replay/internal/ratelimit"
)

// RateLimit throttles callers per token subject, or per client address when the
// request is unauthenticated. Redis failures fail open.
type RateLimit struct {
	limiter *ratelimit.Limiter
	cfg     ratelimit.LimitConfig
	prefix  string
}

func NewRateLimit(l *ratelimit.Limiter, prefix string, cfg ratelimit.LimitConfig) *RateLimit {
	return &RateLimit{limiter: l, cfg: cfg, prefix: prefix}
}

func (m *RateLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who := "ip:" + clientIP(r)
		if ac, ok := GetAuthContext(r.Context()); ok && ac.Subject != "" {
			who = "sub:" + ac.Subject
		}
		key := "rl:" + m.prefix + ":" + m.limiter.HashKey(who)

		decision, err := m.limiter.Check(r.Context(), key, m.cfg)
		if errors.Is(err, ratelimit.ErrRedisUnavailable) {
			log.Printf("[WARN] RateLimit: redis unavailable, allowing %s %s", r.Method, r.URL.Path)
			metrics.RateLimitedTotal.WithLabelValues("redis_error").Inc()
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			log.Printf("[ERROR] RateLimit: %v", err)
			next.ServeHTTP(w, r)
			return
		}

		writeRateLimitHeaders(w, decision)
		if !decision.Allowed {
			metrics.RateLimitedTotal.WithLabelValues("blocked").Inc()
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
