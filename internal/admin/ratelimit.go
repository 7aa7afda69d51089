package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/carebridge/pulse/internal/ratelimit"
)

// Identity and tenant are carried on headers set by the authenticating
// gateway in front of this service. Absent headers collapse to a shared
// anonymous bucket.
const (
	headerIdentity = "X-Pulse-Identity"
	headerTenant   = "X-Pulse-Tenant"
)

type limiterKey struct{}

// rateLimit attaches a per-request Limiter to the context. Consumption
// happens in the handlers, which know the operation class and count.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := r.Header.Get(headerIdentity)
		if identity == "" {
			identity = "anonymous"
		}
		tenant := r.Header.Get(headerTenant)
		if tenant == "" {
			tenant = "anonymous"
		}
		limiter := ratelimit.New(s.Counters, s.Log, ratelimit.Options{
			Identity:      identity,
			Tenant:        tenant,
			IdentityLimit: s.Cfg.IdentityLimit,
			TenantLimit:   s.Cfg.TenantLimit,
			Window:        time.Duration(s.Cfg.RateLimitWindow) * time.Second,
			Enforced:      s.Cfg.RateLimitEnforced,
		})
		ctx := context.WithValue(r.Context(), limiterKey{}, limiter)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// consume withdraws points for the current request and writes the 429
// response itself when the quota is exhausted. Returns false when the
// handler must stop.
func (s *Server) consume(w http.ResponseWriter, r *http.Request, points int) bool {
	limiter, ok := r.Context().Value(limiterKey{}).(*ratelimit.Limiter)
	if !ok {
		return true
	}
	err := limiter.Consume(r.Context(), points)
	if err == nil {
		return true
	}
	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		w.Header().Set("Retry-After", retryAfter(exceeded.ResetAt))
		writeError(w, http.StatusTooManyRequests, exceeded.Error())
		return false
	}
	// Counter store failure with enforcement on: fail closed but
	// distinguish it from quota exhaustion.
	s.Log.Error("rate limit check failed", "err", err)
	writeError(w, http.StatusServiceUnavailable, "rate limit check unavailable")
	return false
}

// retryAfter renders the seconds until the window resets, minimum 1.
func retryAfter(resetAt time.Time) string {
	secs := int(time.Until(resetAt).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
