package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Scope identifies which bucket produced a result.
type Scope string

const (
	ScopeIdentity Scope = "identity"
	ScopeTenant   Scope = "tenant"
)

// Result is the state of one bucket after a consume. Remaining may be
// negative when the bucket is overdrawn.
type Result struct {
	Scope     Scope
	Limit     int
	Remaining int64
	ResetAt   time.Time
}

// ExceededError is the quota-exceeded condition: retryable by the caller
// (HTTP 429 equivalent), never a fatal process error.
type ExceededError struct {
	Result
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d points remaining, resets at %s",
		e.Scope, max64(e.Remaining, 0), e.ResetAt.UTC().Format(time.RFC3339))
}

// Options configures a per-request Limiter.
type Options struct {
	Identity      string
	Tenant        string
	IdentityLimit int
	TenantLimit   int
	Window        time.Duration

	// Enforced controls whether exhaustion blocks the caller. When false
	// the limiter is advisory: consumption is tracked and logged but
	// Consume never returns ExceededError, and counter-store outages are
	// tolerated.
	Enforced bool
}

// Limiter tracks quota for the duration of one request. It is not safe for
// concurrent use; create one per request. The only in-process caching is
// the last known exhaustion result, used for the fast-fail path.
type Limiter struct {
	store CounterStore
	log   *slog.Logger
	opts  Options
	now   func() time.Time

	exhausted *Result // last observed zero-remaining result, if any
	consumed  int     // cumulative points this request
	warned    bool    // high-consumption warning already emitted
}

func New(store CounterStore, log *slog.Logger, opts Options) *Limiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	return &Limiter{store: store, log: log, opts: opts, now: time.Now}
}

// Consume withdraws points from both buckets. On exhaustion of either
// bucket it logs a warning and, when enforcement is enabled for the tenant,
// returns an ExceededError carrying the worse of the two results.
func (l *Limiter) Consume(ctx context.Context, points int) error {
	if points <= 0 {
		return nil
	}

	// Fast-fail: if the previous check saw zero remaining and the window
	// has not reset, skip the counter-store round trip entirely.
	if l.exhausted != nil && l.opts.Enforced {
		if l.now().Before(l.exhausted.ResetAt) {
			return &ExceededError{*l.exhausted}
		}
		l.exhausted = nil
	}

	now := l.now()
	ttl := 2 * l.opts.Window
	resetAt := windowEnd(l.opts.Window, now)

	idTotal, idErr := l.store.Consume(ctx, IdentityKey(l.opts.Identity, l.opts.Window, now), points, ttl)
	tnTotal, tnErr := l.store.Consume(ctx, TenantKey(l.opts.Tenant, l.opts.Window, now), points, ttl)
	if idErr != nil || tnErr != nil {
		err := idErr
		if err == nil {
			err = tnErr
		}
		if l.opts.Enforced {
			return fmt.Errorf("rate limit counter store: %w", err)
		}
		l.log.Warn("rate limit counter store unavailable; allowing request",
			"identity", l.opts.Identity, "tenant", l.opts.Tenant, "err", err)
		return nil
	}

	identity := Result{
		Scope:     ScopeIdentity,
		Limit:     l.opts.IdentityLimit,
		Remaining: int64(l.opts.IdentityLimit) - idTotal,
		ResetAt:   resetAt,
	}
	tenant := Result{
		Scope:     ScopeTenant,
		Limit:     l.opts.TenantLimit,
		Remaining: int64(l.opts.TenantLimit) - tnTotal,
		ResetAt:   resetAt,
	}

	l.consumed += points
	l.maybeWarnHighConsumption()

	worse := identity
	if tenant.Remaining < identity.Remaining {
		worse = tenant
	}
	if worse.Remaining < 0 {
		l.exhausted = &worse
		l.log.Warn("rate limit exceeded",
			"scope", worse.Scope,
			"identity", l.opts.Identity,
			"tenant", l.opts.Tenant,
			"points_used", l.consumed,
			"limit", worse.Limit,
			"reset_in", time.Until(worse.ResetAt).Round(time.Second).String(),
			"enforced", l.opts.Enforced)
		if l.opts.Enforced {
			return &ExceededError{worse}
		}
	}
	return nil
}

// ConsumedPoints returns the cumulative points withdrawn by this request.
func (l *Limiter) ConsumedPoints() int { return l.consumed }

// maybeWarnHighConsumption emits a single warning the first time one
// request's cumulative consumption crosses 10% of the identity limit, then
// stays silent for the rest of the request.
func (l *Limiter) maybeWarnHighConsumption() {
	if l.warned || l.opts.IdentityLimit <= 0 {
		return
	}
	if l.consumed*10 >= l.opts.IdentityLimit {
		l.warned = true
		l.log.Warn("high rate limit consumption for one request",
			"identity", l.opts.Identity,
			"tenant", l.opts.Tenant,
			"points_used", l.consumed,
			"identity_limit", l.opts.IdentityLimit)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
