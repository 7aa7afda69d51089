package ratelimit

import (
	"fmt"
	"time"
)

// Counter keys are window-scoped: the window index is part of the key, so a
// plain atomic increment implements "replenish fully every window" without
// read-modify-write races. Stale windows age out via the store's TTL.

func IdentityKey(identity string, window time.Duration, now time.Time) string {
	return fmt.Sprintf("pulse:ratelimit:identity:%s:%d", identity, windowIndex(window, now))
}

func TenantKey(tenant string, window time.Duration, now time.Time) string {
	return fmt.Sprintf("pulse:ratelimit:tenant:%s:%d", tenant, windowIndex(window, now))
}

func windowIndex(window time.Duration, now time.Time) int64 {
	return now.Unix() / int64(window.Seconds())
}

// windowEnd returns when the window containing now resets.
func windowEnd(window time.Duration, now time.Time) time.Time {
	idx := windowIndex(window, now)
	return time.Unix((idx+1)*int64(window.Seconds()), 0)
}
