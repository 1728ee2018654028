package http

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Calls/internal/domain"
)

// CallRateLimiter bounds how often the UI may ring the same user within a
// sliding window.
type CallRateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
}

func NewCallRateLimiter(clk clock.Clock, limit int, interval time.Duration) *CallRateLimiter {
	return &CallRateLimiter{
		clock:    clk,
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

// Allow records an attempt towards uid and reports whether it is within the
// limit. A non-positive limit disables the check.
func (rl *CallRateLimiter) Allow(uid domain.UserID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}
	rl.history[uid] = append(fresh, now)
	return true
}
