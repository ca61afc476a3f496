package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter is a per-session token bucket holding Burst tokens that refills
// completely once per RefillInterval. Time comes from the hub clock so tests
// can drive it.
type rateLimiter struct {
	bucket *rate.Limiter
	now    func() time.Time
}

func newRateLimiter(cfg RateLimitConfig, now func() time.Time) *rateLimiter {
	burst := max(cfg.Burst, 1)
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	if now == nil {
		now = time.Now
	}

	perSecond := rate.Limit(float64(burst) / interval.Seconds())
	return &rateLimiter{
		bucket: rate.NewLimiter(perSecond, burst),
		now:    now,
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.bucket.AllowN(rl.now(), 1)
}
