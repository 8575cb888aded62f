// Package server implements per-connection chat throttling that protects a
// room from a single flooding client.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
	cfg     RateLimitConfig
}

// newRateLimiter allows cfg.Burst messages at once, refilled evenly over
// cfg.RefillInterval. It returns nil, which allows everything, when Burst
// is not positive.
func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.Burst <= 0 {
		return nil
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}

	every := cfg.RefillInterval / time.Duration(cfg.Burst)
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(every), cfg.Burst),
		cfg:     cfg,
	}
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.Allow()
}
