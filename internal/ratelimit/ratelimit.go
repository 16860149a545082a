package ratelimit

import (
	"sync"
	"time"
)

// Decision is the limiter verdict. RetryAfter is only meaningful when the
// request was denied; callers surface it so clients can wait instead of
// hammering.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type RateLimit interface {
	Allow(key string) Decision
}

// SlidingWindowLimiter counts request timestamps per key over a rolling
// window. Keys combine the operation class with the subject or origin, so
// limits are independent across callers and endpoints.
type SlidingWindowLimiter struct {
	maxRequests int
	window      time.Duration
	hits        map[string][]time.Time
	mutex       sync.Mutex
}

func New(maxRequests int, window time.Duration) RateLimit {
	return &SlidingWindowLimiter{
		maxRequests: maxRequests,
		window:      window,
		hits:        make(map[string][]time.Time),
	}
}

func (rl *SlidingWindowLimiter) Allow(key string) Decision {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if rl.maxRequests == 0 {
		return Decision{Allowed: false, RetryAfter: rl.window}
	}

	now := time.Now()
	cutoff := now.Add(-rl.window)

	recent := rl.hits[key][:0]
	for _, ts := range rl.hits[key] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= rl.maxRequests {
		rl.hits[key] = recent
		// The oldest hit rolling out of the window frees the next slot.
		return Decision{
			Allowed:    false,
			RetryAfter: recent[0].Add(rl.window).Sub(now),
		}
	}

	rl.hits[key] = append(recent, now)
	return Decision{Allowed: true}
}
