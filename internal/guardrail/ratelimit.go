package guardrail

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = time.Hour

type limiterEntry struct {
	limiter  *rate.Limiter
	rps      float64
	burst    int
	lastSeen time.Time
}

// limiterSet holds one token bucket per key. Buckets are rebuilt when the
// configured rate changes and dropped after an hour of inactivity.
type limiterSet struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterSet() *limiterSet {
	return &limiterSet{
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

func (s *limiterSet) allow(key string, rps float64, burst int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	e, ok := s.entries[key]
	if !ok || e.rps != rps || e.burst != burst {
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(rps), burst),
			rps:     rps,
			burst:   burst,
		}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (s *limiterSet) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < limiterIdleTTL {
		return
	}
	s.lastSweep = now
	for key, e := range s.entries {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(s.entries, key)
		}
	}
}
