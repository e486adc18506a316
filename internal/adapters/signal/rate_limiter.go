package signal

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterPruneAbove = 1024
)

// JoinLimiter throttles joinRoom attempts per client token.
type JoinLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewJoinLimiter allows perSecond joins per client with the given burst.
// A non-positive perSecond disables limiting.
func NewJoinLimiter(perSecond float64, burst int) *JoinLimiter {
	l := &JoinLimiter{limiters: make(map[string]*limiterEntry)}
	l.SetRate(perSecond, burst)
	return l
}

// SetRate changes the limit for existing and future clients.
func (l *JoinLimiter) SetRate(perSecond float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = rate.Limit(perSecond)
	if perSecond <= 0 {
		l.limit = rate.Inf
	}
	l.burst = burst
	for _, e := range l.limiters {
		e.lim.SetLimit(l.limit)
		e.lim.SetBurst(l.burst)
	}
}

func (l *JoinLimiter) Allow(token string) bool {
	now := time.Now()
	l.mu.Lock()
	if l.limit == rate.Inf {
		l.mu.Unlock()
		return true
	}
	e, ok := l.limiters[token]
	if !ok {
		if len(l.limiters) >= limiterPruneAbove {
			l.pruneLocked(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[token] = e
	}
	e.seen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

func (l *JoinLimiter) pruneLocked(now time.Time) {
	for token, e := range l.limiters {
		if now.Sub(e.seen) > limiterIdleTTL {
			delete(l.limiters, token)
		}
	}
}
