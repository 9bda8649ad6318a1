package comet

import (
	"sync"

	"golang.org/x/time/rate"
)

// dispatchLimiter is narrow admission control protecting Comet from a
// thundering-herd Console retry storm against a single client_key: one
// token bucket per client_key, lazily created. Grounded in the teacher's
// scheduler/limiter.go TokenBucketLimiter, without its Reserve/
// EnsureLimiter/DynamicLimiter machinery -- spec.md's model has no
// failure-domain tiering to react to, just one broker guarding one Agent
// connection per key.
type dispatchLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newDispatchLimiter(perSecond float64, burst int) *dispatchLimiter {
	return &dispatchLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(perSecond),
		b:        burst,
	}
}

func (l *dispatchLimiter) allow(clientKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[clientKey]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[clientKey] = lim
	}
	return lim.Allow()
}
