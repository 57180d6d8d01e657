package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"ipguard/internal/support"
)

const attemptLimiterIdle = 10 * time.Minute

type addressLimiter struct {
	limiter    *rate.Limiter
	lastActive time.Time
}

// AttemptLimiter caps unauthenticated login and verify attempts per source
// address with a token bucket.
type AttemptLimiter struct {
	every rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*addressLimiter
	now      func() time.Time
}

func NewAttemptLimiter(every rate.Limit, burst int) *AttemptLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &AttemptLimiter{
		every:    every,
		burst:    burst,
		limiters: make(map[string]*addressLimiter),
		now:      time.Now,
	}
}

func (l *AttemptLimiter) Allow(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[address]
	if !ok {
		entry = &addressLimiter{limiter: rate.NewLimiter(l.every, l.burst)}
		l.limiters[address] = entry
	}
	entry.lastActive = now
	return entry.limiter.AllowN(now, 1)
}

// Prune drops buckets idle for longer than maxIdle and returns how many went.
func (l *AttemptLimiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for address, entry := range l.limiters {
		if entry.lastActive.Before(cutoff) {
			delete(l.limiters, address)
			removed++
		}
	}
	return removed
}

// Run prunes idle buckets until ctx is done.
func (l *AttemptLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(attemptLimiterIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.Prune(attemptLimiterIdle); removed > 0 {
				log.Debug("Pruned idle attempt limiters", "count", removed)
			}
		}
	}
}

func (l *AttemptLimiter) middleware(next http.HandlerFunc) http.HandlerFunc {
	if l == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		address := support.SourceAddress(r)
		if !l.Allow(address) {
			log.Warn("Too many sign-in attempts", "ip", address, "path", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeError(w, "TooManyAttempts", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
