package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// actorLimiter applies a global limit and a per-actor token bucket. Buckets
// idle for longer than idleTTL are dropped on the next sweep.
type actorLimiter struct {
	global *rate.Limiter

	mu       sync.Mutex
	actors   map[string]*actorBucket
	perSec   rate.Limit
	burst    int
	idleTTL  time.Duration
	lastScan time.Time
	now      func() time.Time
}

type actorBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newActorLimiter(globalPerSec, actorPerSec float64, burst int) *actorLimiter {
	if burst <= 0 {
		burst = 1
	}
	global := rate.NewLimiter(rate.Inf, 0)
	if globalPerSec > 0 {
		global = rate.NewLimiter(rate.Limit(globalPerSec), burst*10)
	}
	perSec := rate.Inf
	if actorPerSec > 0 {
		perSec = rate.Limit(actorPerSec)
	}
	return &actorLimiter{
		global:  global,
		actors:  make(map[string]*actorBucket),
		perSec:  perSec,
		burst:   burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
}

// Allow reports whether actor may send another message now.
func (l *actorLimiter) Allow(actor string) bool {
	if !l.global.Allow() {
		return false
	}
	return l.bucket(actor).Allow()
}

func (l *actorLimiter) bucket(actor string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastScan) > l.idleTTL {
		for k, b := range l.actors {
			if now.Sub(b.seen) > l.idleTTL {
				delete(l.actors, k)
			}
		}
		l.lastScan = now
	}

	b, ok := l.actors[actor]
	if !ok {
		b = &actorBucket{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.actors[actor] = b
	}
	b.seen = now
	return b.limiter
}
