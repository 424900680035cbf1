package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucketKey struct {
	tenant string
	route  string
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Local keeps one rate.Limiter per (tenant, route) in process memory.
type Local struct {
	rates   map[string]Rate
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

func NewLocal(rates map[string]Rate) *Local {
	copied := make(map[string]Rate, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	return &Local{
		rates:   copied,
		idleTTL: 5 * time.Minute,
		now:     time.Now,
		buckets: make(map[bucketKey]*bucket),
	}
}

func (l *Local) TryAcquire(_ context.Context, tenantID, route string) (Decision, error) {
	cfg, ok := l.rates[route]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownRoute, route)
	}
	now := l.now()

	l.mu.Lock()
	k := bucketKey{tenant: tenantID, route: route}
	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)}
		l.buckets[k] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return Throttled(time.Second), nil
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return Admit, nil
	}
	// Give the token back: a throttled caller must not consume future capacity.
	r.CancelAt(now)
	return Throttled(delay), nil
}

// Sweep drops buckets idle for longer than the idle TTL. A dropped bucket
// comes back full, which is never stricter than the evicted one.
func (l *Local) Sweep() int {
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// RunJanitor sweeps idle buckets every interval until ctx is cancelled.
func (l *Local) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
