package idempotency

import (
	"context"
	"time"

	"wasteops.org/internal/obs"
)

// Sweeper periodically deletes expired records. Lazy expiry in Begin keeps
// correctness; the sweep only bounds table growth.
type Sweeper struct {
	store    Store
	interval time.Duration
}

func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{store: store, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and returns the number of records removed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.store.Sweep(ctx, time.Now().UTC())
	if err != nil {
		obs.Warn("idempotency_sweep_failed", map[string]any{"error": err})
		return 0
	}
	if n > 0 {
		obs.Info("idempotency_sweep", map[string]any{"removed": n})
	}
	return n
}
