package outbox

import "time"

// Backoff is bounded exponential doubling.
type Backoff struct {
	Floor   time.Duration
	Ceiling time.Duration
}

// Delay returns the wait before attempt n+1 after n failures:
// min(Floor*2^(n-1), Ceiling). n < 1 is treated as 1.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Floor
	for i := 1; i < n; i++ {
		if d >= b.Ceiling/2 {
			return b.Ceiling
		}
		d *= 2
	}
	if d > b.Ceiling {
		return b.Ceiling
	}
	return d
}
