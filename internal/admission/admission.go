// Package admission gates mutations per (tenant, route class) with token
// buckets before any transactional work begins.
package admission

import (
	"context"
	"errors"
	"time"
)

// Route classes with independently configured buckets.
const (
	RouteBinsWrite   = "bins.write"
	RouteBinsIngest  = "bins.ingest"
	RouteOrdersWrite = "orders.write"
)

var ErrUnknownRoute = errors.New("admission: unknown route class")

// Rate is the steady refill rate and burst ceiling of one route class.
type Rate struct {
	PerSecond float64
	Burst     int
}

// Decision is returned immediately; the limiter never waits.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
}

// Admit is the positive decision.
var Admit = Decision{Admitted: true}

// Throttled builds a negative decision with a caller-facing retry hint.
func Throttled(retryAfter time.Duration) Decision {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return Decision{RetryAfter: retryAfter}
}

type Limiter interface {
	TryAcquire(ctx context.Context, tenantID, route string) (Decision, error)
}
