package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ledger is the dispatcher's view of the outbox table. Mark* calls are
// conditional on the claim token handed out by ClaimDue and return
// ErrClaimLost when it no longer matches.
type Ledger interface {
	// ClaimDue atomically claims up to limit PENDING rows with
	// next_attempt_at <= now, pushing next_attempt_at to now+lease so a
	// crashed dispatcher's rows become due again after the lease. Rows come
	// back in Seq order, and a resource whose earlier event is still under
	// another live claim is skipped.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, id uuid.UUID, claimToken string, at time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, claimToken string, retryCount int, next time.Time, lastError string) error
	MarkDead(ctx context.Context, id uuid.UUID, claimToken string, retryCount int, at time.Time, lastError string) error
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Inspector serves operators looking at, and replaying, outbox rows of one tenant.
type Inspector interface {
	GetEvent(ctx context.Context, tenantID string, id uuid.UUID) (Event, error)
	ListEvents(ctx context.Context, tenantID string, status Status, limit int) ([]Event, error)
	// Replay moves a DEAD event back to PENDING with a reset retry budget.
	Replay(ctx context.Context, tenantID string, id uuid.UUID, now time.Time) (Event, error)
}
