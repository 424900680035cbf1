package idempotency

import (
	"context"
	"fmt"
	"time"

	"wasteops.org/internal/ids"
)

// OutcomeKind tags the result of Begin.
type OutcomeKind int

const (
	// Fresh: the caller is the sole executor and holds Lease.
	Fresh OutcomeKind = iota + 1
	// Replay: the key completed earlier; Cached must be returned verbatim.
	Replay
	// InFlight: another request holds a live placeholder for the key.
	InFlight
	// Mismatch: the key was used with a different payload.
	Mismatch
)

func (k OutcomeKind) String() string {
	switch k {
	case Fresh:
		return "fresh"
	case Replay:
		return "replay"
	case InFlight:
		return "in_flight"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Lease identifies a claimed placeholder.
type Lease struct {
	TenantID string
	Key      string
	Token    string
	Until    time.Time
}

// Cached is a stored response.
type Cached struct {
	Status     int
	Body       []byte
	VersionTag string
}

type Outcome struct {
	Kind   OutcomeKind
	Lease  Lease
	Cached Cached
}

// claimAttempts bounds the claim loop when records expire or leases are
// stolen between reads.
const claimAttempts = 3

// Coordinator answers "has this (tenant, key) been seen" before a mutation.
type Coordinator struct {
	store Store
	ttl   time.Duration
	lease time.Duration
	now   func() time.Time
}

func NewCoordinator(store Store, ttl, lease time.Duration) *Coordinator {
	return &Coordinator{store: store, ttl: ttl, lease: lease, now: func() time.Time { return time.Now().UTC() }}
}

// Begin claims key for tenant. Store errors are returned as-is; callers must
// treat them as a hard failure and not run the mutation.
func (c *Coordinator) Begin(ctx context.Context, tenantID, key, fingerprint, route string) (Outcome, error) {
	if err := ValidateKey(key); err != nil {
		return Outcome{}, err
	}
	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := c.now()
		rec := Record{
			TenantID:    tenantID,
			Key:         key,
			Fingerprint: fingerprint,
			Route:       route,
			LeaseToken:  ids.NewToken(),
			LeaseUntil:  now.Add(c.lease),
			CreatedAt:   now,
			ExpiresAt:   now.Add(c.ttl),
		}
		existing, claimed, err := c.store.Claim(ctx, rec)
		if err != nil {
			return Outcome{}, fmt.Errorf("idempotency: claim: %w", err)
		}
		if claimed {
			return Outcome{Kind: Fresh, Lease: leaseOf(rec)}, nil
		}

		if existing.Expired(now) {
			if err := c.store.Delete(ctx, tenantID, key, now); err != nil {
				return Outcome{}, fmt.Errorf("idempotency: expire: %w", err)
			}
			continue
		}
		if existing.Fingerprint != fingerprint {
			return Outcome{Kind: Mismatch}, nil
		}
		if !existing.Pending() {
			return Outcome{Kind: Replay, Cached: Cached{
				Status:     existing.Status,
				Body:       existing.Body,
				VersionTag: existing.VersionTag,
			}}, nil
		}
		if existing.LeaseUntil.After(now) {
			return Outcome{Kind: InFlight}, nil
		}

		// The previous executor died holding the placeholder.
		ok, err := c.store.TakeOver(ctx, tenantID, key, existing.LeaseToken, rec.LeaseToken, rec.LeaseUntil)
		if err != nil {
			return Outcome{}, fmt.Errorf("idempotency: take over: %w", err)
		}
		if ok {
			return Outcome{Kind: Fresh, Lease: leaseOf(rec)}, nil
		}
	}
	return Outcome{Kind: InFlight}, nil
}

// Release frees a placeholder after an attempt that committed nothing, so the
// same key can be retried.
func (c *Coordinator) Release(ctx context.Context, l Lease) error {
	if l.Token == "" {
		return nil
	}
	if err := c.store.Release(ctx, l.TenantID, l.Key, l.Token); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// Completion builds the record update the mutation transaction applies.
func (l Lease) Completion(status int, body []byte, versionTag string) Completion {
	return Completion{
		TenantID:   l.TenantID,
		Key:        l.Key,
		LeaseToken: l.Token,
		Status:     status,
		Body:       body,
		VersionTag: versionTag,
	}
}

func leaseOf(rec Record) Lease {
	return Lease{TenantID: rec.TenantID, Key: rec.Key, Token: rec.LeaseToken, Until: rec.LeaseUntil}
}
