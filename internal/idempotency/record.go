// Package idempotency collapses retried client requests onto a single
// execution keyed by (tenant, idempotency key).
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength bounds caller-supplied keys.
const MaxKeyLength = 128

var (
	ErrMissingKey = errors.New("idempotency: Idempotency-Key is required")
	ErrKeyTooLong = errors.New("idempotency: Idempotency-Key is too long")
	// ErrLeaseLost means the placeholder was taken over or expired before the
	// executor could complete it; nothing may be committed under it.
	ErrLeaseLost = errors.New("idempotency: lease lost")
)

// Record is one stored key. Status == 0 marks a placeholder that is still
// being executed under LeaseToken.
type Record struct {
	TenantID    string
	Key         string
	Fingerprint string
	Route       string
	Status      int
	Body        []byte
	VersionTag  string
	LeaseToken  string
	LeaseUntil  time.Time
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Pending reports whether the record is a placeholder.
func (r Record) Pending() bool { return r.Status == 0 }

// Expired reports whether the record is past its TTL at now.
func (r Record) Expired(now time.Time) bool { return !r.ExpiresAt.After(now) }

// Completion fills a placeholder with the final response. Stores apply it
// inside the mutation transaction, conditional on LeaseToken.
type Completion struct {
	TenantID   string
	Key        string
	LeaseToken string
	Status     int
	Body       []byte
	VersionTag string
}

// Store is the durable key to cached-response mapping.
type Store interface {
	// Claim inserts rec if no row exists for (tenant, key). When a row
	// exists it is returned with claimed=false and nothing is written.
	Claim(ctx context.Context, rec Record) (existing Record, claimed bool, err error)
	// TakeOver swaps the lease of a placeholder still held by staleToken.
	TakeOver(ctx context.Context, tenantID, key, staleToken, token string, leaseUntil time.Time) (bool, error)
	// Release deletes a placeholder held by token.
	Release(ctx context.Context, tenantID, key, token string) error
	// Delete removes the record if it expired at or before now.
	Delete(ctx context.Context, tenantID, key string, now time.Time) error
	// Sweep removes every record expired at or before now.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// ValidateKey checks a caller-supplied key.
func ValidateKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrMissingKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}
