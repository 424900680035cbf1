// Package resource holds the abstract versioned record every write endpoint
// mutates, and the content-derived version tags guarding it.
package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Resource is a tenant-owned, versioned record. Data carries the business
// payload; the core never interprets it beyond hashing.
type Resource struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Kind       string          `json:"kind"`
	Data       json.RawMessage `json:"data"`
	VersionTag string          `json:"version_tag"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers may mutate Data freely.
func (r Resource) Clone() Resource {
	out := r
	if r.Data != nil {
		out.Data = append(json.RawMessage(nil), r.Data...)
	}
	return out
}

var (
	ErrNotFound      = errors.New("resource: not found")
	ErrAlreadyExists = errors.New("resource: already exists")
	ErrStaleVersion  = errors.New("resource: stale version")
)

// StaleVersionError reports a failed compare-and-swap; Current is the tag the
// caller must re-fetch against.
type StaleVersionError struct {
	Current string
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("resource: stale version (current %s)", e.Current)
}

func (e *StaleVersionError) Is(target error) bool { return target == ErrStaleVersion }
