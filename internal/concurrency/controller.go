// Package concurrency implements optimistic concurrency around resource
// updates using content-derived version tags.
package concurrency

import (
	"context"
	"errors"

	"wasteops.org/internal/resource"
)

// ErrPreconditionRequired is returned when an update carries no version tag.
var ErrPreconditionRequired = errors.New("concurrency: If-Match is required")

// Reader re-reads the current state of a resource inside the caller's transaction.
type Reader interface {
	GetResource(ctx context.Context, tenantID, kind, id string) (resource.Resource, error)
}

// Controller validates caller-supplied tags and mints new ones.
type Controller struct{}

func New() *Controller { return &Controller{} }

// Validate compares supplied against the stored tag byte-for-byte. On mismatch
// it returns *resource.StaleVersionError with the current tag and the caller
// must abort the surrounding transaction.
func (c *Controller) Validate(ctx context.Context, r Reader, tenantID, kind, id, supplied string) (resource.Resource, error) {
	if supplied == "" {
		return resource.Resource{}, ErrPreconditionRequired
	}
	current, err := r.GetResource(ctx, tenantID, kind, id)
	if err != nil {
		return resource.Resource{}, err
	}
	if current.VersionTag != supplied {
		return resource.Resource{}, &resource.StaleVersionError{Current: current.VersionTag}
	}
	return current, nil
}

// Retag recomputes r.VersionTag from its mutable fields and reports whether
// it differs from the previous value. Creation calls it on a tagless record.
func (c *Controller) Retag(r *resource.Resource) (bool, error) {
	tag, err := resource.Tag(r.Kind, r.Data)
	if err != nil {
		return false, err
	}
	changed := tag != r.VersionTag
	r.VersionTag = tag
	return changed, nil
}
