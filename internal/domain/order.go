package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wasteops.org/internal/concurrency"
	"wasteops.org/internal/mutation"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/resource"
)

const KindOrder = "order"

const (
	OrderScheduled = "scheduled"
	OrderCompleted = "completed"
	OrderCancelled = "cancelled"
)

// Order is a scheduled service visit for one bin. Notes may carry personal
// data and never leave the resource.
type Order struct {
	BinID        string    `json:"bin_id" validate:"required,max=64"`
	ServiceType  string    `json:"service_type" validate:"required,oneof=collection exchange removal maintenance"`
	ScheduledFor time.Time `json:"scheduled_for" validate:"required"`
	Status       string    `json:"status" validate:"required,oneof=scheduled completed cancelled"`
	Notes        string    `json:"notes,omitempty" validate:"max=1000"`
	CancelReason string    `json:"cancel_reason,omitempty" validate:"max=200"`
}

// OrderInput is the body of POST /v1/orders.
type OrderInput struct {
	BinID        string    `json:"bin_id"`
	ServiceType  string    `json:"service_type"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Notes        string    `json:"notes,omitempty"`
}

// OrderPatch is the body of PATCH /v1/orders/{id}. Status may only move to
// completed; cancellation has its own endpoint.
type OrderPatch struct {
	ServiceType  *string    `json:"service_type" validate:"omitempty,oneof=collection exchange removal maintenance"`
	ScheduledFor *time.Time `json:"scheduled_for"`
	Notes        *string    `json:"notes" validate:"omitempty,max=1000"`
	Status       *string    `json:"status" validate:"omitempty,oneof=completed"`
}

// OrderCancel is the body of POST /v1/orders/{id}/cancel.
type OrderCancel struct {
	Reason string `json:"reason,omitempty" validate:"max=200"`
}

func DecodeOrder(r resource.Resource) (Order, error) {
	if r.Kind != KindOrder {
		return Order{}, fmt.Errorf("domain: resource %s is a %s, not an order", r.ID, r.Kind)
	}
	var o Order
	if err := json.Unmarshal(r.Data, &o); err != nil {
		return Order{}, fmt.Errorf("domain: decode order %s: %w", r.ID, err)
	}
	return o, nil
}

// CreateOrder schedules a service visit for a bin of the same tenant.
func CreateOrder(tenantID, id string, in OrderInput) mutation.Apply {
	return func(ctx context.Context, r concurrency.Reader, _ *resource.Resource) (mutation.Change, error) {
		o := Order{
			BinID:        strings.TrimSpace(in.BinID),
			ServiceType:  in.ServiceType,
			ScheduledFor: in.ScheduledFor.UTC(),
			Status:       OrderScheduled,
			Notes:        in.Notes,
		}
		if err := check(o); err != nil {
			return mutation.Change{}, err
		}
		binRes, err := r.GetResource(ctx, tenantID, KindBin, o.BinID)
		if errors.Is(err, resource.ErrNotFound) {
			return mutation.Change{}, invalid("bin_id", "unknown bin")
		}
		if err != nil {
			return mutation.Change{}, err
		}
		bin, err := DecodeBin(binRes)
		if err != nil {
			return mutation.Change{}, err
		}
		if bin.Status == BinRetired {
			return mutation.Change{}, invalid("bin_id", "bin is retired")
		}
		return mutation.Change{
			Data: o,
			Events: []outbox.Draft{{EventType: EventOrderScheduled, Data: map[string]any{
				"order_id":      id,
				"bin_id":        o.BinID,
				"service_type":  o.ServiceType,
				"scheduled_for": o.ScheduledFor.Format(time.RFC3339Nano),
			}}},
		}, nil
	}
}

// UpdateOrder applies a partial update to a scheduled order. A change of
// scheduled_for alone announces order.rescheduled; anything else announces
// order.updated.
func UpdateOrder(p OrderPatch) mutation.Apply {
	return func(_ context.Context, _ concurrency.Reader, current *resource.Resource) (mutation.Change, error) {
		if err := check(p); err != nil {
			return mutation.Change{}, err
		}
		prev, err := DecodeOrder(*current)
		if err != nil {
			return mutation.Change{}, err
		}
		if prev.Status != OrderScheduled {
			return mutation.Change{}, fmt.Errorf("%w: order is %s", mutation.ErrInvalidTransition, prev.Status)
		}

		next := prev
		var changed []string
		if p.ServiceType != nil && *p.ServiceType != prev.ServiceType {
			next.ServiceType = *p.ServiceType
			changed = append(changed, "service_type")
		}
		if p.ScheduledFor != nil && !p.ScheduledFor.Equal(prev.ScheduledFor) {
			next.ScheduledFor = p.ScheduledFor.UTC()
			changed = append(changed, "scheduled_for")
		}
		if p.Notes != nil && *p.Notes != prev.Notes {
			next.Notes = *p.Notes
			changed = append(changed, "notes")
		}
		if p.Status != nil && *p.Status != prev.Status {
			next.Status = *p.Status
			changed = append(changed, "status")
		}

		change := mutation.Change{Data: next}
		switch {
		case len(changed) == 0:
		case len(changed) == 1 && changed[0] == "scheduled_for":
			change.Events = []outbox.Draft{{EventType: EventOrderRescheduled, Data: map[string]any{
				"order_id":               current.ID,
				"bin_id":                 next.BinID,
				"previous_scheduled_for": prev.ScheduledFor.Format(time.RFC3339Nano),
				"scheduled_for":          next.ScheduledFor.Format(time.RFC3339Nano),
			}}}
		default:
			change.Events = []outbox.Draft{{EventType: EventOrderUpdated, Data: map[string]any{
				"order_id": current.ID,
				"bin_id":   next.BinID,
				"changed":  changed,
				"status":   next.Status,
			}}}
		}
		return change, nil
	}
}

// CancelOrder cancels a scheduled order. Cancelling an already cancelled
// order is a no-op.
func CancelOrder(in OrderCancel) mutation.Apply {
	return func(_ context.Context, _ concurrency.Reader, current *resource.Resource) (mutation.Change, error) {
		if err := check(in); err != nil {
			return mutation.Change{}, err
		}
		prev, err := DecodeOrder(*current)
		if err != nil {
			return mutation.Change{}, err
		}
		switch prev.Status {
		case OrderCancelled:
			return mutation.Change{Data: prev}, nil
		case OrderCompleted:
			return mutation.Change{}, fmt.Errorf("%w: order is completed", mutation.ErrInvalidTransition)
		}
		next := prev
		next.Status = OrderCancelled
		next.CancelReason = strings.TrimSpace(in.Reason)
		return mutation.Change{
			Data: next,
			Events: []outbox.Draft{{EventType: EventOrderCancelled, Data: map[string]any{
				"order_id": current.ID,
				"bin_id":   next.BinID,
			}}},
		}, nil
	}
}
