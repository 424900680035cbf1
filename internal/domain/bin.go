package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wasteops.org/internal/concurrency"
	"wasteops.org/internal/mutation"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/resource"
)

const KindBin = "bin"

const (
	BinInService   = "in_service"
	BinMaintenance = "maintenance"
	BinRetired     = "retired"
)

// Bin is the stored payload of a bin resource.
type Bin struct {
	SiteID         string     `json:"site_id" validate:"required,max=64"`
	Serial         string     `json:"serial" validate:"required,max=64"`
	Type           string     `json:"type" validate:"required,oneof=general recycling organic glass hazardous"`
	CapacityLitres int        `json:"capacity_litres" validate:"required,min=1,max=40000"`
	Status         string     `json:"status" validate:"required,oneof=in_service maintenance retired"`
	FillPercent    int        `json:"fill_percent" validate:"min=0,max=100"`
	DroppedAt      *time.Time `json:"dropped_at,omitempty"`
}

// BinInput is the body of POST /v1/bins.
type BinInput struct {
	SiteID         string `json:"site_id"`
	Serial         string `json:"serial"`
	Type           string `json:"type"`
	CapacityLitres int    `json:"capacity_litres"`
	Status         string `json:"status,omitempty"`
	FillPercent    int    `json:"fill_percent"`
}

// BinDrop records a bin physically dropped at a site by a driver.
type BinDrop struct {
	SiteID         string    `json:"site_id" validate:"required,max=64"`
	Serial         string    `json:"serial" validate:"required,max=64"`
	Type           string    `json:"type" validate:"required,oneof=general recycling organic glass hazardous"`
	CapacityLitres int       `json:"capacity_litres" validate:"required,min=1,max=40000"`
	DroppedAt      time.Time `json:"dropped_at" validate:"required"`
}

// BinPatch is the body of PATCH /v1/bins/{id}; nil fields are left alone.
type BinPatch struct {
	SiteID         *string `json:"site_id" validate:"omitempty,max=64"`
	Type           *string `json:"type" validate:"omitempty,oneof=general recycling organic glass hazardous"`
	CapacityLitres *int    `json:"capacity_litres" validate:"omitempty,min=1,max=40000"`
	Status         *string `json:"status" validate:"omitempty,oneof=in_service maintenance retired"`
	FillPercent    *int    `json:"fill_percent" validate:"omitempty,min=0,max=100"`
}

// DecodeBin reads the bin payload of a stored resource.
func DecodeBin(r resource.Resource) (Bin, error) {
	if r.Kind != KindBin {
		return Bin{}, fmt.Errorf("domain: resource %s is a %s, not a bin", r.ID, r.Kind)
	}
	var b Bin
	if err := json.Unmarshal(r.Data, &b); err != nil {
		return Bin{}, fmt.Errorf("domain: decode bin %s: %w", r.ID, err)
	}
	return b, nil
}

// CreateBin registers a new bin and announces bin.created.
func CreateBin(id string, in BinInput) mutation.Apply {
	return func(_ context.Context, _ concurrency.Reader, _ *resource.Resource) (mutation.Change, error) {
		b := Bin{
			SiteID:         strings.TrimSpace(in.SiteID),
			Serial:         strings.TrimSpace(in.Serial),
			Type:           in.Type,
			CapacityLitres: in.CapacityLitres,
			Status:         in.Status,
			FillPercent:    in.FillPercent,
		}
		if b.Status == "" {
			b.Status = BinInService
		}
		if err := check(b); err != nil {
			return mutation.Change{}, err
		}
		return mutation.Change{
			Data: b,
			Events: []outbox.Draft{{EventType: EventBinCreated, Data: map[string]any{
				"bin_id":          id,
				"site_id":         b.SiteID,
				"type":            b.Type,
				"capacity_litres": b.CapacityLitres,
				"status":          b.Status,
			}}},
		}, nil
	}
}

// DropBin ingests a driver-reported drop: the bin enters service at the site.
func DropBin(id string, in BinDrop) mutation.Apply {
	return func(_ context.Context, _ concurrency.Reader, _ *resource.Resource) (mutation.Change, error) {
		if err := check(in); err != nil {
			return mutation.Change{}, err
		}
		dropped := in.DroppedAt.UTC()
		b := Bin{
			SiteID:         strings.TrimSpace(in.SiteID),
			Serial:         strings.TrimSpace(in.Serial),
			Type:           in.Type,
			CapacityLitres: in.CapacityLitres,
			Status:         BinInService,
			DroppedAt:      &dropped,
		}
		return mutation.Change{
			Data: b,
			Events: []outbox.Draft{{EventType: EventBinDropped, Data: map[string]any{
				"bin_id":          id,
				"site_id":         b.SiteID,
				"type":            b.Type,
				"capacity_litres": b.CapacityLitres,
				"dropped_at":      dropped.Format(time.RFC3339Nano),
			}}},
		}, nil
	}
}

// UpdateBin applies a partial update. A capacity-only change announces
// bin.capacity.updated; any other change announces bin.updated.
func UpdateBin(p BinPatch) mutation.Apply {
	return func(_ context.Context, _ concurrency.Reader, current *resource.Resource) (mutation.Change, error) {
		if err := check(p); err != nil {
			return mutation.Change{}, err
		}
		prev, err := DecodeBin(*current)
		if err != nil {
			return mutation.Change{}, err
		}
		next, changed := prev.apply(p)
		change := mutation.Change{Data: next}
		switch {
		case len(changed) == 0:
		case len(changed) == 1 && changed[0] == "capacity_litres":
			change.Events = []outbox.Draft{{EventType: EventBinCapacityUpdated, Data: map[string]any{
				"bin_id":                   current.ID,
				"previous_capacity_litres": prev.CapacityLitres,
				"capacity_litres":          next.CapacityLitres,
			}}}
		default:
			change.Events = []outbox.Draft{{EventType: EventBinUpdated, Data: map[string]any{
				"bin_id":  current.ID,
				"changed": changed,
				"status":  next.Status,
			}}}
		}
		return change, nil
	}
}

func (b Bin) apply(p BinPatch) (Bin, []string) {
	next := b
	var changed []string
	if p.SiteID != nil && strings.TrimSpace(*p.SiteID) != b.SiteID {
		next.SiteID = strings.TrimSpace(*p.SiteID)
		changed = append(changed, "site_id")
	}
	if p.Type != nil && *p.Type != b.Type {
		next.Type = *p.Type
		changed = append(changed, "type")
	}
	if p.CapacityLitres != nil && *p.CapacityLitres != b.CapacityLitres {
		next.CapacityLitres = *p.CapacityLitres
		changed = append(changed, "capacity_litres")
	}
	if p.Status != nil && *p.Status != b.Status {
		next.Status = *p.Status
		changed = append(changed, "status")
	}
	if p.FillPercent != nil && *p.FillPercent != b.FillPercent {
		next.FillPercent = *p.FillPercent
		changed = append(changed, "fill_percent")
	}
	return next, changed
}
