package domain

import "wasteops.org/internal/outbox"

// Event types announced by bin and order transitions. Each is its own topic.
const (
	EventBinCreated         = "bin.created"
	EventBinDropped         = "bin.dropped"
	EventBinCapacityUpdated = "bin.capacity.updated"
	EventBinUpdated         = "bin.updated"
	EventOrderScheduled     = "order.scheduled"
	EventOrderRescheduled   = "order.rescheduled"
	EventOrderCancelled     = "order.cancelled"
	EventOrderUpdated       = "order.updated"
)

// Schemas forbid unknown properties so nothing beyond ids and business
// fields can slip into an envelope.
var eventTypes = []outbox.EventType{
	{Name: EventBinCreated, Version: 1, Schema: `{
  "type": "object",
  "additionalProperties": false,
  "required": ["bin_id", "site_id", "type", "capacity_litres", "status"],
  "properties": {
    "bin_id": {"type": "string", "minLength": 1},
    "site_id": {"type": "string"},
    "type": {"type": "string"},
    "capacity_litres": {"type": "integer", "minimum": 1},
    "status": {"type": "string"}
  }
}`},
	{Name: EventBinDropped, Version: 1, Schema: `{
  "type": "object",
  "additionalProperties": false,
  "required": ["bin_id", "site_id", "type", "capacity_litres", "dropped_at"],
  "properties": {
    "bin_id": {"type": "string", "minLength": 1},
    "site_id": {"type": "string"},
    "type": {"type": "string"},
    "capacity_litres": {"type": "integer", "minimum": 1},
    "dropped_at": {"type": "string"}
  }
}`},
	{Name: EventBinCapacityUpdated, Version: 1, Schema: `{
  "type": "object",
  "additionalProperties": false,
  "required": ["bin_id", "previous_capacity_litres", "capacity_litres"],
  "properties": {
    "bin_id": {"type": "string", "minLength": 1},
    "previous_capacity_litres": {"type": "integer"},
    "capacity_litres": {"type": "integer", "minimum": 1}
  }
}`},
	{Name: EventBinUpdated, Version: 1, Schema: `{
  "type": "object",
  "additionalProperties": false,
  "required": ["bin_id", "changed"],
  "properties": {
    "bin_id": {"type": "string", "minLength": 1},
    "changed": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "status": {"type": "string"}
  }
}`},
	{Name: EventOrderScheduled, Version: 1, Schema: `{
  "type": "object",
  "additionalProperties": false,
  "required": ["order_id", "bin_id", "service_type", "scheduled_for"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "bin_id": {"type": "string", "minLength": 1},
    "service_type": {"type": "string"},
    "scheduled_for": {"type": "string"}
  }
}`},
	{Name: EventOrderRescheduled, Version: 1, Schema: `{
  "type": "object",
  "additionalProperties": false,
  "required": ["order_id", "bin_id", "previous_scheduled_for", "scheduled_for"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "bin_id": {"type": "string"},
    "previous_scheduled_for": {"type": "string"},
    "scheduled_for": {"type": "string"}
  }
}`},
	{Name: EventOrderCancelled, Version: 1, Schema: `{
  "type": "object",
  "additionalProperties": false,
  "required": ["order_id", "bin_id"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "bin_id": {"type": "string"}
  }
}`},
	{Name: EventOrderUpdated, Version: 1, Schema: `{
  "type": "object",
  "additionalProperties": false,
  "required": ["order_id", "bin_id", "changed"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "bin_id": {"type": "string"},
    "changed": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "status": {"type": "string"}
  }
}`},
}

// RegisterEvents adds every bin and order event type to cat.
func RegisterEvents(cat *outbox.Catalog) error {
	for _, et := range eventTypes {
		if err := cat.Register(et); err != nil {
			return err
		}
	}
	return nil
}

// NewCatalog returns a catalog preloaded with the domain event types.
func NewCatalog(producer string) *outbox.Catalog {
	cat := outbox.NewCatalog(producer)
	if err := RegisterEvents(cat); err != nil {
		panic(err)
	}
	return cat
}
