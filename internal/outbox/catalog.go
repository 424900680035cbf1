package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"wasteops.org/internal/ids"
)

var (
	ErrUnknownEventType = errors.New("outbox: unknown event type")
	ErrInvalidEventData = errors.New("outbox: event data violates schema")
)

// EventType describes one announced domain transition. Schema, when set, is
// a JSON Schema document the envelope data must satisfy. Versions are only
// bumped for additive changes.
type EventType struct {
	Name    string
	Version int
	Schema  string
}

type registered struct {
	def    EventType
	schema *jsonschema.Schema
}

// Catalog is the registry of event types a producer may emit.
type Catalog struct {
	producer string
	now      func() time.Time

	mu    sync.RWMutex
	types map[string]registered
}

func NewCatalog(producer string) *Catalog {
	return &Catalog{
		producer: producer,
		now:      func() time.Time { return time.Now().UTC() },
		types:    make(map[string]registered),
	}
}

// Producer is the name stamped on every envelope.
func (c *Catalog) Producer() string { return c.producer }

// Register adds or replaces an event type, compiling its schema.
func (c *Catalog) Register(def EventType) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return errors.New("outbox: event type name is required")
	}
	if def.Version <= 0 {
		def.Version = 1
	}
	reg := registered{def: def}
	if strings.TrimSpace(def.Schema) != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(def.Schema))
		if err != nil {
			return fmt.Errorf("outbox: parse schema for %s: %w", def.Name, err)
		}
		url := "wasteops://events/" + def.Name + ".json"
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(url, doc); err != nil {
			return fmt.Errorf("outbox: add schema for %s: %w", def.Name, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("outbox: compile schema for %s: %w", def.Name, err)
		}
		reg.schema = sch
	}
	c.mu.Lock()
	c.types[def.Name] = reg
	c.mu.Unlock()
	return nil
}

// MustRegister panics on an invalid definition; used for built-in types.
func (c *Catalog) MustRegister(defs ...EventType) {
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			panic(err)
		}
	}
}

// Lookup returns a registered event type.
func (c *Catalog) Lookup(name string) (EventType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.types[name]
	return reg.def, ok
}

// Types lists registered event types by name.
func (c *Catalog) Types() []EventType {
	c.mu.RLock()
	out := make([]EventType, 0, len(c.types))
	for _, reg := range c.types {
		out = append(out, reg.def)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// New validates d against its registered type and builds a PENDING event
// for resourceID. The topic is the event type name.
func (c *Catalog) New(tenantID, resourceID string, d Draft) (Event, error) {
	c.mu.RLock()
	reg, ok := c.types[d.EventType]
	c.mu.RUnlock()
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEventType, d.EventType)
	}

	data, err := json.Marshal(d.Data)
	if err != nil {
		return Event{}, fmt.Errorf("outbox: marshal %s data: %w", d.EventType, err)
	}
	if reg.schema != nil {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return Event{}, fmt.Errorf("outbox: decode %s data: %w", d.EventType, err)
		}
		if err := reg.schema.Validate(inst); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrInvalidEventData, d.EventType, err)
		}
	}

	now := c.now()
	id := ids.NewEventID()
	payload, err := json.Marshal(Envelope{
		EventID:      id,
		EventType:    reg.def.Name,
		EventVersion: reg.def.Version,
		OccurredAt:   now,
		Producer:     c.producer,
		Data:         data,
	})
	if err != nil {
		return Event{}, fmt.Errorf("outbox: marshal envelope: %w", err)
	}
	return Event{
		ID:            id,
		TenantID:      tenantID,
		EventType:     reg.def.Name,
		EventVersion:  reg.def.Version,
		Topic:         reg.def.Name,
		ResourceID:    resourceID,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}
