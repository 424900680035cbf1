// Package outbox holds the transactional outbox: events written in the same
// transaction as the state change they announce, and the dispatcher that
// drains them to a broker.
package outbox

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of an outbox row.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusDead    Status = "DEAD"
)

// ParseStatus accepts the upper- or lower-case status name.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusSent:
		return StatusSent, true
	case StatusDead:
		return StatusDead, true
	}
	return "", false
}

var (
	ErrEventNotFound = errors.New("outbox: event not found")
	ErrNotDead       = errors.New("outbox: event is not dead")
	// ErrClaimLost means another dispatcher re-claimed the row after our
	// lease expired; the update was not applied.
	ErrClaimLost = errors.New("outbox: claim lost")
)

// Event is one outbox row. Payload is the serialized Envelope published to
// Topic verbatim.
type Event struct {
	ID            uuid.UUID       `json:"event_id"`
	TenantID      string          `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	Topic         string          `json:"topic"`
	ResourceID    string          `json:"resource_id"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	CreatedAt     time.Time       `json:"created_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	DeadAt        *time.Time      `json:"dead_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	ClaimToken    string          `json:"-"`
	// Seq is the ledger insertion order. It orders events of one resource,
	// including several written by the same transaction.
	Seq int64 `json:"seq"`
}

// Envelope is the wire format every consumer receives.
type Envelope struct {
	EventID      uuid.UUID       `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Producer     string          `json:"producer"`
	Data         json.RawMessage `json:"data"`
}

// DeadLetter is published to the dead-letter topic once an event is exhausted.
type DeadLetter struct {
	Envelope
	FailureReason string `json:"failure_reason"`
	RetryCount    int    `json:"retry_count"`
}

// Draft is an event a business mutation asks to announce. The orchestrator
// turns it into an Event through the Catalog.
type Draft struct {
	EventType string
	Data      any
}
