package outbox

import (
	"context"
	"errors"
)

// Message is what a Publisher delivers. Body is the serialized envelope; Key
// groups messages of the same resource for brokers that partition.
type Message struct {
	ID        string
	EventType string
	TenantID  string
	Key       string
	Body      []byte
}

// Publisher delivers messages to a topic. A nil error is a positive
// acknowledgement from the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, msg Message) error {
	return f(ctx, topic, msg)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the dispatcher dead-letters
// the event right away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// MessageOf converts an event row into the message published for it.
func MessageOf(e Event) Message {
	return Message{
		ID:        e.ID.String(),
		EventType: e.EventType,
		TenantID:  e.TenantID,
		Key:       e.ResourceID,
		Body:      e.Payload,
	}
}
