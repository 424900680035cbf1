package outbox

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// StreamAdder is the slice of the go-redis client the publisher needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
}

// RedisPublisher appends each message to a Redis stream named prefix+topic.
type RedisPublisher struct {
	client StreamAdder
	prefix string
	maxLen int64
}

// NewRedisPublisher caps each stream at roughly maxLen entries; 0 disables trimming.
func NewRedisPublisher(client StreamAdder, prefix string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, msg Message) error {
	args := &goredis.XAddArgs{
		Stream: p.prefix + topic,
		Values: map[string]any{
			"event_id":   msg.ID,
			"event_type": msg.EventType,
			"tenant_id":  msg.TenantID,
			"key":        msg.Key,
			"payload":    string(msg.Body),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		// A key holding another type will never accept the entry.
		if strings.HasPrefix(err.Error(), "WRONGTYPE") {
			return Permanent(fmt.Errorf("outbox/redis: xadd %s: %w", args.Stream, err))
		}
		return fmt.Errorf("outbox/redis: xadd %s: %w", args.Stream, err)
	}
	return nil
}
