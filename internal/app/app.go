// Package app assembles the runtime components selected by config.Config.
// Both cmd/api and cmd/dispatcher build their graph through it.
package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"wasteops.org/internal/admission"
	"wasteops.org/internal/concurrency"
	"wasteops.org/internal/config"
	"wasteops.org/internal/idempotency"
	"wasteops.org/internal/mutation"
	"wasteops.org/internal/obs"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/store/memory"
	"wasteops.org/internal/store/pg"
	"wasteops.org/internal/stream"
)

// Store is everything the service needs from a backend.
type Store interface {
	mutation.Store
	idempotency.Store
	outbox.Ledger
	outbox.Inspector
	concurrency.Reader
	Ping(ctx context.Context) error
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*pg.Store)(nil)
)

// OpenStore returns the configured backend and a close func.
func OpenStore(cfg config.Config) (Store, func() error, error) {
	switch cfg.Store {
	case "memory":
		obs.Warn("store_memory", map[string]any{"detail": "state is lost on restart"})
		return memory.New(), func() error { return nil }, nil
	case "postgres":
		st, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// OpenRedis returns nil when no Redis address is configured.
func OpenRedis(cfg config.Config) *goredis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
}

// AdmissionRates converts configured route rates into limiter rates.
func AdmissionRates(cfg config.Config) map[string]admission.Rate {
	rates := make(map[string]admission.Rate, len(cfg.Admission))
	for route, rr := range cfg.Admission {
		rates[route] = admission.Rate{PerSecond: rr.PerSecond, Burst: rr.Burst}
	}
	return rates
}

// NewLimiter builds the admission limiter. The local buckets are returned
// too so the caller can run their janitor; with the redis backend they
// serve as the fallback only when AdmissionFailOpen is set.
func NewLimiter(cfg config.Config, rdb *goredis.Client) (admission.Limiter, *admission.Local, error) {
	rates := AdmissionRates(cfg)
	local := admission.NewLocal(rates)
	switch cfg.AdmissionBackend {
	case "local":
		return local, local, nil
	case "redis":
		if rdb == nil {
			return nil, nil, fmt.Errorf("redis admission requires a redis client")
		}
		var opts []admission.RedisOption
		if cfg.AdmissionFailOpen {
			opts = append(opts, admission.WithFallback(local))
		}
		return admission.NewRedis(rdb, rates, opts...), local, nil
	default:
		return nil, nil, fmt.Errorf("unknown admission backend %q", cfg.AdmissionBackend)
	}
}

// NewPublisher selects the outbox broker.
func NewPublisher(cfg config.Config, rdb *goredis.Client, hub *stream.Hub) (outbox.Publisher, error) {
	switch cfg.Broker {
	case "stream":
		if hub == nil {
			return nil, fmt.Errorf("stream broker requires a hub")
		}
		return hub, nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis broker requires a redis client")
		}
		return outbox.NewRedisPublisher(rdb, "wasteops:events:", 100_000), nil
	case "http":
		return outbox.NewHTTPPublisher(cfg.WebhookBaseURL, cfg.PublishTimeout), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

func DispatcherConfig(cfg config.Config) outbox.DispatcherConfig {
	return outbox.DispatcherConfig{
		Interval:        cfg.DispatchInterval,
		BatchSize:       cfg.DispatchBatch,
		Concurrency:     cfg.DispatchConcurrency,
		Lease:           cfg.DispatchLease,
		PublishTimeout:  cfg.PublishTimeout,
		MaxRetries:      cfg.MaxRetries,
		Backoff:         outbox.Backoff{Floor: cfg.BackoffFloor, Ceiling: cfg.BackoffCeiling},
		DeadLetterTopic: cfg.DeadLetterTopic,
	}
}

// MutationConfig carries the orchestrator timeouts.
func MutationConfig(cfg config.Config) mutation.Config {
	return mutation.Config{DedupTimeout: cfg.DedupTimeout, TxTimeout: cfg.TxTimeout}
}

// RedisPinger adapts a go-redis client to the readiness probe.
type RedisPinger struct{ Client *goredis.Client }

func (p RedisPinger) Ping(ctx context.Context) error {
	if p.Client == nil {
		return nil
	}
	return p.Client.Ping(ctx).Err()
}
