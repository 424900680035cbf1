package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RouteRate configures the admission bucket of one route class.
type RouteRate struct {
	PerSecond float64
	Burst     int
}

// Config contains runtime configuration required by the service.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	// Store selects the backend: "postgres" or "memory".
	Store string
	PGDSN string

	RedisAddr string
	// AdmissionBackend selects "local" or "redis" buckets.
	AdmissionBackend string
	// AdmissionFailOpen lets the redis backend fall back to local buckets
	// while Redis is unreachable instead of rejecting as transient.
	AdmissionFailOpen bool
	Admission         map[string]RouteRate

	AuthSecret string
	DevTokens  bool

	IdempotencyTTL   time.Duration
	IdempotencyLease time.Duration
	DedupTimeout     time.Duration
	TxTimeout        time.Duration
	SweepInterval    time.Duration

	// Broker selects the outbox publisher: "stream", "redis" or "http".
	Broker          string
	WebhookBaseURL  string
	DeadLetterTopic string
	Producer        string

	DispatchInterval    time.Duration
	DispatchBatch       int
	DispatchConcurrency int
	DispatchLease       time.Duration
	PublishTimeout      time.Duration
	MaxRetries          int
	BackoffFloor        time.Duration
	BackoffCeiling      time.Duration
	RunDispatcher       bool
}

// DefaultAdmission are the per-route defaults used when no override is set.
var DefaultAdmission = map[string]RouteRate{
	"bins.write":   {PerSecond: 20, Burst: 40},
	"bins.ingest":  {PerSecond: 200, Burst: 400},
	"orders.write": {PerSecond: 10, Burst: 20},
}

// Load reads configuration from the environment. A .env file in the working
// directory, when present, seeds variables that are not already set.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var errs []error
	cfg := Config{
		HTTPAddr:         getenv("WASTEOPS_HTTP_ADDR", ":8080"),
		GRPCAddr:         getenv("WASTEOPS_GRPC_ADDR", ":9090"),
		Store:            strings.ToLower(getenv("WASTEOPS_STORE", "postgres")),
		PGDSN:            os.Getenv("WASTEOPS_PG_DSN"),
		RedisAddr:        os.Getenv("WASTEOPS_REDIS_ADDR"),
		AdmissionBackend: strings.ToLower(getenv("WASTEOPS_ADMISSION_BACKEND", "local")),
		AuthSecret:       strings.TrimSpace(os.Getenv("WASTEOPS_AUTH_SECRET")),
		Broker:           strings.ToLower(getenv("WASTEOPS_BROKER", "stream")),
		WebhookBaseURL:   os.Getenv("WASTEOPS_WEBHOOK_BASE_URL"),
		DeadLetterTopic:  getenv("WASTEOPS_DLQ_TOPIC", "outbox.dead-letter"),
		Producer:         getenv("WASTEOPS_PRODUCER", "wasteops-api"),
	}
	cfg.AdmissionFailOpen = boolEnv("WASTEOPS_ADMISSION_FAIL_OPEN", false, &errs)
	cfg.DevTokens = boolEnv("WASTEOPS_DEV_TOKENS", false, &errs)
	cfg.RunDispatcher = boolEnv("WASTEOPS_RUN_DISPATCHER", true, &errs)

	cfg.IdempotencyTTL = durationEnv("WASTEOPS_IDEMPOTENCY_TTL", 24*time.Hour, &errs)
	cfg.IdempotencyLease = durationEnv("WASTEOPS_IDEMPOTENCY_LEASE", 30*time.Second, &errs)
	cfg.DedupTimeout = durationEnv("WASTEOPS_DEDUP_TIMEOUT", 2*time.Second, &errs)
	cfg.TxTimeout = durationEnv("WASTEOPS_TX_TIMEOUT", 5*time.Second, &errs)
	cfg.SweepInterval = durationEnv("WASTEOPS_SWEEP_INTERVAL", 10*time.Minute, &errs)

	cfg.DispatchInterval = durationEnv("WASTEOPS_DISPATCH_INTERVAL", time.Second, &errs)
	cfg.DispatchBatch = intEnv("WASTEOPS_DISPATCH_BATCH", 100, &errs)
	cfg.DispatchConcurrency = intEnv("WASTEOPS_DISPATCH_CONCURRENCY", 8, &errs)
	cfg.DispatchLease = durationEnv("WASTEOPS_DISPATCH_LEASE", 90*time.Second, &errs)
	cfg.PublishTimeout = durationEnv("WASTEOPS_PUBLISH_TIMEOUT", 5*time.Second, &errs)
	cfg.MaxRetries = intEnv("WASTEOPS_MAX_RETRIES", 8, &errs)
	cfg.BackoffFloor = durationEnv("WASTEOPS_BACKOFF_FLOOR", 2*time.Second, &errs)
	cfg.BackoffCeiling = durationEnv("WASTEOPS_BACKOFF_CEILING", 10*time.Minute, &errs)

	cfg.Admission = make(map[string]RouteRate, len(DefaultAdmission))
	for route, def := range DefaultAdmission {
		key := "WASTEOPS_RATE_" + strings.ToUpper(strings.ReplaceAll(route, ".", "_"))
		rr, err := parseRouteRate(os.Getenv(key), def)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		cfg.Admission[route] = rr
	}

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case "memory":
	case "postgres":
		if c.PGDSN == "" {
			return errors.New("WASTEOPS_PG_DSN required when WASTEOPS_STORE=postgres")
		}
	default:
		return fmt.Errorf("unknown WASTEOPS_STORE %q", c.Store)
	}
	switch c.Broker {
	case "stream":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("WASTEOPS_REDIS_ADDR required when WASTEOPS_BROKER=redis")
		}
	case "http":
		if c.WebhookBaseURL == "" {
			return errors.New("WASTEOPS_WEBHOOK_BASE_URL required when WASTEOPS_BROKER=http")
		}
	default:
		return fmt.Errorf("unknown WASTEOPS_BROKER %q", c.Broker)
	}
	switch c.AdmissionBackend {
	case "local":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("WASTEOPS_REDIS_ADDR required when WASTEOPS_ADMISSION_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown WASTEOPS_ADMISSION_BACKEND %q", c.AdmissionBackend)
	}
	if c.AuthSecret == "" {
		return errors.New("WASTEOPS_AUTH_SECRET required")
	}
	if c.BackoffFloor <= 0 || c.BackoffCeiling < c.BackoffFloor {
		return errors.New("backoff floor must be > 0 and <= ceiling")
	}
	// A claimed batch is published Concurrency events at a time; every claim
	// must outlive the whole batch plus one publish.
	rounds := (c.DispatchBatch + c.DispatchConcurrency - 1) / c.DispatchConcurrency
	if need := time.Duration(rounds+1) * c.PublishTimeout; c.DispatchLease < need {
		return fmt.Errorf("WASTEOPS_DISPATCH_LEASE %v too short for batch %d at concurrency %d: need at least %v",
			c.DispatchLease, c.DispatchBatch, c.DispatchConcurrency, need)
	}
	if c.IdempotencyLease <= c.TxTimeout {
		return errors.New("idempotency lease must outlive the transaction timeout")
	}
	return nil
}

// parseRouteRate accepts "rate:burst", e.g. "20:40" or "0.5:2".
func parseRouteRate(raw string, def RouteRate) (RouteRate, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return def, errors.New(`must be "rate:burst"`)
	}
	perSec, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || perSec <= 0 {
		return def, errors.New("rate must be a positive number")
	}
	burst, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || burst <= 0 {
		return def, errors.New("burst must be a positive integer")
	}
	return RouteRate{PerSecond: perSec, Burst: burst}, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration, errs *[]error) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return def
	}
	return d
}

func intEnv(key string, def int, errs *[]error) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid positive integer %q", key, raw))
		return def
	}
	return n
}

func boolEnv(key string, def bool, errs *[]error) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid bool %q", key, raw))
		return def
	}
	return b
}
