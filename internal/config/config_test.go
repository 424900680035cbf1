package config

import (
	"strings"
	"testing"
	"time"
)

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("WASTEOPS_STORE", "memory")
	t.Setenv("WASTEOPS_AUTH_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setBase(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Fatalf("unexpected ttl: %v", cfg.IdempotencyTTL)
	}
	if cfg.Broker != "stream" || cfg.AdmissionBackend != "local" {
		t.Fatalf("unexpected backends: %s %s", cfg.Broker, cfg.AdmissionBackend)
	}
	if got := cfg.Admission["orders.write"]; got.PerSecond != 10 || got.Burst != 20 {
		t.Fatalf("unexpected orders.write rate: %+v", got)
	}
	if !cfg.RunDispatcher {
		t.Fatal("dispatcher should run by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	setBase(t)
	t.Setenv("WASTEOPS_RATE_BINS_INGEST", "0.5:3")
	t.Setenv("WASTEOPS_MAX_RETRIES", "3")
	t.Setenv("WASTEOPS_BACKOFF_FLOOR", "100ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Admission["bins.ingest"]; got.PerSecond != 0.5 || got.Burst != 3 {
		t.Fatalf("unexpected override: %+v", got)
	}
	if cfg.MaxRetries != 3 || cfg.BackoffFloor != 100*time.Millisecond {
		t.Fatalf("unexpected dispatcher config: %d %v", cfg.MaxRetries, cfg.BackoffFloor)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setBase(t)
	t.Setenv("WASTEOPS_RATE_BINS_WRITE", "fast")
	t.Setenv("WASTEOPS_TX_TIMEOUT", "-1s")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"WASTEOPS_RATE_BINS_WRITE", "WASTEOPS_TX_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in error, got %v", want, err)
		}
	}
}

func TestLoadRequiresDSNForPostgres(t *testing.T) {
	setBase(t)
	t.Setenv("WASTEOPS_STORE", "postgres")
	t.Setenv("WASTEOPS_PG_DSN", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "WASTEOPS_PG_DSN") {
		t.Fatalf("expected DSN error, got %v", err)
	}
}

func TestLoadRejectsLeaseShorterThanBatch(t *testing.T) {
	setBase(t)
	t.Setenv("WASTEOPS_DISPATCH_BATCH", "100")
	t.Setenv("WASTEOPS_DISPATCH_CONCURRENCY", "8")
	t.Setenv("WASTEOPS_PUBLISH_TIMEOUT", "5s")
	t.Setenv("WASTEOPS_DISPATCH_LEASE", "30s")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "WASTEOPS_DISPATCH_LEASE") {
		t.Fatalf("expected lease error, got %v", err)
	}

	t.Setenv("WASTEOPS_DISPATCH_LEASE", "70s")
	if _, err := Load(); err != nil {
		t.Fatalf("70s covers 13 rounds plus margin: %v", err)
	}
}
