package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]Record
	failErr error
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string]Record{}} }

func (f *fakeStore) Claim(_ context.Context, rec Record) (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return Record{}, false, f.failErr
	}
	k := rec.TenantID + "/" + rec.Key
	if existing, ok := f.records[k]; ok {
		return existing, false, nil
	}
	f.records[k] = rec
	return Record{}, true, nil
}

func (f *fakeStore) TakeOver(_ context.Context, tenantID, key, staleToken, token string, until time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := tenantID + "/" + key
	rec, ok := f.records[k]
	if !ok || !rec.Pending() || rec.LeaseToken != staleToken {
		return false, nil
	}
	rec.LeaseToken = token
	rec.LeaseUntil = until
	f.records[k] = rec
	return true, nil
}

func (f *fakeStore) Release(_ context.Context, tenantID, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := tenantID + "/" + key
	if rec, ok := f.records[k]; ok && rec.Pending() && rec.LeaseToken == token {
		delete(f.records, k)
	}
	return nil
}

func (f *fakeStore) Delete(_ context.Context, tenantID, key string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := tenantID + "/" + key
	if rec, ok := f.records[k]; ok && rec.Expired(now) {
		delete(f.records, k)
	}
	return nil
}

func (f *fakeStore) Sweep(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, rec := range f.records {
		if rec.Expired(now) {
			delete(f.records, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) complete(c Completion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := c.TenantID + "/" + c.Key
	rec := f.records[k]
	rec.Status = c.Status
	rec.Body = c.Body
	rec.VersionTag = c.VersionTag
	f.records[k] = rec
}

func (f *fakeStore) put(rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.TenantID+"/"+rec.Key] = rec
}

func TestBeginFreshThenReplay(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, time.Hour, time.Minute)
	ctx := context.Background()

	first, err := c.Begin(ctx, "t1", "K1", "fp", "bins.create")
	if err != nil || first.Kind != Fresh {
		t.Fatalf("expected fresh, got %v %v", first.Kind, err)
	}
	if first.Lease.Token == "" {
		t.Fatal("expected lease token")
	}

	inflight, err := c.Begin(ctx, "t1", "K1", "fp", "bins.create")
	if err != nil || inflight.Kind != InFlight {
		t.Fatalf("expected in-flight, got %v %v", inflight.Kind, err)
	}

	store.complete(first.Lease.Completion(201, []byte(`{"id":"b1"}`), "T1"))

	replay, err := c.Begin(ctx, "t1", "K1", "fp", "bins.create")
	if err != nil || replay.Kind != Replay {
		t.Fatalf("expected replay, got %v %v", replay.Kind, err)
	}
	if replay.Cached.Status != 201 || string(replay.Cached.Body) != `{"id":"b1"}` || replay.Cached.VersionTag != "T1" {
		t.Fatalf("unexpected cached response %+v", replay.Cached)
	}
}

func TestBeginMismatchedFingerprint(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, time.Hour, time.Minute)
	ctx := context.Background()

	first, _ := c.Begin(ctx, "t1", "K1", "fp-a", "bins.create")
	store.complete(first.Lease.Completion(201, []byte(`{}`), "T1"))

	out, err := c.Begin(ctx, "t1", "K1", "fp-b", "bins.create")
	if err != nil || out.Kind != Mismatch {
		t.Fatalf("expected mismatch, got %v %v", out.Kind, err)
	}
}

func TestBeginKeysAreTenantScoped(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, time.Hour, time.Minute)
	ctx := context.Background()

	if out, _ := c.Begin(ctx, "t1", "K1", "fp", "r"); out.Kind != Fresh {
		t.Fatalf("t1: %v", out.Kind)
	}
	if out, _ := c.Begin(ctx, "t2", "K1", "fp", "r"); out.Kind != Fresh {
		t.Fatalf("t2 should not see t1's key: %v", out.Kind)
	}
}

func TestBeginExpiredRecordIsReclaimed(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, time.Hour, time.Minute)
	past := time.Now().UTC().Add(-2 * time.Hour)
	store.put(Record{TenantID: "t1", Key: "K1", Fingerprint: "old", Status: 201, CreatedAt: past, ExpiresAt: past.Add(time.Hour)})

	out, err := c.Begin(context.Background(), "t1", "K1", "new", "r")
	if err != nil || out.Kind != Fresh {
		t.Fatalf("expected fresh after expiry, got %v %v", out.Kind, err)
	}
}

func TestBeginTakesOverStaleLease(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, time.Hour, time.Minute)
	now := time.Now().UTC()
	store.put(Record{TenantID: "t1", Key: "K1", Fingerprint: "fp", LeaseToken: "dead", LeaseUntil: now.Add(-time.Second), CreatedAt: now, ExpiresAt: now.Add(time.Hour)})

	out, err := c.Begin(context.Background(), "t1", "K1", "fp", "r")
	if err != nil || out.Kind != Fresh {
		t.Fatalf("expected takeover, got %v %v", out.Kind, err)
	}
	if out.Lease.Token == "dead" {
		t.Fatal("lease token should be replaced")
	}
}

func TestBeginConcurrentSingleExecutor(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, time.Hour, time.Minute)

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.Begin(context.Background(), "t1", "K1", "fp", "r")
			if err != nil {
				t.Error(err)
				return
			}
			if out.Kind == Fresh {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if fresh != 1 {
		t.Fatalf("expected exactly one executor, got %d", fresh)
	}
}

func TestBeginFailsClosed(t *testing.T) {
	store := newFakeStore()
	store.failErr = errors.New("connection refused")
	c := NewCoordinator(store, time.Hour, time.Minute)

	if _, err := c.Begin(context.Background(), "t1", "K1", "fp", "r"); err == nil {
		t.Fatal("expected store failure to surface")
	}
}

func TestBeginRejectsMissingKey(t *testing.T) {
	c := NewCoordinator(newFakeStore(), time.Hour, time.Minute)
	if _, err := c.Begin(context.Background(), "t1", " ", "fp", "r"); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, time.Hour, time.Minute)
	ctx := context.Background()

	first, _ := c.Begin(ctx, "t1", "K1", "fp", "r")
	if err := c.Release(ctx, first.Lease); err != nil {
		t.Fatal(err)
	}
	again, _ := c.Begin(ctx, "t1", "K1", "fp", "r")
	if again.Kind != Fresh {
		t.Fatalf("expected fresh after release, got %v", again.Kind)
	}
}

func TestSweepOnce(t *testing.T) {
	store := newFakeStore()
	past := time.Now().UTC().Add(-time.Hour)
	store.put(Record{TenantID: "t1", Key: "old", ExpiresAt: past})
	store.put(Record{TenantID: "t1", Key: "live", ExpiresAt: time.Now().UTC().Add(time.Hour)})

	if n := NewSweeper(store, time.Minute).SweepOnce(context.Background()); n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
}
