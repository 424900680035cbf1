// Package memory is an in-process implementation of every store the
// mutation core needs. A transaction holds the store lock for its whole
// duration and applies its staged writes only on success.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"wasteops.org/internal/idempotency"
	"wasteops.org/internal/ids"
	"wasteops.org/internal/mutation"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/resource"
)

type resKey struct {
	tenant string
	kind   string
	id     string
}

type idemKey struct {
	tenant string
	key    string
}

// Store keeps resources, idempotency records and outbox rows in maps.
type Store struct {
	mu        sync.Mutex
	resources map[resKey]resource.Resource
	idem      map[idemKey]idempotency.Record
	events    map[uuid.UUID]*outbox.Event
	order     []uuid.UUID
	seq       int64
}

var (
	_ mutation.Store    = (*Store)(nil)
	_ idempotency.Store = (*Store)(nil)
	_ outbox.Ledger     = (*Store)(nil)
	_ outbox.Inspector  = (*Store)(nil)
)

func New() *Store {
	return &Store{
		resources: make(map[resKey]resource.Resource),
		idem:      make(map[idemKey]idempotency.Record),
		events:    make(map[uuid.UUID]*outbox.Event),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// GetResource reads committed state.
func (s *Store) GetResource(_ context.Context, tenantID, kind, id string) (resource.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resKey{tenantID, kind, id}]
	if !ok {
		return resource.Resource{}, resource.ErrNotFound
	}
	return r.Clone(), nil
}

// InTx implements mutation.Store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx mutation.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, resources: make(map[resKey]resource.Resource)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, r := range tx.resources {
		s.resources[k] = r
	}
	for _, ev := range tx.events {
		s.seq++
		ev.Seq = s.seq
		s.events[ev.ID] = &ev
		s.order = append(s.order, ev.ID)
	}
	for _, c := range tx.completions {
		k := idemKey{c.TenantID, c.Key}
		rec := s.idem[k]
		rec.Status = c.Status
		rec.Body = append([]byte(nil), c.Body...)
		rec.VersionTag = c.VersionTag
		s.idem[k] = rec
	}
	return nil
}

type memTx struct {
	s           *Store
	resources   map[resKey]resource.Resource
	events      []outbox.Event
	completions []idempotency.Completion
}

func (tx *memTx) GetResource(_ context.Context, tenantID, kind, id string) (resource.Resource, error) {
	k := resKey{tenantID, kind, id}
	if r, ok := tx.resources[k]; ok {
		return r.Clone(), nil
	}
	r, ok := tx.s.resources[k]
	if !ok {
		return resource.Resource{}, resource.ErrNotFound
	}
	return r.Clone(), nil
}

func (tx *memTx) InsertResource(ctx context.Context, r resource.Resource) error {
	if _, err := tx.GetResource(ctx, r.TenantID, r.Kind, r.ID); err == nil {
		return resource.ErrAlreadyExists
	}
	tx.resources[resKey{r.TenantID, r.Kind, r.ID}] = r.Clone()
	return nil
}

func (tx *memTx) UpdateResource(ctx context.Context, r resource.Resource, expectedTag string) error {
	cur, err := tx.GetResource(ctx, r.TenantID, r.Kind, r.ID)
	if err != nil {
		return err
	}
	if cur.VersionTag != expectedTag {
		return &resource.StaleVersionError{Current: cur.VersionTag}
	}
	tx.resources[resKey{r.TenantID, r.Kind, r.ID}] = r.Clone()
	return nil
}

func (tx *memTx) AppendEvents(_ context.Context, events ...outbox.Event) error {
	for _, ev := range events {
		ev.Payload = append([]byte(nil), ev.Payload...)
		tx.events = append(tx.events, ev)
	}
	return nil
}

func (tx *memTx) CompleteIdempotency(_ context.Context, c idempotency.Completion) error {
	rec, ok := tx.s.idem[idemKey{c.TenantID, c.Key}]
	if !ok || !rec.Pending() || rec.LeaseToken != c.LeaseToken {
		return idempotency.ErrLeaseLost
	}
	tx.completions = append(tx.completions, c)
	return nil
}

// Claim implements idempotency.Store.
func (s *Store) Claim(_ context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{rec.TenantID, rec.Key}
	if existing, ok := s.idem[k]; ok {
		return existing, false, nil
	}
	s.idem[k] = rec
	return idempotency.Record{}, true, nil
}

func (s *Store) TakeOver(_ context.Context, tenantID, key, staleToken, token string, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{tenantID, key}
	rec, ok := s.idem[k]
	if !ok || !rec.Pending() || rec.LeaseToken != staleToken {
		return false, nil
	}
	rec.LeaseToken = token
	rec.LeaseUntil = leaseUntil
	s.idem[k] = rec
	return true, nil
}

func (s *Store) Release(_ context.Context, tenantID, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{tenantID, key}
	if rec, ok := s.idem[k]; ok && rec.Pending() && rec.LeaseToken == token {
		delete(s.idem, k)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, tenantID, key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{tenantID, key}
	if rec, ok := s.idem[k]; ok && rec.Expired(now) {
		delete(s.idem, k)
	}
	return nil
}

func (s *Store) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.idem {
		if rec.Expired(now) {
			delete(s.idem, k)
			n++
		}
	}
	return n, nil
}

// IdempotencyRecord returns a stored record, for inspection.
func (s *Store) IdempotencyRecord(tenantID, key string) (idempotency.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[idemKey{tenantID, key}]
	return rec, ok
}

// ClaimDue implements outbox.Ledger. Rows are claimed in creation order. A
// resource whose earlier event is still claimed by someone else is skipped
// so its events are never in flight on two dispatchers at once.
func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Event
	busy := make(map[resKey]bool)
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		ev := s.events[id]
		if ev.Status != outbox.StatusPending {
			continue
		}
		k := resKey{tenant: ev.TenantID, id: ev.ResourceID}
		if ev.NextAttemptAt.After(now) {
			if ev.ClaimToken != "" {
				busy[k] = true
			}
			continue
		}
		if busy[k] {
			continue
		}
		ev.ClaimToken = ids.NewToken()
		ev.NextAttemptAt = now.Add(lease)
		out = append(out, *ev)
	}
	return out, nil
}

func (s *Store) claimed(id uuid.UUID, token string) (*outbox.Event, error) {
	ev, ok := s.events[id]
	if !ok {
		return nil, outbox.ErrEventNotFound
	}
	if ev.Status != outbox.StatusPending || ev.ClaimToken != token {
		return nil, outbox.ErrClaimLost
	}
	return ev, nil
}

func (s *Store) MarkSent(_ context.Context, id uuid.UUID, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.claimed(id, token)
	if err != nil {
		return err
	}
	ev.Status = outbox.StatusSent
	ev.SentAt = &at
	ev.ClaimToken = ""
	return nil
}

func (s *Store) MarkRetry(_ context.Context, id uuid.UUID, token string, retryCount int, next time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.claimed(id, token)
	if err != nil {
		return err
	}
	ev.RetryCount = retryCount
	ev.NextAttemptAt = next
	ev.LastError = lastError
	ev.ClaimToken = ""
	return nil
}

func (s *Store) MarkDead(_ context.Context, id uuid.UUID, token string, retryCount int, at time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.claimed(id, token)
	if err != nil {
		return err
	}
	ev.Status = outbox.StatusDead
	ev.RetryCount = retryCount
	ev.DeadAt = &at
	ev.LastError = lastError
	ev.ClaimToken = ""
	return nil
}

func (s *Store) CountByStatus(context.Context) (map[outbox.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[outbox.Status]int, 3)
	for _, ev := range s.events {
		out[ev.Status]++
	}
	return out, nil
}

// GetEvent implements outbox.Inspector.
func (s *Store) GetEvent(_ context.Context, tenantID string, id uuid.UUID) (outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.TenantID != tenantID {
		return outbox.Event{}, outbox.ErrEventNotFound
	}
	return *ev, nil
}

// ListEvents returns events of tenantID in creation order. An empty status
// matches every status; an empty tenant matches every tenant.
func (s *Store) ListEvents(_ context.Context, tenantID string, status outbox.Status, limit int) ([]outbox.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Event
	for _, id := range s.order {
		ev := s.events[id]
		if tenantID != "" && ev.TenantID != tenantID {
			continue
		}
		if status != "" && ev.Status != status {
			continue
		}
		out = append(out, *ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Replay(_ context.Context, tenantID string, id uuid.UUID, now time.Time) (outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.TenantID != tenantID {
		return outbox.Event{}, outbox.ErrEventNotFound
	}
	if ev.Status != outbox.StatusDead {
		return outbox.Event{}, outbox.ErrNotDead
	}
	ev.Status = outbox.StatusPending
	ev.RetryCount = 0
	ev.NextAttemptAt = now
	ev.DeadAt = nil
	ev.ClaimToken = ""
	return *ev, nil
}
