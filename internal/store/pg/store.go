// Package pg implements the resource, idempotency and outbox stores on
// PostgreSQL through database/sql.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"wasteops.org/internal/idempotency"
	"wasteops.org/internal/mutation"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/resource"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ mutation.Store    = (*Store)(nil)
	_ idempotency.Store = (*Store)(nil)
	_ outbox.Ledger     = (*Store)(nil)
	_ outbox.Inspector  = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetResource reads committed state.
func (s *Store) GetResource(ctx context.Context, tenantID, kind, id string) (resource.Resource, error) {
	return getResource(ctx, s.db, tenantID, kind, id, false)
}

// InTx implements mutation.Store. The transaction commits only when fn
// returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx mutation.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx *sql.Tx
}

// GetResource locks the row so the CAS update that follows cannot lose to a
// concurrent writer between read and write.
func (t *pgTx) GetResource(ctx context.Context, tenantID, kind, id string) (resource.Resource, error) {
	return getResource(ctx, t.tx, tenantID, kind, id, true)
}

func (t *pgTx) InsertResource(ctx context.Context, r resource.Resource) error {
	res, err := t.tx.ExecContext(ctx, `
		insert into resources(tenant_id, kind, id, data, version_tag, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (tenant_id, kind, id) do nothing
	`, r.TenantID, r.Kind, r.ID, []byte(r.Data), r.VersionTag, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return resource.ErrAlreadyExists
	}
	return nil
}

func (t *pgTx) UpdateResource(ctx context.Context, r resource.Resource, expectedTag string) error {
	res, err := t.tx.ExecContext(ctx, `
		update resources set data=$4, version_tag=$5, updated_at=$6
		where tenant_id=$1 and kind=$2 and id=$3 and version_tag=$7
	`, r.TenantID, r.Kind, r.ID, []byte(r.Data), r.VersionTag, r.UpdatedAt, expectedTag)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var current string
	err = t.tx.QueryRowContext(ctx, `select version_tag from resources where tenant_id=$1 and kind=$2 and id=$3`,
		r.TenantID, r.Kind, r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return resource.ErrNotFound
	}
	if err != nil {
		return err
	}
	return &resource.StaleVersionError{Current: current}
}

func (t *pgTx) AppendEvents(ctx context.Context, events ...outbox.Event) error {
	for _, ev := range events {
		if _, err := t.tx.ExecContext(ctx, `
			insert into outbox_events(event_id, tenant_id, event_type, event_version, topic, resource_id,
				payload, status, retry_count, created_at, next_attempt_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10)
		`, ev.ID, ev.TenantID, ev.EventType, ev.EventVersion, ev.Topic, ev.ResourceID,
			[]byte(ev.Payload), string(outbox.StatusPending), ev.CreatedAt, ev.NextAttemptAt); err != nil {
			return fmt.Errorf("append event %s: %w", ev.EventType, err)
		}
	}
	return nil
}

func (t *pgTx) CompleteIdempotency(ctx context.Context, c idempotency.Completion) error {
	res, err := t.tx.ExecContext(ctx, `
		update idempotency_records set status=$4, body=$5, version_tag=$6
		where tenant_id=$1 and idempotency_key=$2 and lease_token=$3 and status=0
	`, c.TenantID, c.Key, c.LeaseToken, c.Status, c.Body, c.VersionTag)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return idempotency.ErrLeaseLost
	}
	return nil
}

func getResource(ctx context.Context, q queryer, tenantID, kind, id string, forUpdate bool) (resource.Resource, error) {
	query := `
		select tenant_id, kind, id, data, version_tag, created_at, updated_at
		from resources where tenant_id=$1 and kind=$2 and id=$3`
	if forUpdate {
		query += ` for update`
	}
	var (
		r    resource.Resource
		data []byte
	)
	err := q.QueryRowContext(ctx, query, tenantID, kind, id).
		Scan(&r.TenantID, &r.Kind, &r.ID, &data, &r.VersionTag, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return resource.Resource{}, resource.ErrNotFound
	}
	if err != nil {
		return resource.Resource{}, err
	}
	// jsonb does not preserve the bytes that were hashed; restore canonical form.
	canon, err := resource.Canonicalize(data)
	if err != nil {
		return resource.Resource{}, fmt.Errorf("resource %s: %w", id, err)
	}
	r.Data = canon
	return r, nil
}
