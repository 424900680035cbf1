package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"wasteops.org/internal/idempotency"
)

const idemColumns = `tenant_id, idempotency_key, fingerprint, route, status, body, version_tag,
	lease_token, lease_until, created_at, expires_at`

// Claim implements idempotency.Store with a single insert-if-absent.
func (s *Store) Claim(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	// The existing row can vanish between the insert and the read when it is
	// released or swept; one more insert settles it.
	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.db.ExecContext(ctx, `
			insert into idempotency_records(`+idemColumns+`)
			values ($1,$2,$3,$4,0,null,'',$5,$6,$7,$8)
			on conflict (tenant_id, idempotency_key) do nothing
		`, rec.TenantID, rec.Key, rec.Fingerprint, rec.Route, rec.LeaseToken, rec.LeaseUntil, rec.CreatedAt, rec.ExpiresAt)
		if err != nil {
			return idempotency.Record{}, false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return idempotency.Record{}, false, err
		}
		if n == 1 {
			return idempotency.Record{}, true, nil
		}
		existing, err := s.idempotencyRecord(ctx, rec.TenantID, rec.Key)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return idempotency.Record{}, false, err
		}
		return existing, false, nil
	}
	return idempotency.Record{}, false, errors.New("pg: idempotency record churned during claim")
}

func (s *Store) idempotencyRecord(ctx context.Context, tenantID, key string) (idempotency.Record, error) {
	var rec idempotency.Record
	err := s.db.QueryRowContext(ctx, `select `+idemColumns+` from idempotency_records
		where tenant_id=$1 and idempotency_key=$2`, tenantID, key).
		Scan(&rec.TenantID, &rec.Key, &rec.Fingerprint, &rec.Route, &rec.Status, &rec.Body, &rec.VersionTag,
			&rec.LeaseToken, &rec.LeaseUntil, &rec.CreatedAt, &rec.ExpiresAt)
	return rec, err
}

func (s *Store) TakeOver(ctx context.Context, tenantID, key, staleToken, token string, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update idempotency_records set lease_token=$4, lease_until=$5
		where tenant_id=$1 and idempotency_key=$2 and lease_token=$3 and status=0
	`, tenantID, key, staleToken, token, leaseUntil)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) Release(ctx context.Context, tenantID, key, token string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from idempotency_records
		where tenant_id=$1 and idempotency_key=$2 and lease_token=$3 and status=0
	`, tenantID, key, token)
	return err
}

func (s *Store) Delete(ctx context.Context, tenantID, key string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		delete from idempotency_records
		where tenant_id=$1 and idempotency_key=$2 and expires_at <= $3
	`, tenantID, key, now)
	return err
}

func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from idempotency_records where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
