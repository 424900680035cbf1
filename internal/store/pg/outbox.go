package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"wasteops.org/internal/ids"
	"wasteops.org/internal/outbox"
)

const eventColumns = `event_id, tenant_id, event_type, event_version, topic, resource_id, payload,
	status, retry_count, created_at, next_attempt_at, sent_at, dead_at, last_error, claim_token, seq`

// claimLockKey is the advisory lock serialising ClaimDue across dispatchers.
const claimLockKey int64 = 0x6f7574626f78

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (outbox.Event, error) {
	var (
		ev      outbox.Event
		status  string
		payload []byte
		sentAt  sql.NullTime
		deadAt  sql.NullTime
	)
	if err := row.Scan(&ev.ID, &ev.TenantID, &ev.EventType, &ev.EventVersion, &ev.Topic, &ev.ResourceID, &payload,
		&status, &ev.RetryCount, &ev.CreatedAt, &ev.NextAttemptAt, &sentAt, &deadAt, &ev.LastError, &ev.ClaimToken, &ev.Seq); err != nil {
		return outbox.Event{}, err
	}
	ev.Status = outbox.Status(status)
	ev.Payload = payload
	if sentAt.Valid {
		t := sentAt.Time
		ev.SentAt = &t
	}
	if deadAt.Valid {
		t := deadAt.Time
		ev.DeadAt = &t
	}
	return ev, nil
}

func collectEvents(rows *sql.Rows) ([]outbox.Event, error) {
	defer rows.Close()
	var out []outbox.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ClaimDue implements outbox.Ledger. Claimed rows are pushed out by lease so
// a crashed claimer's batch becomes due again. Claims are serialised by an
// advisory lock, which lets the query skip every resource whose earlier
// event is still under a live claim; rows come back in ledger order.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]outbox.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, claimLockKey); err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `
		with due as (
			select e.event_id from outbox_events e
			where e.status='PENDING' and e.next_attempt_at <= $1
				and not exists (
					select 1 from outbox_events p
					where p.tenant_id = e.tenant_id and p.resource_id = e.resource_id
						and p.status = 'PENDING' and p.seq < e.seq
						and p.claim_token <> '' and p.next_attempt_at > $1
				)
			order by e.next_attempt_at, e.seq
			limit $2
			for update skip locked
		), claimed as (
			update outbox_events o set claim_token=$3, next_attempt_at=$4
			from due where o.event_id = due.event_id
			returning `+prefixed("o.", eventColumns)+`
		)
		select `+eventColumns+` from claimed order by seq`,
		now, limit, ids.NewToken(), now.Add(lease))
	if err != nil {
		return nil, err
	}
	evs, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return evs, nil
}

func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, token string, at time.Time) error {
	return s.settle(ctx, id, `
		update outbox_events set status='SENT', sent_at=$3, claim_token=''
		where event_id=$1 and claim_token=$2 and status='PENDING'
	`, id, token, at)
}

func (s *Store) MarkRetry(ctx context.Context, id uuid.UUID, token string, retryCount int, next time.Time, lastError string) error {
	return s.settle(ctx, id, `
		update outbox_events set retry_count=$3, next_attempt_at=$4, last_error=$5, claim_token=''
		where event_id=$1 and claim_token=$2 and status='PENDING'
	`, id, token, retryCount, next, lastError)
}

func (s *Store) MarkDead(ctx context.Context, id uuid.UUID, token string, retryCount int, at time.Time, lastError string) error {
	return s.settle(ctx, id, `
		update outbox_events set status='DEAD', retry_count=$3, dead_at=$4, last_error=$5, claim_token=''
		where event_id=$1 and claim_token=$2 and status='PENDING'
	`, id, token, retryCount, at, lastError)
}

// settle runs a claim-conditional update and explains a miss.
func (s *Store) settle(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
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
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from outbox_events where event_id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return outbox.ErrEventNotFound
	}
	return outbox.ErrClaimLost
}

func (s *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `select status, count(*) from outbox_events group by status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[outbox.Status]int, 3)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[outbox.Status(status)] = n
	}
	return out, rows.Err()
}

// GetEvent implements outbox.Inspector.
func (s *Store) GetEvent(ctx context.Context, tenantID string, id uuid.UUID) (outbox.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `select `+eventColumns+` from outbox_events
		where tenant_id=$1 and event_id=$2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Event{}, outbox.ErrEventNotFound
	}
	return ev, err
}

// ListEvents returns events in creation order. An empty tenant or status
// matches everything.
func (s *Store) ListEvents(ctx context.Context, tenantID string, status outbox.Status, limit int) ([]outbox.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `select `+eventColumns+` from outbox_events
		where ($1 = '' or tenant_id = $1) and ($2 = '' or status = $2)
		order by created_at, seq
		limit $3`, tenantID, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// Replay moves a DEAD event back to PENDING with a fresh retry budget.
func (s *Store) Replay(ctx context.Context, tenantID string, id uuid.UUID, now time.Time) (outbox.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `
		update outbox_events set status='PENDING', retry_count=0, next_attempt_at=$3, dead_at=null, claim_token=''
		where tenant_id=$1 and event_id=$2 and status='DEAD'
		returning `+eventColumns, tenantID, id, now))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetEvent(ctx, tenantID, id); getErr != nil {
			return outbox.Event{}, getErr
		}
		return outbox.Event{}, outbox.ErrNotDead
	}
	return ev, err
}

func prefixed(prefix, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
