package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"wasteops.org/internal/idempotency"
	"wasteops.org/internal/mutation"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/resource"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestGetResourceCanonicalizesData(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("select tenant_id, kind, id, data, version_tag").
		WithArgs("t1", "bin", "b1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "kind", "id", "data", "version_tag", "created_at", "updated_at"}).
			AddRow("t1", "bin", "b1", []byte(`{"serial": "SN-1", "capacity_litres": 240}`), "tag-1", now, now))

	r, err := s.GetResource(context.Background(), "t1", "bin", "b1")
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if string(r.Data) != `{"capacity_litres":240,"serial":"SN-1"}` {
		t.Fatalf("data not canonical: %s", r.Data)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetResourceNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select tenant_id, kind, id").WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	if _, err := s.GetResource(context.Background(), "t1", "bin", "missing"); !errors.Is(err, resource.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInTxRollsBackOnDuplicateInsert(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into resources").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(ctx context.Context, tx mutation.Tx) error {
		return tx.InsertResource(ctx, resource.Resource{ID: "b1", TenantID: "t1", Kind: "bin", Data: []byte(`{}`)})
	})
	if !errors.Is(err, resource.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInTxCommitsResourceEventsAndCompletion(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update resources set data").
		WithArgs("t1", "bin", "b1", sqlmock.AnyArg(), "tag-2", sqlmock.AnyArg(), "tag-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update idempotency_records set status").
		WithArgs("t1", "K1", "lease-1", 200, []byte(`{"id":"b1"}`), "tag-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(ctx context.Context, tx mutation.Tx) error {
		r := resource.Resource{ID: "b1", TenantID: "t1", Kind: "bin", Data: []byte(`{"a":1}`), VersionTag: "tag-2"}
		if err := tx.UpdateResource(ctx, r, "tag-1"); err != nil {
			return err
		}
		if err := tx.AppendEvents(ctx, outbox.Event{ID: uuid.New(), TenantID: "t1", EventType: "bin.updated", Payload: []byte(`{}`)}); err != nil {
			return err
		}
		return tx.CompleteIdempotency(ctx, idempotency.Completion{TenantID: "t1", Key: "K1", LeaseToken: "lease-1", Status: 200, Body: []byte(`{"id":"b1"}`), VersionTag: "tag-2"})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateResourceReportsCurrentTag(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update resources set data").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version_tag from resources").
		WillReturnRows(sqlmock.NewRows([]string{"version_tag"}).AddRow("tag-3"))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(ctx context.Context, tx mutation.Tx) error {
		return tx.UpdateResource(ctx, resource.Resource{ID: "b1", TenantID: "t1", Kind: "bin", Data: []byte(`{}`)}, "tag-1")
	})
	var stale *resource.StaleVersionError
	if !errors.As(err, &stale) || stale.Current != "tag-3" {
		t.Fatalf("expected stale version with current tag, got %v", err)
	}
}

func TestCompleteIdempotencyLeaseLost(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update idempotency_records set status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(ctx context.Context, tx mutation.Tx) error {
		return tx.CompleteIdempotency(ctx, idempotency.Completion{TenantID: "t1", Key: "K1", LeaseToken: "gone"})
	})
	if !errors.Is(err, idempotency.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestClaimInsertsOrReturnsExisting(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	rec := idempotency.Record{TenantID: "t1", Key: "K1", Fingerprint: "fp", Route: "bins.create",
		LeaseToken: "lease-1", LeaseUntil: now.Add(time.Minute), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectExec("insert into idempotency_records").WillReturnResult(sqlmock.NewResult(0, 1))
	if _, claimed, err := s.Claim(context.Background(), rec); err != nil || !claimed {
		t.Fatalf("first claim: %v %v", claimed, err)
	}

	mock.ExpectExec("insert into idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select tenant_id, idempotency_key").
		WithArgs("t1", "K1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "idempotency_key", "fingerprint", "route", "status", "body",
			"version_tag", "lease_token", "lease_until", "created_at", "expires_at"}).
			AddRow("t1", "K1", "fp", "bins.create", 201, []byte(`{"id":"b1"}`), "tag-1", "lease-0", now, now, now.Add(time.Hour)))
	existing, claimed, err := s.Claim(context.Background(), rec)
	if err != nil || claimed {
		t.Fatalf("second claim: %v %v", claimed, err)
	}
	if existing.Status != 201 || existing.VersionTag != "tag-1" || existing.Pending() {
		t.Fatalf("unexpected existing record: %+v", existing)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTakeOverIsConditional(t *testing.T) {
	s, mock := newMock(t)
	until := time.Now().Add(time.Minute)
	mock.ExpectExec("update idempotency_records set lease_token").
		WithArgs("t1", "K1", "stale", "fresh", until).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.TakeOver(context.Background(), "t1", "K1", "stale", "fresh", until)
	if err != nil || ok {
		t.Fatalf("expected lost race, got %v %v", ok, err)
	}
}

func eventRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"event_id", "tenant_id", "event_type", "event_version", "topic", "resource_id", "payload",
		"status", "retry_count", "created_at", "next_attempt_at", "sent_at", "dead_at", "last_error", "claim_token", "seq"})
}

func TestClaimDueReturnsClaimedRows(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	id := uuid.New()
	second := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WithArgs(claimLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)p\.seq < e\.seq.*for update skip locked.*from claimed order by seq`).
		WithArgs(now, 10, sqlmock.AnyArg(), now.Add(30*time.Second)).
		WillReturnRows(eventRows().
			AddRow(id.String(), "t1", "bin.created", 1, "bin.created", "b1", []byte(`{}`),
				"PENDING", 2, now, now.Add(30*time.Second), nil, nil, "boom", "claim-1", 7).
			AddRow(second.String(), "t1", "bin.updated", 1, "bin.updated", "b1", []byte(`{}`),
				"PENDING", 0, now, now.Add(30*time.Second), nil, nil, "", "claim-1", 8))
	mock.ExpectCommit()

	evs, err := s.ClaimDue(context.Background(), now, 10, 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(evs) != 2 || evs[0].ID != id || evs[0].ClaimToken != "claim-1" || evs[0].RetryCount != 2 {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if evs[0].Seq != 7 || evs[1].Seq != 8 {
		t.Fatalf("ledger order lost: %d, %d", evs[0].Seq, evs[1].Seq)
	}
	if evs[0].SentAt != nil || evs[0].DeadAt != nil {
		t.Fatal("null timestamps must stay nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimDueRollsBackOnQueryError(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("for update skip locked").WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	if _, err := s.ClaimDue(context.Background(), now, 10, time.Second); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkSentExplainsMiss(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()

	mock.ExpectExec("update outbox_events set status='SENT'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs(id).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	if err := s.MarkSent(context.Background(), id, "old", time.Now()); !errors.Is(err, outbox.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}

	mock.ExpectExec("update outbox_events set status='SENT'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs(id).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if err := s.MarkSent(context.Background(), id, "old", time.Now()); !errors.Is(err, outbox.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestReplayRequiresDeadEvent(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	id := uuid.New()

	mock.ExpectQuery("update outbox_events set status='PENDING'").WillReturnRows(eventRows())
	mock.ExpectQuery("select event_id, tenant_id").
		WithArgs("t1", id).
		WillReturnRows(eventRows().AddRow(id.String(), "t1", "bin.created", 1, "bin.created", "b1", []byte(`{}`),
			"SENT", 0, now, now, now, nil, "", "", 3))

	if _, err := s.Replay(context.Background(), "t1", id, now); !errors.Is(err, outbox.ErrNotDead) {
		t.Fatalf("expected ErrNotDead, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCountByStatus(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select status, count").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("PENDING", 3).AddRow("DEAD", 1))

	counts, err := s.CountByStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[outbox.StatusPending] != 3 || counts[outbox.StatusDead] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestMigrationsAreEmbedded(t *testing.T) {
	files := Migrations()
	for _, name := range []string{"0001_core.up.sql", "0001_core.down.sql", "0002_outbox.up.sql", "0002_outbox.down.sql"} {
		if _, err := files.Open(name); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}
