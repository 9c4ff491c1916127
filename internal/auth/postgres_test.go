package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGTenantFind(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("select id, name, status, created_at, updated_at from tenants").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "created_at", "updated_at"}).
			AddRow("tenant-1", "Acme", TenantActive, now, now))

	store := NewPGStore(db)
	tenant, err := store.Tenants().Find(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if tenant.Name != "Acme" || tenant.Status != TenantActive {
		t.Fatalf("unexpected tenant: %+v", tenant)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGTenantFindRetriesTransientError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("select id, name, status, created_at, updated_at from tenants").
		WithArgs("tenant-1").
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectQuery("select id, name, status, created_at, updated_at from tenants").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "created_at", "updated_at"}).
			AddRow("tenant-1", "Acme", TenantActive, now, now))

	store := NewPGStore(db)
	tenant, err := store.Tenants().Find(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("find after transient error: %v", err)
	}
	if tenant.Name != "Acme" {
		t.Fatalf("unexpected tenant: %+v", tenant)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGTenantFindDoesNotRetryExpiredContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select id, name, status, created_at, updated_at from tenants").
		WithArgs("tenant-1").
		WillReturnError(context.DeadlineExceeded)

	store := NewPGStore(db)
	if _, err := store.Tenants().Find(context.Background(), "tenant-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline passed through once, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGIdentityFindNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select id, tenant_id, identifier").
		WithArgs("tenant-1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := NewPGStore(db)
	if _, err := store.Identities().Find(context.Background(), "tenant-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGIdentityUpdateCapabilities(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update identities set capabilities").
		WithArgs("tenant-1", "id-1", sqlmock.AnyArg(), int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPGStore(db)
	if err := store.Identities().UpdateCapabilities(context.Background(), "tenant-1", "id-1", []string{"a:b"}, 4); err != nil {
		t.Fatalf("update capabilities: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGIdentityUpdateStatusMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update identities set status").
		WithArgs("tenant-1", "missing", StatusLocked).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPGStore(db)
	if err := store.Identities().UpdateStatus(context.Background(), "tenant-1", "missing", StatusLocked); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRefreshTokenMarkRotatedMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update refresh_tokens set rotated=true").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPGStore(db)
	if err := store.RefreshTokens().MarkRotated(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGSessionDeleteExpiredBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	cutoff := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec("delete from refresh_tokens where session_id in").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("delete from sessions where expires_at").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	store := NewPGStore(db)
	n, err := store.Sessions().DeleteExpiredBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed sessions, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGAuditAppendEmptyActor(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into audit_events").
		WithArgs(sqlmock.AnyArg(), "tenant-1", nil, "auth.login", "", "",
			sqlmock.AnyArg(), OutcomeFailure, SeverityNormal, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPGStore(db)
	err = store.AuditEvents().Append(context.Background(), &AuditEvent{
		TenantID:   "tenant-1",
		Action:     "auth.login",
		Outcome:    OutcomeFailure,
		Severity:   SeverityNormal,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
