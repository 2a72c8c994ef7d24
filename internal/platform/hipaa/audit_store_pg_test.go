package hipaa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/speakbridge/aac/internal/platform/db"
)

func TestPGAuditStore_AppendTrimsInTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	entry := &AuditEntry{
		ID:        uuid.New(),
		Action:    ActionRecordDeleted,
		Details:   map[string]any{"record_id": "PT-1"},
		UserID:    "u-1",
		Timestamp: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(entry.ID, entry.Action, pgxmock.AnyArg(), entry.UserID, entry.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM audit_log").
		WithArgs(1000).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	store := NewPGAuditStore(mock, db.NewTransactor(mock), 1000)
	if err := store.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPGAuditStore_AppendCommitsWhenCallerRollsBack(t *testing.T) {
	recordMock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer recordMock.Close()
	auditMock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer auditMock.Close()

	entry := &AuditEntry{
		ID:        uuid.New(),
		Action:    ActionDecryptionFailed,
		Details:   map[string]any{"record_id": "PT-9"},
		UserID:    "u-2",
		Timestamp: time.Now().UTC(),
	}

	// The record transaction sees no audit statements and rolls back.
	recordMock.ExpectBegin()
	recordMock.ExpectRollback()

	auditMock.ExpectBegin()
	auditMock.ExpectExec("INSERT INTO audit_log").
		WithArgs(entry.ID, entry.Action, pgxmock.AnyArg(), entry.UserID, entry.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	auditMock.ExpectExec("DELETE FROM audit_log").
		WithArgs(1000).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	auditMock.ExpectCommit()

	store := NewPGAuditStore(auditMock, db.NewTransactor(auditMock), 1000)
	failed := errors.New("decrypt failed")
	err = db.NewTransactor(recordMock).WithTx(context.Background(), func(ctx context.Context) error {
		if err := store.Append(ctx, entry); err != nil {
			t.Errorf("Append: %v", err)
		}
		return failed
	})
	if !errors.Is(err, failed) {
		t.Fatalf("expected record transaction error, got %v", err)
	}
	if err := recordMock.ExpectationsWereMet(); err != nil {
		t.Errorf("record tx: %v", err)
	}
	if err := auditMock.ExpectationsWereMet(); err != nil {
		t.Errorf("audit tx: %v", err)
	}
}

func TestPGAuditStore_Recent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	id := uuid.New()
	user := "u-7"
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, action, details, user_id, created_at FROM audit_log").
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "action", "details", "user_id", "created_at"}).
			AddRow(id, ActionPHIExported, []byte(`{"record_id":"PT-3"}`), &user, at))

	store := NewPGAuditStore(mock, db.NewTransactor(mock), 1000)
	entries, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID != id || e.UserID != "u-7" || !e.Critical {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Details["record_id"] != "PT-3" {
		t.Errorf("expected record_id PT-3, got %v", e.Details["record_id"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
