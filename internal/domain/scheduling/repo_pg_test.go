package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"

	"github.com/speakbridge/aac/internal/platform/db"
)

var apptColumns = []string{"id", "professional_id", "patient_id", "scheduled_at", "duration_minutes", "appointment_type",
	"location_type", "status", "cpt_code", "diagnosis_codes", "estimated_reimbursement", "copay",
	"insurance_type", "insurance_verified", "goals", "session_plan", "materials", "session_summary",
	"reminder_enabled", "reminder_minutes", "reminder_channels", "reminders_sent", "conflict", "conflict_with",
	"cancel_reason", "rescheduled_from", "notes", "archived_at", "created_at", "updated_at"}

func apptRow(rows *pgxmock.Rows, id uuid.UUID, start time.Time, status Status) *pgxmock.Rows {
	cpt, ins := "92507", "medicare"
	est := 342.0
	var none *string
	var noID *uuid.UUID
	var noTime *time.Time
	var noFloat *float64
	return rows.AddRow(id, "slp-1", "PT-1", start, 60, "therapy",
		"in_person", string(status), &cpt, []string{"F80.0"}, &est, noFloat,
		&ins, true, []string{"articulation"}, none, []string{}, none,
		true, []int{1440, 60}, []string{"email"}, []int{}, false, []uuid.UUID{},
		none, noID, none, noTime, start, start)
}

func TestAppointmentRepoPG_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	id := uuid.New()
	start := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT .+ FROM appointments WHERE id").
		WithArgs(id).
		WillReturnRows(apptRow(pgxmock.NewRows(apptColumns), id, start, StatusConfirmed))

	a, err := NewAppointmentRepoPG(mock).GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID != id || a.Status != StatusConfirmed || a.Type != TypeTherapy {
		t.Errorf("unexpected appointment %+v", a)
	}
	if a.Billing.CPTCode == nil || *a.Billing.CPTCode != "92507" {
		t.Error("expected cpt code to be scanned")
	}
	if len(a.Reminder.MinutesBefore) != 2 {
		t.Errorf("expected reminder offsets, got %v", a.Reminder.MinutesBefore)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppointmentRepoPG_GetByIDNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM appointments WHERE id").
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	if _, err := NewAppointmentRepoPG(mock).GetByID(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// The service's create path takes the advisory lock, checks overlaps and
// inserts within one transaction.
func TestService_CreateRunsInOneTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := NewAppointmentRepoPG(mock)
	svc := NewService(repo, db.NewTransactor(mock), nil, nil, zerolog.Nop())
	svc.now = func() time.Time { return fixedNow }

	existingID := uuid.New()
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("slp-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT .+ FROM appointments\\s+WHERE professional_id = .+ AND status IN").
		WillReturnRows(apptRow(pgxmock.NewRows(apptColumns), existingID, fixedNow.Add(90*time.Minute), StatusScheduled))
	mock.ExpectQuery("INSERT INTO appointments").
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	a, err := svc.CreateAppointment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.Conflict || len(a.ConflictWith) != 1 || a.ConflictWith[0] != existingID {
		t.Errorf("expected conflict with %s, got %v", existingID, a.ConflictWith)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestService_CreateRollsBackOnInsertFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	svc := NewService(NewAppointmentRepoPG(mock), db.NewTransactor(mock), nil, nil, zerolog.Nop())
	svc.now = func() time.Time { return fixedNow }

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT .+ FROM appointments").WillReturnRows(pgxmock.NewRows(apptColumns))
	mock.ExpectQuery("INSERT INTO appointments").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if _, err := svc.CreateAppointment(context.Background(), validRequest()); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppointmentRepoPG_UpdateNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectQuery("UPDATE appointments SET status").WillReturnError(pgx.ErrNoRows)

	err = NewAppointmentRepoPG(mock).Update(context.Background(), &Appointment{ID: uuid.New(), Status: StatusCancelled})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppointmentRepoPG_MarkRemindersSent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	id := uuid.New()
	mock.ExpectExec("UPDATE appointments\\s+SET reminders_sent").
		WithArgs(id, []int{1440, 60}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := NewAppointmentRepoPG(mock).MarkRemindersSent(context.Background(), id, []int{1440, 60}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
