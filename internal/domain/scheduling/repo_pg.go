package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/speakbridge/aac/internal/platform/db"
)

type appointmentRepoPG struct{ pool db.Querier }

func NewAppointmentRepoPG(pool db.Querier) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, professional_id, patient_id, scheduled_at, duration_minutes, appointment_type,
	location_type, status, cpt_code, diagnosis_codes, estimated_reimbursement::float8, copay::float8,
	insurance_type, insurance_verified, goals, session_plan, materials, session_summary,
	reminder_enabled, reminder_minutes, reminder_channels, reminders_sent, conflict, conflict_with,
	cancel_reason, rescheduled_from, notes, archived_at, created_at, updated_at`

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var apptType, location, status string
	err := row.Scan(&a.ID, &a.ProfessionalID, &a.PatientID, &a.ScheduledAt, &a.DurationMinutes, &apptType,
		&location, &status, &a.Billing.CPTCode, &a.Billing.DiagnosisCodes, &a.Billing.EstimatedReimbursement, &a.Billing.Copay,
		&a.Billing.InsuranceType, &a.Billing.InsuranceVerified, &a.Clinical.Goals, &a.Clinical.SessionPlan, &a.Clinical.Materials, &a.Clinical.SessionSummary,
		&a.Reminder.Enabled, &a.Reminder.MinutesBefore, &a.Reminder.Channels, &a.Reminder.Sent, &a.Conflict, &a.ConflictWith,
		&a.CancelReason, &a.RescheduledFrom, &a.Notes, &a.ArchivedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = AppointmentType(apptType)
	a.Location = LocationType(location)
	a.Status = Status(status)
	return &a, nil
}

func (r *appointmentRepoPG) scanAll(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, professional_id, patient_id, scheduled_at, duration_minutes,
			appointment_type, location_type, status, cpt_code, diagnosis_codes, estimated_reimbursement,
			copay, insurance_type, insurance_verified, goals, session_plan, materials, session_summary,
			reminder_enabled, reminder_minutes, reminder_channels, reminders_sent, conflict, conflict_with,
			cancel_reason, rescheduled_from, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
		RETURNING created_at, updated_at`,
		a.ID, a.ProfessionalID, a.PatientID, a.ScheduledAt, a.DurationMinutes,
		string(a.Type), string(a.Location), string(a.Status), a.Billing.CPTCode, nonNil(a.Billing.DiagnosisCodes), a.Billing.EstimatedReimbursement,
		a.Billing.Copay, a.Billing.InsuranceType, a.Billing.InsuranceVerified, nonNil(a.Clinical.Goals), a.Clinical.SessionPlan, nonNil(a.Clinical.Materials), a.Clinical.SessionSummary,
		a.Reminder.Enabled, nonNilInts(a.Reminder.MinutesBefore), nonNil(a.Reminder.Channels), nonNilInts(a.Reminder.Sent), a.Conflict, nonNilIDs(a.ConflictWith),
		a.CancelReason, a.RescheduledFrom, a.Notes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET status=$2, session_summary=$3, cancel_reason=$4, archived_at=$5,
			estimated_reimbursement=$6, insurance_verified=$7, notes=$8, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, string(a.Status), a.Clinical.SessionSummary, a.CancelReason, a.ArchivedAt,
		a.Billing.EstimatedReimbursement, a.Billing.InsuranceVerified, a.Notes,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) ListOverlapping(ctx context.Context, professionalID string, start, end time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE professional_id = $1 AND status IN ('scheduled', 'confirmed')
		  AND scheduled_at < $3
		  AND scheduled_at + make_interval(mins => duration_minutes) > $2
		ORDER BY scheduled_at`, professionalID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list overlapping appointments: %w", err)
	}
	return r.scanAll(rows)
}

func (r *appointmentRepoPG) ListByProfessional(ctx context.Context, professionalID string, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE professional_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		ORDER BY scheduled_at`, professionalID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return r.scanAll(rows)
}

func (r *appointmentRepoPG) ListReminderCandidates(ctx context.Context, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE reminder_enabled AND status IN ('scheduled', 'confirmed')
		  AND scheduled_at >= $1 AND scheduled_at < $2
		ORDER BY scheduled_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list reminder candidates: %w", err)
	}
	return r.scanAll(rows)
}

func (r *appointmentRepoPG) MarkRemindersSent(ctx context.Context, id uuid.UUID, offsets []int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments
		SET reminders_sent = ARRAY(SELECT DISTINCT unnest(reminders_sent || $2::int[])), updated_at = NOW()
		WHERE id = $1`, id, nonNilInts(offsets))
	if err != nil {
		return fmt.Errorf("mark reminders sent: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) LockProfessional(ctx context.Context, professionalID string) error {
	if _, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, professionalID); err != nil {
		return fmt.Errorf("lock professional calendar: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}

func nonNilIDs(s []uuid.UUID) []uuid.UUID {
	if s == nil {
		return []uuid.UUID{}
	}
	return s
}
