package scheduling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/speakbridge/aac/internal/domain/billing"
	"github.com/speakbridge/aac/internal/platform/db"
	"github.com/speakbridge/aac/internal/platform/metrics"
)

// reminderHorizon bounds how far ahead reminder candidates are loaded.
// Offsets larger than this fire once the appointment enters the horizon.
const reminderHorizon = 7 * 24 * time.Hour

// ClaimGenerator is the part of the billing engine the scheduler depends on.
type ClaimGenerator interface {
	GenerateClaim(ctx context.Context, req billing.ClaimRequest) (*billing.Claim, error)
	Estimate(cptCode string, insurance billing.InsuranceType, minutes int) (float64, error)
}

// ReminderSender delivers one appointment reminder.
type ReminderSender interface {
	SendReminder(ctx context.Context, a *Appointment, minutesBefore int) error
}

type Service struct {
	appts   AppointmentRepository
	tx      db.Transactor
	claims  ClaimGenerator
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(appts AppointmentRepository, tx db.Transactor, claims ClaimGenerator, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		appts:   appts,
		tx:      tx,
		claims:  claims,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Service) validate(req *CreateRequest) error {
	if strings.TrimSpace(req.PatientID) == "" {
		return fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if strings.TrimSpace(req.ProfessionalID) == "" {
		return fmt.Errorf("%w: professional_id is required", ErrValidation)
	}
	if err := s.validateStart(req.ScheduledAt); err != nil {
		return err
	}
	if req.DurationMinutes < MinDurationMinutes || req.DurationMinutes > MaxDurationMinutes {
		return fmt.Errorf("%w: duration_minutes must be between %d and %d", ErrValidation, MinDurationMinutes, MaxDurationMinutes)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown appointment_type %q", ErrValidation, req.Type)
	}
	if !req.Location.Valid() {
		return fmt.Errorf("%w: unknown location_type %q", ErrValidation, req.Location)
	}
	if cpt := req.Billing.CPTCode; cpt != nil {
		if _, ok := billing.LookupCode(*cpt); !ok {
			return fmt.Errorf("%w: unknown CPT code %q", billing.ErrInvalidServiceType, *cpt)
		}
	}
	if ins := req.Billing.InsuranceType; ins != nil && !billing.InsuranceType(*ins).Valid() {
		return fmt.Errorf("%w: invalid insurance_type %q", ErrValidation, *ins)
	}
	if r := req.Reminder; r != nil {
		for _, m := range r.MinutesBefore {
			if m <= 0 {
				return fmt.Errorf("%w: reminder offsets must be positive", ErrValidation)
			}
		}
	}
	return nil
}

// validateStart rejects start times on a calendar day before today, judged
// in the start time's own location. Earlier times today are accepted.
func (s *Service) validateStart(start time.Time) error {
	if start.IsZero() {
		return fmt.Errorf("%w: scheduled_at is required", ErrValidation)
	}
	now := s.now().In(start.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, start.Location())
	if start.Before(today) {
		return fmt.Errorf("%w: scheduled_at is in the past", ErrValidation)
	}
	return nil
}

// CreateAppointment stores a new scheduled appointment. Overlaps with the
// professional's scheduled or confirmed appointments are flagged on the new
// record rather than rejected.
func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) (*Appointment, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	a := &Appointment{
		ProfessionalID:  req.ProfessionalID,
		PatientID:       req.PatientID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		Type:            req.Type,
		Location:        req.Location,
		Status:          StatusScheduled,
		Billing:         req.Billing,
		Clinical:        req.Clinical,
		Reminder:        DefaultReminders(),
		Notes:           req.Notes,
	}
	if req.Reminder != nil {
		a.Reminder = *req.Reminder
		a.Reminder.Sent = []int{}
	}
	a.Clinical.SessionSummary = nil
	s.estimate(a)

	if err := s.insert(ctx, a); err != nil {
		return nil, err
	}
	s.metrics.AppointmentTransition(string(StatusScheduled))
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("professional_id", a.ProfessionalID).
		Time("scheduled_at", a.ScheduledAt).
		Bool("conflict", a.Conflict).
		Msg("appointment created")
	return a, nil
}

func (s *Service) estimate(a *Appointment) {
	a.Billing.EstimatedReimbursement = nil
	if s.claims == nil || a.Billing.CPTCode == nil || a.Billing.InsuranceType == nil {
		return
	}
	est, err := s.claims.Estimate(*a.Billing.CPTCode, billing.InsuranceType(*a.Billing.InsuranceType), a.DurationMinutes)
	if err != nil {
		s.logger.Warn().Err(err).Str("cpt_code", *a.Billing.CPTCode).Msg("reimbursement estimate failed")
		return
	}
	a.Billing.EstimatedReimbursement = &est
}

// insert runs the conflict check and the insert under the professional's
// calendar lock so concurrent bookings see each other.
func (s *Service) insert(ctx context.Context, a *Appointment) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.appts.LockProfessional(ctx, a.ProfessionalID); err != nil {
			return err
		}
		existing, err := s.appts.ListOverlapping(ctx, a.ProfessionalID, a.ScheduledAt, a.End())
		if err != nil {
			return err
		}
		a.ConflictWith = []uuid.UUID{}
		for _, other := range existing {
			if other.ID != a.ID && other.Status.Blocking() && other.Overlaps(a) {
				a.ConflictWith = append(a.ConflictWith, other.ID)
			}
		}
		a.Conflict = len(a.ConflictWith) > 0
		return s.appts.Create(ctx, a)
	})
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appts.GetByID(ctx, id)
}

// transition moves an appointment to status to, applying mutate inside the
// same transaction before the row is written.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, mutate func(a *Appointment)) (*Appointment, error) {
	var a *Appointment
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		a, err = s.appts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(a.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
		}
		a.Status = to
		if mutate != nil {
			mutate(a)
		}
		if to.Terminal() {
			now := s.now().UTC()
			a.ArchivedAt = &now
		}
		return s.appts.Update(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.AppointmentTransition(string(to))
	s.logger.Info().Str("appointment_id", a.ID.String()).Str("status", string(to)).Msg("appointment status changed")
	return a, nil
}

func (s *Service) ConfirmAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusConfirmed, nil)
}

func (s *Service) StartAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusInProgress, nil)
}

// CompleteAppointment closes an in-progress session and files its claim.
// The completion stands even when claim generation fails.
func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID, summary, completedBy string) (*CompletionResult, error) {
	summary = strings.TrimSpace(summary)
	a, err := s.transition(ctx, id, StatusCompleted, func(a *Appointment) {
		if summary != "" {
			a.Clinical.SessionSummary = &summary
		}
	})
	if err != nil {
		return nil, err
	}

	res := &CompletionResult{Appointment: a}
	if s.claims == nil || a.Billing.CPTCode == nil || a.Billing.InsuranceType == nil {
		return res, nil
	}
	apptID := a.ID
	claim, err := s.claims.GenerateClaim(ctx, billing.ClaimRequest{
		AppointmentID:   &apptID,
		PatientID:       a.PatientID,
		ProviderID:      a.ProfessionalID,
		DateOfService:   a.ScheduledAt,
		CPTCode:         *a.Billing.CPTCode,
		DiagnosisCodes:  a.Billing.DiagnosisCodes,
		DurationMinutes: a.DurationMinutes,
		InsuranceType:   billing.InsuranceType(*a.Billing.InsuranceType),
		RequestedBy:     completedBy,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("claim generation failed")
		res.ClaimError = err.Error()
		return res, nil
	}
	res.Claim = claim
	return res, nil
}

func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, id, StatusCancelled, func(a *Appointment) {
		if reason != "" {
			a.CancelReason = &reason
		}
	})
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusNoShow, nil)
}

// RescheduleAppointment closes the appointment as rescheduled and books a new
// scheduled record at start that points back to it.
func (s *Service) RescheduleAppointment(ctx context.Context, id uuid.UUID, start time.Time) (*RescheduleResult, error) {
	if err := s.validateStart(start); err != nil {
		return nil, err
	}
	current, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var prev, next *Appointment
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.appts.LockProfessional(ctx, current.ProfessionalID); err != nil {
			return err
		}
		var err error
		prev, err = s.appts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(prev.Status, StatusRescheduled) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, StatusRescheduled)
		}
		now := s.now().UTC()
		prev.Status = StatusRescheduled
		prev.ArchivedAt = &now
		if err := s.appts.Update(ctx, prev); err != nil {
			return err
		}

		next = &Appointment{
			ProfessionalID:  prev.ProfessionalID,
			PatientID:       prev.PatientID,
			ScheduledAt:     start,
			DurationMinutes: prev.DurationMinutes,
			Type:            prev.Type,
			Location:        prev.Location,
			Status:          StatusScheduled,
			Billing:         prev.Billing,
			Clinical:        prev.Clinical,
			Reminder:        prev.Reminder,
			RescheduledFrom: &prev.ID,
			Notes:           prev.Notes,
		}
		next.Clinical.SessionSummary = nil
		next.Reminder.Sent = []int{}
		return s.insert(ctx, next)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.AppointmentTransition(string(StatusRescheduled))
	s.logger.Info().
		Str("appointment_id", prev.ID.String()).
		Str("new_appointment_id", next.ID.String()).
		Time("scheduled_at", next.ScheduledAt).
		Msg("appointment rescheduled")
	return &RescheduleResult{Previous: prev, Appointment: next}, nil
}

// MonthView lists the professional's appointments starting in the given
// month of loc.
func (s *Service) MonthView(ctx context.Context, professionalID string, year int, month time.Month, loc *time.Location) ([]*Appointment, error) {
	if month < time.January || month > time.December {
		return nil, fmt.Errorf("%w: month must be 1-12", ErrValidation)
	}
	if loc == nil {
		loc = time.UTC
	}
	from := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return s.view(ctx, professionalID, from, from.AddDate(0, 1, 0))
}

// WeekView lists the Monday-to-Sunday week containing date.
func (s *Service) WeekView(ctx context.Context, professionalID string, date time.Time) ([]*Appointment, error) {
	day := startOfDay(date)
	from := day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	return s.view(ctx, professionalID, from, from.AddDate(0, 0, 7))
}

func (s *Service) DayView(ctx context.Context, professionalID string, date time.Time) ([]*Appointment, error) {
	from := startOfDay(date)
	return s.view(ctx, professionalID, from, from.AddDate(0, 0, 1))
}

func (s *Service) view(ctx context.Context, professionalID string, from, to time.Time) ([]*Appointment, error) {
	if strings.TrimSpace(professionalID) == "" {
		return nil, fmt.Errorf("%w: professional_id is required", ErrValidation)
	}
	list, err := s.appts.ListByProfessional(ctx, professionalID, from, to)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(list, func(a, b *Appointment) int {
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	return list, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// DueReminders lists reminders whose offset has elapsed at now and that have
// not been sent. When several offsets of one appointment have elapsed only
// the one closest to the start is returned.
func (s *Service) DueReminders(ctx context.Context, now time.Time) ([]DueReminder, error) {
	candidates, err := s.appts.ListReminderCandidates(ctx, now, now.Add(reminderHorizon))
	if err != nil {
		return nil, err
	}
	var due []DueReminder
	for _, a := range candidates {
		if offset, ok := dueOffset(a, now); ok {
			due = append(due, DueReminder{Appointment: a, MinutesBefore: offset})
		}
	}
	return due, nil
}

func dueOffset(a *Appointment, now time.Time) (int, bool) {
	if !a.Reminder.Enabled || a.Status.Terminal() || !a.ScheduledAt.After(now) {
		return 0, false
	}
	best, found := 0, false
	for _, m := range elapsedOffsets(a, now) {
		if !found || m < best {
			best, found = m, true
		}
	}
	return best, found
}

func elapsedOffsets(a *Appointment, now time.Time) []int {
	var out []int
	for _, m := range a.Reminder.MinutesBefore {
		if slices.Contains(a.Reminder.Sent, m) {
			continue
		}
		if !now.Before(a.ScheduledAt.Add(-time.Duration(m) * time.Minute)) {
			out = append(out, m)
		}
	}
	return out
}

// SendDueReminders delivers every due reminder and records all elapsed
// offsets of the appointment as sent. Failed deliveries stay pending and are
// retried on the next call.
func (s *Service) SendDueReminders(ctx context.Context, now time.Time, sender ReminderSender) (int, error) {
	due, err := s.DueReminders(ctx, now)
	if err != nil {
		return 0, err
	}
	sent := 0
	var errs []error
	for _, d := range due {
		if err := sender.SendReminder(ctx, d.Appointment, d.MinutesBefore); err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", d.Appointment.ID.String()).Msg("reminder delivery failed")
			errs = append(errs, err)
			continue
		}
		if err := s.appts.MarkRemindersSent(ctx, d.Appointment.ID, elapsedOffsets(d.Appointment, now)); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		s.logger.Info().Int("sent", sent).Msg("appointment reminders sent")
	}
	return sent, errors.Join(errs...)
}
