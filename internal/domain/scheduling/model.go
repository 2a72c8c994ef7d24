package scheduling

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/speakbridge/aac/internal/domain/billing"
)

var (
	ErrNotFound          = errors.New("appointment not found")
	ErrInvalidTransition = errors.New("invalid appointment status transition")
	ErrValidation        = errors.New("invalid appointment")
)

const (
	MinDurationMinutes = 15
	MaxDurationMinutes = 240
)

type AppointmentType string

const (
	TypeEvaluation        AppointmentType = "evaluation"
	TypeTherapy           AppointmentType = "therapy"
	TypeConsultation      AppointmentType = "consultation"
	TypeFollowUp          AppointmentType = "follow_up"
	TypeGroup             AppointmentType = "group"
	TypeTelehealthCheckIn AppointmentType = "telehealth_check_in"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeEvaluation, TypeTherapy, TypeConsultation, TypeFollowUp, TypeGroup, TypeTelehealthCheckIn:
		return true
	}
	return false
}

type LocationType string

const (
	LocationInPerson   LocationType = "in_person"
	LocationTelehealth LocationType = "telehealth"
	LocationHomeVisit  LocationType = "home_visit"
	LocationSchool     LocationType = "school"
)

func (l LocationType) Valid() bool {
	switch l {
	case LocationInPerson, LocationTelehealth, LocationHomeVisit, LocationSchool:
		return true
	}
	return false
}

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusConfirmed   Status = "confirmed"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no_show"
	StatusRescheduled Status = "rescheduled"
)

// transitions lists the allowed target statuses for each source status.
// Statuses missing from the map are terminal.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusCancelled, StatusNoShow, StatusRescheduled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusNoShow, StatusRescheduled},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Blocking reports whether an appointment in this status occupies its slot
// for conflict detection.
func (s Status) Blocking() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

type BillingInfo struct {
	CPTCode                *string  `json:"cpt_code,omitempty"`
	DiagnosisCodes         []string `json:"diagnosis_codes"`
	EstimatedReimbursement *float64 `json:"estimated_reimbursement,omitempty"`
	Copay                  *float64 `json:"copay,omitempty"`
	InsuranceType          *string  `json:"insurance_type,omitempty"`
	InsuranceVerified      bool     `json:"insurance_verified"`
}

type ClinicalInfo struct {
	Goals          []string `json:"goals"`
	SessionPlan    *string  `json:"session_plan,omitempty"`
	Materials      []string `json:"materials"`
	SessionSummary *string  `json:"session_summary,omitempty"`
}

type ReminderSettings struct {
	Enabled       bool     `json:"enabled"`
	MinutesBefore []int    `json:"minutes_before"`
	Channels      []string `json:"channels"`
	// Sent holds the offsets from MinutesBefore already delivered.
	Sent []int `json:"sent"`
}

// DefaultReminders is applied when a request carries no reminder settings.
func DefaultReminders() ReminderSettings {
	return ReminderSettings{
		Enabled:       true,
		MinutesBefore: []int{1440, 60},
		Channels:      []string{"email"},
		Sent:          []int{},
	}
}

type Appointment struct {
	ID              uuid.UUID        `json:"id"`
	ProfessionalID  string           `json:"professional_id"`
	PatientID       string           `json:"patient_id"`
	ScheduledAt     time.Time        `json:"scheduled_at"`
	DurationMinutes int              `json:"duration_minutes"`
	Type            AppointmentType  `json:"appointment_type"`
	Location        LocationType     `json:"location_type"`
	Status          Status           `json:"status"`
	Billing         BillingInfo      `json:"billing"`
	Clinical        ClinicalInfo     `json:"clinical"`
	Reminder        ReminderSettings `json:"reminder"`
	Conflict        bool             `json:"conflict"`
	ConflictWith    []uuid.UUID      `json:"conflict_with"`
	CancelReason    *string          `json:"cancel_reason,omitempty"`
	RescheduledFrom *uuid.UUID       `json:"rescheduled_from,omitempty"`
	Notes           *string          `json:"notes,omitempty"`
	ArchivedAt      *time.Time       `json:"archived_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func (a *Appointment) End() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Overlaps reports whether a and b share any instant. Back-to-back
// appointments do not overlap.
func (a *Appointment) Overlaps(b *Appointment) bool {
	return a.ScheduledAt.Before(b.End()) && b.ScheduledAt.Before(a.End())
}

// CreateRequest carries the caller-supplied fields of a new appointment.
type CreateRequest struct {
	ProfessionalID  string            `json:"professional_id"`
	PatientID       string            `json:"patient_id"`
	ScheduledAt     time.Time         `json:"scheduled_at"`
	DurationMinutes int               `json:"duration_minutes"`
	Type            AppointmentType   `json:"appointment_type"`
	Location        LocationType      `json:"location_type"`
	Billing         BillingInfo       `json:"billing"`
	Clinical        ClinicalInfo      `json:"clinical"`
	Reminder        *ReminderSettings `json:"reminder,omitempty"`
	Notes           *string           `json:"notes,omitempty"`
}

// CompletionResult is returned by CompleteAppointment. Claim generation
// failures do not undo the completion; they are reported in ClaimError.
type CompletionResult struct {
	Appointment *Appointment   `json:"appointment"`
	Claim       *billing.Claim `json:"claim,omitempty"`
	ClaimError  string         `json:"claim_error,omitempty"`
}

// RescheduleResult pairs the closed-out record with its replacement.
type RescheduleResult struct {
	Previous    *Appointment `json:"previous"`
	Appointment *Appointment `json:"appointment"`
}

// DueReminder is one reminder that should be delivered now.
type DueReminder struct {
	Appointment   *Appointment
	MinutesBefore int
}
