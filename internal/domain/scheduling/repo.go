package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// ListOverlapping returns scheduled or confirmed appointments of the
	// professional that intersect [start, end).
	ListOverlapping(ctx context.Context, professionalID string, start, end time.Time) ([]*Appointment, error)
	// ListByProfessional returns appointments starting in [from, to) ordered by start.
	ListByProfessional(ctx context.Context, professionalID string, from, to time.Time) ([]*Appointment, error)
	// ListReminderCandidates returns reminder-enabled scheduled or confirmed
	// appointments starting in [from, to).
	ListReminderCandidates(ctx context.Context, from, to time.Time) ([]*Appointment, error)
	MarkRemindersSent(ctx context.Context, id uuid.UUID, offsets []int) error
	// LockProfessional serializes writers on one professional's calendar for
	// the rest of the current transaction.
	LockProfessional(ctx context.Context, professionalID string) error
}
