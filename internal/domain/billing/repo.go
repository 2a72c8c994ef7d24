package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ClaimRepository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	// GetForUpdate locks the row when called inside a transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Claim, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Claim, error)
	Update(ctx context.Context, c *Claim) error
	List(ctx context.Context, f ClaimFilter, limit, offset int) ([]*Claim, int, error)
	// ListByServiceDate returns claims with from <= date_of_service < to.
	ListByServiceDate(ctx context.Context, from, to time.Time) ([]*Claim, error)
	// SumPaid totals paid_amount of approved and paid claims with
	// from <= date_of_service < to.
	SumPaid(ctx context.Context, from, to time.Time) (float64, error)
	// Status history
	AddStatusChange(ctx context.Context, h *StatusChange) error
	History(ctx context.Context, claimID uuid.UUID) ([]*StatusChange, error)
}
