package emergency

import (
	"context"

	"github.com/google/uuid"
)

type ContactRepository interface {
	Create(ctx context.Context, c *Contact) error
	ListByUser(ctx context.Context, userID string) ([]*Contact, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) error
}

type IncidentRepository interface {
	Create(ctx context.Context, i *Incident) error
	GetByID(ctx context.Context, id uuid.UUID) (*Incident, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Incident, error)
	Update(ctx context.Context, i *Incident) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Incident, error)
}
