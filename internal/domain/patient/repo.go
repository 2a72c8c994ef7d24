package patient

import "context"

// RecordRepository stores sealed records. It never sees plaintext.
type RecordRepository interface {
	Create(ctx context.Context, r *SealedRecord) error
	Get(ctx context.Context, id string) (*SealedRecord, error)
	GetForUpdate(ctx context.Context, id string) (*SealedRecord, error)
	Update(ctx context.Context, r *SealedRecord) error
	Delete(ctx context.Context, id string) error
	ListIDs(ctx context.Context, limit, offset int) ([]string, int, error)
}
