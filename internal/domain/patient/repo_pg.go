package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/speakbridge/aac/internal/platform/db"
)

type recordRepoPG struct{ pool db.Querier }

func NewRecordRepoPG(pool db.Querier) RecordRepository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const recordCols = `id, ciphertext, key_version, COALESCE(created_by, ''), created_at, updated_at`

func (r *recordRepoPG) scan(row pgx.Row) (*SealedRecord, error) {
	var s SealedRecord
	err := row.Scan(&s.ID, &s.Ciphertext, &s.KeyVersion, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *recordRepoPG) Create(ctx context.Context, s *SealedRecord) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_records (id, ciphertext, key_version, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		s.ID, s.Ciphertext, s.KeyVersion, s.CreatedBy,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient record: %w", err)
	}
	return nil
}

func (r *recordRepoPG) Get(ctx context.Context, id string) (*SealedRecord, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM patient_records WHERE id = $1`, id))
}

func (r *recordRepoPG) GetForUpdate(ctx context.Context, id string) (*SealedRecord, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM patient_records WHERE id = $1 FOR UPDATE`, id))
}

func (r *recordRepoPG) Update(ctx context.Context, s *SealedRecord) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patient_records SET ciphertext = $2, key_version = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.Ciphertext, s.KeyVersion,
	).Scan(&s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update patient record: %w", err)
	}
	return nil
}

func (r *recordRepoPG) Delete(ctx context.Context, id string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete patient record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) ListIDs(ctx context.Context, limit, offset int) ([]string, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient_records`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patient records: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM patient_records ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patient records: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	return ids, total, rows.Err()
}
