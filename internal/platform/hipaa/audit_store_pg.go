package hipaa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/speakbridge/aac/internal/platform/db"
)

// PGAuditStore keeps the newest capacity critical entries in audit_log.
type PGAuditStore struct {
	pool     db.Querier
	tx       db.Transactor
	capacity int
}

func NewPGAuditStore(pool db.Querier, tx db.Transactor, capacity int) *PGAuditStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &PGAuditStore{pool: pool, tx: tx, capacity: capacity}
}

// Append inserts the entry and trims older rows in a transaction of its own.
// A transaction already on ctx is ignored so the entry survives its rollback.
func (s *PGAuditStore) Append(ctx context.Context, e *AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	return s.tx.WithTx(db.Detach(ctx), func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		if _, err := conn.Exec(ctx,
			`INSERT INTO audit_log (id, action, details, user_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
			e.ID, e.Action, details, e.UserID, e.Timestamp,
		); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		if _, err := conn.Exec(ctx,
			`DELETE FROM audit_log WHERE id IN (
				SELECT id FROM audit_log ORDER BY created_at DESC, id DESC OFFSET $1
			)`, s.capacity,
		); err != nil {
			return fmt.Errorf("trim audit log: %w", err)
		}
		return nil
	})
}

func (s *PGAuditStore) Recent(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 || limit > s.capacity {
		limit = s.capacity
	}
	rows, err := db.Conn(ctx, s.pool).Query(ctx,
		`SELECT id, action, details, user_id, created_at FROM audit_log ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details []byte
		var userID *string
		if err := rows.Scan(&e.ID, &e.Action, &details, &userID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		if userID != nil {
			e.UserID = *userID
		}
		e.Critical = IsCritical(e.Action)
		out = append(out, &e)
	}
	return out, rows.Err()
}
