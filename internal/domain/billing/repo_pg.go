package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/speakbridge/aac/internal/platform/db"
)

type claimRepoPG struct{ pool db.Querier }

func NewClaimRepoPG(pool db.Querier) ClaimRepository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const claimCols = `id, appointment_id, patient_id, provider_id, date_of_service, cpt_code,
	modifiers, diagnosis_codes, units, rate, total_charge, insurance_type, status,
	paid_amount, denial_reason, submitted_at, created_at, updated_at`

func (r *claimRepoPG) scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	var insurance, status string
	err := row.Scan(&c.ID, &c.AppointmentID, &c.PatientID, &c.ProviderID, &c.DateOfService, &c.CPTCode,
		&c.Modifiers, &c.DiagnosisCodes, &c.Units, &c.Rate, &c.TotalCharge, &insurance, &status,
		&c.PaidAmount, &c.DenialReason, &c.SubmittedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.InsuranceType = InsuranceType(insurance)
	c.Status = ClaimStatus(status)
	return &c, nil
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claims (id, appointment_id, patient_id, provider_id, date_of_service, cpt_code,
			modifiers, diagnosis_codes, units, rate, total_charge, insurance_type, status,
			paid_amount, denial_reason, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		c.ID, c.AppointmentID, c.PatientID, c.ProviderID, c.DateOfService, c.CPTCode,
		nonNil(c.Modifiers), nonNil(c.DiagnosisCodes), c.Units, c.Rate, c.TotalCharge, string(c.InsuranceType), string(c.Status),
		c.PaidAmount, c.DenialReason, c.SubmittedAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id))
}

func (r *claimRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1 FOR UPDATE`, id))
}

func (r *claimRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Claim, error) {
	return r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE appointment_id = $1`, appointmentID))
}

func (r *claimRepoPG) Update(ctx context.Context, c *Claim) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE claims SET status=$2, paid_amount=$3, denial_reason=$4, submitted_at=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, string(c.Status), c.PaidAmount, c.DenialReason, c.SubmittedAt,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	return nil
}

func (r *claimRepoPG) List(ctx context.Context, f ClaimFilter, limit, offset int) ([]*Claim, int, error) {
	var where []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.PatientID != "" {
		add("patient_id", f.PatientID)
	}
	if f.ProviderID != "" {
		add("provider_id", f.ProviderID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.InsuranceType != "" {
		add("insurance_type", string(f.InsuranceType))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claims`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count claims: %w", err)
	}

	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM claims%s ORDER BY date_of_service DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		claimCols, clause, len(args)-1, len(args))
	items, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *claimRepoPG) ListByServiceDate(ctx context.Context, from, to time.Time) ([]*Claim, error) {
	return r.query(ctx, `SELECT `+claimCols+` FROM claims
		WHERE date_of_service >= $1 AND date_of_service < $2
		ORDER BY date_of_service, created_at`, from, to)
}

func (r *claimRepoPG) SumPaid(ctx context.Context, from, to time.Time) (float64, error) {
	var total float64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(paid_amount), 0)::float8 FROM claims
		WHERE status IN ('approved', 'paid') AND date_of_service >= $1 AND date_of_service < $2`,
		from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum paid claims: %w", err)
	}
	return total, nil
}

func (r *claimRepoPG) query(ctx context.Context, sql string, args ...any) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *claimRepoPG) AddStatusChange(ctx context.Context, h *StatusChange) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	var from *string
	if h.FromStatus != nil {
		s := string(*h.FromStatus)
		from = &s
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_status_history (id, claim_id, from_status, to_status, reason, changed_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING changed_at`,
		h.ID, h.ClaimID, from, string(h.ToStatus), h.Reason, h.ChangedBy,
	).Scan(&h.ChangedAt)
	if err != nil {
		return fmt.Errorf("insert claim status history: %w", err)
	}
	return nil
}

func (r *claimRepoPG) History(ctx context.Context, claimID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, from_status, to_status, reason, COALESCE(changed_by, ''), changed_at
		FROM claim_status_history WHERE claim_id = $1 ORDER BY changed_at, id`, claimID)
	if err != nil {
		return nil, fmt.Errorf("query claim status history: %w", err)
	}
	defer rows.Close()
	var out []*StatusChange
	for rows.Next() {
		var h StatusChange
		var from *string
		var to string
		if err := rows.Scan(&h.ID, &h.ClaimID, &from, &to, &h.Reason, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, err
		}
		if from != nil {
			fs := ClaimStatus(*from)
			h.FromStatus = &fs
		}
		h.ToStatus = ClaimStatus(to)
		out = append(out, &h)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
