package emergency

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/speakbridge/aac/internal/platform/db"
)

// -- Contacts --

type contactRepoPG struct{ pool db.Querier }

func NewContactRepoPG(pool db.Querier) ContactRepository {
	return &contactRepoPG{pool: pool}
}

func (r *contactRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *contactRepoPG) Create(ctx context.Context, c *Contact) error {
	c.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO emergency_contacts (id, user_id, name, relationship, phone, email, is_primary,
			available_from, available_until, preferred_channel)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		c.ID, c.UserID, c.Name, c.Relationship, c.Phone, c.Email, c.Primary,
		c.AvailableFrom, c.AvailableUntil, c.PreferredChannel,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert emergency contact: %w", err)
	}
	return nil
}

func (r *contactRepoPG) ListByUser(ctx context.Context, userID string) ([]*Contact, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, user_id, name, COALESCE(relationship, ''), phone, COALESCE(email, ''), is_primary,
			available_from, available_until, preferred_channel, created_at
		FROM emergency_contacts WHERE user_id = $1
		ORDER BY is_primary DESC, created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list emergency contacts: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Relationship, &c.Phone, &c.Email, &c.Primary,
			&c.AvailableFrom, &c.AvailableUntil, &c.PreferredChannel, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *contactRepoPG) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM emergency_contacts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete emergency contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Incidents --

type incidentRepoPG struct{ pool db.Querier }

func NewIncidentRepoPG(pool db.Querier) IncidentRepository {
	return &incidentRepoPG{pool: pool}
}

func (r *incidentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const incidentCols = `id, user_id, emergency_type, severity, status, latitude, longitude,
	location_description, actions, notified_contact_ids, notification_failures, dialed_number,
	resolved_at, resolved_by, created_at`

func (r *incidentRepoPG) scanRow(row pgx.Row) (*Incident, error) {
	var i Incident
	var typ string
	var lat, lng *float64
	var desc *string
	var actions []string
	err := row.Scan(&i.ID, &i.UserID, &typ, &i.Severity, &i.Status, &lat, &lng,
		&desc, &actions, &i.NotifiedContactIDs, &i.NotificationFailures, &i.DialedNumber,
		&i.ResolvedAt, &i.ResolvedBy, &i.CreatedAt)
	if err != nil {
		return nil, err
	}
	i.Type = Type(typ)
	i.Tier = TierFor(i.Severity)
	if lat != nil || lng != nil || desc != nil {
		i.Location = &Location{Latitude: lat, Longitude: lng}
		if desc != nil {
			i.Location.Description = *desc
		}
	}
	i.Actions = make([]Action, len(actions))
	for n, a := range actions {
		i.Actions[n] = Action(a)
	}
	return &i, nil
}

func (r *incidentRepoPG) get(ctx context.Context, q string, id uuid.UUID) (*Incident, error) {
	i, err := r.scanRow(r.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

func locationArgs(l *Location) (lat, lng *float64, desc *string) {
	if l == nil {
		return nil, nil, nil
	}
	if l.Description != "" {
		desc = &l.Description
	}
	return l.Latitude, l.Longitude, desc
}

func actionStrings(actions []Action) []string {
	out := make([]string, len(actions))
	for n, a := range actions {
		out[n] = string(a)
	}
	return out
}

func (r *incidentRepoPG) Create(ctx context.Context, i *Incident) error {
	lat, lng, desc := locationArgs(i.Location)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO emergency_incidents (id, user_id, emergency_type, severity, status,
			latitude, longitude, location_description, actions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		i.ID, i.UserID, string(i.Type), i.Severity, i.Status,
		lat, lng, desc, actionStrings(i.Actions),
	).Scan(&i.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert emergency incident: %w", err)
	}
	return nil
}

func (r *incidentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Incident, error) {
	return r.get(ctx, `SELECT `+incidentCols+` FROM emergency_incidents WHERE id = $1`, id)
}

func (r *incidentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Incident, error) {
	return r.get(ctx, `SELECT `+incidentCols+` FROM emergency_incidents WHERE id = $1 FOR UPDATE`, id)
}

func (r *incidentRepoPG) Update(ctx context.Context, i *Incident) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE emergency_incidents SET status = $2, actions = $3, notified_contact_ids = $4,
			notification_failures = $5, dialed_number = $6, resolved_at = $7, resolved_by = $8
		WHERE id = $1`,
		i.ID, i.Status, actionStrings(i.Actions), nonNilIDs(i.NotifiedContactIDs),
		nonNil(i.NotificationFailures), i.DialedNumber, i.ResolvedAt, i.ResolvedBy,
	)
	if err != nil {
		return fmt.Errorf("update emergency incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *incidentRepoPG) ListByUser(ctx context.Context, userID string, limit int) ([]*Incident, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+incidentCols+` FROM emergency_incidents
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list emergency incidents: %w", err)
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		i, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilIDs(s []uuid.UUID) []uuid.UUID {
	if s == nil {
		return []uuid.UUID{}
	}
	return s
}
