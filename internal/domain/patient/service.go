package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/speakbridge/aac/internal/platform/db"
	"github.com/speakbridge/aac/internal/platform/hipaa"
)

// Service is the only place patient plaintext exists. Records are sealed
// through the vault before they reach the repository, and every operation
// is written to the audit log.
type Service struct {
	records RecordRepository
	tx      db.Transactor
	vault   *hipaa.Vault
	audit   *hipaa.AuditLog
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(records RecordRepository, tx db.Transactor, vault *hipaa.Vault, audit *hipaa.AuditLog, logger zerolog.Logger) *Service {
	return &Service{
		records: records,
		tx:      tx,
		vault:   vault,
		audit:   audit,
		logger:  logger,
		now:     time.Now,
	}
}

func validate(r *Record) error {
	if strings.TrimSpace(r.FirstName) == "" || strings.TrimSpace(r.LastName) == "" {
		return fmt.Errorf("%w: first_name and last_name are required", ErrValidation)
	}
	if r.DateOfBirth != "" {
		if _, err := time.Parse("2006-01-02", r.DateOfBirth); err != nil {
			return fmt.Errorf("%w: date_of_birth must be YYYY-MM-DD", ErrValidation)
		}
	}
	return nil
}

func (s *Service) seal(ctx context.Context, rec *Record, userID string) ([]byte, int, error) {
	blob, err := s.vault.EncryptRecord(ctx, rec.ID, rec, userID)
	if err != nil {
		return nil, 0, err
	}
	version, err := hipaa.KeyVersion(blob)
	if err != nil {
		return nil, 0, err
	}
	return blob, version, nil
}

func (s *Service) open(ctx context.Context, sealed *SealedRecord, userID string) (*Record, error) {
	var rec Record
	if err := s.vault.DecryptRecord(ctx, sealed.ID, sealed.Ciphertext, &rec, userID); err != nil {
		return nil, err
	}
	rec.ID = sealed.ID
	rec.CreatedAt = sealed.CreatedAt
	rec.UpdatedAt = sealed.UpdatedAt
	return &rec, nil
}

// CreateRecord assigns a new PT- id and stores the sealed record. Progress
// notes cannot be supplied here; they are added with AppendProgressNote.
func (s *Service) CreateRecord(ctx context.Context, in Record, userID string) (*Record, error) {
	if err := validate(&in); err != nil {
		return nil, err
	}
	rec := in
	rec.ID = IDPrefix + uuid.NewString()
	rec.ProgressNotes = []ProgressNote{}
	if rec.Goals == nil {
		rec.Goals = []Goal{}
	}
	assignGoalIDs(rec.Goals)

	blob, version, err := s.seal(ctx, &rec, userID)
	if err != nil {
		return nil, err
	}
	sealed := &SealedRecord{ID: rec.ID, Ciphertext: blob, KeyVersion: version, CreatedBy: userID}
	if err := s.records.Create(ctx, sealed); err != nil {
		return nil, err
	}
	rec.CreatedAt, rec.UpdatedAt = sealed.CreatedAt, sealed.UpdatedAt

	s.logAudit(ctx, hipaa.ActionRecordCreated, rec.ID, userID, nil)
	return &rec, nil
}

func assignGoalIDs(goals []Goal) {
	for i := range goals {
		if goals[i].ID == "" {
			goals[i].ID = uuid.NewString()
		}
	}
}

func (s *Service) GetRecord(ctx context.Context, id, userID string) (*Record, error) {
	sealed, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := s.open(ctx, sealed, userID)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, hipaa.ActionRecordAccessed, id, userID, nil)
	return rec, nil
}

// UpdateRecord replaces demographics, communication profile and goals.
// Progress notes are carried over unchanged.
func (s *Service) UpdateRecord(ctx context.Context, id string, in Record, userID string) (*Record, error) {
	if err := validate(&in); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		sealed, err := s.records.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		current, err := s.open(ctx, sealed, userID)
		if err != nil {
			return err
		}

		next := in
		next.ID = current.ID
		next.ProgressNotes = current.ProgressNotes
		next.CreatedAt = current.CreatedAt
		if next.Goals == nil {
			next.Goals = []Goal{}
		}
		assignGoalIDs(next.Goals)

		if sealed.Ciphertext, sealed.KeyVersion, err = s.seal(ctx, &next, userID); err != nil {
			return err
		}
		if err := s.records.Update(ctx, sealed); err != nil {
			return err
		}
		next.UpdatedAt = sealed.UpdatedAt
		rec = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, hipaa.ActionRecordModified, id, userID, nil)
	return rec, nil
}

// AppendProgressNote adds a note authored by userID. Existing notes are
// never edited or removed.
func (s *Service) AppendProgressNote(ctx context.Context, id, text string, goalIDs []string, userID string) (*ProgressNote, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: note text is required", ErrValidation)
	}
	note := ProgressNote{
		ID:        uuid.New(),
		Timestamp: s.now().UTC(),
		AuthorID:  userID,
		Text:      text,
		GoalIDs:   goalIDs,
	}

	var count int
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		sealed, err := s.records.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		rec, err := s.open(ctx, sealed, userID)
		if err != nil {
			return err
		}
		rec.ProgressNotes = append(rec.ProgressNotes, note)
		count = len(rec.ProgressNotes)
		if sealed.Ciphertext, sealed.KeyVersion, err = s.seal(ctx, rec, userID); err != nil {
			return err
		}
		return s.records.Update(ctx, sealed)
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, hipaa.ActionNoteAppended, id, userID, map[string]any{"note_count": count})
	return &note, nil
}

func (s *Service) DeleteRecord(ctx context.Context, id, userID string) error {
	if err := s.records.Delete(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, hipaa.ActionRecordDeleted, id, userID, nil)
	return nil
}

// ExportSanitized returns the record with identifying fields masked.
func (s *Service) ExportSanitized(ctx context.Context, id, userID string) (map[string]any, error) {
	sealed, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := s.open(ctx, sealed, userID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	s.logAudit(ctx, hipaa.ActionPHIExported, id, userID, nil)
	return hipaa.SanitizePHI(m), nil
}

// RekeyRecords re-seals every record still sealed with a retired PHI key
// and returns how many were rewritten. Each record is rewritten in its own
// transaction so one bad blob does not hold back the rest.
func (s *Service) RekeyRecords(ctx context.Context, userID string) (int, error) {
	const page = 100
	var ids []string
	for offset := 0; ; offset += page {
		batch, total, err := s.records.ListIDs(ctx, page, offset)
		if err != nil {
			return 0, err
		}
		ids = append(ids, batch...)
		if len(batch) == 0 || offset+page >= total {
			break
		}
	}

	rekeyed := 0
	var failed []string
	for _, id := range ids {
		changed := false
		err := s.tx.WithTx(ctx, func(ctx context.Context) error {
			sealed, err := s.records.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			blob, ok, err := s.vault.Rekey(ctx, sealed.ID, sealed.Ciphertext, userID)
			if err != nil || !ok {
				return err
			}
			version, err := hipaa.KeyVersion(blob)
			if err != nil {
				return err
			}
			sealed.Ciphertext, sealed.KeyVersion = blob, version
			changed = true
			return s.records.Update(ctx, sealed)
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("record_id", id).Msg("rekey record")
			failed = append(failed, id)
			continue
		}
		if changed {
			rekeyed++
		}
	}
	if len(failed) > 0 {
		return rekeyed, fmt.Errorf("rekey failed for %d record(s)", len(failed))
	}
	return rekeyed, nil
}

func (s *Service) ListRecordIDs(ctx context.Context, limit, offset int) ([]string, int, error) {
	return s.records.ListIDs(ctx, limit, offset)
}

// ContactFor returns what is needed to reach a patient. The access is
// audited like any other read.
func (s *Service) ContactFor(ctx context.Context, id string) (*Contact, error) {
	rec, err := s.GetRecord(ctx, id, "system")
	if err != nil {
		return nil, err
	}
	return &Contact{
		Name:  strings.TrimSpace(rec.FirstName + " " + rec.LastName),
		Email: rec.Email,
		Phone: rec.Phone,
	}, nil
}

func (s *Service) logAudit(ctx context.Context, action, recordID, userID string, extra map[string]any) {
	details := map[string]any{"record_id": recordID}
	for k, v := range extra {
		details[k] = v
	}
	if err := s.audit.LogAccess(ctx, action, details, userID); err != nil {
		s.logger.Error().Err(err).Str("action", action).Str("record_id", recordID).Msg("audit write failed")
	}
}
