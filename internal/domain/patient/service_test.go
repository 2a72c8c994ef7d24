package patient

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/speakbridge/aac/internal/platform/hipaa"
)

// -- Mock Repository --

type mockRecordRepo struct {
	store map[string]*SealedRecord
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{store: make(map[string]*SealedRecord)}
}

func copySealed(s *SealedRecord) *SealedRecord {
	cp := *s
	cp.Ciphertext = bytes.Clone(s.Ciphertext)
	return &cp
}

func (m *mockRecordRepo) Create(_ context.Context, s *SealedRecord) error {
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	m.store[s.ID] = copySealed(s)
	return nil
}

func (m *mockRecordRepo) Get(_ context.Context, id string) (*SealedRecord, error) {
	s, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySealed(s), nil
}

func (m *mockRecordRepo) GetForUpdate(ctx context.Context, id string) (*SealedRecord, error) {
	return m.Get(ctx, id)
}

func (m *mockRecordRepo) Update(_ context.Context, s *SealedRecord) error {
	if _, ok := m.store[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now()
	m.store[s.ID] = copySealed(s)
	return nil
}

func (m *mockRecordRepo) Delete(_ context.Context, id string) error {
	if _, ok := m.store[id]; !ok {
		return ErrNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *mockRecordRepo) ListIDs(_ context.Context, limit, offset int) ([]string, int, error) {
	ids := make([]string, 0, len(m.store))
	for id := range m.store {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	total := len(ids)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return ids[offset:end], total, nil
}

type inlineTx struct{}

func (inlineTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestService(t *testing.T) (*Service, *mockRecordRepo, *hipaa.AuditLog) {
	t.Helper()
	keys, err := hipaa.NewKeyring([]byte("0123456789abcdef0123456789abcdef"), 1)
	if err != nil {
		t.Fatal(err)
	}
	audit := hipaa.NewAuditLog(100, nil, nil, zerolog.Nop())
	repo := newMockRecordRepo()
	svc := NewService(repo, inlineTx{}, hipaa.NewVault(keys, audit), audit, zerolog.Nop())
	return svc, repo, audit
}

func sampleRecord() Record {
	return Record{
		FirstName:   "Jordan",
		LastName:    "Rivera",
		DateOfBirth: "2014-06-02",
		SSN:         "123-45-6789",
		Address:     "12 Elm St, Springfield",
		Phone:       "555-201-3344",
		Email:       "jordan.parent@example.com",
		CommunicationProfile: CommunicationProfile{
			PrimaryMethod:  "speech generating device",
			Device:         "tablet",
			VocabularySize: 400,
			SymbolSet:      "PCS",
			AccessMethod:   "direct selection",
		},
		Goals: []Goal{{Description: "Request preferred items with 3-symbol phrases"}},
	}
}

func lastAction(audit *hipaa.AuditLog) string {
	recent := audit.Recent(1)
	if len(recent) == 0 {
		return ""
	}
	return recent[0].Action
}

func TestCreateRecord_SealsAndAudits(t *testing.T) {
	svc, repo, audit := newTestService(t)
	rec, err := svc.CreateRecord(context.Background(), sampleRecord(), "slp-1")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	if !strings.HasPrefix(rec.ID, IDPrefix) {
		t.Errorf("expected id with %s prefix, got %s", IDPrefix, rec.ID)
	}
	if rec.Goals[0].ID == "" {
		t.Error("expected goal id to be assigned")
	}
	stored := repo.store[rec.ID]
	if stored == nil {
		t.Fatal("expected stored record")
	}
	for _, plain := range []string{"Jordan", "123-45-6789", "Elm St"} {
		if bytes.Contains(stored.Ciphertext, []byte(plain)) {
			t.Errorf("ciphertext leaks %q", plain)
		}
	}
	if stored.KeyVersion != 1 || stored.CreatedBy != "slp-1" {
		t.Errorf("unexpected sealed metadata %+v", stored)
	}
	if got := lastAction(audit); got != hipaa.ActionRecordCreated {
		t.Errorf("expected %s audit, got %s", hipaa.ActionRecordCreated, got)
	}
}

func TestCreateRecord_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	in := sampleRecord()
	in.LastName = ""
	if _, err := svc.CreateRecord(context.Background(), in, "slp-1"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	in = sampleRecord()
	in.DateOfBirth = "06/02/2014"
	if _, err := svc.CreateRecord(context.Background(), in, "slp-1"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for bad dob, got %v", err)
	}
}

func TestCreateRecord_IgnoresSuppliedNotes(t *testing.T) {
	svc, _, _ := newTestService(t)
	in := sampleRecord()
	in.ProgressNotes = []ProgressNote{{Text: "forged"}}
	rec, err := svc.CreateRecord(context.Background(), in, "slp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.ProgressNotes) != 0 {
		t.Error("expected notes to be dropped on create")
	}
}

func TestGetRecord_RoundTrip(t *testing.T) {
	svc, _, audit := newTestService(t)
	ctx := context.Background()
	created, _ := svc.CreateRecord(ctx, sampleRecord(), "slp-1")

	got, err := svc.GetRecord(ctx, created.ID, "slp-1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.SSN != "123-45-6789" || got.CommunicationProfile.VocabularySize != 400 {
		t.Errorf("unexpected record %+v", got)
	}
	if lastAction(audit) != hipaa.ActionRecordAccessed {
		t.Error("expected access to be audited")
	}
	if _, err := svc.GetRecord(ctx, "PT-missing", "slp-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetRecord_BlobSwapFailsDecryption(t *testing.T) {
	svc, repo, audit := newTestService(t)
	ctx := context.Background()
	a, _ := svc.CreateRecord(ctx, sampleRecord(), "slp-1")
	b, _ := svc.CreateRecord(ctx, sampleRecord(), "slp-1")

	repo.store[b.ID].Ciphertext = bytes.Clone(repo.store[a.ID].Ciphertext)

	if _, err := svc.GetRecord(ctx, b.ID, "slp-1"); !errors.Is(err, hipaa.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	if lastAction(audit) != hipaa.ActionDecryptionFailed {
		t.Errorf("expected decryption failure audit, got %s", lastAction(audit))
	}
}

func TestUpdateRecord_KeepsNotes(t *testing.T) {
	svc, _, audit := newTestService(t)
	ctx := context.Background()
	created, _ := svc.CreateRecord(ctx, sampleRecord(), "slp-1")
	if _, err := svc.AppendProgressNote(ctx, created.ID, "Used 2-symbol phrases", nil, "slp-1"); err != nil {
		t.Fatal(err)
	}

	upd := sampleRecord()
	upd.Phone = "555-999-0000"
	upd.ProgressNotes = nil
	got, err := svc.UpdateRecord(ctx, created.ID, upd, "slp-1")
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if got.Phone != "555-999-0000" || got.ID != created.ID {
		t.Errorf("unexpected update result %+v", got)
	}
	if len(got.ProgressNotes) != 1 {
		t.Errorf("expected notes preserved, got %d", len(got.ProgressNotes))
	}
	if lastAction(audit) != hipaa.ActionRecordModified {
		t.Error("expected modification to be audited")
	}
}

func TestAppendProgressNote_AppendOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	created, _ := svc.CreateRecord(ctx, sampleRecord(), "slp-1")

	first, err := svc.AppendProgressNote(ctx, created.ID, "Session one", []string{created.Goals[0].ID}, "slp-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AppendProgressNote(ctx, created.ID, "Session two", nil, "ot-2"); err != nil {
		t.Fatal(err)
	}

	got, _ := svc.GetRecord(ctx, created.ID, "slp-1")
	if len(got.ProgressNotes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(got.ProgressNotes))
	}
	if got.ProgressNotes[0].ID != first.ID || got.ProgressNotes[0].Text != "Session one" {
		t.Error("expected first note unchanged")
	}
	if got.ProgressNotes[1].AuthorID != "ot-2" {
		t.Errorf("expected author ot-2, got %s", got.ProgressNotes[1].AuthorID)
	}

	if _, err := svc.AppendProgressNote(ctx, created.ID, "  ", nil, "slp-1"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty note, got %v", err)
	}
}

func TestDeleteRecord(t *testing.T) {
	svc, repo, audit := newTestService(t)
	ctx := context.Background()
	created, _ := svc.CreateRecord(ctx, sampleRecord(), "slp-1")

	if err := svc.DeleteRecord(ctx, created.ID, "admin"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if _, ok := repo.store[created.ID]; ok {
		t.Error("expected record removed")
	}
	if lastAction(audit) != hipaa.ActionRecordDeleted {
		t.Error("expected deletion to be audited")
	}
	if err := svc.DeleteRecord(ctx, created.ID, "admin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestExportSanitized(t *testing.T) {
	svc, _, audit := newTestService(t)
	ctx := context.Background()
	created, _ := svc.CreateRecord(ctx, sampleRecord(), "slp-1")

	out, err := svc.ExportSanitized(ctx, created.ID, "slp-1")
	if err != nil {
		t.Fatalf("ExportSanitized: %v", err)
	}
	if out["ssn"] != "***-**-6789" {
		t.Errorf("expected masked ssn, got %v", out["ssn"])
	}
	if out["first_name"] != "J***" || out["last_name"] != "R***" {
		t.Errorf("expected masked names, got %v %v", out["first_name"], out["last_name"])
	}
	if out["date_of_birth"] != "****-**-**" {
		t.Errorf("expected masked dob, got %v", out["date_of_birth"])
	}
	if out["address"] != "[REDACTED]" {
		t.Errorf("expected redacted address, got %v", out["address"])
	}
	profile, _ := out["communication_profile"].(map[string]any)
	if profile["device"] != "tablet" {
		t.Error("expected non-PHI fields to be kept")
	}
	if lastAction(audit) != hipaa.ActionPHIExported {
		t.Error("expected export to be audited")
	}
}

func TestListRecordIDsAndContact(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		svc.CreateRecord(ctx, sampleRecord(), "slp-1")
	}
	ids, total, err := svc.ListRecordIDs(ctx, 2, 0)
	if err != nil || total != 3 || len(ids) != 2 {
		t.Fatalf("expected 2 of 3 ids, got %d/%d (%v)", len(ids), total, err)
	}

	contact, err := svc.ContactFor(ctx, ids[0])
	if err != nil {
		t.Fatalf("ContactFor: %v", err)
	}
	if contact.Name != "Jordan Rivera" || contact.Email != "jordan.parent@example.com" {
		t.Errorf("unexpected contact %+v", contact)
	}
}

func TestRekeyRecords_RewritesRetiredKeyOnly(t *testing.T) {
	ctx := context.Background()
	oldKey := []byte("0123456789abcdef0123456789abcdef")
	svc, repo, _ := newTestService(t)

	first, err := svc.CreateRecord(ctx, sampleRecord(), "slp-1")
	if err != nil {
		t.Fatal(err)
	}

	newKeys, err := hipaa.NewKeyring([]byte("fedcba9876543210fedcba9876543210"), 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := newKeys.AddPreviousKey(oldKey, 1); err != nil {
		t.Fatal(err)
	}
	audit := hipaa.NewAuditLog(100, nil, nil, zerolog.Nop())
	rotated := NewService(repo, inlineTx{}, hipaa.NewVault(newKeys, audit), audit, zerolog.Nop())

	second, err := rotated.CreateRecord(ctx, sampleRecord(), "slp-1")
	if err != nil {
		t.Fatal(err)
	}

	n, err := rotated.RekeyRecords(ctx, "admin")
	if err != nil {
		t.Fatalf("RekeyRecords: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record rekeyed, got %d", n)
	}
	if v := repo.store[first.ID].KeyVersion; v != 2 {
		t.Errorf("expected first record on key v2, got v%d", v)
	}
	if v := repo.store[second.ID].KeyVersion; v != 2 {
		t.Errorf("expected second record on key v2, got v%d", v)
	}

	got, err := rotated.GetRecord(ctx, first.ID, "slp-1")
	if err != nil {
		t.Fatalf("GetRecord after rekey: %v", err)
	}
	if got.SSN != "123-45-6789" {
		t.Errorf("unexpected record after rekey: %+v", got)
	}

	n, err = rotated.RekeyRecords(ctx, "admin")
	if err != nil || n != 0 {
		t.Errorf("expected second pass to be a no-op, got %d, %v", n, err)
	}
}
