package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecryptionFailed is returned when a blob cannot be authenticated or decoded.
var ErrDecryptionFailed = errors.New("decryption failed")

// Sealer is implemented by *Keyring.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(data, aad []byte) ([]byte, error)
}

// Rotator is implemented by *Keyring.
type Rotator interface {
	NeedsReEncryption(data []byte) bool
	ReEncrypt(data, aad []byte) ([]byte, error)
}

// Vault is the only path between PHI values and stored bytes. Every call is
// written to the audit log.
type Vault struct {
	keys  Sealer
	audit *AuditLog
}

func NewVault(keys Sealer, audit *AuditLog) *Vault {
	return &Vault{keys: keys, audit: audit}
}

// Active reports whether the vault has a key to seal with.
func (v *Vault) Active() bool {
	return v != nil && v.keys != nil
}

func (v *Vault) Encrypt(ctx context.Context, data any, userID string) ([]byte, error) {
	return v.EncryptRecord(ctx, "", data, userID)
}

func (v *Vault) Decrypt(ctx context.Context, blob []byte, out any, userID string) error {
	return v.DecryptRecord(ctx, "", blob, out, userID)
}

// EncryptRecord marshals data to JSON and seals it bound to recordID, so a
// blob copied onto another record fails to open.
func (v *Vault) EncryptRecord(ctx context.Context, recordID string, data any, userID string) ([]byte, error) {
	if !v.Active() {
		return nil, fmt.Errorf("vault: no encryption key configured")
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("vault: marshal: %w", err)
	}
	blob, err := v.keys.Seal(plaintext, []byte(recordID))
	if err != nil {
		return nil, fmt.Errorf("vault: seal: %w", err)
	}
	if err := v.audit.LogAccess(ctx, ActionDataEncrypted, recordDetails(recordID, len(blob)), userID); err != nil {
		return nil, err
	}
	return blob, nil
}

// DecryptRecord opens blob and unmarshals it into out. A failure is logged
// as a critical audit action; when that entry cannot be persisted the store
// error is joined to ErrDecryptionFailed.
func (v *Vault) DecryptRecord(ctx context.Context, recordID string, blob []byte, out any, userID string) error {
	if !v.Active() {
		return fmt.Errorf("vault: no encryption key configured")
	}
	plaintext, err := v.keys.Open(blob, []byte(recordID))
	if err == nil {
		err = json.Unmarshal(plaintext, out)
	}
	if err != nil {
		details := recordDetails(recordID, len(blob))
		details["error"] = err.Error()
		auditErr := v.audit.LogAccess(ctx, ActionDecryptionFailed, details, userID)
		return errors.Join(fmt.Errorf("%w: %v", ErrDecryptionFailed, err), auditErr)
	}
	return v.audit.LogAccess(ctx, ActionDataDecrypted, recordDetails(recordID, len(blob)), userID)
}

// Rekey re-seals blob under the current key when it was sealed with a
// retired one. It reports false and returns blob unchanged when the blob is
// already current or the keys cannot rotate.
func (v *Vault) Rekey(ctx context.Context, recordID string, blob []byte, userID string) ([]byte, bool, error) {
	if !v.Active() {
		return nil, false, fmt.Errorf("vault: no encryption key configured")
	}
	r, ok := v.keys.(Rotator)
	if !ok || !r.NeedsReEncryption(blob) {
		return blob, false, nil
	}
	out, err := r.ReEncrypt(blob, []byte(recordID))
	if err != nil {
		details := recordDetails(recordID, len(blob))
		details["error"] = err.Error()
		auditErr := v.audit.LogAccess(ctx, ActionDecryptionFailed, details, userID)
		return nil, false, errors.Join(fmt.Errorf("%w: %v", ErrDecryptionFailed, err), auditErr)
	}
	if err := v.audit.LogAccess(ctx, ActionDataRekeyed, recordDetails(recordID, len(out)), userID); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func recordDetails(recordID string, size int) map[string]any {
	d := map[string]any{"bytes": size}
	if recordID != "" {
		d["record_id"] = recordID
	}
	return d
}
