package hipaa

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/speakbridge/aac/internal/platform/metrics"
)

// Audit actions.
const (
	ActionRecordCreated    = "record_created"
	ActionRecordAccessed   = "record_accessed"
	ActionRecordModified   = "record_modified"
	ActionRecordDeleted    = "record_deleted"
	ActionNoteAppended     = "progress_note_appended"
	ActionPHIExported      = "phi_exported"
	ActionDataEncrypted    = "data_encrypted"
	ActionDataDecrypted    = "data_decrypted"
	ActionDecryptionFailed = "decryption_failed"
	ActionDataRekeyed      = "data_rekeyed"
	ActionComplianceCheck  = "compliance_check"
)

// Critical actions are persisted to the durable store in addition to the
// in-memory buffer.
var criticalActions = map[string]bool{
	ActionRecordCreated:    true,
	ActionRecordDeleted:    true,
	ActionRecordModified:   true,
	ActionPHIExported:      true,
	ActionDecryptionFailed: true,
}

func IsCritical(action string) bool {
	return criticalActions[action]
}

// AuditEntry is one access-log record. Details must never carry PHI values,
// only identifiers and counts.
type AuditEntry struct {
	ID        uuid.UUID      `json:"id"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	UserID    string         `json:"user_id"`
	Critical  bool           `json:"critical"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditStore persists critical audit entries.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
	Recent(ctx context.Context, limit int) ([]*AuditEntry, error)
}

// AuditLog keeps the most recent entries in a fixed-size ring buffer and
// forwards critical ones to an AuditStore.
type AuditLog struct {
	mu      sync.Mutex
	buf     []*AuditEntry
	next    int
	size    int
	store   AuditStore
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAuditLog creates an audit log holding up to capacity entries in memory.
// store may be nil, in which case critical entries are kept in memory only.
func NewAuditLog(capacity int, store AuditStore, m *metrics.Metrics, logger zerolog.Logger) *AuditLog {
	if capacity <= 0 {
		capacity = 10000
	}
	return &AuditLog{
		buf:     make([]*AuditEntry, capacity),
		store:   store,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// LogAccess records an action. The in-memory append always succeeds; the
// returned error only reports a failure to persist a critical entry.
func (a *AuditLog) LogAccess(ctx context.Context, action string, details map[string]any, userID string) error {
	if a == nil {
		return nil
	}
	entry := &AuditEntry{
		ID:        uuid.New(),
		Action:    action,
		Details:   details,
		UserID:    userID,
		Critical:  IsCritical(action),
		Timestamp: a.now().UTC(),
	}

	a.mu.Lock()
	a.buf[a.next] = entry
	a.next = (a.next + 1) % len(a.buf)
	if a.size < len(a.buf) {
		a.size++
	}
	a.mu.Unlock()

	a.metrics.AuditEntry(action, entry.Critical)

	if !entry.Critical || a.store == nil {
		return nil
	}
	if err := a.store.Append(ctx, entry); err != nil {
		a.logger.Error().Err(err).Str("action", action).Str("audit_id", entry.ID.String()).Msg("persist critical audit entry")
		return fmt.Errorf("persist audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit in-memory entries, newest first.
func (a *AuditLog) Recent(limit int) []*AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 || limit > a.size {
		limit = a.size
	}
	out := make([]*AuditEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (a.next - i + len(a.buf)) % len(a.buf)
		out = append(out, a.buf[idx])
	}
	return out
}

// Len returns the number of entries held in memory.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Durable returns persisted critical entries, newest first.
func (a *AuditLog) Durable(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.Recent(ctx, limit)
}

func (a *AuditLog) HasDurableStore() bool {
	return a.store != nil
}
