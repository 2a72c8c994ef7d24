package patient

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("patient record not found")
	ErrValidation = errors.New("invalid patient record")
)

// IDPrefix starts every generated patient record id.
const IDPrefix = "PT-"

type CommunicationProfile struct {
	PrimaryMethod  string `json:"primary_method,omitempty"`
	Device         string `json:"device,omitempty"`
	VocabularySize int    `json:"vocabulary_size,omitempty"`
	SymbolSet      string `json:"symbol_set,omitempty"`
	AccessMethod   string `json:"access_method,omitempty"`
	LiteracyLevel  string `json:"literacy_level,omitempty"`
}

type Goal struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Domain      string     `json:"domain,omitempty"`
	TargetDate  *time.Time `json:"target_date,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// ProgressNote entries are append-only.
type ProgressNote struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	GoalIDs   []string  `json:"goal_ids,omitempty"`
}

// Record is the decrypted patient record. It only exists in memory; the
// repository stores it sealed.
type Record struct {
	ID                   string               `json:"id"`
	FirstName            string               `json:"first_name"`
	LastName             string               `json:"last_name"`
	DateOfBirth          string               `json:"date_of_birth,omitempty"`
	SSN                  string               `json:"ssn,omitempty"`
	Address              string               `json:"address,omitempty"`
	Phone                string               `json:"phone,omitempty"`
	Email                string               `json:"email,omitempty"`
	CommunicationProfile CommunicationProfile `json:"communication_profile"`
	Goals                []Goal               `json:"goals"`
	ProgressNotes        []ProgressNote       `json:"progress_notes"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// SealedRecord is the row the repository persists.
type SealedRecord struct {
	ID         string
	Ciphertext []byte
	KeyVersion int
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Contact is the subset of a record other services may read to reach a
// patient, e.g. for appointment reminders.
type Contact struct {
	Name  string
	Email string
	Phone string
}
