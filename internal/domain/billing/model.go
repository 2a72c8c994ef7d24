package billing

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound             = errors.New("claim not found")
	ErrInvalidServiceType   = errors.New("invalid service type")
	ErrInvalidTransition    = errors.New("invalid claim status transition")
	ErrDenialReasonRequired = errors.New("denial reason is required")
	ErrDuplicateClaim       = errors.New("a claim already exists for this appointment")
	ErrValidation           = errors.New("validation failed")
)

type InsuranceType string

const (
	InsuranceMedicare InsuranceType = "medicare"
	InsuranceMedicaid InsuranceType = "medicaid"
	InsurancePrivate  InsuranceType = "private"
)

func (t InsuranceType) Valid() bool {
	switch t {
	case InsuranceMedicare, InsuranceMedicaid, InsurancePrivate:
		return true
	}
	return false
}

type ClaimStatus string

const (
	StatusDraft     ClaimStatus = "draft"
	StatusSubmitted ClaimStatus = "submitted"
	StatusPending   ClaimStatus = "pending"
	StatusApproved  ClaimStatus = "approved"
	StatusDenied    ClaimStatus = "denied"
	StatusPaid      ClaimStatus = "paid"
)

// transitions lists every allowed status edge. paid has no outgoing edge.
var transitions = map[ClaimStatus][]ClaimStatus{
	StatusDraft:     {StatusSubmitted},
	StatusSubmitted: {StatusPending, StatusApproved, StatusDenied},
	StatusPending:   {StatusApproved, StatusDenied},
	StatusDenied:    {StatusSubmitted},
	StatusApproved:  {StatusPaid},
}

func (s ClaimStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusPending, StatusApproved, StatusDenied, StatusPaid:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to ClaimStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Claim is a reimbursement request for one billed service.
type Claim struct {
	ID             uuid.UUID     `json:"id"`
	AppointmentID  *uuid.UUID    `json:"appointment_id,omitempty"`
	PatientID      string        `json:"patient_id"`
	ProviderID     string        `json:"provider_id"`
	DateOfService  time.Time     `json:"date_of_service"`
	CPTCode        string        `json:"cpt_code"`
	Modifiers      []string      `json:"modifiers"`
	DiagnosisCodes []string      `json:"diagnosis_codes"`
	Units          int           `json:"units"`
	Rate           float64       `json:"rate"`
	TotalCharge    float64       `json:"total_charge"`
	InsuranceType  InsuranceType `json:"insurance_type"`
	Status         ClaimStatus   `json:"status"`
	PaidAmount     *float64      `json:"paid_amount,omitempty"`
	DenialReason   *string       `json:"denial_reason,omitempty"`
	SubmittedAt    *time.Time    `json:"submitted_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// StatusChange is one row of a claim's status history.
type StatusChange struct {
	ID         uuid.UUID    `json:"id"`
	ClaimID    uuid.UUID    `json:"claim_id"`
	FromStatus *ClaimStatus `json:"from_status,omitempty"`
	ToStatus   ClaimStatus  `json:"to_status"`
	Reason     *string      `json:"reason,omitempty"`
	ChangedBy  string       `json:"changed_by,omitempty"`
	ChangedAt  time.Time    `json:"changed_at"`
}

// ClaimRequest carries what is needed to price and create a claim.
type ClaimRequest struct {
	AppointmentID   *uuid.UUID    `json:"appointment_id,omitempty"`
	PatientID       string        `json:"patient_id"`
	ProviderID      string        `json:"provider_id"`
	DateOfService   time.Time     `json:"date_of_service"`
	CPTCode         string        `json:"cpt_code"`
	Modifiers       []string      `json:"modifiers"`
	DiagnosisCodes  []string      `json:"diagnosis_codes"`
	DurationMinutes int           `json:"duration_minutes"`
	InsuranceType   InsuranceType `json:"insurance_type"`
	RequestedBy     string        `json:"-"`
}

type ClaimFilter struct {
	PatientID     string
	ProviderID    string
	Status        ClaimStatus
	InsuranceType InsuranceType
}

// PayerSummary aggregates claims for one insurance type.
type PayerSummary struct {
	Count        int     `json:"count"`
	TotalCharged float64 `json:"total_charged"`
	TotalPaid    float64 `json:"total_paid"`
}

type Summary struct {
	From         time.Time                      `json:"from"`
	To           time.Time                      `json:"to"`
	TotalClaims  int                            `json:"total_claims"`
	TotalCharged float64                        `json:"total_charged"`
	TotalPaid    float64                        `json:"total_paid"`
	ByPayer      map[InsuranceType]PayerSummary `json:"by_payer"`
	ByStatus     map[ClaimStatus]int            `json:"by_status"`
}

// ServiceCode is a billable CPT code with its fee schedule.
type ServiceCode struct {
	Code             string   `json:"code"`
	Description      string   `json:"description"`
	Category         string   `json:"category"`
	MedicareRate     float64  `json:"medicare_rate"`
	MedicaidRate     float64  `json:"medicaid_rate"`
	BaseMinutes      int      `json:"base_minutes"`
	AllowedModifiers []string `json:"allowed_modifiers"`
}

const (
	CategorySLP = "SLP"
	CategoryOT  = "OT"
	CategoryPT  = "PT"
)

var serviceCodes = map[string]ServiceCode{
	"92507": {Code: "92507", Description: "Treatment of speech, language, voice, communication, and/or auditory processing disorder; individual", Category: CategorySLP, MedicareRate: 85.50, MedicaidRate: 72.68, BaseMinutes: 15, AllowedModifiers: []string{"GN", "59", "95", "KX"}},
	"92508": {Code: "92508", Description: "Treatment of speech, language, voice, communication disorder; group, 2 or more individuals", Category: CategorySLP, MedicareRate: 25.72, MedicaidRate: 21.86, BaseMinutes: 15, AllowedModifiers: []string{"GN", "59", "KX"}},
	"92521": {Code: "92521", Description: "Evaluation of speech fluency", Category: CategorySLP, MedicareRate: 112.34, MedicaidRate: 95.49, BaseMinutes: 60, AllowedModifiers: []string{"GN", "59"}},
	"92522": {Code: "92522", Description: "Evaluation of speech sound production", Category: CategorySLP, MedicareRate: 96.70, MedicaidRate: 82.20, BaseMinutes: 60, AllowedModifiers: []string{"GN", "59"}},
	"92523": {Code: "92523", Description: "Evaluation of speech sound production with evaluation of language comprehension and expression", Category: CategorySLP, MedicareRate: 199.11, MedicaidRate: 169.24, BaseMinutes: 60, AllowedModifiers: []string{"GN", "59"}},
	"92524": {Code: "92524", Description: "Behavioral and qualitative analysis of voice and resonance", Category: CategorySLP, MedicareRate: 101.40, MedicaidRate: 86.19, BaseMinutes: 60, AllowedModifiers: []string{"GN", "59"}},
	"92526": {Code: "92526", Description: "Treatment of swallowing dysfunction and/or oral function for feeding", Category: CategorySLP, MedicareRate: 93.42, MedicaidRate: 79.41, BaseMinutes: 15, AllowedModifiers: []string{"GN", "59", "KX"}},
	"92605": {Code: "92605", Description: "Evaluation for prescription of non-speech-generating AAC device, first hour", Category: CategorySLP, MedicareRate: 121.74, MedicaidRate: 103.48, BaseMinutes: 60, AllowedModifiers: []string{"GN", "59"}},
	"92609": {Code: "92609", Description: "Therapeutic services for the use of speech-generating device, including programming and modification", Category: CategorySLP, MedicareRate: 115.87, MedicaidRate: 98.49, BaseMinutes: 15, AllowedModifiers: []string{"GN", "59", "95", "KX"}},
	"92618": {Code: "92618", Description: "Evaluation for prescription of non-speech-generating AAC device, each additional 30 minutes", Category: CategorySLP, MedicareRate: 44.38, MedicaidRate: 37.72, BaseMinutes: 30, AllowedModifiers: []string{"GN", "59"}},
	"97161": {Code: "97161", Description: "Physical therapy evaluation, low complexity", Category: CategoryPT, MedicareRate: 101.94, MedicaidRate: 86.65, BaseMinutes: 60, AllowedModifiers: []string{"GP", "59"}},
	"97162": {Code: "97162", Description: "Physical therapy evaluation, moderate complexity", Category: CategoryPT, MedicareRate: 101.94, MedicaidRate: 86.65, BaseMinutes: 60, AllowedModifiers: []string{"GP", "59"}},
	"97163": {Code: "97163", Description: "Physical therapy evaluation, high complexity", Category: CategoryPT, MedicareRate: 101.94, MedicaidRate: 86.65, BaseMinutes: 60, AllowedModifiers: []string{"GP", "59"}},
	"97165": {Code: "97165", Description: "Occupational therapy evaluation, low complexity", Category: CategoryOT, MedicareRate: 104.38, MedicaidRate: 88.72, BaseMinutes: 60, AllowedModifiers: []string{"GO", "59"}},
	"97166": {Code: "97166", Description: "Occupational therapy evaluation, moderate complexity", Category: CategoryOT, MedicareRate: 104.38, MedicaidRate: 88.72, BaseMinutes: 60, AllowedModifiers: []string{"GO", "59"}},
	"97167": {Code: "97167", Description: "Occupational therapy evaluation, high complexity", Category: CategoryOT, MedicareRate: 104.38, MedicaidRate: 88.72, BaseMinutes: 60, AllowedModifiers: []string{"GO", "59"}},
	"97110": {Code: "97110", Description: "Therapeutic exercises, each 15 minutes", Category: CategoryPT, MedicareRate: 29.20, MedicaidRate: 24.82, BaseMinutes: 15, AllowedModifiers: []string{"GP", "GO", "GN", "59", "KX"}},
	"97530": {Code: "97530", Description: "Therapeutic activities, direct patient contact, each 15 minutes", Category: CategoryOT, MedicareRate: 36.39, MedicaidRate: 30.93, BaseMinutes: 15, AllowedModifiers: []string{"GP", "GO", "GN", "59", "KX"}},
	"97535": {Code: "97535", Description: "Self-care/home management training, each 15 minutes", Category: CategoryOT, MedicareRate: 33.40, MedicaidRate: 28.39, BaseMinutes: 15, AllowedModifiers: []string{"GP", "GO", "59", "KX"}},
}

// LookupCode returns the fee schedule entry for code.
func LookupCode(code string) (ServiceCode, bool) {
	sc, ok := serviceCodes[code]
	return sc, ok
}

// Codes returns the fee schedule sorted by code.
func Codes() []ServiceCode {
	out := make([]ServiceCode, 0, len(serviceCodes))
	for _, sc := range serviceCodes {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Rate is the per-unit rate for an insurance type. Private payers pay
// medicare times privateMultiplier.
func (sc ServiceCode) Rate(t InsuranceType, privateMultiplier float64) float64 {
	switch t {
	case InsuranceMedicaid:
		return sc.MedicaidRate
	case InsurancePrivate:
		return RoundCents(sc.MedicareRate * privateMultiplier)
	default:
		return sc.MedicareRate
	}
}

// Units is ceil(minutes / base), never less than one.
func (sc ServiceCode) Units(minutes int) int {
	if sc.BaseMinutes <= 0 || minutes <= 0 {
		return 1
	}
	u := (minutes + sc.BaseMinutes - 1) / sc.BaseMinutes
	if u < 1 {
		return 1
	}
	return u
}

func (sc ServiceCode) AllowsModifier(m string) bool {
	for _, a := range sc.AllowedModifiers {
		if a == m {
			return true
		}
	}
	return false
}

func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
