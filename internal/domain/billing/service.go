package billing

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/speakbridge/aac/internal/platform/db"
	"github.com/speakbridge/aac/internal/platform/metrics"
)

// DefaultPrivateMultiplier prices private insurance against medicare.
const DefaultPrivateMultiplier = 1.20

// Adjudicator decides the paid amount of an approved claim.
type Adjudicator interface {
	Adjudicate(ctx context.Context, c *Claim) (float64, error)
}

// RandomAdjudicator pays a uniform 80-100% of the total charge.
type RandomAdjudicator struct {
	float func() float64
}

func NewRandomAdjudicator() *RandomAdjudicator {
	return &RandomAdjudicator{float: rand.Float64}
}

func (a *RandomAdjudicator) Adjudicate(_ context.Context, c *Claim) (float64, error) {
	paid := RoundCents(c.TotalCharge * (0.80 + 0.20*a.float()))
	if lo := RoundCents(c.TotalCharge * 0.80); paid < lo {
		paid = lo
	}
	return paid, nil
}

// DenialNotifier is told about denied claims after the change is committed.
type DenialNotifier interface {
	ClaimDenied(ctx context.Context, c *Claim)
}

type Service struct {
	claims            ClaimRepository
	tx                db.Transactor
	adjudicator       Adjudicator
	privateMultiplier float64
	notifier          DenialNotifier
	metrics           *metrics.Metrics
	logger            zerolog.Logger
	now               func() time.Time
}

type Options struct {
	Adjudicator       Adjudicator
	PrivateMultiplier float64
	Notifier          DenialNotifier
	Metrics           *metrics.Metrics
	Logger            zerolog.Logger
}

func NewService(claims ClaimRepository, tx db.Transactor, opts Options) *Service {
	if opts.Adjudicator == nil {
		opts.Adjudicator = NewRandomAdjudicator()
	}
	if opts.PrivateMultiplier <= 0 {
		opts.PrivateMultiplier = DefaultPrivateMultiplier
	}
	return &Service{
		claims:            claims,
		tx:                tx,
		adjudicator:       opts.Adjudicator,
		privateMultiplier: opts.PrivateMultiplier,
		notifier:          opts.Notifier,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		now:               time.Now,
	}
}

// Price validates req against the fee schedule and returns a claim with
// units, rate and total charge filled in.
func (s *Service) Price(req ClaimRequest) (*Claim, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		return nil, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if strings.TrimSpace(req.ProviderID) == "" {
		return nil, fmt.Errorf("%w: provider_id is required", ErrValidation)
	}
	if req.DateOfService.IsZero() {
		return nil, fmt.Errorf("%w: date_of_service is required", ErrValidation)
	}
	if req.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration_minutes must be positive", ErrValidation)
	}
	if !req.InsuranceType.Valid() {
		return nil, fmt.Errorf("%w: invalid insurance_type %q", ErrValidation, req.InsuranceType)
	}
	code, ok := LookupCode(req.CPTCode)
	if !ok {
		return nil, fmt.Errorf("%w: unknown CPT code %q", ErrInvalidServiceType, req.CPTCode)
	}
	for _, m := range req.Modifiers {
		if !code.AllowsModifier(m) {
			return nil, fmt.Errorf("%w: modifier %q is not allowed for %s", ErrValidation, m, code.Code)
		}
	}

	rate := code.Rate(req.InsuranceType, s.privateMultiplier)
	units := code.Units(req.DurationMinutes)
	dos := req.DateOfService.UTC()
	return &Claim{
		AppointmentID:  req.AppointmentID,
		PatientID:      req.PatientID,
		ProviderID:     req.ProviderID,
		DateOfService:  time.Date(dos.Year(), dos.Month(), dos.Day(), 0, 0, 0, 0, time.UTC),
		CPTCode:        code.Code,
		Modifiers:      nonNil(req.Modifiers),
		DiagnosisCodes: nonNil(req.DiagnosisCodes),
		Units:          units,
		Rate:           rate,
		TotalCharge:    RoundCents(rate * float64(units)),
		InsuranceType:  req.InsuranceType,
	}, nil
}

// Estimate returns the expected charge for a session without creating a claim.
func (s *Service) Estimate(cptCode string, insurance InsuranceType, minutes int) (float64, error) {
	code, ok := LookupCode(cptCode)
	if !ok {
		return 0, fmt.Errorf("%w: unknown CPT code %q", ErrInvalidServiceType, cptCode)
	}
	if !insurance.Valid() {
		return 0, fmt.Errorf("%w: invalid insurance_type %q", ErrValidation, insurance)
	}
	return RoundCents(code.Rate(insurance, s.privateMultiplier) * float64(code.Units(minutes))), nil
}

// GenerateClaim prices req and files it as submitted.
func (s *Service) GenerateClaim(ctx context.Context, req ClaimRequest) (*Claim, error) {
	return s.create(ctx, req, StatusSubmitted)
}

// CreateDraftClaim prices req and stores it as a draft for manual review.
func (s *Service) CreateDraftClaim(ctx context.Context, req ClaimRequest) (*Claim, error) {
	return s.create(ctx, req, StatusDraft)
}

func (s *Service) create(ctx context.Context, req ClaimRequest, status ClaimStatus) (*Claim, error) {
	c, err := s.Price(req)
	if err != nil {
		return nil, err
	}
	c.Status = status
	if status == StatusSubmitted {
		now := s.now().UTC()
		c.SubmittedAt = &now
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if c.AppointmentID != nil {
			existing, err := s.claims.GetByAppointment(ctx, *c.AppointmentID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%w: %s", ErrDuplicateClaim, existing.ID)
			}
		}
		if err := s.claims.Create(ctx, c); err != nil {
			return err
		}
		return s.claims.AddStatusChange(ctx, &StatusChange{
			ClaimID:   c.ID,
			ToStatus:  status,
			ChangedBy: req.RequestedBy,
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ClaimStatusChange(string(status))
	s.logger.Info().
		Str("claim_id", c.ID.String()).
		Str("cpt_code", c.CPTCode).
		Int("units", c.Units).
		Float64("total_charge", c.TotalCharge).
		Str("status", string(c.Status)).
		Msg("claim created")
	return c, nil
}

// UpdateClaimStatus moves a claim along the transition table.
func (s *Service) UpdateClaimStatus(ctx context.Context, id uuid.UUID, to ClaimStatus, reason, changedBy string) (*Claim, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, to)
	}
	reason = strings.TrimSpace(reason)

	var c *Claim
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.claims.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from := c.Status
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}

		switch to {
		case StatusDenied:
			if reason == "" {
				return ErrDenialReasonRequired
			}
			c.DenialReason = &reason
			c.PaidAmount = nil
		case StatusApproved:
			paid, err := s.adjudicator.Adjudicate(ctx, c)
			if err != nil {
				return fmt.Errorf("adjudicate claim: %w", err)
			}
			c.PaidAmount = &paid
		case StatusSubmitted:
			now := s.now().UTC()
			c.SubmittedAt = &now
			c.DenialReason = nil
			c.PaidAmount = nil
		case StatusPending:
			c.PaidAmount = nil
		}
		c.Status = to

		if err := s.claims.Update(ctx, c); err != nil {
			return err
		}
		change := &StatusChange{ClaimID: c.ID, FromStatus: &from, ToStatus: to, ChangedBy: changedBy}
		if reason != "" {
			change.Reason = &reason
		}
		return s.claims.AddStatusChange(ctx, change)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ClaimStatusChange(string(to))
	s.logger.Info().Str("claim_id", c.ID.String()).Str("status", string(to)).Str("changed_by", changedBy).Msg("claim status changed")
	if to == StatusDenied && s.notifier != nil {
		s.notifier.ClaimDenied(ctx, c)
	}
	return c, nil
}

func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.claims.GetByID(ctx, id)
}

func (s *Service) ListClaims(ctx context.Context, f ClaimFilter, limit, offset int) ([]*Claim, int, error) {
	return s.claims.List(ctx, f, limit, offset)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.claims.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.claims.History(ctx, id)
}

// MonthlyRevenue sums paid amounts of approved and paid claims whose date of
// service falls in the given month.
func (s *Service) MonthlyRevenue(ctx context.Context, year int, month time.Month) (float64, error) {
	if month < time.January || month > time.December {
		return 0, fmt.Errorf("%w: month must be 1-12", ErrValidation)
	}
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	total, err := s.claims.SumPaid(ctx, from, from.AddDate(0, 1, 0))
	if err != nil {
		return 0, err
	}
	return RoundCents(total), nil
}

// Summary aggregates claims with from <= date_of_service <= to.
func (s *Service) Summary(ctx context.Context, from, to time.Time) (*Summary, error) {
	claims, err := s.claimsInRange(ctx, from, to)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		From:     from,
		To:       to,
		ByPayer:  make(map[InsuranceType]PayerSummary),
		ByStatus: make(map[ClaimStatus]int),
	}
	for _, c := range claims {
		sum.TotalClaims++
		sum.TotalCharged += c.TotalCharge
		sum.ByStatus[c.Status]++

		p := sum.ByPayer[c.InsuranceType]
		p.Count++
		p.TotalCharged += c.TotalCharge
		if c.PaidAmount != nil {
			p.TotalPaid += *c.PaidAmount
			sum.TotalPaid += *c.PaidAmount
		}
		sum.ByPayer[c.InsuranceType] = p
	}
	sum.TotalCharged = RoundCents(sum.TotalCharged)
	sum.TotalPaid = RoundCents(sum.TotalPaid)
	for k, p := range sum.ByPayer {
		p.TotalCharged = RoundCents(p.TotalCharged)
		p.TotalPaid = RoundCents(p.TotalPaid)
		sum.ByPayer[k] = p
	}
	return sum, nil
}

func (s *Service) claimsInRange(ctx context.Context, from, to time.Time) ([]*Claim, error) {
	if from.IsZero() || to.IsZero() {
		return nil, fmt.Errorf("%w: from and to are required", ErrValidation)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: to is before from", ErrValidation)
	}
	return s.claims.ListByServiceDate(ctx, truncateDay(from), truncateDay(to).AddDate(0, 0, 1))
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
