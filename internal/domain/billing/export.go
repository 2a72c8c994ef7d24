package billing

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

var csvHeader = []string{
	"id", "appointment_id", "patient_id", "provider_id", "date_of_service", "cpt_code",
	"modifiers", "units", "rate", "total_charge", "insurance_type", "status",
	"paid_amount", "denial_reason",
}

// Export writes claims with from <= date_of_service <= to in the given format.
func (s *Service) Export(ctx context.Context, from, to time.Time, format ExportFormat, w io.Writer) (int, error) {
	if format != FormatCSV && format != FormatJSON {
		return 0, fmt.Errorf("%w: unsupported export format %q", ErrValidation, format)
	}
	claims, err := s.claimsInRange(ctx, from, to)
	if err != nil {
		return 0, err
	}

	if format == FormatJSON {
		if claims == nil {
			claims = []*Claim{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(claims); err != nil {
			return 0, fmt.Errorf("encode claims: %w", err)
		}
		return len(claims), nil
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}
	for _, c := range claims {
		if err := cw.Write(csvRow(c)); err != nil {
			return 0, fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("flush csv: %w", err)
	}
	return len(claims), nil
}

func csvRow(c *Claim) []string {
	appt, paid, denial := "", "", ""
	if c.AppointmentID != nil {
		appt = c.AppointmentID.String()
	}
	if c.PaidAmount != nil {
		paid = money(*c.PaidAmount)
	}
	if c.DenialReason != nil {
		denial = *c.DenialReason
	}
	return []string{
		c.ID.String(),
		appt,
		c.PatientID,
		c.ProviderID,
		c.DateOfService.Format(time.DateOnly),
		c.CPTCode,
		strings.Join(c.Modifiers, ";"),
		strconv.Itoa(c.Units),
		money(c.Rate),
		money(c.TotalCharge),
		string(c.InsuranceType),
		string(c.Status),
		paid,
		denial,
	}
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
