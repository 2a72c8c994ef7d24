package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/speakbridge/aac/internal/domain/billing"
	"github.com/speakbridge/aac/internal/domain/patient"
	"github.com/speakbridge/aac/internal/domain/scheduling"
	"github.com/speakbridge/aac/internal/platform/notification"
)

// templateSender is the notification manager as seen by the adapters.
type templateSender interface {
	SendTemplate(ctx context.Context, channel notification.Channel, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}

// contactLookup resolves a patient id to reachable contact details.
type contactLookup interface {
	ContactFor(ctx context.Context, id string) (*patient.Contact, error)
}

// reminderSender adapts the notification manager and the patient store to
// scheduling.ReminderSender, avoiding an import between the two domains.
// A reminder counts as delivered once any channel succeeds; failures on the
// remaining channels are logged and not retried.
type reminderSender struct {
	contacts contactLookup
	notify   templateSender
	logger   zerolog.Logger
}

func (r *reminderSender) SendReminder(ctx context.Context, a *scheduling.Appointment, _ int) error {
	contact, err := r.contacts.ContactFor(ctx, a.PatientID)
	if err != nil {
		return fmt.Errorf("patient contact: %w", err)
	}

	data := map[string]string{
		"appointment_type": strings.ReplaceAll(string(a.Type), "_", " "),
		"date":             a.ScheduledAt.Format("Monday, January 2"),
		"time":             a.ScheduledAt.Format("3:04 PM MST"),
		"location":         strings.ReplaceAll(string(a.Location), "_", " "),
	}

	var errs []error
	sent := 0
	for _, ch := range a.Reminder.Channels {
		channel := notification.Channel(ch)
		recipient := contact.Email
		if channel == notification.ChannelSMS {
			recipient = contact.Phone
		}
		if recipient == "" {
			continue
		}
		if _, err := r.notify.SendTemplate(ctx, channel, notification.TemplateAppointmentReminder, data, recipient); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		}
		sent++
	}
	switch {
	case sent == 0 && len(errs) == 0:
		return fmt.Errorf("patient %s has no contact for channels %v", a.PatientID, a.Reminder.Channels)
	case sent == 0:
		return errors.Join(errs...)
	case len(errs) > 0:
		r.logger.Warn().Err(errors.Join(errs...)).
			Str("appointment_id", a.ID.String()).
			Int("delivered", sent).
			Msg("reminder partially delivered")
	}
	return nil
}

// denialNotifier e-mails the billing desk when a claim is denied.
type denialNotifier struct {
	recipient string
	notify    templateSender
	logger    zerolog.Logger
}

func (d *denialNotifier) ClaimDenied(ctx context.Context, c *billing.Claim) {
	reason := ""
	if c.DenialReason != nil {
		reason = *c.DenialReason
	}
	data := map[string]string{
		"claim_id":        c.ID.String(),
		"cpt_code":        c.CPTCode,
		"date_of_service": c.DateOfService.Format("2006-01-02"),
		"reason":          reason,
	}
	if _, err := d.notify.SendTemplate(ctx, notification.ChannelEmail, notification.TemplateClaimDenied, data, d.recipient); err != nil {
		d.logger.Error().Err(err).Str("claim_id", c.ID.String()).Msg("claim denial notification failed")
	}
}
