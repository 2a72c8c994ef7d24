package emergency

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/speakbridge/aac/internal/platform/db"
	"github.com/speakbridge/aac/internal/platform/metrics"
	"github.com/speakbridge/aac/internal/platform/notification"
)

// Dialer places an emergency voice call and plays script once connected.
type Dialer interface {
	Dial(ctx context.Context, number, script string) error
}

// LogDialer simulates the call by logging it.
type LogDialer struct {
	logger zerolog.Logger
}

func NewLogDialer(logger zerolog.Logger) *LogDialer {
	return &LogDialer{logger: logger}
}

func (d *LogDialer) Dial(_ context.Context, number, script string) error {
	d.logger.Warn().Str("number", number).Str("script", script).Msg("simulated emergency call")
	return nil
}

// Notifier is the slice of the notification manager the dispatcher uses.
type Notifier interface {
	SendTemplate(ctx context.Context, channel notification.Channel, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}

type Service struct {
	contacts   ContactRepository
	incidents  IncidentRepository
	tx         db.Transactor
	notifier   Notifier
	dialer     Dialer
	dialNumber string
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(contacts ContactRepository, incidents IncidentRepository, tx db.Transactor,
	notifier Notifier, dialer Dialer, dialNumber string, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if dialNumber == "" {
		dialNumber = "911"
	}
	return &Service{
		contacts:   contacts,
		incidents:  incidents,
		tx:         tx,
		notifier:   notifier,
		dialer:     dialer,
		dialNumber: dialNumber,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// -- Contacts --

func (s *Service) AddContact(ctx context.Context, c *Contact) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	phone, err := NormalizePhone(c.Phone)
	if err != nil {
		return err
	}
	c.Phone = phone
	if c.AvailableFrom == 0 && c.AvailableUntil == 0 {
		c.AvailableUntil = 24
	}
	if c.AvailableFrom < 0 || c.AvailableFrom > 23 || c.AvailableUntil < 1 || c.AvailableUntil > 24 {
		return fmt.Errorf("%w: availability hours must be within 0-24", ErrValidation)
	}
	switch notification.Channel(c.PreferredChannel) {
	case "":
		c.PreferredChannel = string(notification.ChannelSMS)
	case notification.ChannelSMS:
	case notification.ChannelEmail:
		if c.Email == "" {
			return fmt.Errorf("%w: email is required for the email channel", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: preferred_channel must be sms or email", ErrValidation)
	}
	return s.contacts.Create(ctx, c)
}

func (s *Service) ListContacts(ctx context.Context, userID string) ([]*Contact, error) {
	return s.contacts.ListByUser(ctx, userID)
}

func (s *Service) RemoveContact(ctx context.Context, userID string, id uuid.UUID) error {
	return s.contacts.Delete(ctx, userID, id)
}

// -- Incidents --

// plan returns the actions for severity, followed by the template's
// presentation actions that the tier did not already include.
func plan(tpl Template, severity int) []Action {
	var actions []Action
	switch TierFor(severity) {
	case TierCritical:
		actions = []Action{ActionCall911, ActionNotifyAllContacts, ActionShareLocation}
	case TierUrgent:
		actions = []Action{ActionNotifyPrimaryContacts, ActionShow911Prompt}
	default:
		actions = []Action{ActionNotifyAvailable, ActionShowGuidance}
	}
	for _, a := range tpl.AutoActions {
		switch a {
		case ActionShareLocation, ActionPlayVoiceScript, ActionShowGuidance, ActionShow911Prompt:
			if !slices.Contains(actions, a) {
				actions = append(actions, a)
			}
		}
	}
	return actions
}

func (s *Service) recipients(all []*Contact, actions []Action) []*Contact {
	var out []*Contact
	hour := s.now().Hour()
	for _, c := range all {
		switch {
		case slices.Contains(actions, ActionNotifyAllContacts):
			out = append(out, c)
		case slices.Contains(actions, ActionNotifyPrimaryContacts):
			if c.Primary {
				out = append(out, c)
			}
		case slices.Contains(actions, ActionNotifyAvailable):
			if c.AvailableAt(hour) {
				out = append(out, c)
			}
		}
	}
	return out
}

// ActivateEmergency records an incident and escalates by severity tier.
// Notifications are sent once; failures are recorded on the incident.
func (s *Service) ActivateEmergency(ctx context.Context, userID string, typ Type, severity int, loc *Location) (*Activation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	tpl, ok := TemplateFor(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if severity < 1 || severity > 10 {
		return nil, fmt.Errorf("%w: severity must be between 1 and 10", ErrValidation)
	}

	inc := &Incident{
		ID:       uuid.New(),
		UserID:   userID,
		Type:     typ,
		Severity: severity,
		Tier:     TierFor(severity),
		Status:   StatusActive,
		Location: loc,
		Actions:  plan(tpl, severity),
	}
	if err := s.incidents.Create(ctx, inc); err != nil {
		return nil, err
	}
	s.metrics.EmergencyActivation(string(inc.Tier))
	s.logger.Warn().Str("incident_id", inc.ID.String()).Str("user_id", userID).
		Str("type", string(typ)).Int("severity", severity).Str("tier", string(inc.Tier)).
		Msg("emergency activated")

	if slices.Contains(inc.Actions, ActionCall911) {
		if err := s.dialer.Dial(ctx, s.dialNumber, tpl.VoiceScript); err != nil {
			inc.NotificationFailures = append(inc.NotificationFailures, "dial "+s.dialNumber+": "+err.Error())
		} else {
			dialed := s.dialNumber
			inc.DialedNumber = &dialed
		}
	}

	contacts, err := s.contacts.ListByUser(ctx, userID)
	if err != nil {
		inc.NotificationFailures = append(inc.NotificationFailures, "load contacts: "+err.Error())
	}
	data := map[string]string{
		"user_name":      userID,
		"emergency_type": string(typ),
		"severity":       strconv.Itoa(severity),
		"message":        tpl.QuickMessage,
		"location":       "",
	}
	if slices.Contains(inc.Actions, ActionShareLocation) {
		data["location"] = loc.String()
	}
	for _, c := range s.recipients(contacts, inc.Actions) {
		if err := s.notify(ctx, c, notification.TemplateEmergencyAlert, data); err != nil {
			inc.NotificationFailures = append(inc.NotificationFailures, c.ID.String()+": "+err.Error())
			continue
		}
		inc.NotifiedContactIDs = append(inc.NotifiedContactIDs, c.ID)
	}

	if err := s.incidents.Update(ctx, inc); err != nil {
		return nil, err
	}
	if len(inc.NotificationFailures) > 0 {
		s.logger.Error().Str("incident_id", inc.ID.String()).Strs("failures", inc.NotificationFailures).
			Msg("emergency notifications failed")
	}

	act := &Activation{Incident: inc, Template: tpl}
	act.ShowPrompt = slices.Contains(inc.Actions, ActionShow911Prompt)
	if slices.Contains(inc.Actions, ActionShowGuidance) {
		act.Guidance = tpl.Guidance
	}
	if slices.Contains(inc.Actions, ActionPlayVoiceScript) {
		act.VoiceScript = tpl.VoiceScript
	}
	return act, nil
}

func (s *Service) notify(ctx context.Context, c *Contact, templateID string, data map[string]string) error {
	channel, recipient := notification.ChannelSMS, c.Phone
	if c.PreferredChannel == string(notification.ChannelEmail) && c.Email != "" {
		channel, recipient = notification.ChannelEmail, c.Email
	}
	_, err := s.notifier.SendTemplate(ctx, channel, templateID, data, recipient)
	return err
}

// ResolveEmergency marks the incident resolved and sends the all-clear to
// every contact notified at activation.
func (s *Service) ResolveEmergency(ctx context.Context, id uuid.UUID, userID string) (*Incident, error) {
	var inc *Incident
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		inc, err = s.incidents.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inc.Status == StatusResolved {
			return ErrAlreadyResolved
		}
		now := s.now().UTC()
		inc.Status = StatusResolved
		inc.ResolvedAt = &now
		inc.ResolvedBy = &userID
		return s.incidents.Update(ctx, inc)
	})
	if err != nil {
		return nil, err
	}

	if len(inc.NotifiedContactIDs) == 0 {
		return inc, nil
	}
	contacts, err := s.contacts.ListByUser(ctx, inc.UserID)
	if err != nil {
		s.logger.Error().Err(err).Str("incident_id", id.String()).Msg("all-clear: load contacts")
		return inc, nil
	}
	data := map[string]string{"user_name": inc.UserID, "emergency_type": string(inc.Type)}
	failed := false
	for _, c := range contacts {
		if !slices.Contains(inc.NotifiedContactIDs, c.ID) {
			continue
		}
		if err := s.notify(ctx, c, notification.TemplateEmergencyAllClear, data); err != nil {
			inc.NotificationFailures = append(inc.NotificationFailures, "all-clear "+c.ID.String()+": "+err.Error())
			failed = true
		}
	}
	if failed {
		if err := s.incidents.Update(ctx, inc); err != nil {
			s.logger.Error().Err(err).Str("incident_id", id.String()).Msg("record all-clear failures")
		}
	}
	s.logger.Info().Str("incident_id", id.String()).Str("resolved_by", userID).Msg("emergency resolved")
	return inc, nil
}

func (s *Service) GetIncident(ctx context.Context, id uuid.UUID) (*Incident, error) {
	return s.incidents.GetByID(ctx, id)
}

func (s *Service) ListIncidents(ctx context.Context, userID string, limit int) ([]*Incident, error) {
	return s.incidents.ListByUser(ctx, userID, limit)
}
