// Package notification delivers templated e-mail and SMS messages and keeps
// an in-memory delivery record.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Notification is a single outbound message.
type Notification struct {
	ID           string            `json:"id"`
	Channel      Channel           `json:"channel"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"-"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

var (
	ErrNotFound     = errors.New("notification not found")
	ErrNotRetryable = errors.New("notification is not in failed status")
)

// Manager renders templates, dispatches through the configured senders and
// records the outcome of every delivery.
type Manager struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	logger    zerolog.Logger
	maxKept   int

	mu            sync.RWMutex
	notifications map[string]*Notification
	order         []string
}

func NewManager(email EmailSender, sms SMSSender, tpl *TemplateEngine, logger zerolog.Logger) *Manager {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Manager{
		email:         email,
		sms:           sms,
		templates:     tpl,
		logger:        logger,
		maxKept:       5000,
		notifications: make(map[string]*Notification),
	}
}

// Send dispatches n and records it. The returned error is the delivery
// error, if any; n carries the same information in Status and Error.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()

	err := m.deliver(ctx, n)
	m.store(n)
	return err
}

// SendTemplate renders templateID and sends it over channel.
func (m *Manager) SendTemplate(ctx context.Context, channel Channel, templateID string, data map[string]string, recipient string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	n := &Notification{
		Channel:      channel,
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
	}
	return n, m.Send(ctx, n)
}

// SendFromTemplate sends over the template's default channel.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	tpl, ok := m.templates.Get(templateID)
	if !ok {
		return nil, fmt.Errorf("render template: template %q not found", templateID)
	}
	return m.SendTemplate(ctx, tpl.Channel, templateID, data, recipient)
}

// Retry re-sends a failed notification.
func (m *Manager) Retry(ctx context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	n, ok := m.notifications[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n.Status != StatusFailed {
		return n, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, n.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return n, m.deliver(ctx, n)
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	n.Attempts++

	var err error
	switch n.Channel {
	case ChannelEmail:
		if m.email == nil {
			err = fmt.Errorf("no email sender configured")
		} else {
			err = m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
		}
	case ChannelSMS:
		if m.sms == nil {
			err = fmt.Errorf("no sms sender configured")
		} else {
			err = m.sms.SendSMS(ctx, n.Recipient, n.Body)
		}
	default:
		err = fmt.Errorf("unsupported notification channel: %s", n.Channel)
	}

	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		m.logger.Warn().Err(err).
			Str("notification_id", n.ID).
			Str("channel", string(n.Channel)).
			Str("template", n.TemplateID).
			Msg("notification delivery failed")
		return err
	}

	sentAt := time.Now().UTC()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.Error = ""
	return nil
}

func (m *Manager) store(n *Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.notifications[n.ID]; !exists {
		m.order = append(m.order, n.ID)
	}
	m.notifications[n.ID] = n
	for len(m.order) > m.maxKept {
		delete(m.notifications, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *Manager) Get(_ context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

// ListByRecipient returns up to limit notifications for recipient, newest first.
func (m *Manager) ListByRecipient(_ context.Context, recipient string, limit int) []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		if n := m.notifications[m.order[i]]; n.Recipient == recipient {
			out = append(out, n)
		}
	}
	return out
}

// Stats counts notifications by status and by template.
func (m *Manager) Stats(_ context.Context) map[string]map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byStatus := make(map[string]int)
	byTemplate := make(map[string]int)
	for _, n := range m.notifications {
		byStatus[n.Status]++
		if n.TemplateID != "" {
			byTemplate[n.TemplateID]++
		}
	}
	return map[string]map[string]int{"by_status": byStatus, "by_template": byTemplate}
}

// Templates lists the registered templates sorted by id.
func (m *Manager) Templates() []Template {
	out := m.templates.List()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
