package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Built-in template ids.
const (
	TemplateAppointmentReminder = "appointment-reminder"
	TemplateEmergencyAlert      = "emergency-alert"
	TemplateEmergencyAllClear   = "emergency-all-clear"
	TemplateClaimDenied         = "claim-denied"
)

type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range builtInTemplates {
		e.Register(t)
	}
	return e
}

var builtInTemplates = []Template{
	{
		ID:      TemplateAppointmentReminder,
		Name:    "Appointment Reminder",
		Subject: "Reminder: {{appointment_type}} session on {{date}}",
		Body:    "You have a {{appointment_type}} session on {{date}} at {{time}} ({{location}}). Reply to this message if you need to reschedule.",
		Channel: ChannelEmail,
	},
	{
		ID:      TemplateEmergencyAlert,
		Name:    "Emergency Alert",
		Subject: "EMERGENCY: {{emergency_type}} alert from {{user_name}}",
		Body:    "{{user_name}} activated a {{emergency_type}} alert (severity {{severity}}): \"{{message}}\". {{location}}",
		Channel: ChannelSMS,
	},
	{
		ID:      TemplateEmergencyAllClear,
		Name:    "Emergency All Clear",
		Subject: "All clear: {{user_name}}",
		Body:    "All clear. The {{emergency_type}} alert from {{user_name}} has been resolved.",
		Channel: ChannelSMS,
	},
	{
		ID:      TemplateClaimDenied,
		Name:    "Claim Denied",
		Subject: "Claim {{claim_id}} denied",
		Body:    "Claim {{claim_id}} for CPT {{cpt_code}} on {{date_of_service}} was denied: {{reason}}.",
		Channel: ChannelEmail,
	},
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

func (e *TemplateEngine) Get(id string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[id]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

func (e *TemplateEngine) List() []Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Template, 0, len(e.templates))
	for _, t := range e.templates {
		out = append(out, *t)
	}
	return out
}

// Render substitutes data into the template. Placeholders without a value
// are left as-is.
func (e *TemplateEngine) Render(id string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Get(id)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", id)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}
