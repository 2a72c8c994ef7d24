package emergency

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrUnknownType     = errors.New("unknown emergency type")
	ErrAlreadyResolved = errors.New("incident already resolved")
)

// DefaultRegion is used when a contact phone number has no country prefix.
const DefaultRegion = "US"

type Type string

const (
	TypeMedical Type = "medical"
	TypeSafety  Type = "safety"
	TypePain    Type = "pain"
	TypeHelp    Type = "help"
	TypeLost    Type = "lost"
)

type Action string

const (
	ActionCall911               Action = "call_911"
	ActionNotifyAllContacts     Action = "notify_all_contacts"
	ActionNotifyPrimaryContacts Action = "notify_primary_contacts"
	ActionNotifyAvailable       Action = "notify_available_contacts"
	ActionShareLocation         Action = "share_location"
	ActionShow911Prompt         Action = "show_911_prompt"
	ActionShowGuidance          Action = "show_guidance"
	ActionPlayVoiceScript       Action = "play_voice_script"
)

// Template is the canned content behind one emergency button.
type Template struct {
	Type         Type     `json:"type"`
	Label        string   `json:"label"`
	QuickMessage string   `json:"quick_message"`
	VoiceScript  string   `json:"voice_script"`
	AutoActions  []Action `json:"auto_actions"`
	Guidance     string   `json:"guidance"`
}

var templates = []Template{
	{
		Type:         TypeMedical,
		Label:        "Medical emergency",
		QuickMessage: "I need medical help right now.",
		VoiceScript:  "This is an emergency. I use a communication device and cannot speak. I need medical help at my location.",
		AutoActions:  []Action{ActionCall911, ActionNotifyAllContacts, ActionShareLocation, ActionPlayVoiceScript},
		Guidance:     "Stay where you are. Help is being contacted.",
	},
	{
		Type:         TypeSafety,
		Label:        "I feel unsafe",
		QuickMessage: "I do not feel safe. Please come or call me.",
		VoiceScript:  "I use a communication device. I do not feel safe and need someone to help me.",
		AutoActions:  []Action{ActionNotifyPrimaryContacts, ActionShareLocation, ActionShow911Prompt},
		Guidance:     "Move to a safe place if you can. Tap call 911 if you are in danger.",
	},
	{
		Type:         TypePain,
		Label:        "I am in pain",
		QuickMessage: "I am in pain and need help.",
		VoiceScript:  "I use a communication device. I am in pain. Please help me.",
		AutoActions:  []Action{ActionNotifyAvailable, ActionPlayVoiceScript, ActionShowGuidance},
		Guidance:     "Point to where it hurts on the body chart.",
	},
	{
		Type:         TypeHelp,
		Label:        "I need help",
		QuickMessage: "I need help. Please contact me.",
		VoiceScript:  "I use a communication device. I need help, please.",
		AutoActions:  []Action{ActionNotifyAvailable, ActionShowGuidance},
		Guidance:     "Someone you trust is being contacted.",
	},
	{
		Type:         TypeLost,
		Label:        "I am lost",
		QuickMessage: "I am lost. My location is attached.",
		VoiceScript:  "I use a communication device. I am lost. Can you help me find my way?",
		AutoActions:  []Action{ActionNotifyPrimaryContacts, ActionShareLocation, ActionPlayVoiceScript},
		Guidance:     "Stay where you are. Show this screen to someone nearby.",
	},
}

// Templates returns the fixed emergency templates in display order.
func Templates() []Template {
	out := make([]Template, len(templates))
	copy(out, templates)
	return out
}

func TemplateFor(t Type) (Template, bool) {
	for _, tpl := range templates {
		if tpl.Type == t {
			return tpl, true
		}
	}
	return Template{}, false
}

// Tier names the escalation level of a severity score.
type Tier string

const (
	TierCritical Tier = "critical"
	TierUrgent   Tier = "urgent"
	TierStandard Tier = "standard"
)

func TierFor(severity int) Tier {
	switch {
	case severity >= 9:
		return TierCritical
	case severity >= 7:
		return TierUrgent
	default:
		return TierStandard
	}
}

// Contact is someone notified when the owning user activates an emergency.
// AvailableFrom/AvailableUntil are hours of the day; a window whose start is
// after its end wraps past midnight.
type Contact struct {
	ID               uuid.UUID `json:"id"`
	UserID           string    `json:"user_id"`
	Name             string    `json:"name"`
	Relationship     string    `json:"relationship,omitempty"`
	Phone            string    `json:"phone"`
	Email            string    `json:"email,omitempty"`
	Primary          bool      `json:"is_primary"`
	AvailableFrom    int       `json:"available_from"`
	AvailableUntil   int       `json:"available_until"`
	PreferredChannel string    `json:"preferred_channel"`
	CreatedAt        time.Time `json:"created_at"`
}

// AvailableAt reports whether hour (0-23) falls inside the contact's window.
func (c *Contact) AvailableAt(hour int) bool {
	from, until := c.AvailableFrom, c.AvailableUntil
	if from == until || (from == 0 && until == 24) {
		return true
	}
	if from < until {
		return hour >= from && hour < until
	}
	return hour >= from || hour < until
}

// NormalizePhone parses raw and formats it as E.164.
func NormalizePhone(raw string) (string, error) {
	num, err := phonenumbers.Parse(strings.TrimSpace(raw), DefaultRegion)
	if err != nil {
		return "", fmt.Errorf("%w: phone %q: %v", ErrValidation, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: phone %q is not a valid number", ErrValidation, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

type Location struct {
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Description string   `json:"description,omitempty"`
}

func (l *Location) String() string {
	if l == nil {
		return ""
	}
	var parts []string
	if l.Description != "" {
		parts = append(parts, l.Description)
	}
	if l.Latitude != nil && l.Longitude != nil {
		parts = append(parts, fmt.Sprintf("https://maps.google.com/?q=%.6f,%.6f", *l.Latitude, *l.Longitude))
	}
	return strings.Join(parts, " ")
}

const (
	StatusActive   = "active"
	StatusResolved = "resolved"
)

type Incident struct {
	ID                   uuid.UUID   `json:"id"`
	UserID               string      `json:"user_id"`
	Type                 Type        `json:"emergency_type"`
	Severity             int         `json:"severity"`
	Tier                 Tier        `json:"tier"`
	Status               string      `json:"status"`
	Location             *Location   `json:"location,omitempty"`
	Actions              []Action    `json:"actions"`
	NotifiedContactIDs   []uuid.UUID `json:"notified_contact_ids"`
	NotificationFailures []string    `json:"notification_failures,omitempty"`
	DialedNumber         *string     `json:"dialed_number,omitempty"`
	ResolvedAt           *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy           *string     `json:"resolved_by,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
}

// Activation is the response to an activation: the incident plus what the
// device should show and say.
type Activation struct {
	Incident    *Incident `json:"incident"`
	Template    Template  `json:"template"`
	ShowPrompt  bool      `json:"show_911_prompt"`
	Guidance    string    `json:"guidance,omitempty"`
	VoiceScript string    `json:"voice_script,omitempty"`
}
