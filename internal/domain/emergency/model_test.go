package emergency

import (
	"errors"
	"slices"
	"testing"
)

func TestContact_AvailableAt(t *testing.T) {
	tests := []struct {
		name        string
		from, until int
		hour        int
		want        bool
	}{
		{"all day", 0, 24, 3, true},
		{"inside daytime window", 9, 17, 9, true},
		{"end is exclusive", 9, 17, 17, false},
		{"before window", 9, 17, 8, false},
		{"wraps, late evening", 22, 6, 23, true},
		{"wraps, early morning", 22, 6, 5, true},
		{"wraps, afternoon", 22, 6, 14, false},
		{"equal bounds means always", 8, 8, 20, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Contact{AvailableFrom: tt.from, AvailableUntil: tt.until}
			if got := c.AvailableAt(tt.hour); got != tt.want {
				t.Errorf("AvailableAt(%d) = %v, want %v", tt.hour, got, tt.want)
			}
		})
	}
}

func TestTierFor(t *testing.T) {
	tests := map[int]Tier{1: TierStandard, 6: TierStandard, 7: TierUrgent, 8: TierUrgent, 9: TierCritical, 10: TierCritical}
	for sev, want := range tests {
		if got := TierFor(sev); got != want {
			t.Errorf("TierFor(%d) = %s, want %s", sev, got, want)
		}
	}
}

func TestTemplates(t *testing.T) {
	all := Templates()
	if len(all) != 5 {
		t.Fatalf("expected 5 templates, got %d", len(all))
	}
	for _, typ := range []Type{TypeMedical, TypeSafety, TypePain, TypeHelp, TypeLost} {
		tpl, ok := TemplateFor(typ)
		if !ok {
			t.Fatalf("missing template %s", typ)
		}
		if tpl.QuickMessage == "" || tpl.VoiceScript == "" || len(tpl.AutoActions) == 0 {
			t.Errorf("template %s is incomplete", typ)
		}
	}
	all[0].QuickMessage = "changed"
	if tpl, _ := TemplateFor(all[0].Type); tpl.QuickMessage == "changed" {
		t.Error("Templates must return a copy")
	}
}

func TestPlan(t *testing.T) {
	medical, _ := TemplateFor(TypeMedical)
	got := plan(medical, 3)
	want := []Action{ActionNotifyAvailable, ActionShowGuidance, ActionShareLocation, ActionPlayVoiceScript}
	if !slices.Equal(got, want) {
		t.Errorf("plan(medical, 3) = %v, want %v", got, want)
	}
	if slices.Contains(got, ActionCall911) {
		t.Error("low severity must never dial regardless of template")
	}

	help, _ := TemplateFor(TypeHelp)
	got = plan(help, 9)
	want = []Action{ActionCall911, ActionNotifyAllContacts, ActionShareLocation, ActionShowGuidance}
	if !slices.Equal(got, want) {
		t.Errorf("plan(help, 9) = %v, want %v", got, want)
	}
}

func TestNormalizePhone(t *testing.T) {
	for _, raw := range []string{"(201) 555-0123", "201.555.0123", "+1 201 555 0123"} {
		got, err := NormalizePhone(raw)
		if err != nil {
			t.Fatalf("NormalizePhone(%q): %v", raw, err)
		}
		if got != "+12015550123" {
			t.Errorf("NormalizePhone(%q) = %q", raw, got)
		}
	}
	if _, err := NormalizePhone("call me"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestLocation_String(t *testing.T) {
	var nilLoc *Location
	if nilLoc.String() != "" {
		t.Error("nil location must render empty")
	}
	lat, lng := 1.5, -2.25
	l := &Location{Latitude: &lat, Longitude: &lng, Description: "Park"}
	if got := l.String(); got != "Park https://maps.google.com/?q=1.500000,-2.250000" {
		t.Errorf("unexpected %q", got)
	}
}
