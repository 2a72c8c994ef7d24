package scheduling

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusConfirmed, true},
		{StatusConfirmed, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusScheduled, StatusInProgress, false},
		{StatusScheduled, StatusCompleted, false},
		{StatusConfirmed, StatusCompleted, false},
		{StatusScheduled, StatusCancelled, true},
		{StatusConfirmed, StatusNoShow, true},
		{StatusInProgress, StatusRescheduled, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusScheduled, false},
		{StatusNoShow, StatusConfirmed, false},
		{StatusRescheduled, StatusConfirmed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusScheduled, StatusConfirmed, StatusInProgress} {
		if s.Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	a := &Appointment{ScheduledAt: base, DurationMinutes: 60}

	tests := []struct {
		name  string
		start time.Time
		dur   int
		want  bool
	}{
		{"same slot", base, 60, true},
		{"inside", base.Add(15 * time.Minute), 15, true},
		{"straddles start", base.Add(-30 * time.Minute), 45, true},
		{"ends at start", base.Add(-30 * time.Minute), 30, false},
		{"starts at end", base.Add(time.Hour), 30, false},
	}
	for _, tt := range tests {
		b := &Appointment{ScheduledAt: tt.start, DurationMinutes: tt.dur}
		if got := a.Overlaps(b); got != tt.want {
			t.Errorf("%s: Overlaps = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEnums(t *testing.T) {
	if !TypeTelehealthCheckIn.Valid() || AppointmentType("spa").Valid() {
		t.Error("unexpected appointment type validity")
	}
	if !LocationHomeVisit.Valid() || LocationType("car").Valid() {
		t.Error("unexpected location validity")
	}
}
