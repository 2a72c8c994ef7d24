package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's collectors. A nil *Metrics is valid and
// records nothing, so packages can be constructed without instrumentation.
type Metrics struct {
	httpDuration           *prometheus.HistogramVec
	appointmentTransitions *prometheus.CounterVec
	claimStatusChanges     *prometheus.CounterVec
	emergencyActivations   *prometheus.CounterVec
	auditEntries           *prometheus.CounterVec
	webhookEvents          *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aac",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		appointmentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aac",
			Subsystem: "scheduling",
			Name:      "appointment_transitions_total",
			Help:      "Appointment status transitions by target status",
		}, []string{"status"}),
		claimStatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aac",
			Subsystem: "billing",
			Name:      "claim_status_changes_total",
			Help:      "Claim status changes by target status",
		}, []string{"status"}),
		emergencyActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aac",
			Subsystem: "emergency",
			Name:      "activations_total",
			Help:      "Emergency activations by severity tier",
		}, []string{"tier"}),
		auditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aac",
			Subsystem: "hipaa",
			Name:      "audit_entries_total",
			Help:      "Audit log entries by action",
		}, []string{"action", "critical"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aac",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Payment webhook events by type and outcome",
		}, []string{"event_type", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.httpDuration,
		m.appointmentTransitions,
		m.claimStatusChanges,
		m.emergencyActivations,
		m.auditEntries,
		m.webhookEvents,
	)
	return m
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) AppointmentTransition(status string) {
	if m == nil {
		return
	}
	m.appointmentTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ClaimStatusChange(status string) {
	if m == nil {
		return
	}
	m.claimStatusChanges.WithLabelValues(status).Inc()
}

func (m *Metrics) EmergencyActivation(tier string) {
	if m == nil {
		return
	}
	m.emergencyActivations.WithLabelValues(tier).Inc()
}

func (m *Metrics) AuditEntry(action string, critical bool) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(action, strconv.FormatBool(critical)).Inc()
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}
