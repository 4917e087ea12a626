package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes counters and histograms for scheduling flows. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	tokenRefreshes  *prometheus.CounterVec
	bookings        *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	reminders       *prometheus.CounterVec
	reminderTicks   *prometheus.HistogramVec
	availability    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callpilot",
			Subsystem: "calendar",
			Name:      "calls_total",
			Help:      "Calendar provider calls by operation and outcome",
		}, []string{"op", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callpilot",
			Subsystem: "calendar",
			Name:      "call_seconds",
			Help:      "Calendar provider call latency including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callpilot",
			Subsystem: "calendar",
			Name:      "token_refresh_total",
			Help:      "OAuth token refresh attempts",
		}, []string{"outcome"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callpilot",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callpilot",
			Subsystem: "scheduling",
			Name:      "transitions_total",
			Help:      "Lifecycle operations by action and outcome",
		}, []string{"action", "outcome"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callpilot",
			Subsystem: "reminders",
			Name:      "dispatch_total",
			Help:      "Reminder dispatch results",
		}, []string{"outcome"}),
		reminderTicks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callpilot",
			Subsystem: "reminders",
			Name:      "tick_seconds",
			Help:      "Duration of reminder scheduler ticks",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		availability: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callpilot",
			Subsystem: "scheduling",
			Name:      "availability_queries_total",
			Help:      "Availability queries by kind",
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.providerCalls, m.providerLatency, m.tokenRefreshes, m.bookings,
		m.transitions, m.reminders, m.reminderTicks, m.availability)
	return m
}

func (m *Metrics) ObserveProviderCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(op, outcome).Inc()
	m.providerLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ObserveTokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveReminder(outcome string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReminderTick(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.reminderTicks.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveAvailability(kind string) {
	if m == nil {
		return
	}
	m.availability.WithLabelValues(kind).Inc()
}
