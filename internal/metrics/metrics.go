// Package metrics holds the Prometheus collectors for refreshes and reminders.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Refreshes        *prometheus.CounterVec
	RecordsParsed    prometheus.Gauge
	AssignmentsSeen  prometheus.Gauge
	RemindersFired   prometheus.Counter
	RemindersArmed   prometheus.Counter
	DeliveryFailures prometheus.Counter
	RefreshDuration  prometheus.Histogram
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duecal",
			Name:      "feed_refreshes_total",
			Help:      "Feed refresh attempts by result.",
		}, []string{"result"}),
		RecordsParsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duecal",
			Name:      "records",
			Help:      "Records in the current record list.",
		}),
		AssignmentsSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duecal",
			Name:      "assignments",
			Help:      "Records classified as assignments in the current record list.",
		}),
		RemindersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duecal",
			Name:      "reminders_fired_total",
			Help:      "Reminders handed to delivery.",
		}),
		RemindersArmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duecal",
			Name:      "reminders_scheduled_total",
			Help:      "Reminders newly scheduled for the future.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duecal",
			Name:      "reminder_delivery_failures_total",
			Help:      "Reminders whose delivery failed after retries.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "duecal",
			Name:      "feed_refresh_duration_seconds",
			Help:      "Wall time of a full feed refresh.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.Registry.MustRegister(
		m.Refreshes,
		m.RecordsParsed,
		m.AssignmentsSeen,
		m.RemindersFired,
		m.RemindersArmed,
		m.DeliveryFailures,
		m.RefreshDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
