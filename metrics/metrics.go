package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the Prometheus collectors for the automation engine.
// All methods are safe on a nil receiver so tests can skip metrics.
type Metrics struct {
	RunsTotal           *prometheus.CounterVec
	RunDurationSeconds  prometheus.Histogram
	DeliveriesTotal     *prometheus.CounterVec
	SkipsTotal          *prometheus.CounterVec
	InvalidSubscribers  prometheus.Counter
	TrackingEventsTotal *prometheus.CounterVec
	BreakerState        prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance on its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicmail_automation_runs_total",
				Help: "Sequence runner invocations by result",
			},
			[]string{"result"},
		),
		RunDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clinicmail_automation_run_duration_seconds",
				Help:    "Wall time of one sequence runner invocation",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicmail_deliveries_total",
				Help: "Delivery attempts by final status",
			},
			[]string{"status"},
		),
		SkipsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicmail_delivery_skips_total",
				Help: "Candidate deliveries skipped by reason",
			},
			[]string{"reason"},
		),
		InvalidSubscribers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clinicmail_invalid_subscribers_total",
				Help: "Active subscribers skipped for an invalid email address",
			},
		),
		TrackingEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicmail_tracking_events_total",
				Help: "Open, click and unsubscribe hits by validity",
			},
			[]string{"event", "valid"},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clinicmail_transport_breaker_open",
				Help: "1 while the transport circuit breaker is open",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDurationSeconds,
		m.DeliveriesTotal,
		m.SkipsTotal,
		m.InvalidSubscribers,
		m.TrackingEventsTotal,
		m.BreakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRun(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	m.RunDurationSeconds.Observe(d.Seconds())
}

func (m *Metrics) ObserveDelivery(status string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSkip(reason string) {
	if m == nil {
		return
	}
	m.SkipsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveInvalidSubscriber() {
	if m == nil {
		return
	}
	m.InvalidSubscribers.Inc()
}

func (m *Metrics) ObserveTracking(event string, valid bool) {
	if m == nil {
		return
	}
	v := "false"
	if valid {
		v = "true"
	}
	m.TrackingEventsTotal.WithLabelValues(event, v).Inc()
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerState.Set(1)
		return
	}
	m.BreakerState.Set(0)
}
