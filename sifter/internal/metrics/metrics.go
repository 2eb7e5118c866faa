// Package metrics exposes pipeline counters to Prometheus. A nil *Metrics
// is valid and records nothing, so components can run without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	messages    *prometheus.CounterVec
	entities    *prometheus.CounterVec
	ocr         *prometheus.CounterVec
	calls       *prometheus.CounterVec
	quotaToday  prometheus.Gauge
	runDuration *prometheus.HistogramVec
	lockBusy    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sifter",
			Name:      "messages_ingested_total",
			Help:      "Messages seen by ingestion, by platform and outcome (stored, duplicate, edited, schema_violation).",
		}, []string{"platform", "outcome"}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sifter",
			Name:      "entities_written_total",
			Help:      "Entities written by the enrichment stage, by kind.",
		}, []string{"kind"}),
		ocr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sifter",
			Name:      "ocr_runs_total",
			Help:      "OCR attempts by outcome.",
		}, []string{"outcome"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sifter",
			Name:      "summarizer_calls_total",
			Help:      "Summarizer calls and refusals by outcome.",
		}, []string{"outcome"}),
		quotaToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sifter",
			Name:      "quota_requests_today",
			Help:      "Summarizer requests counted against today's quota.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sifter",
			Name:      "run_duration_seconds",
			Help:      "Duration of ingest, enrich and analyze runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"op", "status"}),
		lockBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sifter",
			Name:      "lock_busy_total",
			Help:      "Acquire attempts refused because the scope was held.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.messages, m.entities, m.ocr, m.calls, m.quotaToday, m.runDuration, m.lockBusy)
	}
	return m
}

// Message counts n ingested messages with the given outcome.
func (m *Metrics) Message(platform, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messages.WithLabelValues(platform, outcome).Add(float64(n))
}

// Entity counts one written entity.
func (m *Metrics) Entity(kind string) {
	if m == nil {
		return
	}
	m.entities.WithLabelValues(kind).Inc()
}

// OCR counts one OCR attempt.
func (m *Metrics) OCR(outcome string) {
	if m == nil {
		return
	}
	m.ocr.WithLabelValues(outcome).Inc()
}

// Call counts one summarizer call or refusal.
func (m *Metrics) Call(outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
}

// QuotaToday sets the current day's request count.
func (m *Metrics) QuotaToday(n int) {
	if m == nil {
		return
	}
	m.quotaToday.Set(float64(n))
}

// Run observes the duration of one run started at start.
func (m *Metrics) Run(op, status string, start time.Time) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// LockBusy counts one refused acquire for op.
func (m *Metrics) LockBusy(op string) {
	if m == nil {
		return
	}
	m.lockBusy.WithLabelValues(op).Inc()
}
