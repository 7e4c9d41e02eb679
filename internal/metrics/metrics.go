// Package metrics exposes Prometheus instrumentation for the voice pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicegate"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing, so instrumentation can be disabled in tests.
type Metrics struct {
	sessionsActive    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	turnsTotal        *prometheus.CounterVec
	bargeInsTotal     prometheus.Counter
	bookingsTotal     *prometheus.CounterVec
	transcribeErrors  prometheus.Counter
	firstAudioLatency prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of calls currently in progress.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total calls handled.",
		}),
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns appended to history.",
		}, []string{"role"}),
		bargeInsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Times a caller interrupted agent speech.",
		}),
		bookingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome.",
		}, []string{"outcome"}),
		transcribeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_errors_total",
			Help:      "Utterances lost to transcription engine errors.",
		}),
		firstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_seconds",
			Help:      "Time from final caller transcript to first synthesized audio chunk.",
			Buckets:   []float64{0.25, 0.5, 1, 1.5, 2, 3, 4, 6, 10},
		}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) RecordTurn(role string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.bargeInsTotal.Inc()
}

func (m *Metrics) RecordBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordTranscribeError() {
	if m == nil {
		return
	}
	m.transcribeErrors.Inc()
}

func (m *Metrics) RecordFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.firstAudioLatency.Observe(d.Seconds())
}
