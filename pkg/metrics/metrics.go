// Package metrics exposes the engine's Prometheus metrics on a private
// registry so tests can instantiate it without global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Playback end sources. The failsafe label marks completions accepted without
// authority; operators watch its rate to spot misbehaving carriers.
const (
	SourceWebhook   = "webhook"
	SourceWatchdog  = "watchdog"
	SourceTransport = "transport"
	SourceFailsafe  = "failsafe"
)

type Metrics struct {
	registry *prometheus.Registry

	CallsActive  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallDuration prometheus.Histogram

	TurnsTotal       prometheus.Counter
	TurnLatency      prometheus.Histogram
	TranscriptsTotal *prometheus.CounterVec

	PlaybackEndTotal      *prometheus.CounterVec
	SegmentsTotal         prometheus.Counter
	BargeInsTotal         prometheus.Counter
	RepromptsTotal        *prometheus.CounterVec
	LateFinalTotal        *prometheus.CounterVec
	ProviderErrorsTotal   *prometheus.CounterVec
	GibberishRejectsTotal prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callcore"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		CallsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of live call sessions",
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Completed calls by end reason",
		}, []string{"reason"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration from answer to teardown",
			Buckets:   []float64{15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		TurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Accepted caller turns",
		}),
		TurnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Final transcript to first playback audio",
			Buckets:   prometheus.DefBuckets,
		}),
		TranscriptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Transcripts received by kind",
		}, []string{"kind"}),
		PlaybackEndTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_end_total",
			Help:      "Playback completions by signal source",
		}, []string{"source"}),
		SegmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Synthesized playback segments queued",
		}),
		BargeInsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller interruptions during playback",
		}),
		RepromptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reprompts_total",
			Help:      "Spoken reprompts by trigger",
		}, []string{"trigger"}),
		LateFinalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_final_total",
			Help:      "Late-final grace window outcomes",
		}, []string{"outcome"}),
		ProviderErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "External provider failures",
		}, []string{"provider"}),
		GibberishRejectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gibberish_rejects_total",
			Help:      "Final transcripts rejected by the noise filter",
		}),
	}

	registry.MustRegister(
		m.CallsActive,
		m.CallsTotal,
		m.CallDuration,
		m.TurnsTotal,
		m.TurnLatency,
		m.TranscriptsTotal,
		m.PlaybackEndTotal,
		m.SegmentsTotal,
		m.BargeInsTotal,
		m.RepromptsTotal,
		m.LateFinalTotal,
		m.ProviderErrorsTotal,
		m.GibberishRejectsTotal,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
