// Package metrics exposes owlbee's Prometheus collectors on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	TrainTotal          *prometheus.CounterVec
	AnswersTotal        *prometheus.CounterVec
	SearchFallbackTotal *prometheus.CounterVec
	ExtractPagesTotal   *prometheus.CounterVec
	AnswerDuration      prometheus.Histogram
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TrainTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlbee_train_total",
				Help: "Training runs by store kind and result",
			},
			[]string{"kind", "result"},
		),
		AnswersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlbee_answers_total",
				Help: "Answers by the source that produced them",
			},
			[]string{"source"},
		),
		SearchFallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlbee_search_fallback_total",
				Help: "Searches that fell back from embeddings to lexical scoring",
			},
			[]string{"reason"},
		),
		ExtractPagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlbee_extract_pages_total",
				Help: "Crawled pages by outcome",
			},
			[]string{"result"},
		),
		AnswerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "owlbee_answer_duration_seconds",
				Help:    "Time to produce an answer",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
	}
	reg.MustRegister(
		m.TrainTotal,
		m.AnswersTotal,
		m.SearchFallbackTotal,
		m.ExtractPagesTotal,
		m.AnswerDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Train(kind, result string) {
	if m == nil {
		return
	}
	m.TrainTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Answer(source string, took time.Duration) {
	if m == nil {
		return
	}
	m.AnswersTotal.WithLabelValues(source).Inc()
	m.AnswerDuration.Observe(took.Seconds())
}

// SearchFallback buckets free-form fallback reasons into a small label set.
func (m *Metrics) SearchFallback(reason string) {
	if m == nil {
		return
	}
	m.SearchFallbackTotal.WithLabelValues(fallbackLabel(reason)).Inc()
}

func (m *Metrics) ExtractPage(result string) {
	if m == nil {
		return
	}
	m.ExtractPagesTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func fallbackLabel(reason string) string {
	switch {
	case reason == "":
		return "unknown"
	case strings.Contains(reason, "unavailable"):
		return "unavailable"
	case strings.Contains(reason, "dimension"):
		return "dimension_mismatch"
	default:
		return "error"
	}
}
