// Package metrics holds the Prometheus collectors for the classification
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dictionary lookup outcomes.
const (
	LookupHit        = "hit"
	LookupMiss       = "miss"
	LookupFailureHit = "failure_hit"
	LookupAPIError   = "api_error"
)

// Metrics contains the counters and histograms for submissions, inference,
// dictionary lookups, training samples and corpus exports.
type Metrics struct {
	submissionsTotal   *prometheus.CounterVec
	inferenceDuration  *prometheus.HistogramVec
	inferenceOutcomes  *prometheus.CounterVec
	dictionaryLookups  *prometheus.CounterVec
	dictionaryAttempts *prometheus.CounterVec
	trainingSamples    prometheus.Counter
	corpusExports      *prometheus.CounterVec
}

// New creates the collectors and registers them on registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		submissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fruitlens_submissions_total",
				Help: "Submissions by purpose and the status they settled in",
			},
			[]string{"purpose", "status"},
		),
		inferenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "fruitlens_inference_duration_seconds",
				Help: "Time spent waiting for the inference service",
				// 10ms to ~20s
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"outcome"},
		),
		inferenceOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fruitlens_inference_requests_total",
				Help: "Inference calls by outcome",
			},
			[]string{"outcome"}, // ok, timeout, unsupported, unavailable, rejected
		),
		dictionaryLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fruitlens_dictionary_lookups_total",
				Help: "Dictionary lookups by cache outcome",
			},
			[]string{"outcome"},
		),
		dictionaryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fruitlens_dictionary_api_requests_total",
				Help: "HTTP requests made to the dictionary API by status class",
			},
			[]string{"status"},
		),
		trainingSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fruitlens_training_samples_total",
			Help: "Training samples appended to the corpus",
		}),
		corpusExports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fruitlens_corpus_exports_total",
				Help: "Corpus export attempts by sink and status",
			},
			[]string{"sink", "status"},
		),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.submissionsTotal.Describe(ch)
	m.inferenceDuration.Describe(ch)
	m.inferenceOutcomes.Describe(ch)
	m.dictionaryLookups.Describe(ch)
	m.dictionaryAttempts.Describe(ch)
	m.trainingSamples.Describe(ch)
	m.corpusExports.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.submissionsTotal.Collect(ch)
	m.inferenceDuration.Collect(ch)
	m.inferenceOutcomes.Collect(ch)
	m.dictionaryLookups.Collect(ch)
	m.dictionaryAttempts.Collect(ch)
	m.trainingSamples.Collect(ch)
	m.corpusExports.Collect(ch)
}

func (m *Metrics) RecordSubmission(purpose, status string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(purpose, status).Inc()
}

// RecordInference records one inference call and how long it took.
func (m *Metrics) RecordInference(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceOutcomes.WithLabelValues(outcome).Inc()
	m.inferenceDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) RecordLookup(outcome string) {
	if m == nil {
		return
	}
	m.dictionaryLookups.WithLabelValues(outcome).Inc()
}

// RecordAPIRequest counts one dictionary API request. status is "2xx",
// "4xx", "5xx" or "error" for transport failures.
func (m *Metrics) RecordAPIRequest(status string) {
	if m == nil {
		return
	}
	m.dictionaryAttempts.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordTrainingSample() {
	if m == nil {
		return
	}
	m.trainingSamples.Inc()
}

func (m *Metrics) RecordExport(sink, status string) {
	if m == nil {
		return
	}
	m.corpusExports.WithLabelValues(sink, status).Inc()
}
