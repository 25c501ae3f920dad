// Package metrics provides Prometheus metrics for triage runs, generation
// attempts, inbox pagination and background jobs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the control plane's Prometheus collectors. A nil *Recorder
// is valid and records nothing.
type Recorder struct {
	triageRuns        *prometheus.CounterVec
	handoffs          *prometheus.CounterVec
	triageDuration    *prometheus.HistogramVec
	generationAttempt *prometheus.CounterVec
	tokensTotal       *prometheus.CounterVec
	diagnostics       *prometheus.CounterVec
	inboxPageSize     prometheus.Histogram
	inboxDropped      prometheus.Counter
	jobsTotal         *prometheus.CounterVec
}

// NewRecorder registers the collectors with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		triageRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaydesk_triage_runs_total",
				Help: "Total number of triage pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		handoffs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaydesk_triage_handoffs_total",
				Help: "Total number of conversations handed to a human by reason",
			},
			[]string{"reason"},
		),
		triageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaydesk_triage_duration_seconds",
				Help:    "Duration of triage pipeline runs in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		generationAttempt: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaydesk_generation_attempts_total",
				Help: "Total number of text generation attempts by model and result",
			},
			[]string{"model", "result"},
		),
		tokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaydesk_generation_tokens_total",
				Help: "Total number of tokens consumed by generation",
			},
			[]string{"model", "type"},
		),
		diagnostics: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaydesk_diagnostics_recorded_total",
				Help: "Total number of tenant diagnostics recorded by code",
			},
			[]string{"code"},
		),
		inboxPageSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relaydesk_inbox_page_size",
				Help:    "Number of conversations returned per inbox page",
				Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
			},
		),
		inboxDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "relaydesk_inbox_filtered_rows_total",
				Help: "Scanned rows dropped by inbox filter re-validation",
			},
		),
		jobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaydesk_jobs_total",
				Help: "Total number of background jobs processed by type and result",
			},
			[]string{"type", "result"},
		),
	}
}

// ObserveTriage records a finished pipeline run.
func (r *Recorder) ObserveTriage(outcome, handoffReason string, duration time.Duration) {
	if r == nil {
		return
	}
	r.triageRuns.WithLabelValues(outcome).Inc()
	r.triageDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if handoffReason != "" {
		r.handoffs.WithLabelValues(handoffReason).Inc()
	}
}

// ObserveGenerationAttempt records one generator call. result is one of
// success, empty or error.
func (r *Recorder) ObserveGenerationAttempt(model, result string, inputTokens, outputTokens int64) {
	if r == nil {
		return
	}
	r.generationAttempt.WithLabelValues(model, result).Inc()
	r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// IncDiagnostic counts a recorded diagnostic.
func (r *Recorder) IncDiagnostic(code string) {
	if r == nil {
		return
	}
	r.diagnostics.WithLabelValues(code).Inc()
}

// ObserveInboxPage records the size of a returned page and how many scanned
// rows failed filter re-validation.
func (r *Recorder) ObserveInboxPage(size, dropped int) {
	if r == nil {
		return
	}
	r.inboxPageSize.Observe(float64(size))
	if dropped > 0 {
		r.inboxDropped.Add(float64(dropped))
	}
}

// ObserveJob records a processed background job. result is one of
// completed, retried or failed.
func (r *Recorder) ObserveJob(jobType, result string) {
	if r == nil {
		return
	}
	r.jobsTotal.WithLabelValues(jobType, result).Inc()
}
