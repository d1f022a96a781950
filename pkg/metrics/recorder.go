// Package metrics provides Prometheus-based metrics recording for admission, moderation,
// gateway calls and summary jobs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is implemented by anything that records chatcore metrics.
type Recorder interface {
	ObserveAdmission(accepted bool)
	ObserveModeration(flagged bool, rule string)
	ObserveGatewayRequest(model, status, errorType string, duration time.Duration)
	ObserveRetry(scope, kind string)
	ObserveJob(status string, duration time.Duration)
	IncScanFailure()
	IncThrottle(model, reason string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveAdmission(bool)                                       {}
func (Nop) ObserveModeration(bool, string)                              {}
func (Nop) ObserveGatewayRequest(string, string, string, time.Duration) {}
func (Nop) ObserveRetry(string, string)                                 {}
func (Nop) ObserveJob(string, time.Duration)                            {}
func (Nop) IncScanFailure()                                             {}
func (Nop) IncThrottle(string, string)                                  {}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	admissionTotal  *prometheus.CounterVec
	moderationTotal *prometheus.CounterVec
	gatewayTotal    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	retryTotal      *prometheus.CounterVec
	jobTotal        *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	scanFailures    prometheus.Counter
	throttleTotal   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		admissionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_admission_decisions_total",
				Help: "Admission decisions for inbound writes",
			},
			[]string{"decision"},
		),
		moderationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_moderation_verdicts_total",
				Help: "Moderation verdicts by rule namespace",
			},
			[]string{"verdict", "rule"},
		),
		gatewayTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of gateway requests by model and status",
			},
			[]string{"model", "status", "error_type"},
		),
		gatewayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of gateway requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		retryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_retries_total",
				Help: "Retries scheduled by scope and failure kind",
			},
			[]string{"scope", "kind"},
		),
		jobTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "summary_jobs_total",
				Help: "Summary job outcomes by status",
			},
			[]string{"status"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "summary_job_duration_seconds",
				Help:    "Duration of summary jobs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		scanFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "summary_scan_failures_total",
				Help: "Scheduler scan phases that returned an error",
			},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_throttle_events_total",
				Help: "Gateway calls delayed by the limiter or rejected by the circuit breaker",
			},
			[]string{"model", "reason"},
		),
	}
}

// ObserveAdmission records one admission decision.
func (p *PrometheusRecorder) ObserveAdmission(accepted bool) {
	decision := "accepted"
	if !accepted {
		decision = "rejected"
	}
	p.admissionTotal.WithLabelValues(decision).Inc()
}

// ObserveModeration records one verdict. rule is the reason namespace ("" when clean).
func (p *PrometheusRecorder) ObserveModeration(flagged bool, rule string) {
	verdict := "clean"
	if flagged {
		verdict = "flagged"
	}
	p.moderationTotal.WithLabelValues(verdict, rule).Inc()
}

// ObserveGatewayRequest records a completed gateway call.
func (p *PrometheusRecorder) ObserveGatewayRequest(model, status, errorType string, duration time.Duration) {
	p.gatewayTotal.WithLabelValues(model, status, errorType).Inc()
	p.gatewayDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveRetry records a scheduled retry.
func (p *PrometheusRecorder) ObserveRetry(scope, kind string) {
	p.retryTotal.WithLabelValues(scope, kind).Inc()
}

// ObserveJob records a terminal job outcome.
func (p *PrometheusRecorder) ObserveJob(status string, duration time.Duration) {
	p.jobTotal.WithLabelValues(status).Inc()
	p.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncScanFailure counts a failed scan phase.
func (p *PrometheusRecorder) IncScanFailure() {
	p.scanFailures.Inc()
}

// IncThrottle counts a call held back before reaching the provider.
func (p *PrometheusRecorder) IncThrottle(model, reason string) {
	p.throttleTotal.WithLabelValues(model, reason).Inc()
}
