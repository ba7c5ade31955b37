package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exthost"

// Metrics groups every collector the extension host exports. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	denials            *prometheus.CounterVec
	egressDecisions    *prometheus.CounterVec
	webhookAttempts    *prometheus.CounterVec
	webhookDeadLetters prometheus.Counter
	jobSkips           *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sandbox_invocations_total",
			Help: "Sandboxed plugin invocations by trigger kind and outcome.",
		}, []string{"kind", "outcome"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sandbox_invocation_duration_seconds",
			Help:    "Duration of sandboxed plugin invocations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "capability_denials_total",
			Help: "Capability calls refused because the permission was not granted.",
		}, []string{"permission"}),
		egressDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "egress_decisions_total",
			Help: "Egress gate decisions.",
		}, []string{"decision"}),
		webhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_attempts_total",
			Help: "Webhook delivery attempts by response status class.",
		}, []string{"status_class"}),
		webhookDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_dead_letters_total",
			Help: "Webhook deliveries abandoned after exhausting their retry budget.",
		}),
		jobSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_skips_total",
			Help: "Job ticks skipped because the previous run was still executing.",
		}, []string{"job"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_transitions_total",
			Help: "Plugin registry lifecycle transitions.",
		}, []string{"transition"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Invocations or deliveries held back by per-installation rate limits.",
		}, []string{"path"}),
	}
	reg.MustRegister(
		m.httpRequests, m.httpDuration,
		m.invocations, m.invocationDuration, m.denials,
		m.egressDecisions, m.webhookAttempts, m.webhookDeadLetters,
		m.jobSkips, m.transitions, m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveInvocation records one sandbox invocation. outcome is "success" or an error kind.
func (m *Metrics) ObserveInvocation(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(kind, outcome).Inc()
	m.invocationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// CapabilityDenied counts a refused capability call.
func (m *Metrics) CapabilityDenied(permission string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(permission).Inc()
}

// EgressDecision counts an allow or block decision.
func (m *Metrics) EgressDecision(allowed bool) {
	if m == nil {
		return
	}
	decision := "blocked"
	if allowed {
		decision = "allowed"
	}
	m.egressDecisions.WithLabelValues(decision).Inc()
}

// WebhookAttempt counts a delivery attempt; status 0 means a transport error.
func (m *Metrics) WebhookAttempt(status int) {
	if m == nil {
		return
	}
	class := "transport_error"
	if status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	m.webhookAttempts.WithLabelValues(class).Inc()
}

// WebhookDeadLettered counts an abandoned delivery.
func (m *Metrics) WebhookDeadLettered() {
	if m == nil {
		return
	}
	m.webhookDeadLetters.Inc()
}

// JobSkipped counts an overlapping tick that was dropped.
func (m *Metrics) JobSkipped(job string) {
	if m == nil {
		return
	}
	m.jobSkips.WithLabelValues(job).Inc()
}

// Transition counts a registry lifecycle transition.
func (m *Metrics) Transition(name string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(name).Inc()
}

// RateLimited counts work held back by a rate limiter.
func (m *Metrics) RateLimited(path string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(path).Inc()
}
