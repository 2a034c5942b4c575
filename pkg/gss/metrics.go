package gss

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GSSMetrics tracks Prometheus metrics for RPCSEC_GSS operations. All
// metrics use the "oncrpc_gss_" prefix. Methods handle a nil receiver
// gracefully, so a nil *GSSMetrics acts as a no-op.
type GSSMetrics struct {
	// ContextCreations counts GSS context creation attempts by result.
	// Labels: result=[success, failure]
	ContextCreations *prometheus.CounterVec

	// ContextDestructions counts GSS context teardowns.
	ContextDestructions prometheus.Counter

	// ActiveContexts tracks the current number of active GSS contexts.
	ActiveContexts prometheus.Gauge

	// AuthFailures counts authentication failures by reason.
	// Labels: reason=[credential_problem, context_problem, sequence_violation,
	//                  integrity_failure, privacy_failure]
	AuthFailures *prometheus.CounterVec

	// DataRequests counts DATA requests by service level.
	// Labels: service=[none, integrity, privacy]
	DataRequests *prometheus.CounterVec

	// RequestDuration tracks request processing time by operation.
	// Labels: operation=[init, data, destroy]
	RequestDuration *prometheus.HistogramVec
}

var (
	gssMetricsOnce     sync.Once
	gssMetricsInstance *GSSMetrics
)

// NewGSSMetrics creates and registers GSS Prometheus metrics. If registerer
// is nil, prometheus.DefaultRegisterer is used. Idempotent: uses sync.Once
// so repeated calls (e.g. across server restarts in the same process) don't
// attempt to re-register the same collectors.
func NewGSSMetrics(registerer prometheus.Registerer) *GSSMetrics {
	gssMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &GSSMetrics{
			ContextCreations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "oncrpc_gss_context_creations_total",
					Help: "Total GSS context creation attempts by result",
				},
				[]string{"result"},
			),
			ContextDestructions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "oncrpc_gss_context_destructions_total",
					Help: "Total GSS context destructions",
				},
			),
			ActiveContexts: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "oncrpc_gss_active_contexts",
					Help: "Current number of active GSS contexts",
				},
			),
			AuthFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "oncrpc_gss_auth_failures_total",
					Help: "Total GSS authentication failures by reason",
				},
				[]string{"reason"},
			),
			DataRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "oncrpc_gss_data_requests_total",
					Help: "Total GSS DATA requests by service level",
				},
				[]string{"service"},
			),
			RequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "oncrpc_gss_request_duration_seconds",
					Help:    "GSS request processing duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
		}

		registerer.MustRegister(
			m.ContextCreations,
			m.ContextDestructions,
			m.ActiveContexts,
			m.AuthFailures,
			m.DataRequests,
			m.RequestDuration,
		)

		gssMetricsInstance = m
	})

	return gssMetricsInstance
}

// RecordContextCreation records a GSS context creation attempt.
func (m *GSSMetrics) RecordContextCreation(success bool) {
	if m == nil {
		return
	}
	if success {
		m.ContextCreations.WithLabelValues("success").Inc()
		m.ActiveContexts.Inc()
	} else {
		m.ContextCreations.WithLabelValues("failure").Inc()
	}
}

// RecordContextDestruction records a GSS context teardown.
func (m *GSSMetrics) RecordContextDestruction() {
	if m == nil {
		return
	}
	m.ContextDestructions.Inc()
	m.ActiveContexts.Dec()
}

// RecordAuthFailure records a GSS authentication failure by reason.
func (m *GSSMetrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// RecordDataRequest records a GSS DATA request with service level and
// processing duration.
func (m *GSSMetrics) RecordDataRequest(service string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DataRequests.WithLabelValues(service).Inc()
	m.RequestDuration.WithLabelValues("data").Observe(duration.Seconds())
}

// RecordInitDuration records the duration of a GSS INIT operation.
func (m *GSSMetrics) RecordInitDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues("init").Observe(duration.Seconds())
}

// RecordDestroyDuration records the duration of a GSS DESTROY operation.
func (m *GSSMetrics) RecordDestroyDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues("destroy").Observe(duration.Seconds())
}

// serviceLevelName returns the string name for a GSS service level.
func serviceLevelName(service uint32) string {
	switch service {
	case RPCGSSSvcNone:
		return "none"
	case RPCGSSSvcIntegrity:
		return "integrity"
	case RPCGSSSvcPrivacy:
		return "privacy"
	default:
		return "unknown"
	}
}
