package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics tracks Prometheus metrics for a Channel's Call path: the
// client-side counterpart to ServerMetrics. Methods handle a nil receiver
// gracefully, so a nil *ClientMetrics acts as a no-op.
type ClientMetrics struct {
	// Calls counts completed calls by program and outcome. Labels: prog,
	// status=[success, timeout, error].
	Calls *prometheus.CounterVec

	// CallDuration tracks round-trip latency by program. Labels: prog.
	CallDuration *prometheus.HistogramVec

	// Retransmits counts datagram retransmissions by program.
	Retransmits *prometheus.CounterVec
}

var (
	clientMetricsOnce     sync.Once
	clientMetricsInstance *ClientMetrics
)

// NewClientMetrics creates and registers the client's Prometheus metrics.
// If registerer is nil, prometheus.DefaultRegisterer is used. Idempotent
// via sync.Once, matching NewServerMetrics.
func NewClientMetrics(registerer prometheus.Registerer) *ClientMetrics {
	clientMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &ClientMetrics{
			Calls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "oncrpc_client_calls_total",
					Help: "Total RPC calls by program and outcome",
				},
				[]string{"prog", "status"},
			),
			CallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "oncrpc_client_call_duration_seconds",
					Help:    "RPC call round-trip duration in seconds by program",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"prog"},
			),
			Retransmits: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "oncrpc_client_retransmits_total",
					Help: "Total datagram retransmissions by program",
				},
				[]string{"prog"},
			),
		}

		registerer.MustRegister(m.Calls, m.CallDuration, m.Retransmits)
		clientMetricsInstance = m
	})

	return clientMetricsInstance
}

// RecordCall records one completed call's program, outcome, and duration.
func (m *ClientMetrics) RecordCall(prog uint32, status string, duration time.Duration) {
	if m == nil {
		return
	}
	progLabel := progName(prog)
	m.Calls.WithLabelValues(progLabel, status).Inc()
	m.CallDuration.WithLabelValues(progLabel).Observe(duration.Seconds())
}

// RecordRetransmit records one datagram retransmission for prog.
func (m *ClientMetrics) RecordRetransmit(prog uint32) {
	if m == nil {
		return
	}
	m.Retransmits.WithLabelValues(progName(prog)).Inc()
}
