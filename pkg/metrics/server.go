// Package metrics provides Prometheus instrumentation for the RPC server's
// connection and dispatch surface, the counterpart to pkg/gss's own
// RPCSEC_GSS-specific metrics.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ServerMetrics tracks Prometheus metrics for the TCP/UDP listener and the
// dispatch algorithm. All metrics use the "oncrpc_server_"
// prefix. Methods handle a nil receiver gracefully, so a nil *ServerMetrics
// acts as a no-op.
type ServerMetrics struct {
	// ConnectionsAccepted counts accepted TCP connections.
	ConnectionsAccepted prometheus.Counter

	// ConnectionsClosed counts TCP connections that ended normally (EOF,
	// peer reset, idle timeout).
	ConnectionsClosed prometheus.Counter

	// ActiveConnections tracks the current number of open TCP connections.
	ActiveConnections prometheus.Gauge

	// Requests counts dispatched calls by program, procedure, and accept
	// status. Labels: prog, proc, status=[success, prog_unavail,
	// prog_mismatch, proc_unavail, garbage_args, system_err]. Calls rejected
	// before program lookup (RPC version mismatch, auth errors) are not
	// counted.
	Requests *prometheus.CounterVec

	// RequestDuration tracks dispatch latency by program. Labels: prog.
	RequestDuration *prometheus.HistogramVec

	// BytesTransferred counts bytes moved across the wire. Labels:
	// direction=[read, write], transport=[tcp, udp].
	BytesTransferred *prometheus.CounterVec
}

var (
	serverMetricsOnce     sync.Once
	serverMetricsInstance *ServerMetrics
)

// NewServerMetrics creates and registers the server's Prometheus metrics.
// If registerer is nil, prometheus.DefaultRegisterer is used. Idempotent:
// uses sync.Once so repeated calls across server restarts in the same
// process don't attempt to re-register the same collectors.
func NewServerMetrics(registerer prometheus.Registerer) *ServerMetrics {
	serverMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &ServerMetrics{
			ConnectionsAccepted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "oncrpc_server_connections_accepted_total",
					Help: "Total TCP connections accepted",
				},
			),
			ConnectionsClosed: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "oncrpc_server_connections_closed_total",
					Help: "Total TCP connections closed",
				},
			),
			ActiveConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "oncrpc_server_active_connections",
					Help: "Current number of open TCP connections",
				},
			),
			Requests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "oncrpc_server_requests_total",
					Help: "Total dispatched RPC calls by program, procedure, and outcome",
				},
				[]string{"prog", "proc", "status"},
			),
			RequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "oncrpc_server_request_duration_seconds",
					Help:    "RPC dispatch duration in seconds by program",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"prog"},
			),
			BytesTransferred: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "oncrpc_server_bytes_total",
					Help: "Total bytes transferred by direction and transport",
				},
				[]string{"direction", "transport"},
			),
		}

		registerer.MustRegister(
			m.ConnectionsAccepted,
			m.ConnectionsClosed,
			m.ActiveConnections,
			m.Requests,
			m.RequestDuration,
			m.BytesTransferred,
		)

		serverMetricsInstance = m
	})

	return serverMetricsInstance
}

// RecordConnectionAccepted records an accepted TCP connection.
func (m *ServerMetrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed records a closed TCP connection.
func (m *ServerMetrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsClosed.Inc()
	m.ActiveConnections.Dec()
}

// RecordRequest records one dispatched call's program, procedure, outcome,
// and processing duration.
func (m *ServerMetrics) RecordRequest(prog, proc uint32, status string, duration time.Duration) {
	if m == nil {
		return
	}
	progLabel := progName(prog)
	m.Requests.WithLabelValues(progLabel, procLabel(proc), status).Inc()
	m.RequestDuration.WithLabelValues(progLabel).Observe(duration.Seconds())
}

// RecordBytes records bytes moved in one direction over one transport.
func (m *ServerMetrics) RecordBytes(direction, transport string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTransferred.WithLabelValues(direction, transport).Add(float64(n))
}

func progName(prog uint32) string {
	if prog == 100000 {
		return "rendezvous"
	}
	return strconv.FormatUint(uint64(prog), 10)
}

func procLabel(n uint32) string {
	return strconv.FormatUint(uint64(n), 10)
}
