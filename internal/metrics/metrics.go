// Package metrics provides Prometheus metrics for a burnsync session.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Mschirtzinger/burnsync/internal/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "burnsync"

// Metrics holds the session collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// syncTotal counts per-destination outcomes.
	// Labels:
	//   - action: push, delete, download, ram
	//   - outcome: done, error, ignored
	syncTotal *prometheus.CounterVec

	// rpcCalls counts transport calls.
	// Labels:
	//   - method: RPC method name
	//   - result: ok, timeout, no_connection, connection_lost, remote_error, invalid, error
	rpcCalls *prometheus.CounterVec

	// rpcDuration records call latency.
	// Buckets: 5ms .. 10s
	rpcDuration *prometheus.HistogramVec

	watchEvents *prometheus.CounterVec
	pending     prometheus.Gauge
	connected   prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go
// runtime collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		syncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_total",
				Help:      "Total number of per-destination sync outcomes",
			},
			[]string{"action", "outcome"},
		),
		rpcCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_calls_total",
				Help:      "Total number of RPC calls to the game",
			},
			[]string{"method", "result"},
		),
		rpcDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_call_duration_seconds",
				Help:      "Duration of RPC calls in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method"},
		),
		watchEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watch_events_total",
				Help:      "Total number of file events emitted by the watcher",
			},
			[]string{"event"},
		),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_files",
			Help:      "Number of files waiting to be synced",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the game is connected",
		}),
	}

	reg.MustRegister(
		m.syncTotal,
		m.rpcCalls,
		m.rpcDuration,
		m.watchEvents,
		m.pending,
		m.connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordSync counts one per-destination outcome.
func (m *Metrics) RecordSync(action, outcome string) {
	m.syncTotal.WithLabelValues(action, outcome).Inc()
}

// RecordEvent counts one watcher event.
func (m *Metrics) RecordEvent(event string) {
	m.watchEvents.WithLabelValues(event).Inc()
}

// SetPending sets the number of buffered files.
func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}

// SetConnected records the connection state.
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// ObserveCall records one RPC call.
func (m *Metrics) ObserveCall(method string, err error, elapsed time.Duration) {
	m.rpcCalls.WithLabelValues(method, CallResult(err)).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// CallResult classifies a call error into a label value.
func CallResult(err error) string {
	var remote *rpc.RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, rpc.ErrNoConnection):
		return "no_connection"
	case errors.Is(err, rpc.ErrConnectionLost):
		return "connection_lost"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, rpc.ErrInvalidResult):
		return "invalid"
	default:
		return "error"
	}
}
