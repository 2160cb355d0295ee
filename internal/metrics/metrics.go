// Package metrics exposes bridge telemetry through a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// Metrics implements messaging.Recorder and connection.Observer.
type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	calls             *prometheus.CounterVec
	faults            *prometheus.CounterVec
	connected         prometheus.Gauge
}

// NewMetrics creates and registers the bridge metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Logical queue operations by kind and outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of logical queue operations, open to close",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Queue manager calls by verb and reason code",
			},
			[]string{"verb", "reason"},
		),
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "faults_total",
				Help:      "Queue manager calls that failed, by reason code",
			},
			[]string{"reason"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected",
				Help:      "1 when a queue manager session is established",
			},
		),
	}

	registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.calls,
		m.faults,
		m.connected,
	)
	return m
}

// ObserveOperation records one finished logical operation.
func (m *Metrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// CountCall records one queue manager call. NO_MSG_AVAILABLE is a normal outcome and is
// not counted as a fault.
func (m *Metrics) CountCall(verb string, reason int32) {
	name := mq.ReasonName(reason)
	m.calls.WithLabelValues(verb, name).Inc()
	if reason != mq.RCNone && reason != mq.RCNoMsgAvailable {
		m.faults.WithLabelValues(name).Inc()
	}
}

// SetConnected tracks the session state.
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
