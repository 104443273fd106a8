// Package prometheus implements the metrics interfaces of pkg/metrics on
// top of a prometheus registry. Importing the package (blank import from
// the server entry point) registers the constructors.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittobus/pkg/metrics"
)

// brokerMetrics is the Prometheus implementation of BrokerMetrics.
type brokerMetrics struct {
	buses       *prometheus.GaugeVec
	connections *prometheus.GaugeVec
	messages    *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	nameOps     *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

// NewBrokerMetrics creates a new Prometheus-backed BrokerMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewBrokerMetrics() metrics.BrokerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &brokerMetrics{
		buses: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittobus_buses",
				Help: "Live buses by namespace devpath",
			},
			[]string{"namespace"},
		),
		connections: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittobus_connections",
				Help: "Live connections by bus name",
			},
			[]string{"bus"},
		),
		messages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobus_messages_total",
				Help: "Delivered messages by bus name",
			},
			[]string{"bus"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobus_message_bytes_total",
				Help: "Delivered payload bytes by bus name",
			},
			[]string{"bus"},
		),
		nameOps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobus_name_operations_total",
				Help: "Name registry operations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		rejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobus_commands_rejected_total",
				Help: "Control commands that failed validation, by error kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *brokerMetrics) BusCreated(namespace string) {
	if m == nil {
		return
	}
	m.buses.WithLabelValues(namespace).Inc()
}

func (m *brokerMetrics) BusRemoved(namespace string) {
	if m == nil {
		return
	}
	m.buses.WithLabelValues(namespace).Dec()
}

func (m *brokerMetrics) ConnectionOpened(bus string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(bus).Inc()
}

func (m *brokerMetrics) ConnectionClosed(bus string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(bus).Dec()
}

func (m *brokerMetrics) MessageSent(bus string, bytes int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(bus).Inc()
	m.bytes.WithLabelValues(bus).Add(float64(bytes))
}

func (m *brokerMetrics) NameOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.nameOps.WithLabelValues(op, outcome).Inc()
}

func (m *brokerMetrics) CommandRejected(kind string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(kind).Inc()
}

func init() {
	metrics.RegisterBrokerMetricsConstructor(NewBrokerMetrics)
}
