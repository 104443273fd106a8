package metrics

// BrokerMetrics provides observability for the broker object graph and the
// message path.
//
// This interface is optional - pass nil to disable metrics collection with
// zero overhead. Implementations must tolerate concurrent use.
type BrokerMetrics interface {
	// BusCreated records a new bus in a namespace.
	BusCreated(namespace string)

	// BusRemoved records a bus disconnect.
	BusRemoved(namespace string)

	// ConnectionOpened records a successful hello on a bus.
	ConnectionOpened(bus string)

	// ConnectionClosed records a connection disconnect.
	ConnectionClosed(bus string)

	// MessageSent records one delivered message with its payload size.
	MessageSent(bus string, bytes int)

	// NameOperation records a registry operation ("acquire", "release",
	// "promote") and its outcome ("ok" or an error kind).
	NameOperation(op string, outcome string)

	// CommandRejected records a control-plane command that failed
	// validation, labeled by error kind.
	CommandRejected(kind string)
}

// NewBrokerMetrics creates a Prometheus-backed BrokerMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called), in
// which case callers pass nil onward for zero overhead.
func NewBrokerMetrics() BrokerMetrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusBrokerMetrics()
}

// newPrometheusBrokerMetrics is implemented in pkg/metrics/prometheus.
// The indirection avoids an import cycle while keeping the API clean.
var newPrometheusBrokerMetrics func() BrokerMetrics

// RegisterBrokerMetricsConstructor registers the Prometheus broker metrics
// constructor. Called by pkg/metrics/prometheus during package init.
func RegisterBrokerMetricsConstructor(constructor func() BrokerMetrics) {
	newPrometheusBrokerMetrics = constructor
}
