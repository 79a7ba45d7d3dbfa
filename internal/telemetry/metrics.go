package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery routes used as the "route" label of MessagesDelivered.
const (
	RouteDirect = "direct"
	RouteGroup  = "group"
	RouteSweep  = "sweep"
)

var (
	once sync.Once

	MessagesPersisted     prometheus.Counter
	MessagesDelivered     *prometheus.CounterVec
	MessagesSwept         prometheus.Counter
	ProtocolErrors        prometheus.Counter
	StoreRetries          prometheus.Counter
	BrokerPublishFailures prometheus.Counter
	DuplicatesDropped     prometheus.Counter

	Connections  prometheus.Gauge
	ActiveGroups prometheus.Gauge
)

// Init registers metrics with the default registry. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_persisted_total", Help: "Messages written to the message store"})
		MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_messages_delivered_total", Help: "Frames handed to a live connection, by route"}, []string{"route"})
		MessagesSwept = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_swept_total", Help: "Backlog messages replayed on registration"})
		ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_protocol_errors_total", Help: "Inbound frames rejected as malformed or invalid"})
		StoreRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_store_retries_total", Help: "Store operations retried after a transient failure"})
		BrokerPublishFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_broker_publish_failures_total", Help: "Envelopes that could not be published to the broker"})
		DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_duplicates_dropped_total", Help: "Broker envelopes ignored because the message was already seen"})
		Connections = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_connections", Help: "Currently open client connections"})
		ActiveGroups = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_groups", Help: "Groups with at least one member connected to this instance"})
	})
}

// Delivered counts one delivery on route. No-op before Init.
func Delivered(route string) {
	if MessagesDelivered != nil {
		MessagesDelivered.WithLabelValues(route).Inc()
	}
}

// Inc increments c when it has been initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetConnections records the number of open connections.
func SetConnections(n int) {
	if Connections != nil {
		Connections.Set(float64(n))
	}
}

// SetActiveGroups records the number of groups with a local member.
func SetActiveGroups(n int) {
	if ActiveGroups != nil {
		ActiveGroups.Set(float64(n))
	}
}
