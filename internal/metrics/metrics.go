// Package metrics exposes the broker's Prometheus instrumentation: a
// struct of registered collectors plus small update methods, following the
// same promauto-based construction the pack's websocket server uses.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the broker engine and its host process
// update.
type Metrics struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionsFailed prometheus.Counter

	routingChannels    prometheus.Gauge
	routingSubscribers prometheus.Histogram

	packetsRouted  prometheus.Counter
	packetsDropped *prometheus.CounterVec

	poolIdle      prometheus.Gauge
	poolAllocated prometheus.Gauge

	workerQueueDepth  prometheus.Gauge
	workerTaskPanics  prometheus.Counter
	handlerErrors     *prometheus.CounterVec

	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter
}

// New constructs and registers a fresh set of collectors against the
// default Prometheus registry.
func New() *Metrics {
	return &Metrics{
		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mqbus_connections_total",
			Help: "Total number of client connections accepted.",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mqbus_connections_active",
			Help: "Current number of open client connections.",
		}),
		connectionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mqbus_connections_failed_total",
			Help: "Total number of connection attempts that failed the handshake.",
		}),
		routingChannels: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mqbus_routing_channels",
			Help: "Current number of channels with at least one subscriber.",
		}),
		routingSubscribers: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqbus_routing_subscribers_per_channel",
			Help:    "Distribution of subscriber-set size at subscribe/unsubscribe time.",
			Buckets: []float64{1, 2, 5, 10, 50, 100, 500, 1000},
		}),
		packetsRouted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mqbus_packets_routed_total",
			Help: "Total number of packets forwarded to at least one subscriber.",
		}),
		packetsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mqbus_packets_dropped_total",
			Help: "Total number of packets not routed, by reason.",
		}, []string{"reason"}),
		poolIdle: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mqbus_packet_pool_idle",
			Help: "Current number of idle packets sitting in the pool free list.",
		}),
		poolAllocated: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mqbus_packet_pool_allocated",
			Help: "Total number of packets ever constructed by the pool.",
		}),
		workerQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mqbus_worker_queue_depth",
			Help: "Approximate depth of the worker pool's pending task queue.",
		}),
		workerTaskPanics: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mqbus_worker_task_panics_total",
			Help: "Total number of worker pool tasks that panicked.",
		}),
		handlerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mqbus_handler_errors_total",
			Help: "Total number of packet handlers that returned false, by code.",
		}, []string{"code"}),
		bytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mqbus_bytes_sent_total",
			Help: "Total bytes written to client sockets.",
		}),
		bytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mqbus_bytes_received_total",
			Help: "Total bytes read from client sockets.",
		}),
	}
}

func (m *Metrics) ConnectionOpened()        { m.connectionsTotal.Inc(); m.connectionsActive.Inc() }
func (m *Metrics) ConnectionClosed()        { m.connectionsActive.Dec() }
func (m *Metrics) ConnectionFailed()        { m.connectionsFailed.Inc() }
func (m *Metrics) RoutingTableSize(n int)   { m.routingChannels.Set(float64(n)) }
func (m *Metrics) SubscriberSetSize(n int)  { m.routingSubscribers.Observe(float64(n)) }
func (m *Metrics) PacketRouted()            { m.packetsRouted.Inc() }
func (m *Metrics) PacketDropped(reason string) {
	m.packetsDropped.WithLabelValues(reason).Inc()
}
func (m *Metrics) PoolStats(idle, allocated int) {
	m.poolIdle.Set(float64(idle))
	m.poolAllocated.Set(float64(allocated))
}
func (m *Metrics) WorkerQueueDepth(n int)   { m.workerQueueDepth.Set(float64(n)) }
func (m *Metrics) WorkerTaskPanicked()      { m.workerTaskPanics.Inc() }
func (m *Metrics) HandlerError(code string) { m.handlerErrors.WithLabelValues(code).Inc() }
func (m *Metrics) BytesSent(n int)          { m.bytesSent.Add(float64(n)) }
func (m *Metrics) BytesReceived(n int)      { m.bytesReceived.Add(float64(n)) }

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
