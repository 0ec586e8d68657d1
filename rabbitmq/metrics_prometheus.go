package rabbitmq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector exports client metrics to Prometheus
type PrometheusMetricsCollector struct {
	connections   *prometheus.CounterVec
	channels      *prometheus.CounterVec
	rpcRequests   *prometheus.CounterVec
	rpcRegistered prometheus.Counter
	rpcDuration   *prometheus.HistogramVec
	unclaimed     *prometheus.CounterVec
}

// NewPrometheusMetricsCollector creates the collectors and registers them
// with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetricsCollector(reg prometheus.Registerer) (*PrometheusMetricsCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PrometheusMetricsCollector{
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rabbit",
				Subsystem: "connection",
				Name:      "events_total",
				Help:      "Connection lifecycle events.",
			},
			[]string{"event"},
		),
		channels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rabbit",
				Subsystem: "channel",
				Name:      "events_total",
				Help:      "Channel lifecycle events.",
			},
			[]string{"event"},
		),
		rpcRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rabbit",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "RPC requests by expected reply and outcome.",
			},
			[]string{"method", "outcome"},
		),
		rpcRegistered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "rabbit",
				Subsystem: "rpc",
				Name:      "registered_total",
				Help:      "RPC requests registered with a correlator.",
			},
		),
		rpcDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rabbit",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Time from registration to reply.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		unclaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rabbit",
				Subsystem: "reader",
				Name:      "unclaimed_frames_total",
				Help:      "Inbound method frames no waiter claimed.",
			},
			[]string{"method"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.connections, m.channels, m.rpcRequests, m.rpcRegistered, m.rpcDuration, m.unclaimed,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ConnectionCreated counts an opened connection
func (m *PrometheusMetricsCollector) ConnectionCreated() {
	m.connections.WithLabelValues("created").Inc()
}

// ConnectionClosed counts a connection closed by the client
func (m *PrometheusMetricsCollector) ConnectionClosed() {
	m.connections.WithLabelValues("closed").Inc()
}

// ConnectionError counts a fatal connection error
func (m *PrometheusMetricsCollector) ConnectionError(err error) {
	m.connections.WithLabelValues("error").Inc()
}

// ChannelCreated counts an opened channel
func (m *PrometheusMetricsCollector) ChannelCreated() {
	m.channels.WithLabelValues("created").Inc()
}

// ChannelClosed counts a channel closed by the client
func (m *PrometheusMetricsCollector) ChannelClosed() {
	m.channels.WithLabelValues("closed").Inc()
}

// ChannelError counts a channel closed by the server
func (m *PrometheusMetricsCollector) ChannelError(err error) {
	m.channels.WithLabelValues("error").Inc()
}

// RpcRegistered counts a registered request
func (m *PrometheusMetricsCollector) RpcRegistered() {
	m.rpcRegistered.Inc()
}

// RpcCompleted counts a resolved request and observes its latency
func (m *PrometheusMetricsCollector) RpcCompleted(method string, latency time.Duration) {
	m.rpcRequests.WithLabelValues(method, "ok").Inc()
	m.rpcDuration.WithLabelValues(method).Observe(latency.Seconds())
}

// RpcTimedOut counts a request that timed out
func (m *PrometheusMetricsCollector) RpcTimedOut(method string) {
	m.rpcRequests.WithLabelValues(method, "timeout").Inc()
}

// FrameUnclaimed counts an inbound frame nothing was waiting for
func (m *PrometheusMetricsCollector) FrameUnclaimed(name string) {
	m.unclaimed.WithLabelValues(name).Inc()
}
