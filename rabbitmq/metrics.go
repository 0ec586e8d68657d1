package rabbitmq

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects metrics for connection, channel and RPC activity
type MetricsCollector interface {
	// Connection metrics
	ConnectionCreated()
	ConnectionClosed()
	ConnectionError(err error)

	// Channel metrics
	ChannelCreated()
	ChannelClosed()
	ChannelError(err error)

	// RPC metrics; method is the "|"-joined set of expected reply names
	RpcRegistered()
	RpcCompleted(method string, latency time.Duration)
	RpcTimedOut(method string)

	// FrameUnclaimed counts inbound method frames no waiter or handler took
	FrameUnclaimed(name string)
}

// StandardMetricsCollector provides a thread-safe in-memory collector
type StandardMetricsCollector struct {
	connectionsCreated atomic.Int64
	connectionsClosed  atomic.Int64
	connectionErrors   atomic.Int64

	channelsCreated atomic.Int64
	channelsClosed  atomic.Int64
	channelErrors   atomic.Int64

	rpcRegistered atomic.Int64
	rpcCompleted  atomic.Int64
	rpcTimedOut   atomic.Int64
	rpcLatencyNs  atomic.Int64

	framesUnclaimed atomic.Int64
}

// NewStandardMetricsCollector creates a new standard metrics collector
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

// Connection metrics
func (m *StandardMetricsCollector) ConnectionCreated() {
	m.connectionsCreated.Add(1)
}

func (m *StandardMetricsCollector) ConnectionClosed() {
	m.connectionsClosed.Add(1)
}

func (m *StandardMetricsCollector) ConnectionError(err error) {
	m.connectionErrors.Add(1)
}

// Channel metrics
func (m *StandardMetricsCollector) ChannelCreated() {
	m.channelsCreated.Add(1)
}

func (m *StandardMetricsCollector) ChannelClosed() {
	m.channelsClosed.Add(1)
}

func (m *StandardMetricsCollector) ChannelError(err error) {
	m.channelErrors.Add(1)
}

// RPC metrics
func (m *StandardMetricsCollector) RpcRegistered() {
	m.rpcRegistered.Add(1)
}

func (m *StandardMetricsCollector) RpcCompleted(method string, latency time.Duration) {
	m.rpcCompleted.Add(1)
	m.rpcLatencyNs.Add(int64(latency))
}

func (m *StandardMetricsCollector) RpcTimedOut(method string) {
	m.rpcTimedOut.Add(1)
}

func (m *StandardMetricsCollector) FrameUnclaimed(name string) {
	m.framesUnclaimed.Add(1)
}

// Getters for metrics
func (m *StandardMetricsCollector) GetConnectionsCreated() int64 {
	return m.connectionsCreated.Load()
}

func (m *StandardMetricsCollector) GetConnectionsClosed() int64 {
	return m.connectionsClosed.Load()
}

func (m *StandardMetricsCollector) GetConnectionErrors() int64 {
	return m.connectionErrors.Load()
}

func (m *StandardMetricsCollector) GetChannelsCreated() int64 {
	return m.channelsCreated.Load()
}

func (m *StandardMetricsCollector) GetChannelsClosed() int64 {
	return m.channelsClosed.Load()
}

func (m *StandardMetricsCollector) GetChannelErrors() int64 {
	return m.channelErrors.Load()
}

func (m *StandardMetricsCollector) GetRpcRegistered() int64 {
	return m.rpcRegistered.Load()
}

func (m *StandardMetricsCollector) GetRpcCompleted() int64 {
	return m.rpcCompleted.Load()
}

func (m *StandardMetricsCollector) GetRpcTimedOut() int64 {
	return m.rpcTimedOut.Load()
}

// GetRpcMeanLatency returns the mean latency of completed requests
func (m *StandardMetricsCollector) GetRpcMeanLatency() time.Duration {
	n := m.rpcCompleted.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(m.rpcLatencyNs.Load() / n)
}

func (m *StandardMetricsCollector) GetFramesUnclaimed() int64 {
	return m.framesUnclaimed.Load()
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) ConnectionCreated()                 {}
func (n *NoOpMetricsCollector) ConnectionClosed()                  {}
func (n *NoOpMetricsCollector) ConnectionError(err error)          {}
func (n *NoOpMetricsCollector) ChannelCreated()                    {}
func (n *NoOpMetricsCollector) ChannelClosed()                     {}
func (n *NoOpMetricsCollector) ChannelError(err error)             {}
func (n *NoOpMetricsCollector) RpcRegistered()                     {}
func (n *NoOpMetricsCollector) RpcCompleted(string, time.Duration) {}
func (n *NoOpMetricsCollector) RpcTimedOut(string)                 {}
func (n *NoOpMetricsCollector) FrameUnclaimed(string)              {}

// NewNoOpMetricsCollector creates a no-op metrics collector
func NewNoOpMetricsCollector() *NoOpMetricsCollector {
	return &NoOpMetricsCollector{}
}
