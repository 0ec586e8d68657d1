package rabbitmq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricsCollectorBasic tests basic metrics collection
func TestMetricsCollectorBasic(t *testing.T) {
	metrics := NewStandardMetricsCollector()

	metrics.ConnectionCreated()
	metrics.ChannelCreated()
	metrics.RpcRegistered()
	metrics.RpcRegistered()
	metrics.RpcCompleted("Channel.OpenOk", 10*time.Millisecond)
	metrics.RpcTimedOut("Basic.QosOk")
	metrics.FrameUnclaimed("Basic.Deliver")

	if metrics.GetConnectionsCreated() != 1 {
		t.Errorf("Connections created: got %d, want 1", metrics.GetConnectionsCreated())
	}
	if metrics.GetChannelsCreated() != 1 {
		t.Errorf("Channels created: got %d, want 1", metrics.GetChannelsCreated())
	}
	if metrics.GetRpcRegistered() != 2 {
		t.Errorf("Rpc registered: got %d, want 2", metrics.GetRpcRegistered())
	}
	if metrics.GetRpcCompleted() != 1 {
		t.Errorf("Rpc completed: got %d, want 1", metrics.GetRpcCompleted())
	}
	if metrics.GetRpcTimedOut() != 1 {
		t.Errorf("Rpc timed out: got %d, want 1", metrics.GetRpcTimedOut())
	}
	if metrics.GetFramesUnclaimed() != 1 {
		t.Errorf("Frames unclaimed: got %d, want 1", metrics.GetFramesUnclaimed())
	}
}

// TestMetricsConcurrency tests concurrent metric updates
func TestMetricsConcurrency(t *testing.T) {
	metrics := NewStandardMetricsCollector()

	numGoroutines := 100
	opsPerGoroutine := 100

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				metrics.RpcRegistered()
				metrics.RpcCompleted("Queue.DeclareOk", time.Millisecond)
			}
		}()
	}
	wg.Wait()

	expectedCount := int64(numGoroutines * opsPerGoroutine)
	if metrics.GetRpcRegistered() != expectedCount {
		t.Errorf("Rpc registered: got %d, want %d", metrics.GetRpcRegistered(), expectedCount)
	}
	if metrics.GetRpcCompleted() != expectedCount {
		t.Errorf("Rpc completed: got %d, want %d", metrics.GetRpcCompleted(), expectedCount)
	}
	if metrics.GetRpcMeanLatency() != time.Millisecond {
		t.Errorf("Mean latency: got %v, want %v", metrics.GetRpcMeanLatency(), time.Millisecond)
	}
}

// TestMetricsErrors tests error metrics
func TestMetricsErrors(t *testing.T) {
	metrics := NewStandardMetricsCollector()

	for i := 0; i < 5; i++ {
		metrics.ConnectionError(nil)
	}
	for i := 0; i < 7; i++ {
		metrics.ChannelError(nil)
	}

	if metrics.GetConnectionErrors() != 5 {
		t.Errorf("Connection errors: got %d, want 5", metrics.GetConnectionErrors())
	}
	if metrics.GetChannelErrors() != 7 {
		t.Errorf("Channel errors: got %d, want 7", metrics.GetChannelErrors())
	}
}

// TestMetricsLifecycle tests connection/channel lifecycle metrics
func TestMetricsLifecycle(t *testing.T) {
	metrics := NewStandardMetricsCollector()

	for i := 0; i < 3; i++ {
		metrics.ConnectionCreated()
		for j := 0; j < 5; j++ {
			metrics.ChannelCreated()
			metrics.ChannelClosed()
		}
		metrics.ConnectionClosed()
	}

	if metrics.GetConnectionsCreated() != 3 || metrics.GetConnectionsClosed() != 3 {
		t.Errorf("Connections: created %d closed %d, want 3/3",
			metrics.GetConnectionsCreated(), metrics.GetConnectionsClosed())
	}
	if metrics.GetChannelsCreated() != 15 || metrics.GetChannelsClosed() != 15 {
		t.Errorf("Channels: created %d closed %d, want 15/15",
			metrics.GetChannelsCreated(), metrics.GetChannelsClosed())
	}
}

// TestMeanLatencyEmpty tests the mean latency without completed requests
func TestMeanLatencyEmpty(t *testing.T) {
	if got := NewStandardMetricsCollector().GetRpcMeanLatency(); got != 0 {
		t.Errorf("Mean latency: got %v, want 0", got)
	}
}

// TestNoOpMetricsCollector tests the no-op collector
func TestNoOpMetricsCollector(t *testing.T) {
	var metrics MetricsCollector = NewNoOpMetricsCollector()

	// Should not panic
	metrics.ConnectionCreated()
	metrics.ConnectionClosed()
	metrics.ConnectionError(nil)
	metrics.ChannelCreated()
	metrics.ChannelClosed()
	metrics.ChannelError(nil)
	metrics.RpcRegistered()
	metrics.RpcCompleted("Tx.CommitOk", time.Second)
	metrics.RpcTimedOut("Tx.CommitOk")
	metrics.FrameUnclaimed("Basic.Ack")
}

// TestPrometheusMetricsCollector tests the Prometheus exporter
func TestPrometheusMetricsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetricsCollector(reg)
	if err != nil {
		t.Fatalf("NewPrometheusMetricsCollector failed: %v", err)
	}

	metrics.ConnectionCreated()
	metrics.ConnectionError(errors.New("boom"))
	metrics.ChannelCreated()
	metrics.ChannelCreated()
	metrics.RpcRegistered()
	metrics.RpcCompleted("Queue.DeclareOk", 5*time.Millisecond)
	metrics.RpcCompleted("Queue.DeclareOk", 7*time.Millisecond)
	metrics.RpcTimedOut("Basic.QosOk")
	metrics.FrameUnclaimed("Basic.Deliver")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"connection created", testutil.ToFloat64(metrics.connections.WithLabelValues("created")), 1},
		{"connection error", testutil.ToFloat64(metrics.connections.WithLabelValues("error")), 1},
		{"channel created", testutil.ToFloat64(metrics.channels.WithLabelValues("created")), 2},
		{"rpc registered", testutil.ToFloat64(metrics.rpcRegistered), 1},
		{"rpc ok", testutil.ToFloat64(metrics.rpcRequests.WithLabelValues("Queue.DeclareOk", "ok")), 2},
		{"rpc timeout", testutil.ToFloat64(metrics.rpcRequests.WithLabelValues("Basic.QosOk", "timeout")), 1},
		{"unclaimed", testutil.ToFloat64(metrics.unclaimed.WithLabelValues("Basic.Deliver")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}

	if n := testutil.CollectAndCount(metrics.rpcDuration); n != 1 {
		t.Errorf("Duration series: got %d, want 1", n)
	}

	// a second collector on the same registry collides
	if _, err := NewPrometheusMetricsCollector(reg); err == nil {
		t.Error("Expected duplicate registration error")
	}
}

func BenchmarkMetricsCollection(b *testing.B) {
	metrics := NewStandardMetricsCollector()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.RpcCompleted("Basic.QosOk", time.Microsecond)
	}
}
