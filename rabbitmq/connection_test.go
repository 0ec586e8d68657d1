package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/israelio/rabbit-rpc-core/internal/frame"
	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

// recordingErrorHandler forwards every error to buffered channels
type recordingErrorHandler struct {
	connection chan error
	channel    chan error
	consumer   chan string
}

func newRecordingErrorHandler() *recordingErrorHandler {
	return &recordingErrorHandler{
		connection: make(chan error, 8),
		channel:    make(chan error, 8),
		consumer:   make(chan string, 8),
	}
}

func (h *recordingErrorHandler) HandleConnectionError(conn *Connection, err error) {
	h.connection <- err
}

func (h *recordingErrorHandler) HandleChannelError(ch *Channel, err error) {
	h.channel <- err
}

func (h *recordingErrorHandler) HandleConsumerError(ch *Channel, tag string, err error) {
	h.consumer <- tag
}

func receive[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

func TestConnectionHandshake(t *testing.T) {
	conn, b := newTestConnection(t,
		WithChannelMax(100),
		WithCredentials("svc", "secret"),
		WithVHost("orders"),
		WithClientProperty("connection_name", "handshake-test"),
	)

	require.True(t, conn.IsOpen())
	require.Equal(t, uint16(100), conn.ChannelMax())
	require.Equal(t, uint32(131072), conn.FrameMax())
	require.Equal(t, []byte("fake-broker"), conn.ServerProperties()["product"])

	startOk := b.expectReceived(t, "Connection.StartOk")
	require.Equal(t, "PLAIN", startOk.Field("mechanism"))
	require.Equal(t, "\x00svc\x00secret", startOk.Field("response"))
	props, ok := startOk.Field("client_properties").(protocol.Table)
	require.True(t, ok)
	require.Equal(t, []byte("handshake-test"), props["connection_name"])

	tuneOk := b.expectReceived(t, "Connection.TuneOk")
	require.Equal(t, uint16(100), tuneOk.Field("channel_max"))
	require.Equal(t, uint32(131072), tuneOk.Field("frame_max"))
	require.Equal(t, uint16(0), tuneOk.Field("heartbeat"))

	open := b.expectReceived(t, "Connection.Open")
	require.Equal(t, "orders", open.Field("virtual_host"))
	require.Zero(t, conn.rpc.Pending())
}

func TestConnectionHandshakeTransportFailure(t *testing.T) {
	cf := NewConnectionFactory(WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}))

	conn, err := cf.NewConnection()
	require.ErrorContains(t, err, "handshake failed")
	require.Nil(t, conn)
}

func TestConnectionDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	cf := NewConnectionFactory(WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		require.Equal(t, "tcp", network)
		require.Equal(t, "mq.internal:5673", addr)
		return nil, dialErr
	}), WithHost("mq.internal"), WithPort(5673))

	_, err := cf.NewConnection()
	require.ErrorIs(t, err, dialErr)
}

func TestConnectionClose(t *testing.T) {
	metrics := NewStandardMetricsCollector()
	conn, b := newTestConnection(t, WithMetrics(metrics))

	require.NoError(t, conn.Close())
	require.True(t, conn.IsClosed())

	closeCmd := b.expectReceived(t, "Connection.Close")
	require.Equal(t, uint16(protocol.ReplySuccess), closeCmd.Field("reply_code"))

	// closing twice is a no-op
	require.NoError(t, conn.Close())

	_, err := conn.NewChannel()
	require.Error(t, err)

	require.EqualValues(t, 1, metrics.GetConnectionsCreated())
	require.EqualValues(t, 1, metrics.GetConnectionsClosed())
}

func TestChannelIDAllocation(t *testing.T) {
	conn, _ := newTestConnection(t)

	var channels []*Channel
	for i := 1; i <= 3; i++ {
		ch, err := conn.NewChannel()
		require.NoError(t, err)
		require.Equal(t, uint16(i), ch.ID())
		channels = append(channels, ch)
	}
	require.Equal(t, 3, conn.GetChannelCount())

	require.NoError(t, channels[1].Close())
	require.Equal(t, 2, conn.GetChannelCount())

	reused, err := conn.NewChannel()
	require.NoError(t, err)
	require.Equal(t, uint16(2), reused.ID())
}

func TestChannelLimit(t *testing.T) {
	conn, _ := newTestConnection(t, WithChannelMax(2))

	for i := 0; i < 2; i++ {
		_, err := conn.NewChannel()
		require.NoError(t, err)
	}

	_, err := conn.NewChannel()
	require.ErrorContains(t, err, "channel limit reached")
}

func TestServerConnectionCloseAbortsChannels(t *testing.T) {
	handler := newRecordingErrorHandler()
	conn, b := newTestConnection(t, WithErrorHandler(handler))

	ch1, err := conn.NewChannel()
	require.NoError(t, err)
	ch2, err := conn.NewChannel()
	require.NoError(t, err)

	b.ignore("Basic.Qos")

	errs := make(chan error, 2)
	for _, ch := range []*Channel{ch1, ch2} {
		go func(ch *Channel) {
			errs <- ch.Qos(context.Background(), 10, 0, false)
		}(ch)
	}
	b.expectReceived(t, "Basic.Qos")
	b.expectReceived(t, "Basic.Qos")

	b.send(0, protocol.ClassConnection, protocol.MethodConnectionClose, map[string]any{
		"reply_code": uint16(protocol.ReplyConnectionForced),
		"reply_text": "CONNECTION_FORCED - broker forced connection closure",
	})

	for i := 0; i < 2; i++ {
		err := receive(t, errs)
		var amqpErr *Error
		require.ErrorAs(t, err, &amqpErr)
		require.Equal(t, protocol.ReplyConnectionForced, amqpErr.Code)
		require.True(t, amqpErr.Server)
	}

	b.expectReceived(t, "Connection.CloseOk")
	require.ErrorContains(t, receive(t, handler.connection), "CONNECTION_FORCED")

	require.True(t, conn.IsClosed())
	require.True(t, ch1.IsClosed())
	require.True(t, ch2.IsClosed())

	_, err = conn.NewChannel()
	require.ErrorContains(t, err, "CONNECTION_FORCED")

	// Close reports the first fatal error
	require.ErrorContains(t, conn.Close(), "CONNECTION_FORCED")
}

func TestReaderFailureIsFatal(t *testing.T) {
	handler := newRecordingErrorHandler()
	metrics := NewStandardMetricsCollector()
	conn, b := newTestConnection(t, WithErrorHandler(handler), WithMetrics(metrics))

	ch, err := conn.NewChannel()
	require.NoError(t, err)

	b.drop()

	err = receive(t, handler.connection)
	var amqpErr *Error
	require.ErrorAs(t, err, &amqpErr)
	require.Equal(t, protocol.ReplyConnectionForced, amqpErr.Code)
	require.False(t, amqpErr.Server)

	require.Same(t, err, conn.CheckForErrors())
	require.Same(t, err, ch.Qos(context.Background(), 1, 0, false))
	require.EqualValues(t, 1, metrics.GetConnectionErrors())
}

func TestUnclaimedFrames(t *testing.T) {
	type unclaimed struct {
		channel uint16
		name    string
		fields  map[string]any
	}
	frames := make(chan unclaimed, 4)
	metrics := NewStandardMetricsCollector()

	ch, b := newTestChannel(t,
		WithMetrics(metrics),
		WithUnclaimedHandler(func(channelID uint16, f Frame) {
			frames <- unclaimed{channelID, f.Name(), f.Fields()}
		}),
	)

	b.send(ch.ID(), protocol.ClassBasic, protocol.MethodBasicAck, map[string]any{
		"delivery_tag": uint64(7),
		"multiple":     true,
	})
	got := receive(t, frames)
	require.Equal(t, ch.ID(), got.channel)
	require.Equal(t, "Basic.Ack", got.name)
	require.Equal(t, uint64(7), got.fields["delivery_tag"])
	require.Equal(t, true, got.fields["multiple"])

	// frames for a channel that was never opened
	b.send(9, protocol.ClassBasic, protocol.MethodBasicDeliver, map[string]any{
		"consumer_tag": "ctag",
		"delivery_tag": uint64(1),
	})
	got = receive(t, frames)
	require.Equal(t, uint16(9), got.channel)
	require.Equal(t, "Basic.Deliver", got.name)

	require.EqualValues(t, 2, metrics.GetFramesUnclaimed())
	require.True(t, ch.IsOpen())
}

func TestNonMethodFramesIgnored(t *testing.T) {
	metrics := NewStandardMetricsCollector()
	ch, b := newTestChannel(t, WithMetrics(metrics))

	b.sendFrame(frame.NewHeartbeatFrame())
	b.sendFrame(&frame.Frame{Type: protocol.FrameHeader, ChannelID: ch.ID(), Payload: make([]byte, 14)})
	b.sendFrame(&frame.Frame{Type: protocol.FrameBody, ChannelID: ch.ID(), Payload: []byte("payload")})

	// frames are handled in order, so the reply proves the others were read
	require.NoError(t, ch.Qos(context.Background(), 1, 0, false))
	require.NoError(t, ch.Connection().CheckForErrors())
	require.Zero(t, metrics.GetFramesUnclaimed())
}

type recordingBlockedHandler struct {
	events chan string
}

func (h *recordingBlockedHandler) OnBlocked(conn *Connection, reason string) {
	h.events <- "blocked:" + reason
}

func (h *recordingBlockedHandler) OnUnblocked(conn *Connection) {
	h.events <- "unblocked"
}

func TestConnectionBlocked(t *testing.T) {
	handler := &recordingBlockedHandler{events: make(chan string, 2)}
	conn, b := newTestConnection(t, WithBlockedHandler(handler))

	b.send(0, protocol.ClassConnection, protocol.MethodConnectionBlocked, map[string]any{"reason": "low on memory"})
	require.Equal(t, "blocked:low on memory", receive(t, handler.events))
	require.True(t, conn.IsBlocked())

	b.send(0, protocol.ClassConnection, protocol.MethodConnectionUnblocked, nil)
	require.Equal(t, "unblocked", receive(t, handler.events))
	require.False(t, conn.IsBlocked())
	require.True(t, conn.IsOpen())
}

func TestConcurrentChannels(t *testing.T) {
	conn, _ := newTestConnection(t)

	const channels, callsPerChannel = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, channels*callsPerChannel)

	for i := 0; i < channels; i++ {
		ch, err := conn.NewChannel()
		require.NoError(t, err)

		for j := 0; j < callsPerChannel; j++ {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				q, err := ch.QueueDeclare(context.Background(), name, QueueDeclareOptions{})
				if err == nil && q.Name != name {
					err = errors.New("reply for " + q.Name + " delivered to " + name)
				}
				errs <- err
			}(fmt.Sprintf("q-%d-%d", ch.ID(), j))
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestCloseReportsTransportLoss(t *testing.T) {
	handler := newRecordingErrorHandler()
	conn, b := newTestConnection(t, WithErrorHandler(handler), WithRpcTimeout(5*time.Second))
	b.handle("Connection.Close", func(b *fakeBroker, cmd *frame.Command) {
		b.drop()
	})

	start := time.Now()
	err := conn.Close()
	require.Less(t, time.Since(start), 2*time.Second)

	require.ErrorIs(t, err, ErrClosed)
	require.NotErrorIs(t, err, ErrRpcTimeout)
	require.ErrorIs(t, receive(t, handler.connection), ErrClosed)
	require.True(t, conn.IsClosed())
	require.Zero(t, conn.rpc.Pending())
}

func TestMalformedFrameIsFatal(t *testing.T) {
	handler := newRecordingErrorHandler()
	conn, b := newTestConnection(t, WithErrorHandler(handler))

	// a method frame too short to carry class and method ids
	b.sendFrame(&frame.Frame{Type: protocol.FrameMethod, Payload: []byte{0, 10}})

	err := receive(t, handler.connection)
	require.ErrorIs(t, err, ErrFrameError)
	require.Same(t, err, conn.CheckForErrors())
}

func TestErrorHandlersOption(t *testing.T) {
	first := newRecordingErrorHandler()
	second := newRecordingErrorHandler()
	_, b := newTestConnection(t, WithErrorHandlers(first, second))

	b.drop()

	err := receive(t, first.connection)
	require.Same(t, err, receive(t, second.connection))
}

func TestAbandonedChannelOpenKeepsNumber(t *testing.T) {
	conn, b := newTestConnection(t, WithRpcTimeout(100*time.Millisecond))

	closes := make(chan *frame.Command, 1)
	b.ignore("Channel.Open")
	b.handle("Channel.Close", func(b *fakeBroker, cmd *frame.Command) {
		closes <- cmd
	})

	_, err := conn.NewChannel()
	require.ErrorIs(t, err, ErrRpcTimeout)

	closeCmd := receive(t, closes)
	require.Equal(t, uint16(1), closeCmd.ChannelID)

	// the number stays taken until the server confirms the close
	require.Equal(t, 1, conn.GetChannelCount())
	b.handle("Channel.Open", func(b *fakeBroker, cmd *frame.Command) {
		b.reply(cmd)
	})
	next, err := conn.NewChannel()
	require.NoError(t, err)
	require.Equal(t, uint16(2), next.ID())

	// a stale OpenOk for the abandoned number is dropped
	b.send(1, protocol.ClassChannel, protocol.MethodChannelOpenOk, nil)
	b.send(1, protocol.ClassChannel, protocol.MethodChannelCloseOk, nil)
	require.Eventually(t, func() bool { return conn.GetChannelCount() == 1 }, 2*time.Second, time.Millisecond)

	reused, err := conn.NewChannel()
	require.NoError(t, err)
	require.Equal(t, uint16(1), reused.ID())
}

func TestCancelledChannelOpenIsNeverSent(t *testing.T) {
	conn, b := newTestConnection(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := conn.NewChannelWithContext(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, conn.GetChannelCount())

	ch, err := conn.NewChannel()
	require.NoError(t, err)
	require.Equal(t, uint16(1), ch.ID())

	// nothing was sent for the cancelled open
	for {
		cmd := receive(t, b.received)
		require.NotEqual(t, "Channel.Close", cmd.Name())
		if cmd.Name() == "Channel.Open" {
			break
		}
	}
}
