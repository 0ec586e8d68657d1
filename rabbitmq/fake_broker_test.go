package rabbitmq

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/israelio/rabbit-rpc-core/internal/frame"
	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

// brokerHandler overrides the default reply to one method
type brokerHandler func(b *fakeBroker, cmd *frame.Command)

// fakeBroker speaks just enough AMQP over an in-memory pipe to drive a
// Connection: the handshake, then one canned reply per synchronous method.
type fakeBroker struct {
	channelMax uint16
	frameMax   uint32

	mu       sync.Mutex
	handlers map[string]brokerHandler
	conn     net.Conn

	out      chan *frame.Frame
	received chan *frame.Command
	done     chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		channelMax: 2047,
		frameMax:   131072,
		handlers:   make(map[string]brokerHandler),
		out:        make(chan *frame.Frame, 256),
		received:   make(chan *frame.Command, 1024),
		done:       make(chan struct{}),
	}
}

// handle replaces the default reply for method name
func (b *fakeBroker) handle(name string, h brokerHandler) {
	b.mu.Lock()
	b.handlers[name] = h
	b.mu.Unlock()
}

// ignore makes the broker swallow method name without replying
func (b *fakeBroker) ignore(name string) {
	b.handle(name, func(*fakeBroker, *frame.Command) {})
}

func (b *fakeBroker) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	b.mu.Lock()
	b.conn = server
	b.mu.Unlock()
	go b.serve(server)
	return client, nil
}

// drop closes the server end of the transport
func (b *fakeBroker) drop() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// send queues a method frame for the client
func (b *fakeBroker) send(channelID, classID, methodID uint16, fields map[string]any) {
	f, err := frame.Encode(channelID, classID, methodID, fields)
	if err != nil {
		panic(err)
	}
	b.sendFrame(f)
}

// sendFrame queues a raw frame for the client
func (b *fakeBroker) sendFrame(f *frame.Frame) {
	select {
	case b.out <- f:
	case <-b.done:
	}
}

func (b *fakeBroker) writeLoop(w *frame.Writer) {
	for {
		select {
		case f := <-b.out:
			if err := w.WriteFrame(f); err != nil {
				return
			}
		case <-b.done:
			return
		}
	}
}

func (b *fakeBroker) serve(conn net.Conn) {
	defer close(b.done)
	defer conn.Close()

	r := frame.NewReader(conn, b.frameMax)
	go b.writeLoop(frame.NewWriter(conn, b.frameMax))

	header, err := r.ReadProtocolHeader()
	if err != nil || header != protocol.ProtocolHeader {
		return
	}

	b.send(0, protocol.ClassConnection, protocol.MethodConnectionStart, map[string]any{
		"version_major":     uint8(0),
		"version_minor":     uint8(9),
		"server_properties": protocol.Table{"product": "fake-broker"},
		"mechanisms":        "AMQPLAIN PLAIN",
		"locales":           "en_US",
	})
	if _, err := b.next(r); err != nil {
		return
	}

	b.send(0, protocol.ClassConnection, protocol.MethodConnectionTune, map[string]any{
		"channel_max": b.channelMax,
		"frame_max":   b.frameMax,
		"heartbeat":   uint16(60),
	})
	if _, err := b.next(r); err != nil {
		return
	}

	for {
		cmd, err := b.next(r)
		if err != nil {
			return
		}

		b.mu.Lock()
		h, ok := b.handlers[cmd.Name()]
		b.mu.Unlock()
		if ok {
			h(b, cmd)
			continue
		}
		b.reply(cmd)
	}
}

// next reads and records the next method frame from the client
func (b *fakeBroker) next(r *frame.Reader) (*frame.Command, error) {
	f, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}
	cmd, err := frame.Decode(f)
	if err != nil {
		return nil, err
	}
	select {
	case b.received <- cmd:
	default:
	}
	return cmd, nil
}

// reply sends the canned answer to a synchronous method
func (b *fakeBroker) reply(cmd *frame.Command) {
	if noWait, _ := cmd.Field("no_wait").(bool); noWait {
		return
	}
	if noWait, _ := cmd.Field("nowait").(bool); noWait {
		return
	}

	ch := cmd.ChannelID
	switch cmd.Name() {
	case "Connection.Open":
		b.send(0, protocol.ClassConnection, protocol.MethodConnectionOpenOk, nil)
	case "Connection.Close":
		b.send(0, protocol.ClassConnection, protocol.MethodConnectionCloseOk, nil)
	case "Channel.Open":
		b.send(ch, protocol.ClassChannel, protocol.MethodChannelOpenOk, nil)
	case "Channel.Close":
		b.send(ch, protocol.ClassChannel, protocol.MethodChannelCloseOk, nil)
	case "Channel.Flow":
		b.send(ch, protocol.ClassChannel, protocol.MethodChannelFlowOk, map[string]any{"active": cmd.Field("active")})
	case "Basic.Qos":
		b.send(ch, protocol.ClassBasic, protocol.MethodBasicQosOk, nil)
	case "Basic.Consume":
		tag, _ := cmd.Field("consumer_tag").(string)
		if tag == "" {
			tag = "amq.ctag-1"
		}
		b.send(ch, protocol.ClassBasic, protocol.MethodBasicConsumeOk, map[string]any{"consumer_tag": tag})
	case "Basic.Cancel":
		b.send(ch, protocol.ClassBasic, protocol.MethodBasicCancelOk, map[string]any{"consumer_tag": cmd.Field("consumer_tag")})
	case "Queue.Declare":
		name, _ := cmd.Field("queue").(string)
		if name == "" {
			name = "amq.gen-1"
		}
		b.send(ch, protocol.ClassQueue, protocol.MethodQueueDeclareOk, map[string]any{
			"queue":          name,
			"message_count":  uint32(0),
			"consumer_count": uint32(0),
		})
	case "Queue.Bind":
		b.send(ch, protocol.ClassQueue, protocol.MethodQueueBindOk, nil)
	case "Queue.Purge":
		b.send(ch, protocol.ClassQueue, protocol.MethodQueuePurgeOk, map[string]any{"message_count": uint32(0)})
	case "Queue.Delete":
		b.send(ch, protocol.ClassQueue, protocol.MethodQueueDeleteOk, map[string]any{"message_count": uint32(0)})
	case "Exchange.Declare":
		b.send(ch, protocol.ClassExchange, protocol.MethodExchangeDeclareOk, nil)
	case "Exchange.Delete":
		b.send(ch, protocol.ClassExchange, protocol.MethodExchangeDeleteOk, nil)
	case "Confirm.Select":
		b.send(ch, protocol.ClassConfirm, protocol.MethodConfirmSelectOk, nil)
	case "Tx.Select":
		b.send(ch, protocol.ClassTx, protocol.MethodTxSelectOk, nil)
	case "Tx.Commit":
		b.send(ch, protocol.ClassTx, protocol.MethodTxCommitOk, nil)
	case "Tx.Rollback":
		b.send(ch, protocol.ClassTx, protocol.MethodTxRollbackOk, nil)
	}
}

// expectReceived waits for the client to send method name and returns it.
// Earlier methods are skipped.
func (b *fakeBroker) expectReceived(t *testing.T, name string) *frame.Command {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case cmd := <-b.received:
			if cmd.Name() == name {
				return cmd
			}
		case <-timeout:
			t.Fatalf("broker never received %s", name)
			return nil
		}
	}
}

// newTestConnection opens a Connection against a fresh fake broker
func newTestConnection(t *testing.T, opts ...FactoryOption) (*Connection, *fakeBroker) {
	t.Helper()
	b := newFakeBroker()

	base := []FactoryOption{
		WithDialer(b.dial),
		WithRpcTimeout(2 * time.Second),
		WithPollInterval(time.Millisecond),
	}
	cf := NewConnectionFactory(append(base, opts...)...)

	conn, err := cf.NewConnection()
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		b.drop()
	})
	return conn, b
}

// newTestChannel opens a Connection and one Channel against a fake broker
func newTestChannel(t *testing.T, opts ...FactoryOption) (*Channel, *fakeBroker) {
	t.Helper()
	conn, b := newTestConnection(t, opts...)

	ch, err := conn.NewChannel()
	require.NoError(t, err)
	return ch, b
}
