package rabbitmq

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/israelio/rabbit-rpc-core/internal/frame"
	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

// ErrConsumerCancelled is reported to the ErrorHandler when the server
// cancels a consumer
var ErrConsumerCancelled = serverError(protocol.ReplyNotFound, "consumer cancelled by server")

// Channel represents an AMQP channel. Synchronous methods block until the
// server replies, the rpc timeout elapses, or a fatal error is recorded on
// the channel or its connection.
type Channel struct {
	*BaseChannel

	conn   *Connection
	rpc    *Rpc
	logger zerolog.Logger

	txMode    atomic.Bool
	abandoned atomic.Bool
}

func newChannel(conn *Connection, id uint16) *Channel {
	ch := &Channel{
		BaseChannel: NewBaseChannel(id),
		conn:        conn,
		logger:      conn.logger.With().Str("component", "channel").Uint16("channel", id).Logger(),
	}
	ch.rpc = NewRpc(ch, conn.factory.rpcOptions(ch.logger)...)
	return ch
}

// CheckForErrors reports the connection's first fatal error before the
// channel's own, closing the channel in either case
func (ch *Channel) CheckForErrors() error {
	if err := ch.conn.CheckForErrors(); err != nil {
		ch.SetState(StateClosed)
		return err
	}
	return ch.BaseChannel.CheckForErrors()
}

// Connection returns the owning connection
func (ch *Channel) Connection() *Connection {
	return ch.conn
}

// Rpc returns the channel's correlator
func (ch *Channel) Rpc() *Rpc {
	return ch.rpc
}

// GetChannelID returns the channel number
func (ch *Channel) GetChannelID() uint16 {
	return ch.ID()
}

// open sends Channel.Open and waits for OpenOk
func (ch *Channel) open(ctx context.Context) error {
	ch.SetState(StateOpening)

	if _, err := ch.call(ctx, protocol.ClassChannel, protocol.MethodChannelOpen, nil,
		protocol.MethodChannelOpenOk); err != nil {
		ch.SetState(StateClosed)
		return fmt.Errorf("channel open: %w", err)
	}

	ch.SetState(StateOpen)
	ch.logger.Debug().Msg("channel open")
	return nil
}

// ready returns the first fatal error, or ErrChannelClosed when the channel
// is not usable
func (ch *Channel) ready() error {
	if err := ch.CheckForErrors(); err != nil {
		return err
	}
	if !ch.IsOpen() {
		return ErrChannelClosed
	}
	return nil
}

// call performs one synchronous method on this channel. expect lists the
// method ids, within classID, that complete it.
func (ch *Channel) call(ctx context.Context, classID, methodID uint16, fields map[string]any, expect ...uint16) (*Response, error) {
	names := make([]string, len(expect))
	for i, m := range expect {
		names[i] = protocol.MethodName(classID, m)
	}
	return ch.conn.call(ctx, ch.rpc, ch.ID(), classID, methodID, fields, names...)
}

// send writes one method frame on this channel without waiting
func (ch *Channel) send(classID, methodID uint16, fields map[string]any) error {
	return ch.conn.send(ch.ID(), classID, methodID, fields)
}

// handleMethod is called by the reader goroutine for every method frame
// addressed to this channel
func (ch *Channel) handleMethod(cmd *frame.Command) {
	if ch.abandoned.Load() {
		ch.handleAbandoned(cmd)
		return
	}
	if ch.rpc.OnFrame(cmd) {
		return
	}

	switch protocol.MethodKey(cmd.ClassID, cmd.MethodID) {
	case protocol.MethodKey(protocol.ClassChannel, protocol.MethodChannelClose):
		err := errorFromClose(cmd.Fields())
		if werr := ch.send(protocol.ClassChannel, protocol.MethodChannelCloseOk, nil); werr != nil {
			ch.logger.Debug().Err(werr).Msg("send Channel.CloseOk")
		}
		ch.fail(err)

	case protocol.MethodKey(protocol.ClassChannel, protocol.MethodChannelFlow):
		active, _ := cmd.Field("active").(bool)
		ch.logger.Info().Bool("active", active).Msg("channel flow")
		if werr := ch.send(protocol.ClassChannel, protocol.MethodChannelFlowOk, map[string]any{"active": active}); werr != nil {
			ch.logger.Debug().Err(werr).Msg("send Channel.FlowOk")
		}

	case protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicCancel):
		ch.handleServerCancel(cmd)

	default:
		ch.conn.unclaimed(cmd)
	}
}

// fail records a fatal channel error and releases the channel number; the
// server considers the channel gone once CloseOk is sent
func (ch *Channel) fail(err error) {
	ch.RecordFatalError(err)
	ch.release()

	ch.logger.Warn().Err(err).Msg("channel closed by server")
	ch.conn.factory.Metrics.ChannelError(err)
	ch.conn.factory.ErrorHandler.HandleChannelError(ch, err)
}

// Close closes the channel
func (ch *Channel) Close() error {
	return ch.CloseWithCode(context.Background(), protocol.ReplySuccess, "channel closed")
}

// CloseWithCode sends Channel.Close with a reply code and waits for CloseOk
func (ch *Channel) CloseWithCode(ctx context.Context, code int, text string) error {
	if err := ch.CheckForErrors(); err != nil {
		return err
	}
	if !ch.IsOpen() {
		return nil
	}

	ch.SetState(StateClosing)

	_, err := ch.call(ctx, protocol.ClassChannel, protocol.MethodChannelClose,
		map[string]any{"reply_code": uint16(code), "reply_text": text},
		protocol.MethodChannelCloseOk)

	ch.release()
	ch.conn.factory.Metrics.ChannelClosed()
	return err
}

// release marks the channel closed, forgets its consumers and frees the
// channel number
func (ch *Channel) release() {
	ch.Lock()
	defer ch.Unlock()

	ch.SetState(StateClosed)
	ch.RemoveConsumerTag("")
	ch.conn.releaseChannel(ch.ID())
}

// abandon gives up on a channel whose open did not complete. The server
// may still open it, so Channel.Close is sent and the number stays
// allocated until the close is acknowledged.
func (ch *Channel) abandon() {
	ch.abandoned.Store(true)
	ch.SetState(StateClosing)

	err := ch.send(protocol.ClassChannel, protocol.MethodChannelClose, map[string]any{
		"reply_code": uint16(protocol.ReplySuccess),
		"reply_text": "channel open abandoned",
	})
	if err != nil {
		ch.logger.Debug().Err(err).Msg("send Channel.Close")
		ch.release()
	}
}

// handleAbandoned drains frames for an abandoned channel until its close
// completes. A late Channel.OpenOk is dropped.
func (ch *Channel) handleAbandoned(cmd *frame.Command) {
	switch protocol.MethodKey(cmd.ClassID, cmd.MethodID) {
	case protocol.MethodKey(protocol.ClassChannel, protocol.MethodChannelCloseOk):
		ch.release()
		ch.logger.Debug().Msg("abandoned channel released")

	case protocol.MethodKey(protocol.ClassChannel, protocol.MethodChannelClose):
		if err := ch.send(protocol.ClassChannel, protocol.MethodChannelCloseOk, nil); err != nil {
			ch.logger.Debug().Err(err).Msg("send Channel.CloseOk")
		}
		ch.release()

	default:
		ch.logger.Debug().Str("method", cmd.Name()).Msg("frame for abandoned channel dropped")
	}
}

// Qos sets the quality of service (prefetch)
func (ch *Channel) Qos(ctx context.Context, prefetchCount, prefetchSize int, global bool) error {
	if err := ch.ready(); err != nil {
		return err
	}

	_, err := ch.call(ctx, protocol.ClassBasic, protocol.MethodBasicQos, map[string]any{
		"prefetch_size":  uint32(prefetchSize),
		"prefetch_count": uint16(prefetchCount),
		"global":         global,
	}, protocol.MethodBasicQosOk)
	return err
}

// Flow asks the server to pause or resume deliveries on this channel
func (ch *Channel) Flow(ctx context.Context, active bool) (bool, error) {
	if err := ch.ready(); err != nil {
		return false, err
	}

	resp, err := ch.call(ctx, protocol.ClassChannel, protocol.MethodChannelFlow,
		map[string]any{"active": active}, protocol.MethodChannelFlowOk)
	if err != nil {
		return false, err
	}
	granted, _ := resp.Fields["active"].(bool)
	return granted, nil
}

// ConfirmSelect puts the channel into publisher confirm mode
func (ch *Channel) ConfirmSelect(ctx context.Context, noWait bool) error {
	if err := ch.ready(); err != nil {
		return err
	}

	fields := map[string]any{"nowait": noWait}
	if noWait {
		return ch.send(protocol.ClassConfirm, protocol.MethodConfirmSelect, fields)
	}
	_, err := ch.call(ctx, protocol.ClassConfirm, protocol.MethodConfirmSelect, fields,
		protocol.MethodConfirmSelectOk)
	return err
}
