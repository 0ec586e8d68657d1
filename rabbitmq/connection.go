package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/israelio/rabbit-rpc-core/internal/frame"
	"github.com/israelio/rabbit-rpc-core/internal/protocol"
	"github.com/israelio/rabbit-rpc-core/internal/util"
)

// Connection represents an AMQP connection. One reader goroutine decodes
// inbound frames and hands replies to the connection's or a channel's Rpc;
// every other method may be called from any goroutine.
type Connection struct {
	Stateful

	factory *ConnectionFactory
	conn    net.Conn
	logger  zerolog.Logger
	tracer  trace.Tracer

	// Frame I/O
	frameReader *frame.Reader
	frameWriter *frame.Writer

	// replies on channel 0
	rpc *Rpc

	// Channels
	channelMux sync.RWMutex
	channels   map[uint16]*Channel
	channelIDs *util.IntAllocator

	// Connection parameters (negotiated)
	channelMax       uint16
	frameMax         uint32
	serverProperties protocol.Table

	blocked atomic.Bool
	closing atomic.Bool
	// set once Connection.CloseOk was read or the socket is closed locally;
	// read errors after that are not failures
	closeDone atomic.Bool

	group     *errgroup.Group
	failOnce  sync.Once
	closeOnce sync.Once
}

func newConnection(cf *ConnectionFactory, netConn net.Conn) *Connection {
	c := &Connection{
		factory:  cf,
		conn:     netConn,
		logger:   cf.Logger.With().Str("component", "connection").Str("remote", remoteAddr(netConn)).Logger(),
		tracer:   cf.tracer(),
		channels: make(map[uint16]*Channel),
	}
	c.rpc = NewRpc(c, cf.rpcOptions(c.logger)...)
	return c
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// handshake performs the synchronous part of the AMQP handshake: protocol
// header, Start/StartOk and Tune/TuneOk. Connection.Open goes through the
// correlator once the reader is running.
func (c *Connection) handshake(ctx context.Context) error {
	c.frameReader = frame.NewReader(c.conn, protocol.FrameMinSize)
	c.frameWriter = frame.NewWriter(c.conn, protocol.FrameMinSize)

	var deadline time.Time
	if c.factory.HandshakeTimeout > 0 {
		deadline = time.Now().Add(c.factory.HandshakeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set handshake deadline: %w", err)
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.frameWriter.WriteProtocolHeader(); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}

	start, err := c.expect(protocol.ClassConnection, protocol.MethodConnectionStart)
	if err != nil {
		return err
	}
	if err := c.handleConnectionStart(start); err != nil {
		return fmt.Errorf("handle start: %w", err)
	}

	tune, err := c.expect(protocol.ClassConnection, protocol.MethodConnectionTune)
	if err != nil {
		return err
	}
	if err := c.handleConnectionTune(tune); err != nil {
		return fmt.Errorf("handle tune: %w", err)
	}

	return nil
}

// expect reads the next frame and requires it to be the given method. Only
// used before the reader goroutine starts.
func (c *Connection) expect(classID, methodID uint16) (*frame.Command, error) {
	want := protocol.MethodName(classID, methodID)

	f, err := c.frameReader.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", want, err)
	}
	cmd, err := frame.Decode(f)
	if err != nil {
		return nil, err
	}

	if cmd.ClassID == protocol.ClassConnection && cmd.MethodID == protocol.MethodConnectionClose {
		return nil, errorFromClose(cmd.Fields())
	}
	if cmd.ClassID != classID || cmd.MethodID != methodID {
		return nil, fmt.Errorf("expected %s, got %s", want, cmd.Name())
	}
	return cmd, nil
}

// handleConnectionStart validates Connection.Start and answers with StartOk
func (c *Connection) handleConnectionStart(cmd *frame.Command) error {
	major, _ := cmd.Field("version_major").(uint8)
	minor, _ := cmd.Field("version_minor").(uint8)
	if major != 0 || minor != 9 {
		return fmt.Errorf("unsupported AMQP version: %d.%d", major, minor)
	}

	mechanisms, _ := cmd.Field("mechanisms").(string)
	if !strings.Contains(" "+mechanisms+" ", " PLAIN ") {
		return fmt.Errorf("server does not offer PLAIN authentication: %q", mechanisms)
	}
	c.serverProperties, _ = cmd.Field("server_properties").(protocol.Table)

	return c.send(0, protocol.ClassConnection, protocol.MethodConnectionStartOk, map[string]any{
		"client_properties": protocol.Table(c.factory.ClientProperties),
		"mechanism":         "PLAIN",
		"response":          "\x00" + c.factory.Username + "\x00" + c.factory.Password,
		"locale":            "en_US",
	})
}

// handleConnectionTune negotiates limits and answers with TuneOk.
// Heartbeats are always declined.
func (c *Connection) handleConnectionTune(cmd *frame.Command) error {
	serverChannelMax, _ := cmd.Field("channel_max").(uint16)
	serverFrameMax, _ := cmd.Field("frame_max").(uint32)

	c.channelMax = negotiate(c.factory.ChannelMax, serverChannelMax)
	if c.channelMax == 0 {
		c.channelMax = 65535
	}
	c.frameMax = negotiate(c.factory.FrameMax, serverFrameMax)
	if c.frameMax == 0 {
		c.frameMax = protocol.FrameDefaultSize
	}

	c.frameReader.SetMaxFrameSize(c.frameMax)
	c.frameWriter.SetMaxFrameSize(c.frameMax)
	c.channelIDs = util.NewIntAllocator(1, int(c.channelMax))

	return c.send(0, protocol.ClassConnection, protocol.MethodConnectionTuneOk, map[string]any{
		"channel_max": c.channelMax,
		"frame_max":   c.frameMax,
		"heartbeat":   uint16(0),
	})
}

// negotiate picks the lower non-zero limit
func negotiate[T uint16 | uint32](client, server T) T {
	if client == 0 || (server != 0 && server < client) {
		return server
	}
	return client
}

// start launches the reader goroutine
func (c *Connection) start() {
	c.group = &errgroup.Group{}
	c.group.Go(c.readLoop)
}

// openVHost sends Connection.Open and waits for OpenOk
func (c *Connection) openVHost(ctx context.Context) error {
	_, err := c.call(ctx, c.rpc, 0, protocol.ClassConnection, protocol.MethodConnectionOpen,
		map[string]any{"virtual_host": c.factory.VHost},
		protocol.MethodName(protocol.ClassConnection, protocol.MethodConnectionOpenOk))
	return err
}

// readLoop decodes frames until the transport fails or the connection is
// closed. It never waits on an Rpc.
func (c *Connection) readLoop() error {
	for {
		f, err := c.frameReader.ReadFrame()
		if err != nil {
			if c.closeDone.Load() {
				return nil
			}
			c.fail(NewError(protocol.ReplyConnectionForced, fmt.Sprintf("read frame: %v", err), false))
			return err
		}

		stop, err := c.dispatchFrame(f)
		if err != nil {
			c.fail(frameError(err))
			c.closeSocket()
			return err
		}
		if stop {
			c.closeSocket()
			return nil
		}
	}
}

// dispatchFrame routes one inbound frame. stop is true once the server has
// closed the connection.
func (c *Connection) dispatchFrame(f *frame.Frame) (stop bool, err error) {
	switch f.Type {
	case protocol.FrameHeartbeat:
		return false, nil
	case protocol.FrameHeader, protocol.FrameBody:
		c.logger.Debug().Stringer("frame", f).Msg("content frame dropped")
		return false, nil
	case protocol.FrameMethod:
	default:
		return false, fmt.Errorf("unknown frame type: %d", f.Type)
	}

	cmd, err := frame.Decode(f)
	if err != nil {
		return false, err
	}

	if f.ChannelID == 0 {
		return c.handleConnectionMethod(cmd), nil
	}

	ch := c.channel(f.ChannelID)
	if ch == nil {
		c.logger.Warn().Uint16("channel", f.ChannelID).Str("method", cmd.Name()).Msg("frame for unknown channel")
		c.unclaimed(cmd)
		return false, nil
	}
	ch.handleMethod(cmd)
	return false, nil
}

// handleConnectionMethod handles a method on channel 0
func (c *Connection) handleConnectionMethod(cmd *frame.Command) (stop bool) {
	if cmd.ClassID == protocol.ClassConnection && cmd.MethodID == protocol.MethodConnectionCloseOk {
		c.closeDone.Store(true)
	}
	if c.rpc.OnFrame(cmd) {
		return false
	}

	if cmd.ClassID != protocol.ClassConnection {
		c.unclaimed(cmd)
		return false
	}

	switch cmd.MethodID {
	case protocol.MethodConnectionClose:
		err := errorFromClose(cmd.Fields())
		if werr := c.send(0, protocol.ClassConnection, protocol.MethodConnectionCloseOk, nil); werr != nil {
			c.logger.Debug().Err(werr).Msg("send Connection.CloseOk")
		}
		c.fail(err)
		return true

	case protocol.MethodConnectionBlocked:
		reason, _ := cmd.Field("reason").(string)
		c.blocked.Store(true)
		c.logger.Warn().Str("reason", reason).Msg("connection blocked")
		if c.factory.BlockedHandler != nil {
			c.factory.BlockedHandler.OnBlocked(c, reason)
		}

	case protocol.MethodConnectionUnblocked:
		c.blocked.Store(false)
		c.logger.Info().Msg("connection unblocked")
		if c.factory.BlockedHandler != nil {
			c.factory.BlockedHandler.OnUnblocked(c)
		}

	default:
		c.unclaimed(cmd)
	}
	return false
}

func (c *Connection) unclaimed(cmd *frame.Command) {
	c.factory.Metrics.FrameUnclaimed(cmd.Name())
	if c.factory.UnclaimedHandler != nil {
		c.factory.UnclaimedHandler(cmd.ChannelID, cmd)
		return
	}
	c.logger.Debug().Uint16("channel", cmd.ChannelID).Str("method", cmd.Name()).Msg("unclaimed frame")
}

// fail records a fatal connection error. Every waiter on the connection and
// its channels observes it on the next check.
func (c *Connection) fail(err error) {
	c.RecordFatalError(err)
	c.failOnce.Do(func() {
		c.logger.Error().Err(err).Msg("connection failed")
		c.factory.Metrics.ConnectionError(err)
		c.factory.ErrorHandler.HandleConnectionError(c, err)
	})
}

// send encodes and writes one method frame
func (c *Connection) send(channelID, classID, methodID uint16, fields map[string]any) error {
	f, err := frame.Encode(channelID, classID, methodID, fields)
	if err != nil {
		return err
	}
	return c.frameWriter.WriteFrame(f)
}

// call performs one synchronous method: register the expected replies on
// rpc, send, then wait. rpc's advisory lock is held throughout so two
// commands on the same channel never compete for a reply name.
func (c *Connection) call(ctx context.Context, rpc *Rpc, channelID, classID, methodID uint16, fields map[string]any, expect ...string) (*Response, error) {
	method := protocol.MethodName(classID, methodID)
	ctx, span := startRpcSpan(ctx, c.tracer, method, channelID)

	resp, err := func() (*Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, &unsentError{err}
		}
		f, err := frame.Encode(channelID, classID, methodID, fields)
		if err != nil {
			return nil, &unsentError{err}
		}

		rpc.Lock()
		defer rpc.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, &unsentError{err}
		}

		id := rpc.RegisterRequest(expect...)
		if err := c.frameWriter.WriteFrame(f); err != nil {
			rpc.Remove(id)
			return nil, &unsentError{fmt.Errorf("send %s: %w", method, err)}
		}

		resp, err := rpc.GetRequest(ctx, id, GetOptions{AutoRemove: true})
		if err != nil {
			rpc.Remove(id)
			return nil, err
		}
		if resp == nil {
			return nil, fmt.Errorf("%s: reply discarded", method)
		}
		return resp, nil
	}()

	endSpan(span, err)
	return resp, err
}

// unsentError marks a call that failed before its method reached the wire
type unsentError struct {
	err error
}

func (e *unsentError) Error() string { return e.err.Error() }
func (e *unsentError) Unwrap() error { return e.err }

// NewChannel creates a new channel on this connection
func (c *Connection) NewChannel() (*Channel, error) {
	return c.NewChannelWithContext(context.Background())
}

// NewChannelWithContext allocates the lowest free channel number and opens
// the channel
func (c *Connection) NewChannelWithContext(ctx context.Context) (*Channel, error) {
	if err := c.CheckForErrors(); err != nil {
		return nil, err
	}
	if !c.IsOpen() {
		return nil, ErrClosed
	}

	id, ok := c.channelIDs.Allocate()
	if !ok {
		return nil, fmt.Errorf("channel limit reached: %d", c.channelMax)
	}
	c.logger.Debug().Int("channel", id).Int("available", c.channelIDs.Available()).Msg("channel number allocated")

	ch := newChannel(c, uint16(id))

	// register before opening so the reply can be routed
	c.channelMux.Lock()
	c.channels[ch.ID()] = ch
	c.channelMux.Unlock()

	if err := ch.open(ctx); err != nil {
		var unsent *unsentError
		if errors.As(err, &unsent) || c.CheckForErrors() != nil || ch.BaseChannel.CheckForErrors() != nil {
			c.releaseChannel(ch.ID())
		} else {
			// the server may have opened it; the number stays taken until
			// the close completes
			ch.abandon()
		}
		return nil, err
	}

	c.factory.Metrics.ChannelCreated()
	return ch, nil
}

func (c *Connection) channel(id uint16) *Channel {
	c.channelMux.RLock()
	defer c.channelMux.RUnlock()
	return c.channels[id]
}

// releaseChannel forgets a channel and frees its number
func (c *Connection) releaseChannel(id uint16) {
	c.channelMux.Lock()
	_, ok := c.channels[id]
	delete(c.channels, id)
	c.channelMux.Unlock()

	if ok {
		c.channelIDs.Free(int(id))
	}
}

// GetChannelCount returns the current number of open channels
func (c *Connection) GetChannelCount() int {
	c.channelMux.RLock()
	defer c.channelMux.RUnlock()
	return len(c.channels)
}

// ChannelMax returns the negotiated channel limit
func (c *Connection) ChannelMax() uint16 {
	return c.channelMax
}

// FrameMax returns the negotiated frame size limit
func (c *Connection) FrameMax() uint32 {
	return c.frameMax
}

// ServerProperties returns the properties the server sent in Connection.Start
func (c *Connection) ServerProperties() protocol.Table {
	return c.serverProperties
}

// IsBlocked returns whether the server has blocked publishing
func (c *Connection) IsBlocked() bool {
	return c.blocked.Load()
}

// Close gracefully closes the connection
func (c *Connection) Close() error {
	return c.CloseWithCode(context.Background(), protocol.ReplySuccess, "connection closed")
}

// CloseWithCode sends Connection.Close and waits for CloseOk through the
// correlator, then tears down the transport. A connection that already
// failed is torn down and its first fatal error returned.
func (c *Connection) CloseWithCode(ctx context.Context, code int, text string) error {
	if c.IsClosed() && c.closing.Load() {
		return nil
	}

	if err := c.CheckForErrors(); err != nil {
		c.closing.Store(true)
		c.shutdown()
		return err
	}

	c.SetState(StateClosing)
	c.closing.Store(true)

	_, err := c.call(ctx, c.rpc, 0, protocol.ClassConnection, protocol.MethodConnectionClose,
		map[string]any{"reply_code": uint16(code), "reply_text": text},
		protocol.MethodName(protocol.ClassConnection, protocol.MethodConnectionCloseOk))

	c.shutdown()
	c.SetState(StateClosed)
	c.factory.Metrics.ConnectionClosed()
	c.logger.Info().Int("code", code).Str("text", text).Msg("connection closed")
	return err
}

// closeSocket closes the transport once. Safe to call from the reader.
func (c *Connection) closeSocket() {
	c.closeOnce.Do(func() {
		c.closeDone.Store(true)
		c.conn.Close()
	})
}

// shutdown closes the transport, waits for the reader and marks every
// channel closed. Must not be called from the reader goroutine.
func (c *Connection) shutdown() {
	c.closeSocket()
	if c.group != nil {
		_ = c.group.Wait()
	}

	c.channelMux.Lock()
	channels := c.channels
	c.channels = make(map[uint16]*Channel)
	c.channelMux.Unlock()

	for id, ch := range channels {
		ch.Lock()
		ch.SetState(StateClosed)
		ch.RemoveConsumerTag("")
		ch.Unlock()
		c.channelIDs.Free(int(id))
	}
}
