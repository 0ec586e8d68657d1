package rabbitmq

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

// Error represents an AMQP error
type Error struct {
	Code    int
	Reason  string
	Server  bool // true if error originated from server
	Recover bool // true if a new channel may be opened after it
}

// Error implements the error interface
func (e *Error) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("AMQP error %d (%s): %s", e.Code, origin, e.Reason)
}

// Is matches another *Error with the same reply code and origin, so a
// server close can be compared against the predefined values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Server == t.Server
}

func clientError(code int, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func serverError(code int, reason string) *Error {
	return &Error{Code: code, Reason: reason, Server: true}
}

// Predefined errors matching AMQP reply codes
var (
	ErrClosed        = clientError(protocol.ReplyConnectionForced, "connection closed")
	ErrChannelClosed = clientError(protocol.ReplyChannelError, "channel closed")
	ErrFrameError    = clientError(protocol.ReplyFrameError, "frame error")

	ErrNotFound           = serverError(protocol.ReplyNotFound, "resource not found")
	ErrAccessRefused      = serverError(protocol.ReplyAccessRefused, "access refused")
	ErrPreconditionFailed = serverError(protocol.ReplyPreconditionFailed, "precondition failed")
	ErrResourceLocked     = serverError(protocol.ReplyResourceLocked, "resource locked")
	ErrCommandInvalid     = serverError(protocol.ReplyCommandInvalid, "command invalid")
	ErrChannelError       = serverError(protocol.ReplyChannelError, "channel error")
	ErrUnexpectedFrame    = serverError(protocol.ReplyUnexpectedFrame, "unexpected frame")
	ErrNotAllowed         = serverError(protocol.ReplyNotAllowed, "not allowed")
	ErrInternalError      = serverError(protocol.ReplyInternalError, "internal error")
)

// NewError creates a new Error from reply code and text
func NewError(code int, reason string, server bool) *Error {
	return &Error{
		Code:    code,
		Reason:  reason,
		Server:  server,
		Recover: code != protocol.ReplyConnectionForced && code < 500,
	}
}

// ErrRpcTimeout matches every *RpcTimeoutError with errors.Is
var ErrRpcTimeout = errors.New("rpc request timed out")

// RpcTimeoutError is returned when no expected reply arrived in time
type RpcTimeoutError struct {
	ID       CorrelationID
	Expected []string
	Timeout  time.Duration
}

func (e *RpcTimeoutError) Error() string {
	return fmt.Sprintf("rpc request %s took too long (%v), never received: %s",
		e.ID, e.Timeout, strings.Join(e.Expected, ", "))
}

// Is reports whether target is ErrRpcTimeout
func (e *RpcTimeoutError) Is(target error) bool {
	return target == ErrRpcTimeout
}

// frameError wraps a malformed inbound frame as a fatal connection error
func frameError(err error) *Error {
	return NewError(ErrFrameError.Code, fmt.Sprintf("%s: %v", ErrFrameError.Reason, err), false)
}

// errorFromClose builds the fatal error carried by a server Close method
func errorFromClose(fields map[string]any) *Error {
	code, _ := fields["reply_code"].(uint16)
	text, _ := fields["reply_text"].(string)
	return NewError(int(code), text, true)
}

// ErrorHandler is notified of fatal connection and channel errors. Calls
// are made from the connection reader goroutine and must not block on RPCs.
type ErrorHandler interface {
	HandleConnectionError(conn *Connection, err error)
	HandleChannelError(ch *Channel, err error)
	HandleConsumerError(ch *Channel, consumerTag string, err error)
}

// DefaultErrorHandler logs errors
type DefaultErrorHandler struct {
	Logger zerolog.Logger
}

// HandleConnectionError logs connection errors
func (deh *DefaultErrorHandler) HandleConnectionError(conn *Connection, err error) {
	deh.Logger.Error().Err(err).Msg("connection error")
}

// HandleChannelError logs channel errors
func (deh *DefaultErrorHandler) HandleChannelError(ch *Channel, err error) {
	ev := deh.Logger.Error().Err(err)
	if ch != nil {
		ev = ev.Uint16("channel", ch.ID())
	}
	ev.Msg("channel error")
}

// HandleConsumerError logs consumer errors
func (deh *DefaultErrorHandler) HandleConsumerError(ch *Channel, consumerTag string, err error) {
	deh.Logger.Warn().Err(err).Str("consumer_tag", consumerTag).Msg("consumer error")
}

// ErrorHandlerChain fans errors out to several handlers in order
type ErrorHandlerChain struct {
	Handlers []ErrorHandler
}

// HandleConnectionError passes the error to every handler
func (c *ErrorHandlerChain) HandleConnectionError(conn *Connection, err error) {
	for _, h := range c.Handlers {
		h.HandleConnectionError(conn, err)
	}
}

// HandleChannelError passes the error to every handler
func (c *ErrorHandlerChain) HandleChannelError(ch *Channel, err error) {
	for _, h := range c.Handlers {
		h.HandleChannelError(ch, err)
	}
}

// HandleConsumerError passes the error to every handler
func (c *ErrorHandlerChain) HandleConsumerError(ch *Channel, tag string, err error) {
	for _, h := range c.Handlers {
		h.HandleConsumerError(ch, tag, err)
	}
}
