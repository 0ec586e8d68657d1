package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ConnectionFactory creates and configures AMQP connections
type ConnectionFactory struct {
	// Connection settings
	Host     string
	Port     int
	VHost    string
	Username string
	Password string

	// Timeouts
	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration
	RpcTimeout        time.Duration
	PollInterval      time.Duration

	// AMQP parameters
	ChannelMax uint16
	FrameMax   uint32

	// Client properties sent to server
	ClientProperties map[string]any

	// Custom handlers
	ErrorHandler     ErrorHandler
	BlockedHandler   BlockedHandler
	UnclaimedHandler UnclaimedHandler

	Logger         zerolog.Logger
	Metrics        MetricsCollector
	Clock          Clock
	TracerProvider trace.TracerProvider

	// Dial opens the transport. Defaults to a TCP dial.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// BlockedHandler receives connection blocked/unblocked events
type BlockedHandler interface {
	OnBlocked(conn *Connection, reason string)
	OnUnblocked(conn *Connection)
}

// UnclaimedHandler receives inbound method frames that were neither a reply
// to a pending request nor handled by the connection or channel itself.
// It runs on the reader goroutine.
type UnclaimedHandler func(channelID uint16, f Frame)

// NewConnectionFactory creates a new ConnectionFactory with sensible defaults
func NewConnectionFactory(opts ...FactoryOption) *ConnectionFactory {
	cfg := DefaultConfig()
	cf := &ConnectionFactory{
		Host:              cfg.Host,
		Port:              cfg.Port,
		VHost:             cfg.VHost,
		Username:          cfg.Username,
		Password:          cfg.Password,
		ConnectionTimeout: cfg.ConnectionTimeout,
		HandshakeTimeout:  10 * time.Second,
		RpcTimeout:        cfg.RpcTimeout,
		PollInterval:      cfg.PollInterval,
		ChannelMax:        0, // 0 = server decides
		FrameMax:          0, // 0 = server decides
		ClientProperties:  defaultClientProperties(),
		Logger:            zerolog.Nop(),
		Metrics:           NewNoOpMetricsCollector(),
		Clock:             systemClock{},
	}

	for _, opt := range opts {
		opt(cf)
	}

	if cf.ErrorHandler == nil {
		cf.ErrorHandler = &DefaultErrorHandler{Logger: cf.Logger}
	}
	if cf.Metrics == nil {
		cf.Metrics = NewNoOpMetricsCollector()
	}
	if cf.Clock == nil {
		cf.Clock = systemClock{}
	}

	return cf
}

// NewConnection creates a new connection using the factory settings
func (cf *ConnectionFactory) NewConnection() (*Connection, error) {
	return cf.NewConnectionWithContext(context.Background())
}

// NewConnectionWithContext dials, performs the AMQP handshake and opens
// the virtual host. The returned connection is OPEN.
func (cf *ConnectionFactory) NewConnectionWithContext(ctx context.Context) (*Connection, error) {
	if err := cf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid factory: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cf.ConnectionTimeout)
	netConn, err := cf.dial(dialCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	conn := newConnection(cf, netConn)
	conn.SetState(StateOpening)

	if err := conn.handshake(ctx); err != nil {
		netConn.Close()
		conn.SetState(StateClosed)
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	conn.start()

	if err := conn.openVHost(ctx); err != nil {
		conn.shutdown()
		conn.SetState(StateClosed)
		return nil, fmt.Errorf("open vhost %q: %w", cf.VHost, err)
	}

	conn.SetState(StateOpen)
	cf.Metrics.ConnectionCreated()
	conn.logger.Info().Uint16("channel_max", conn.channelMax).Uint32("frame_max", conn.frameMax).Msg("connection open")
	return conn, nil
}

// dial establishes the network connection
func (cf *ConnectionFactory) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(cf.Host, fmt.Sprint(cf.Port))

	if cf.Dial != nil {
		return cf.Dial(ctx, "tcp", addr)
	}

	dialer := &net.Dialer{Timeout: cf.ConnectionTimeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Validate validates the ConnectionFactory configuration
func (cf *ConnectionFactory) Validate() error {
	if cf.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if cf.Port <= 0 || cf.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cf.Port)
	}
	if cf.VHost == "" {
		return fmt.Errorf("vhost cannot be empty")
	}
	if cf.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	if cf.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout cannot be negative, got %v", cf.ConnectionTimeout)
	}
	if cf.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake timeout cannot be negative, got %v", cf.HandshakeTimeout)
	}
	if cf.RpcTimeout < 0 {
		return fmt.Errorf("rpc timeout cannot be negative, got %v", cf.RpcTimeout)
	}
	if cf.PollInterval < 0 {
		return fmt.Errorf("poll interval cannot be negative, got %v", cf.PollInterval)
	}

	// 0 means server decides, 4096 is minimum per AMQP spec
	if cf.FrameMax != 0 && cf.FrameMax < 4096 {
		return fmt.Errorf("frame max must be 0 or >= 4096, got %d", cf.FrameMax)
	}

	return nil
}

func (cf *ConnectionFactory) rpcOptions(logger zerolog.Logger) []RpcOption {
	return []RpcOption{
		RpcClock(cf.Clock),
		RpcTimeout(cf.RpcTimeout),
		RpcPollInterval(cf.PollInterval),
		RpcLogger(logger),
		RpcMetrics(cf.Metrics),
	}
}

func (cf *ConnectionFactory) tracer() trace.Tracer {
	if cf.TracerProvider == nil {
		return defaultTracer()
	}
	return cf.TracerProvider.Tracer(tracerName)
}

// defaultClientProperties returns default client properties
func defaultClientProperties() map[string]any {
	return map[string]any{
		"product":  "rabbit-rpc-core",
		"version":  "1.0.0",
		"platform": "Go",
		"capabilities": map[string]any{
			"consumer_cancel_notify":       true,
			"connection.blocked":           true,
			"authentication_failure_close": true,
			"publisher_confirms":           true,
		},
	}
}
