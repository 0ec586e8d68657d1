package rabbitmq

import (
	"context"
	"maps"
	"net"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// FactoryOption is a functional option for ConnectionFactory
type FactoryOption func(*ConnectionFactory)

// WithHost sets the host to connect to
func WithHost(host string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Host = host
	}
}

// WithPort sets the port to connect to
func WithPort(port int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Port = port
	}
}

// WithCredentials sets the username and password
func WithCredentials(username, password string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Username = username
		cf.Password = password
	}
}

// WithVHost sets the virtual host
func WithVHost(vhost string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.VHost = vhost
	}
}

// WithConnectionTimeout sets the dial timeout
func WithConnectionTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ConnectionTimeout = timeout
	}
}

// WithHandshakeTimeout bounds the Start/Tune exchange
func WithHandshakeTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.HandshakeTimeout = timeout
	}
}

// WithRpcTimeout sets how long a synchronous method waits for its reply
func WithRpcTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.RpcTimeout = timeout
	}
}

// WithPollInterval sets how often waiters re-check for fatal errors
func WithPollInterval(interval time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.PollInterval = interval
	}
}

// WithChannelMax sets the maximum number of channels
func WithChannelMax(max uint16) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ChannelMax = max
	}
}

// WithFrameMax sets the maximum frame size
func WithFrameMax(max uint32) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.FrameMax = max
	}
}

// WithClientProperties merges custom client properties
func WithClientProperties(properties map[string]any) FactoryOption {
	return func(cf *ConnectionFactory) {
		if cf.ClientProperties == nil {
			cf.ClientProperties = make(map[string]any)
		}
		maps.Copy(cf.ClientProperties, properties)
	}
}

// WithClientProperty sets a single client property
func WithClientProperty(key string, value any) FactoryOption {
	return func(cf *ConnectionFactory) {
		if cf.ClientProperties == nil {
			cf.ClientProperties = make(map[string]any)
		}
		cf.ClientProperties[key] = value
	}
}

// WithErrorHandler sets a custom error handler
func WithErrorHandler(handler ErrorHandler) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ErrorHandler = handler
	}
}

// WithErrorHandlers notifies each handler in order
func WithErrorHandlers(handlers ...ErrorHandler) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ErrorHandler = &ErrorHandlerChain{Handlers: handlers}
	}
}

// WithBlockedHandler sets a custom blocked connection handler
func WithBlockedHandler(handler BlockedHandler) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.BlockedHandler = handler
	}
}

// WithUnclaimedHandler receives inbound method frames that no pending
// request or built-in handler consumed
func WithUnclaimedHandler(handler UnclaimedHandler) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.UnclaimedHandler = handler
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Metrics = metrics
	}
}

// WithClock replaces the clock used for RPC timeouts
func WithClock(clock Clock) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Clock = clock
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.TracerProvider = tp
	}
}

// WithDialer replaces the network dialer
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Dial = dial
	}
}

// WithConfig applies a loaded Config. Zero-valued fields leave the current
// setting alone.
func WithConfig(cfg Config) FactoryOption {
	return func(cf *ConnectionFactory) {
		if cfg.Host != "" {
			cf.Host = cfg.Host
		}
		if cfg.Port != 0 {
			cf.Port = cfg.Port
		}
		if cfg.VHost != "" {
			cf.VHost = cfg.VHost
		}
		if cfg.Username != "" {
			cf.Username = cfg.Username
			cf.Password = cfg.Password
		}
		if cfg.ConnectionTimeout != 0 {
			cf.ConnectionTimeout = cfg.ConnectionTimeout
		}
		if cfg.RpcTimeout != 0 {
			cf.RpcTimeout = cfg.RpcTimeout
		}
		if cfg.PollInterval != 0 {
			cf.PollInterval = cfg.PollInterval
		}
		if cfg.ChannelMax != 0 {
			cf.ChannelMax = cfg.ChannelMax
		}
		if cfg.FrameMax != 0 {
			cf.FrameMax = cfg.FrameMax
		}
		if cfg.LogLevel != "" {
			cf.Logger = cf.Logger.Level(cfg.Level())
		}
	}
}
