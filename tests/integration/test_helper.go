package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/israelio/rabbit-rpc-core/rabbitmq"
)

// GetTestConfig returns the broker settings from RABBIT_* variables or the
// defaults
func GetTestConfig(t *testing.T) rabbitmq.Config {
	cfg, err := rabbitmq.LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("Invalid test configuration: %v", err)
	}
	return cfg
}

// NewTestConnectionFactory creates a connection factory for testing
func NewTestConnectionFactory(t *testing.T) *rabbitmq.ConnectionFactory {
	return rabbitmq.NewConnectionFactory(
		rabbitmq.WithConfig(GetTestConfig(t)),
		rabbitmq.WithConnectionTimeout(10*time.Second),
		rabbitmq.WithRpcTimeout(5*time.Second),
	)
}

// NewTestConnection creates a connection for testing, skipping the test
// when no broker is reachable
func NewTestConnection(t *testing.T) *rabbitmq.Connection {
	factory := NewTestConnectionFactory(t)

	conn, err := factory.NewConnection()
	if err != nil {
		t.Skipf("Skipping test: cannot connect to RabbitMQ at %s:%d: %v", factory.Host, factory.Port, err)
	}
	return conn
}

// NewTestChannel creates a channel for testing
func NewTestChannel(t *testing.T) (*rabbitmq.Connection, *rabbitmq.Channel) {
	conn := NewTestConnection(t)

	ch, err := conn.NewChannel()
	if err != nil {
		conn.Close()
		t.Fatalf("Failed to create channel: %v", err)
	}
	return conn, ch
}

// GenerateQueueName generates a unique queue name for testing
func GenerateQueueName(t *testing.T) string {
	return fmt.Sprintf("test.queue.%s.%d", t.Name(), time.Now().UnixNano())
}

// GenerateExchangeName generates a unique exchange name for testing
func GenerateExchangeName(t *testing.T) string {
	return fmt.Sprintf("test.exchange.%s.%d", t.Name(), time.Now().UnixNano())
}

// CleanupQueue deletes a queue, ignoring errors
func CleanupQueue(t *testing.T, ch *rabbitmq.Channel, queueName string) {
	if ch != nil && queueName != "" && ch.IsOpen() {
		ch.QueueDelete(context.Background(), queueName, rabbitmq.QueueDeleteOptions{})
	}
}

// CleanupExchange deletes an exchange, ignoring errors
func CleanupExchange(t *testing.T, ch *rabbitmq.Channel, exchangeName string) {
	if ch != nil && exchangeName != "" && ch.IsOpen() {
		ch.ExchangeDelete(context.Background(), exchangeName, rabbitmq.ExchangeDeleteOptions{})
	}
}

// RequireRabbitMQ skips the test if RabbitMQ is not available
func RequireRabbitMQ(t *testing.T) {
	factory := rabbitmq.NewConnectionFactory(
		rabbitmq.WithConfig(GetTestConfig(t)),
		rabbitmq.WithConnectionTimeout(2*time.Second),
	)

	conn, err := factory.NewConnection()
	if err != nil {
		t.Skipf("RabbitMQ not available at %s:%d - skipping test: %v", factory.Host, factory.Port, err)
	}
	conn.Close()
}
