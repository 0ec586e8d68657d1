package integration

import (
	"context"
	"testing"

	"github.com/israelio/rabbit-rpc-core/rabbitmq"
)

// TestQueueDeclare tests queue declaration
func TestQueueDeclare(t *testing.T) {
	RequireRabbitMQ(t)

	conn, ch := NewTestChannel(t)
	defer conn.Close()
	defer ch.Close()

	queueName := GenerateQueueName(t)
	defer CleanupQueue(t, ch, queueName)

	queue, err := ch.QueueDeclare(context.Background(), queueName, rabbitmq.QueueDeclareOptions{
		Durable: true,
	})
	if err != nil {
		t.Fatalf("QueueDeclare failed: %v", err)
	}

	if queue.Name != queueName {
		t.Errorf("Queue name: got %q, want %q", queue.Name, queueName)
	}
}

// TestQueueDeclareServerNamed tests that the server-generated name is returned
func TestQueueDeclareServerNamed(t *testing.T) {
	RequireRabbitMQ(t)

	conn, ch := NewTestChannel(t)
	defer conn.Close()
	defer ch.Close()

	queue, err := ch.QueueDeclare(context.Background(), "", rabbitmq.QueueDeclareOptions{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		t.Fatalf("QueueDeclare failed: %v", err)
	}
	if queue.Name == "" {
		t.Error("Expected a server-generated queue name")
	}
}

// TestQueueDelete tests queue deletion
func TestQueueDelete(t *testing.T) {
	RequireRabbitMQ(t)

	conn, ch := NewTestChannel(t)
	defer conn.Close()
	defer ch.Close()

	ctx := context.Background()
	queueName := GenerateQueueName(t)

	if _, err := ch.QueueDeclare(ctx, queueName, rabbitmq.QueueDeclareOptions{}); err != nil {
		t.Fatalf("QueueDeclare failed: %v", err)
	}

	count, err := ch.QueueDelete(ctx, queueName, rabbitmq.QueueDeleteOptions{})
	if err != nil {
		t.Fatalf("QueueDelete failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Deleted message count: got %d, want 0", count)
	}
}

// TestExchangeDeclareAndBind tests exchange declaration and binding
func TestExchangeDeclareAndBind(t *testing.T) {
	RequireRabbitMQ(t)

	conn, ch := NewTestChannel(t)
	defer conn.Close()
	defer ch.Close()

	ctx := context.Background()
	exchangeName := GenerateExchangeName(t)
	queueName := GenerateQueueName(t)
	defer CleanupExchange(t, ch, exchangeName)
	defer CleanupQueue(t, ch, queueName)

	err := ch.ExchangeDeclare(ctx, exchangeName, "topic", rabbitmq.ExchangeDeclareOptions{AutoDelete: true})
	if err != nil {
		t.Fatalf("ExchangeDeclare failed: %v", err)
	}
	if err := ch.ExchangeDeclarePassive(ctx, exchangeName, "topic"); err != nil {
		t.Fatalf("ExchangeDeclarePassive failed: %v", err)
	}

	queue, err := ch.QueueDeclare(ctx, queueName, rabbitmq.QueueDeclareOptions{AutoDelete: true})
	if err != nil {
		t.Fatalf("QueueDeclare failed: %v", err)
	}

	for _, key := range []string{"*.orange.*", "lazy.#"} {
		if err := ch.QueueBind(ctx, queue.Name, exchangeName, key, nil); err != nil {
			t.Fatalf("QueueBind %q failed: %v", key, err)
		}
	}

	purged, err := ch.QueuePurge(ctx, queue.Name, false)
	if err != nil {
		t.Fatalf("QueuePurge failed: %v", err)
	}
	if purged != 0 {
		t.Errorf("Purged count: got %d, want 0", purged)
	}
}

// TestConsumeAndCancel tests consumer tag bookkeeping against a broker
func TestConsumeAndCancel(t *testing.T) {
	RequireRabbitMQ(t)

	conn, ch := NewTestChannel(t)
	defer conn.Close()
	defer ch.Close()

	ctx := context.Background()
	queue, err := ch.QueueDeclare(ctx, "", rabbitmq.QueueDeclareOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		t.Fatalf("QueueDeclare failed: %v", err)
	}

	tag, err := ch.BasicConsume(ctx, queue.Name, "", rabbitmq.ConsumeOptions{AutoAck: true})
	if err != nil {
		t.Fatalf("BasicConsume failed: %v", err)
	}
	if !ch.HasConsumerTag(tag) {
		t.Errorf("Consumer tag %q not recorded", tag)
	}

	if err := ch.BasicCancel(ctx, tag, false); err != nil {
		t.Fatalf("BasicCancel failed: %v", err)
	}
	if len(ch.ConsumerTags()) != 0 {
		t.Errorf("Consumer tags after cancel: %v", ch.ConsumerTags())
	}
}

// TestTransaction tests tx select/commit/rollback
func TestTransaction(t *testing.T) {
	RequireRabbitMQ(t)

	conn, ch := NewTestChannel(t)
	defer conn.Close()
	defer ch.Close()

	ctx := context.Background()
	if err := ch.TxSelect(ctx); err != nil {
		t.Fatalf("TxSelect failed: %v", err)
	}
	if !ch.InTransaction() {
		t.Error("Channel should be in transaction mode")
	}
	if err := ch.TxCommit(ctx); err != nil {
		t.Fatalf("TxCommit failed: %v", err)
	}
	if err := ch.TxRollback(ctx); err != nil {
		t.Fatalf("TxRollback failed: %v", err)
	}
}
