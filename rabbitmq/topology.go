package rabbitmq

import (
	"context"

	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

// Table is an alias for AMQP field table
type Table = protocol.Table

// Queue describes a declared queue as reported by the server
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// ExchangeDeclareOptions configures exchange declaration
type ExchangeDeclareOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       Table
}

// ExchangeDeleteOptions configures exchange deletion
type ExchangeDeleteOptions struct {
	IfUnused bool
	NoWait   bool
}

// QueueDeclareOptions configures queue declaration
type QueueDeclareOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       Table
}

// QueueDeleteOptions configures queue deletion
type QueueDeleteOptions struct {
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

// invoke sends a method and waits for expect unless noWait is set
func (ch *Channel) invoke(ctx context.Context, noWait bool, classID, methodID uint16, fields map[string]any, expect uint16) (*Response, error) {
	if err := ch.ready(); err != nil {
		return nil, err
	}
	if noWait {
		return nil, ch.send(classID, methodID, fields)
	}
	return ch.call(ctx, classID, methodID, fields, expect)
}

// ExchangeDeclare declares an exchange
func (ch *Channel) ExchangeDeclare(ctx context.Context, name, kind string, opts ExchangeDeclareOptions) error {
	_, err := ch.invoke(ctx, opts.NoWait, protocol.ClassExchange, protocol.MethodExchangeDeclare, map[string]any{
		"exchange":    name,
		"type":        kind,
		"durable":     opts.Durable,
		"auto_delete": opts.AutoDelete,
		"internal":    opts.Internal,
		"no_wait":     opts.NoWait,
		"arguments":   opts.Args,
	}, protocol.MethodExchangeDeclareOk)
	return err
}

// ExchangeDeclarePassive checks that an exchange exists. A missing exchange
// closes the channel with ErrNotFound.
func (ch *Channel) ExchangeDeclarePassive(ctx context.Context, name, kind string) error {
	_, err := ch.invoke(ctx, false, protocol.ClassExchange, protocol.MethodExchangeDeclare, map[string]any{
		"exchange": name,
		"type":     kind,
		"passive":  true,
	}, protocol.MethodExchangeDeclareOk)
	return err
}

// ExchangeDelete deletes an exchange
func (ch *Channel) ExchangeDelete(ctx context.Context, name string, opts ExchangeDeleteOptions) error {
	_, err := ch.invoke(ctx, opts.NoWait, protocol.ClassExchange, protocol.MethodExchangeDelete, map[string]any{
		"exchange":  name,
		"if_unused": opts.IfUnused,
		"no_wait":   opts.NoWait,
	}, protocol.MethodExchangeDeleteOk)
	return err
}

// QueueDeclare declares a queue. An empty name asks the server to generate
// one; the generated name is returned.
func (ch *Channel) QueueDeclare(ctx context.Context, name string, opts QueueDeclareOptions) (Queue, error) {
	resp, err := ch.invoke(ctx, opts.NoWait, protocol.ClassQueue, protocol.MethodQueueDeclare, map[string]any{
		"queue":       name,
		"durable":     opts.Durable,
		"exclusive":   opts.Exclusive,
		"auto_delete": opts.AutoDelete,
		"no_wait":     opts.NoWait,
		"arguments":   opts.Args,
	}, protocol.MethodQueueDeclareOk)
	if err != nil {
		return Queue{}, err
	}
	if resp == nil {
		return Queue{Name: name}, nil
	}
	return queueFromFields(resp.Fields), nil
}

// QueueDeclarePassive checks that a queue exists
func (ch *Channel) QueueDeclarePassive(ctx context.Context, name string) (Queue, error) {
	resp, err := ch.invoke(ctx, false, protocol.ClassQueue, protocol.MethodQueueDeclare, map[string]any{
		"queue":   name,
		"passive": true,
	}, protocol.MethodQueueDeclareOk)
	if err != nil {
		return Queue{}, err
	}
	return queueFromFields(resp.Fields), nil
}

func queueFromFields(fields map[string]any) Queue {
	name, _ := fields["queue"].(string)
	messages, _ := fields["message_count"].(uint32)
	consumers, _ := fields["consumer_count"].(uint32)
	return Queue{Name: name, Messages: int(messages), Consumers: int(consumers)}
}

// QueueDelete deletes a queue and returns the number of messages it held
func (ch *Channel) QueueDelete(ctx context.Context, name string, opts QueueDeleteOptions) (int, error) {
	resp, err := ch.invoke(ctx, opts.NoWait, protocol.ClassQueue, protocol.MethodQueueDelete, map[string]any{
		"queue":     name,
		"if_unused": opts.IfUnused,
		"if_empty":  opts.IfEmpty,
		"no_wait":   opts.NoWait,
	}, protocol.MethodQueueDeleteOk)
	if err != nil || resp == nil {
		return 0, err
	}
	count, _ := resp.Fields["message_count"].(uint32)
	return int(count), nil
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(ctx context.Context, name, exchange, routingKey string, args Table) error {
	_, err := ch.invoke(ctx, false, protocol.ClassQueue, protocol.MethodQueueBind, map[string]any{
		"queue":       name,
		"exchange":    exchange,
		"routing_key": routingKey,
		"arguments":   args,
	}, protocol.MethodQueueBindOk)
	return err
}

// QueuePurge purges all messages from a queue
func (ch *Channel) QueuePurge(ctx context.Context, name string, noWait bool) (int, error) {
	resp, err := ch.invoke(ctx, noWait, protocol.ClassQueue, protocol.MethodQueuePurge, map[string]any{
		"queue":   name,
		"no_wait": noWait,
	}, protocol.MethodQueuePurgeOk)
	if err != nil || resp == nil {
		return 0, err
	}
	count, _ := resp.Fields["message_count"].(uint32)
	return int(count), nil
}
