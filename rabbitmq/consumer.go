package rabbitmq

import (
	"context"
	"fmt"

	"github.com/israelio/rabbit-rpc-core/internal/frame"
	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

// ConsumeOptions configures consumer behavior
type ConsumeOptions struct {
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Args      Table
}

// BasicConsume registers a consumer on queue and records its tag on the
// channel. An empty consumerTag lets the server choose one; the tag in use
// is returned. Message delivery itself is left to the UnclaimedHandler.
func (ch *Channel) BasicConsume(ctx context.Context, queue, consumerTag string, opts ConsumeOptions) (string, error) {
	if opts.NoWait && consumerTag == "" {
		return "", fmt.Errorf("no-wait consume requires a consumer tag")
	}

	resp, err := ch.invoke(ctx, opts.NoWait, protocol.ClassBasic, protocol.MethodBasicConsume, map[string]any{
		"queue":        queue,
		"consumer_tag": consumerTag,
		"no_local":     opts.NoLocal,
		"no_ack":       opts.AutoAck,
		"exclusive":    opts.Exclusive,
		"no_wait":      opts.NoWait,
		"arguments":    opts.Args,
	}, protocol.MethodBasicConsumeOk)
	if err != nil {
		return "", err
	}

	tag := consumerTag
	if resp != nil {
		if t, _ := resp.Fields["consumer_tag"].(string); t != "" {
			tag = t
		}
	}
	ch.AddConsumerTag(tag)
	ch.logger.Debug().Str("queue", queue).Str("consumer_tag", tag).Msg("consumer registered")
	return tag, nil
}

// BasicCancel cancels a consumer and forgets its tag
func (ch *Channel) BasicCancel(ctx context.Context, consumerTag string, noWait bool) error {
	if consumerTag == "" {
		return fmt.Errorf("consumer tag required")
	}

	_, err := ch.invoke(ctx, noWait, protocol.ClassBasic, protocol.MethodBasicCancel, map[string]any{
		"consumer_tag": consumerTag,
		"no_wait":      noWait,
	}, protocol.MethodBasicCancelOk)
	if err != nil {
		return err
	}

	ch.RemoveConsumerTag(consumerTag)
	return nil
}

// handleServerCancel handles a Basic.Cancel sent by the server, e.g. after
// the consumed queue was deleted
func (ch *Channel) handleServerCancel(cmd *frame.Command) {
	tag, _ := cmd.Field("consumer_tag").(string)
	if tag == "" {
		return
	}

	ch.RemoveConsumerTag(tag)
	ch.logger.Warn().Str("consumer_tag", tag).Msg("consumer cancelled by server")
	ch.conn.factory.ErrorHandler.HandleConsumerError(ch, tag, ErrConsumerCancelled)

	if noWait, _ := cmd.Field("no_wait").(bool); !noWait {
		if err := ch.send(protocol.ClassBasic, protocol.MethodBasicCancelOk, map[string]any{"consumer_tag": tag}); err != nil {
			ch.logger.Debug().Err(err).Msg("send Basic.CancelOk")
		}
	}
}
