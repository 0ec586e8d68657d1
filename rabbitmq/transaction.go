package rabbitmq

import (
	"context"
	"fmt"

	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

// TxSelect puts the channel into transaction mode
func (ch *Channel) TxSelect(ctx context.Context) error {
	if _, err := ch.invoke(ctx, false, protocol.ClassTx, protocol.MethodTxSelect, nil, protocol.MethodTxSelectOk); err != nil {
		return err
	}
	ch.txMode.Store(true)
	return nil
}

// TxCommit commits the current transaction
func (ch *Channel) TxCommit(ctx context.Context) error {
	if !ch.txMode.Load() {
		return fmt.Errorf("channel not in transaction mode")
	}
	_, err := ch.invoke(ctx, false, protocol.ClassTx, protocol.MethodTxCommit, nil, protocol.MethodTxCommitOk)
	return err
}

// TxRollback rolls back the current transaction
func (ch *Channel) TxRollback(ctx context.Context) error {
	if !ch.txMode.Load() {
		return fmt.Errorf("channel not in transaction mode")
	}
	_, err := ch.invoke(ctx, false, protocol.ClassTx, protocol.MethodTxRollback, nil, protocol.MethodTxRollbackOk)
	return err
}

// InTransaction reports whether TxSelect succeeded on this channel
func (ch *Channel) InTransaction() bool {
	return ch.txMode.Load()
}
