package protocol

import "fmt"

// MethodKey packs a class and method id into a single lookup key.
func MethodKey(classID, methodID uint16) uint32 {
	return uint32(classID)<<16 | uint32(methodID)
}

var methodNames = map[uint32]string{
	MethodKey(ClassConnection, MethodConnectionStart):     "Connection.Start",
	MethodKey(ClassConnection, MethodConnectionStartOk):   "Connection.StartOk",
	MethodKey(ClassConnection, MethodConnectionTune):      "Connection.Tune",
	MethodKey(ClassConnection, MethodConnectionTuneOk):    "Connection.TuneOk",
	MethodKey(ClassConnection, MethodConnectionOpen):      "Connection.Open",
	MethodKey(ClassConnection, MethodConnectionOpenOk):    "Connection.OpenOk",
	MethodKey(ClassConnection, MethodConnectionClose):     "Connection.Close",
	MethodKey(ClassConnection, MethodConnectionCloseOk):   "Connection.CloseOk",
	MethodKey(ClassConnection, MethodConnectionBlocked):   "Connection.Blocked",
	MethodKey(ClassConnection, MethodConnectionUnblocked): "Connection.Unblocked",

	MethodKey(ClassChannel, MethodChannelOpen):    "Channel.Open",
	MethodKey(ClassChannel, MethodChannelOpenOk):  "Channel.OpenOk",
	MethodKey(ClassChannel, MethodChannelFlow):    "Channel.Flow",
	MethodKey(ClassChannel, MethodChannelFlowOk):  "Channel.FlowOk",
	MethodKey(ClassChannel, MethodChannelClose):   "Channel.Close",
	MethodKey(ClassChannel, MethodChannelCloseOk): "Channel.CloseOk",

	MethodKey(ClassExchange, MethodExchangeDeclare):   "Exchange.Declare",
	MethodKey(ClassExchange, MethodExchangeDeclareOk): "Exchange.DeclareOk",
	MethodKey(ClassExchange, MethodExchangeDelete):    "Exchange.Delete",
	MethodKey(ClassExchange, MethodExchangeDeleteOk):  "Exchange.DeleteOk",

	MethodKey(ClassQueue, MethodQueueDeclare):   "Queue.Declare",
	MethodKey(ClassQueue, MethodQueueDeclareOk): "Queue.DeclareOk",
	MethodKey(ClassQueue, MethodQueueBind):      "Queue.Bind",
	MethodKey(ClassQueue, MethodQueueBindOk):    "Queue.BindOk",
	MethodKey(ClassQueue, MethodQueuePurge):     "Queue.Purge",
	MethodKey(ClassQueue, MethodQueuePurgeOk):   "Queue.PurgeOk",
	MethodKey(ClassQueue, MethodQueueDelete):    "Queue.Delete",
	MethodKey(ClassQueue, MethodQueueDeleteOk):  "Queue.DeleteOk",

	MethodKey(ClassBasic, MethodBasicQos):       "Basic.Qos",
	MethodKey(ClassBasic, MethodBasicQosOk):     "Basic.QosOk",
	MethodKey(ClassBasic, MethodBasicConsume):   "Basic.Consume",
	MethodKey(ClassBasic, MethodBasicConsumeOk): "Basic.ConsumeOk",
	MethodKey(ClassBasic, MethodBasicCancel):    "Basic.Cancel",
	MethodKey(ClassBasic, MethodBasicCancelOk):  "Basic.CancelOk",
	MethodKey(ClassBasic, MethodBasicPublish):   "Basic.Publish",
	MethodKey(ClassBasic, MethodBasicReturn):    "Basic.Return",
	MethodKey(ClassBasic, MethodBasicDeliver):   "Basic.Deliver",
	MethodKey(ClassBasic, MethodBasicGet):       "Basic.Get",
	MethodKey(ClassBasic, MethodBasicGetOk):     "Basic.GetOk",
	MethodKey(ClassBasic, MethodBasicGetEmpty):  "Basic.GetEmpty",
	MethodKey(ClassBasic, MethodBasicAck):       "Basic.Ack",
	MethodKey(ClassBasic, MethodBasicReject):    "Basic.Reject",
	MethodKey(ClassBasic, MethodBasicNack):      "Basic.Nack",

	MethodKey(ClassConfirm, MethodConfirmSelect):   "Confirm.Select",
	MethodKey(ClassConfirm, MethodConfirmSelectOk): "Confirm.SelectOk",

	MethodKey(ClassTx, MethodTxSelect):     "Tx.Select",
	MethodKey(ClassTx, MethodTxSelectOk):   "Tx.SelectOk",
	MethodKey(ClassTx, MethodTxCommit):     "Tx.Commit",
	MethodKey(ClassTx, MethodTxCommitOk):   "Tx.CommitOk",
	MethodKey(ClassTx, MethodTxRollback):   "Tx.Rollback",
	MethodKey(ClassTx, MethodTxRollbackOk): "Tx.RollbackOk",
}

// MethodName returns the dotted AMQP name of a method, e.g. "Channel.OpenOk".
// Unknown methods are rendered as "Unknown(class.method)".
func MethodName(classID, methodID uint16) string {
	if name, ok := methodNames[MethodKey(classID, methodID)]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d.%d)", classID, methodID)
}
