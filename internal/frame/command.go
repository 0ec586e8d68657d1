package frame

import (
	"fmt"
	"maps"

	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

// Command is a decoded method frame: the method identity plus its arguments
// as a field/value map keyed by the AMQP argument names.
type Command struct {
	ChannelID uint16
	ClassID   uint16
	MethodID  uint16
	fields    map[string]any
}

// Name returns the dotted AMQP method name, e.g. "Basic.ConsumeOk".
func (c *Command) Name() string {
	return protocol.MethodName(c.ClassID, c.MethodID)
}

// Fields returns a copy of the decoded arguments.
func (c *Command) Fields() map[string]any {
	return maps.Clone(c.fields)
}

// Field returns a single decoded argument, or nil.
func (c *Command) Field(name string) any {
	return c.fields[name]
}

func (c *Command) String() string {
	return fmt.Sprintf("%s{channel=%d}", c.Name(), c.ChannelID)
}

type argKind int

const (
	kindOctet argKind = iota
	kindShort
	kindLong
	kindLongLong
	kindShortStr
	kindLongStr
	kindTable
	kindBits
)

type argSpec struct {
	name string
	kind argKind
	bits []string
}

func octet(name string) argSpec    { return argSpec{name: name, kind: kindOctet} }
func short(name string) argSpec    { return argSpec{name: name, kind: kindShort} }
func long(name string) argSpec     { return argSpec{name: name, kind: kindLong} }
func longlong(name string) argSpec { return argSpec{name: name, kind: kindLongLong} }
func shortstr(name string) argSpec { return argSpec{name: name, kind: kindShortStr} }
func longstr(name string) argSpec  { return argSpec{name: name, kind: kindLongStr} }
func table(name string) argSpec    { return argSpec{name: name, kind: kindTable} }
func bits(names ...string) argSpec { return argSpec{kind: kindBits, bits: names} }

var closeArgs = []argSpec{short("reply_code"), shortstr("reply_text"), short("class_id"), short("method_id")}

var schemas = map[uint32][]argSpec{
	protocol.MethodKey(protocol.ClassConnection, protocol.MethodConnectionStart): {
		octet("version_major"), octet("version_minor"), table("server_properties"),
		longstr("mechanisms"), longstr("locales"),
	},
	protocol.MethodKey(protocol.ClassConnection, protocol.MethodConnectionStartOk): {
		table("client_properties"), shortstr("mechanism"), longstr("response"), shortstr("locale"),
	},
	protocol.MethodKey(protocol.ClassConnection, protocol.MethodConnectionTune): {
		short("channel_max"), long("frame_max"), short("heartbeat"),
	},
	protocol.MethodKey(protocol.ClassConnection, protocol.MethodConnectionTuneOk): {
		short("channel_max"), long("frame_max"), short("heartbeat"),
	},
	protocol.MethodKey(protocol.ClassConnection, protocol.MethodConnectionOpen): {
		shortstr("virtual_host"), shortstr("capabilities"), bits("insist"),
	},
	protocol.MethodKey(protocol.ClassConnection, protocol.MethodConnectionOpenOk):    {shortstr("known_hosts")},
	protocol.MethodKey(protocol.ClassConnection, protocol.MethodConnectionClose):     closeArgs,
	protocol.MethodKey(protocol.ClassConnection, protocol.MethodConnectionCloseOk):   {},
	protocol.MethodKey(protocol.ClassConnection, protocol.MethodConnectionBlocked):   {shortstr("reason")},
	protocol.MethodKey(protocol.ClassConnection, protocol.MethodConnectionUnblocked): {},

	protocol.MethodKey(protocol.ClassChannel, protocol.MethodChannelOpen):    {shortstr("out_of_band")},
	protocol.MethodKey(protocol.ClassChannel, protocol.MethodChannelOpenOk):  {longstr("channel_id")},
	protocol.MethodKey(protocol.ClassChannel, protocol.MethodChannelFlow):    {bits("active")},
	protocol.MethodKey(protocol.ClassChannel, protocol.MethodChannelFlowOk):  {bits("active")},
	protocol.MethodKey(protocol.ClassChannel, protocol.MethodChannelClose):   closeArgs,
	protocol.MethodKey(protocol.ClassChannel, protocol.MethodChannelCloseOk): {},

	protocol.MethodKey(protocol.ClassExchange, protocol.MethodExchangeDeclare): {
		short("ticket"), shortstr("exchange"), shortstr("type"),
		bits("passive", "durable", "auto_delete", "internal", "no_wait"), table("arguments"),
	},
	protocol.MethodKey(protocol.ClassExchange, protocol.MethodExchangeDeclareOk): {},
	protocol.MethodKey(protocol.ClassExchange, protocol.MethodExchangeDelete): {
		short("ticket"), shortstr("exchange"), bits("if_unused", "no_wait"),
	},
	protocol.MethodKey(protocol.ClassExchange, protocol.MethodExchangeDeleteOk): {},

	protocol.MethodKey(protocol.ClassQueue, protocol.MethodQueueDeclare): {
		short("ticket"), shortstr("queue"),
		bits("passive", "durable", "exclusive", "auto_delete", "no_wait"), table("arguments"),
	},
	protocol.MethodKey(protocol.ClassQueue, protocol.MethodQueueDeclareOk): {
		shortstr("queue"), long("message_count"), long("consumer_count"),
	},
	protocol.MethodKey(protocol.ClassQueue, protocol.MethodQueueBind): {
		short("ticket"), shortstr("queue"), shortstr("exchange"), shortstr("routing_key"),
		bits("no_wait"), table("arguments"),
	},
	protocol.MethodKey(protocol.ClassQueue, protocol.MethodQueueBindOk): {},
	protocol.MethodKey(protocol.ClassQueue, protocol.MethodQueuePurge): {
		short("ticket"), shortstr("queue"), bits("no_wait"),
	},
	protocol.MethodKey(protocol.ClassQueue, protocol.MethodQueuePurgeOk): {long("message_count")},
	protocol.MethodKey(protocol.ClassQueue, protocol.MethodQueueDelete): {
		short("ticket"), shortstr("queue"), bits("if_unused", "if_empty", "no_wait"),
	},
	protocol.MethodKey(protocol.ClassQueue, protocol.MethodQueueDeleteOk): {long("message_count")},

	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicQos): {
		long("prefetch_size"), short("prefetch_count"), bits("global"),
	},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicQosOk): {},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicConsume): {
		short("ticket"), shortstr("queue"), shortstr("consumer_tag"),
		bits("no_local", "no_ack", "exclusive", "no_wait"), table("arguments"),
	},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicConsumeOk): {shortstr("consumer_tag")},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicCancel):    {shortstr("consumer_tag"), bits("no_wait")},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicCancelOk):  {shortstr("consumer_tag")},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicReturn): {
		short("reply_code"), shortstr("reply_text"), shortstr("exchange"), shortstr("routing_key"),
	},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicDeliver): {
		shortstr("consumer_tag"), longlong("delivery_tag"), bits("redelivered"),
		shortstr("exchange"), shortstr("routing_key"),
	},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicGet): {
		short("ticket"), shortstr("queue"), bits("no_ack"),
	},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicGetOk): {
		longlong("delivery_tag"), bits("redelivered"), shortstr("exchange"),
		shortstr("routing_key"), long("message_count"),
	},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicGetEmpty): {shortstr("cluster_id")},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicAck):      {longlong("delivery_tag"), bits("multiple")},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicReject):   {longlong("delivery_tag"), bits("requeue")},
	protocol.MethodKey(protocol.ClassBasic, protocol.MethodBasicNack): {
		longlong("delivery_tag"), bits("multiple", "requeue"),
	},

	protocol.MethodKey(protocol.ClassConfirm, protocol.MethodConfirmSelect):   {bits("nowait")},
	protocol.MethodKey(protocol.ClassConfirm, protocol.MethodConfirmSelectOk): {},

	protocol.MethodKey(protocol.ClassTx, protocol.MethodTxSelect):     {},
	protocol.MethodKey(protocol.ClassTx, protocol.MethodTxSelectOk):   {},
	protocol.MethodKey(protocol.ClassTx, protocol.MethodTxCommit):     {},
	protocol.MethodKey(protocol.ClassTx, protocol.MethodTxCommitOk):   {},
	protocol.MethodKey(protocol.ClassTx, protocol.MethodTxRollback):   {},
	protocol.MethodKey(protocol.ClassTx, protocol.MethodTxRollbackOk): {},
}

// Decode turns a method frame into a Command. Methods without a known
// argument layout decode with an empty field map.
func Decode(f *Frame) (*Command, error) {
	method, err := f.ParseMethod()
	if err != nil {
		return nil, err
	}

	cmd := &Command{
		ChannelID: f.ChannelID,
		ClassID:   method.ClassID,
		MethodID:  method.MethodID,
		fields:    make(map[string]any),
	}

	args := NewMethodArgs(method.Args)
	for _, spec := range schemas[protocol.MethodKey(method.ClassID, method.MethodID)] {
		if err := decodeArg(args, spec, cmd.fields); err != nil {
			return nil, fmt.Errorf("decode %s: %w", cmd.Name(), err)
		}
	}
	return cmd, nil
}

func decodeArg(args *MethodArgs, spec argSpec, out map[string]any) error {
	var (
		v   any
		err error
	)
	switch spec.kind {
	case kindOctet:
		v, err = args.ReadUint8()
	case kindShort:
		v, err = args.ReadUint16()
	case kindLong:
		v, err = args.ReadUint32()
	case kindLongLong:
		v, err = args.ReadUint64()
	case kindShortStr:
		v, err = args.ReadShortString()
	case kindLongStr:
		var b []byte
		b, err = args.ReadLongString()
		v = string(b)
	case kindTable:
		v, err = args.ReadTable()
	case kindBits:
		flags, ferr := args.ReadFlags(len(spec.bits))
		if ferr != nil {
			return fmt.Errorf("%v: %w", spec.bits, ferr)
		}
		for i, name := range spec.bits {
			out[name] = flags[i]
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", spec.name, err)
	}
	out[spec.name] = v
	return nil
}

// Encode builds a method frame from a field map. Missing fields are written
// as their zero value; fields of the wrong type are an error.
func Encode(channelID, classID, methodID uint16, fields map[string]any) (*Frame, error) {
	specs, ok := schemas[protocol.MethodKey(classID, methodID)]
	if !ok {
		return nil, fmt.Errorf("no argument layout for %s", protocol.MethodName(classID, methodID))
	}

	b := NewMethodArgsBuilder()
	for _, spec := range specs {
		if err := encodeArg(b, spec, fields); err != nil {
			return nil, fmt.Errorf("encode %s: %w", protocol.MethodName(classID, methodID), err)
		}
	}

	args, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", protocol.MethodName(classID, methodID), err)
	}
	return NewMethodFrame(channelID, classID, methodID, args), nil
}

func encodeArg(b *MethodArgsBuilder, spec argSpec, fields map[string]any) error {
	if spec.kind == kindBits {
		flags := make([]bool, len(spec.bits))
		for i, name := range spec.bits {
			v, err := fieldAs[bool](fields, name)
			if err != nil {
				return err
			}
			flags[i] = v
		}
		b.WriteFlags(flags...)
		return nil
	}

	var err error
	switch spec.kind {
	case kindOctet:
		var v uint8
		if v, err = fieldAs[uint8](fields, spec.name); err == nil {
			b.WriteUint8(v)
		}
	case kindShort:
		var v uint16
		if v, err = fieldAs[uint16](fields, spec.name); err == nil {
			b.WriteUint16(v)
		}
	case kindLong:
		var v uint32
		if v, err = fieldAs[uint32](fields, spec.name); err == nil {
			b.WriteUint32(v)
		}
	case kindLongLong:
		var v uint64
		if v, err = fieldAs[uint64](fields, spec.name); err == nil {
			b.WriteUint64(v)
		}
	case kindShortStr:
		var v string
		if v, err = fieldAs[string](fields, spec.name); err == nil {
			b.WriteShortString(v)
		}
	case kindLongStr:
		switch v := fields[spec.name].(type) {
		case nil:
			b.WriteLongString(nil)
		case string:
			b.WriteLongString([]byte(v))
		case []byte:
			b.WriteLongString(v)
		default:
			err = fmt.Errorf("%s: want long string, got %T", spec.name, v)
		}
	case kindTable:
		switch v := fields[spec.name].(type) {
		case nil:
			b.WriteTable(nil)
		case protocol.Table:
			b.WriteTable(v)
		case map[string]any:
			b.WriteTable(protocol.Table(v))
		default:
			err = fmt.Errorf("%s: want table, got %T", spec.name, v)
		}
	}
	return err
}

func fieldAs[T any](fields map[string]any, name string) (T, error) {
	var zero T
	raw, ok := fields[name]
	if !ok || raw == nil {
		return zero, nil
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%s: want %T, got %T", name, zero, raw)
	}
	return v, nil
}
