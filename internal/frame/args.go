package frame

import (
	"bytes"
	"encoding/binary"

	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

// MethodArgs reads method arguments in wire order
type MethodArgs struct {
	buf *bytes.Reader
}

// NewMethodArgs creates a new MethodArgs from a byte slice
func NewMethodArgs(data []byte) *MethodArgs {
	return &MethodArgs{buf: bytes.NewReader(data)}
}

// ReadUint8 reads a uint8 value
func (ma *MethodArgs) ReadUint8() (uint8, error) {
	return ma.buf.ReadByte()
}

// ReadUint16 reads a uint16 value
func (ma *MethodArgs) ReadUint16() (uint16, error) {
	var v uint16
	err := binary.Read(ma.buf, binary.BigEndian, &v)
	return v, err
}

// ReadUint32 reads a uint32 value
func (ma *MethodArgs) ReadUint32() (uint32, error) {
	var v uint32
	err := binary.Read(ma.buf, binary.BigEndian, &v)
	return v, err
}

// ReadUint64 reads a uint64 value
func (ma *MethodArgs) ReadUint64() (uint64, error) {
	var v uint64
	err := binary.Read(ma.buf, binary.BigEndian, &v)
	return v, err
}

// ReadFlags unpacks n consecutive bit fields, LSB first, 8 per octet.
func (ma *MethodArgs) ReadFlags(n int) ([]bool, error) {
	flags := make([]bool, n)
	var packed byte
	for i := 0; i < n; i++ {
		if i%8 == 0 {
			b, err := ma.buf.ReadByte()
			if err != nil {
				return nil, err
			}
			packed = b
		}
		flags[i] = packed&(1<<uint(i%8)) != 0
	}
	return flags, nil
}

// ReadShortString reads a short string
func (ma *MethodArgs) ReadShortString() (string, error) {
	return protocol.ReadShortString(ma.buf)
}

// ReadLongString reads a long string
func (ma *MethodArgs) ReadLongString() ([]byte, error) {
	return protocol.ReadLongString(ma.buf)
}

// ReadTable reads a field table
func (ma *MethodArgs) ReadTable() (protocol.Table, error) {
	return protocol.ReadTable(ma.buf)
}

// MethodArgsBuilder writes method arguments in wire order. Write errors are
// sticky and reported by Bytes.
type MethodArgsBuilder struct {
	buf bytes.Buffer
	err error
}

// NewMethodArgsBuilder creates a new MethodArgsBuilder
func NewMethodArgsBuilder() *MethodArgsBuilder {
	return &MethodArgsBuilder{}
}

func (mab *MethodArgsBuilder) write(v any) *MethodArgsBuilder {
	if mab.err == nil {
		mab.err = binary.Write(&mab.buf, binary.BigEndian, v)
	}
	return mab
}

// WriteFlags packs boolean flags into octets (AMQP bit packing).
// Bits are packed from LSB to MSB, 8 bits per byte: [true, false, true] -> 0x05
func (mab *MethodArgsBuilder) WriteFlags(flags ...bool) *MethodArgsBuilder {
	var packed byte
	for i, flag := range flags {
		if flag {
			packed |= 1 << uint(i%8)
		}
		if i%8 == 7 || i == len(flags)-1 {
			mab.write(packed)
			packed = 0
		}
	}
	return mab
}

// WriteUint8 writes a uint8 value
func (mab *MethodArgsBuilder) WriteUint8(v uint8) *MethodArgsBuilder { return mab.write(v) }

// WriteUint16 writes a uint16 value
func (mab *MethodArgsBuilder) WriteUint16(v uint16) *MethodArgsBuilder { return mab.write(v) }

// WriteUint32 writes a uint32 value
func (mab *MethodArgsBuilder) WriteUint32(v uint32) *MethodArgsBuilder { return mab.write(v) }

// WriteUint64 writes a uint64 value
func (mab *MethodArgsBuilder) WriteUint64(v uint64) *MethodArgsBuilder { return mab.write(v) }

// WriteShortString writes a short string
func (mab *MethodArgsBuilder) WriteShortString(s string) *MethodArgsBuilder {
	if mab.err == nil {
		mab.err = protocol.WriteShortString(&mab.buf, s)
	}
	return mab
}

// WriteLongString writes a long string
func (mab *MethodArgsBuilder) WriteLongString(data []byte) *MethodArgsBuilder {
	if mab.err == nil {
		mab.err = protocol.WriteLongString(&mab.buf, data)
	}
	return mab
}

// WriteTable writes a field table
func (mab *MethodArgsBuilder) WriteTable(table protocol.Table) *MethodArgsBuilder {
	if mab.err == nil {
		mab.err = protocol.WriteTable(&mab.buf, table)
	}
	return mab
}

// Bytes returns the built argument bytes, or the first write error.
func (mab *MethodArgsBuilder) Bytes() ([]byte, error) {
	if mab.err != nil {
		return nil, mab.err
	}
	return mab.buf.Bytes(), nil
}
