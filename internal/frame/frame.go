package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

// Frame represents an AMQP frame
type Frame struct {
	Type      uint8
	ChannelID uint16
	Payload   []byte
}

// Method represents a method frame payload
type Method struct {
	ClassID  uint16
	MethodID uint16
	Args     []byte
}

// Name returns the dotted AMQP method name.
func (m *Method) Name() string {
	return protocol.MethodName(m.ClassID, m.MethodID)
}

// NewMethodFrame creates a new method frame
func NewMethodFrame(channelID uint16, classID, methodID uint16, args []byte) *Frame {
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint16(payload[2:4], methodID)
	copy(payload[4:], args)

	return &Frame{
		Type:      protocol.FrameMethod,
		ChannelID: channelID,
		Payload:   payload,
	}
}

// NewHeartbeatFrame creates a new heartbeat frame
func NewHeartbeatFrame() *Frame {
	return &Frame{Type: protocol.FrameHeartbeat, Payload: []byte{}}
}

// ParseMethod parses a method frame payload
func (f *Frame) ParseMethod() (*Method, error) {
	if f.Type != protocol.FrameMethod {
		return nil, fmt.Errorf("not a method frame: type=%d", f.Type)
	}
	if len(f.Payload) < 4 {
		return nil, fmt.Errorf("method frame payload too short: %d", len(f.Payload))
	}

	return &Method{
		ClassID:  binary.BigEndian.Uint16(f.Payload[0:2]),
		MethodID: binary.BigEndian.Uint16(f.Payload[2:4]),
		Args:     f.Payload[4:],
	}, nil
}

// String returns a string representation of the frame
func (f *Frame) String() string {
	var frameType string
	switch f.Type {
	case protocol.FrameMethod:
		frameType = "METHOD"
		if m, err := f.ParseMethod(); err == nil {
			frameType = m.Name()
		}
	case protocol.FrameHeader:
		frameType = "HEADER"
	case protocol.FrameBody:
		frameType = "BODY"
	case protocol.FrameHeartbeat:
		frameType = "HEARTBEAT"
	default:
		frameType = fmt.Sprintf("UNKNOWN(%d)", f.Type)
	}

	return fmt.Sprintf("Frame{type=%s, channel=%d, size=%d}", frameType, f.ChannelID, len(f.Payload))
}
