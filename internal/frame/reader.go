package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

var (
	// ErrFrameTooLarge is returned when a frame payload exceeds the negotiated maximum.
	ErrFrameTooLarge = errors.New("frame payload too large")

	// ErrFrameEnd is returned when a frame is not terminated by the frame-end octet.
	ErrFrameEnd = errors.New("invalid frame end marker")
)

// Reader reads AMQP frames from a byte stream
type Reader struct {
	r         *bufio.Reader
	maxFrame  atomic.Uint32
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewReader creates a new frame reader
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}

	fr := &Reader{r: bufio.NewReaderSize(r, int(maxFrameSize))}
	fr.maxFrame.Store(maxFrameSize)
	return fr
}

// ReadFrame reads a single frame from the stream
func (fr *Reader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.headerBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	frameType := fr.headerBuf[0]
	channelID := binary.BigEndian.Uint16(fr.headerBuf[1:3])
	payloadSize := binary.BigEndian.Uint32(fr.headerBuf[3:7])

	if !isValidFrameType(frameType) {
		return nil, fmt.Errorf("invalid frame type: %d", frameType)
	}
	if max := fr.maxFrame.Load(); payloadSize > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, payloadSize, max)
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	end, err := fr.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read frame end: %w", err)
	}
	if end != protocol.FrameEnd {
		return nil, fmt.Errorf("%w: 0x%02X", ErrFrameEnd, end)
	}

	return &Frame{Type: frameType, ChannelID: channelID, Payload: payload}, nil
}

// ReadProtocolHeader reads the 8-byte AMQP protocol header
func (fr *Reader) ReadProtocolHeader() (string, error) {
	header := make([]byte, len(protocol.ProtocolHeader))
	if _, err := io.ReadFull(fr.r, header); err != nil {
		return "", fmt.Errorf("read protocol header: %w", err)
	}
	return string(header), nil
}

// SetMaxFrameSize updates the maximum frame size. Safe to call while
// another goroutine is blocked in ReadFrame.
func (fr *Reader) SetMaxFrameSize(size uint32) {
	if size > 0 {
		fr.maxFrame.Store(size)
	}
}

func isValidFrameType(frameType uint8) bool {
	switch frameType {
	case protocol.FrameMethod, protocol.FrameHeader, protocol.FrameBody, protocol.FrameHeartbeat:
		return true
	default:
		return false
	}
}
