package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/israelio/rabbit-rpc-core/internal/protocol"
)

// Writer writes AMQP frames to a byte stream. WriteFrame is safe for
// concurrent use; each frame is flushed as a unit.
type Writer struct {
	mu        sync.Mutex
	w         *bufio.Writer
	maxFrame  uint32
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewWriter creates a new frame writer
func NewWriter(w io.Writer, maxFrameSize uint32) *Writer {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}

	return &Writer{
		w:        bufio.NewWriterSize(w, int(maxFrameSize)),
		maxFrame: maxFrameSize,
	}
}

// WriteFrame writes and flushes a single frame
func (fw *Writer) WriteFrame(f *Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if uint32(len(f.Payload)) > fw.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(f.Payload), fw.maxFrame)
	}

	fw.headerBuf[0] = f.Type
	binary.BigEndian.PutUint16(fw.headerBuf[1:3], f.ChannelID)
	binary.BigEndian.PutUint32(fw.headerBuf[3:7], uint32(len(f.Payload)))

	if _, err := fw.w.Write(fw.headerBuf[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := fw.w.Write(f.Payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	if err := fw.w.WriteByte(protocol.FrameEnd); err != nil {
		return fmt.Errorf("write frame end: %w", err)
	}
	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}

// WriteProtocolHeader writes the AMQP protocol header
func (fw *Writer) WriteProtocolHeader() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.WriteString(protocol.ProtocolHeader); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}
	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush protocol header: %w", err)
	}
	return nil
}

// SetMaxFrameSize updates the maximum frame size
func (fw *Writer) SetMaxFrameSize(size uint32) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if size > 0 {
		fw.maxFrame = size
	}
}
