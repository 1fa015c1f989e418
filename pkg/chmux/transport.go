package chmux

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Transport is the abstract carrier the multiplexer runs over: a sink of
// byte-buffer frames and a stream of byte-buffer frames, where each buffer
// is exactly one transport message. Concrete framings (length-delimited
// TCP/Unix streams, WebSocket messages, etc.) are external collaborators;
// chmux only requires this interface.
//
// Close must unblock any pending ReadFrame or WriteFrame call.
type Transport interface {
	// ReadFrame reads and returns the next frame. Implementations may reuse
	// the returned slice's backing storage on the next call, so callers (the
	// multiplexer) must finish using it before calling ReadFrame again.
	ReadFrame() ([]byte, error)
	// WriteFrame writes a single frame. The callee must not retain the slice
	// after returning.
	WriteFrame(frame []byte) error
	io.Closer
}

// MaximumFrameSize is the default cap on a single frame that
// NewFramedTransport will read or write.
const MaximumFrameSize = 16 << 20

// lengthPrefixedTransport adapts a raw io.ReadWriteCloser byte stream (which
// does not already delimit messages) into a Transport by prefixing each
// frame with its length as a 32-bit unsigned big-endian integer. This is a
// convenience default; any Transport implementation may be supplied
// instead.
type lengthPrefixedTransport struct {
	reader    *bufio.Reader
	writer    io.Writer
	closer    io.Closer
	maxFrame  uint32
	lengthBuf [4]byte
	readBuf   []byte
}

// NewFramedTransport wraps stream in a Transport that delimits frames with a
// 32-bit big-endian length prefix. stream's Close method must unblock any
// pending Read or Write call.
func NewFramedTransport(stream io.ReadWriteCloser) Transport {
	return &lengthPrefixedTransport{
		reader:   bufio.NewReader(stream),
		writer:   stream,
		closer:   stream,
		maxFrame: MaximumFrameSize,
	}
}

func (t *lengthPrefixedTransport) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(t.reader, t.lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("unable to read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(t.lengthBuf[:])
	if length > t.maxFrame {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", length, t.maxFrame)
	}
	if cap(t.readBuf) < int(length) {
		t.readBuf = make([]byte, length)
	}
	buffer := t.readBuf[:length]
	if _, err := io.ReadFull(t.reader, buffer); err != nil {
		return nil, fmt.Errorf("unable to read frame body: %w", err)
	}
	return buffer, nil
}

func (t *lengthPrefixedTransport) WriteFrame(frame []byte) error {
	if len(frame) > int(t.maxFrame) {
		return fmt.Errorf("frame length %d exceeds maximum %d", len(frame), t.maxFrame)
	}
	// The multiplexer reads and writes from separate goroutines, so the
	// write path uses its own length buffer rather than sharing lengthBuf
	// with ReadFrame.
	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(frame)))
	if _, err := t.writer.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("unable to write frame length: %w", err)
	}
	if _, err := t.writer.Write(frame); err != nil {
		return fmt.Errorf("unable to write frame body: %w", err)
	}
	return nil
}

func (t *lengthPrefixedTransport) Close() error {
	return t.closer.Close()
}
