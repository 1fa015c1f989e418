package chmux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// frameKind encodes the frame kind on the wire. The set is closed and
// versioned; an unrecognized kind is a protocol-fatal error.
type frameKind byte

const (
	// frameKindHello carries the protocol magic, version, and the sender's
	// advertised global credit pool size, and is exchanged once, by both
	// sides, immediately after the transport is established.
	frameKindHello frameKind = iota
	// frameKindOpenRequest opens a new port. Payload: req id (16 bytes),
	// opener's local port id (uvarint), initial credit (uvarint).
	frameKindOpenRequest
	// frameKindOpenAck accepts a port open. Payload: req id (16 bytes),
	// remote port (uvarint), initial credit (uvarint).
	frameKindOpenAck
	// frameKindOpenReject rejects a port open. Payload: req id (16 bytes),
	// reason (uvarint length-prefixed string).
	frameKindOpenReject
	// frameKindData carries one chunk of a data message. Payload: port
	// (uvarint), flags (byte: bit0 = first, bit1 = last), length (uint32,
	// network byte order), data.
	frameKindData
	// frameKindPortData carries one chunk of a port-requests message.
	// Payload: port (uvarint), flags (byte), count (uvarint), then count
	// repetitions of {req id (16 bytes), opener's local port id (uvarint),
	// initial credit (uvarint)}.
	frameKindPortData
	// frameKindFinished announces that the sender has no further messages.
	// Payload: port (uvarint).
	frameKindFinished
	// frameKindReceiverClosed announces that a receiver will accept no
	// further data. Payload: port (uvarint).
	frameKindReceiverClosed
	// frameKindHangup announces that a sender handle has been dropped.
	// Payload: port (uvarint).
	frameKindHangup
	// frameKindCreditReturn returns per-port send credit. Payload: port
	// (uvarint), count (uvarint).
	frameKindCreditReturn
	// frameKindGlobalCreditReturn returns global send credit. Payload: count
	// (uvarint).
	frameKindGlobalCreditReturn
	// frameKindGoodbye requests orderly shutdown. No payload.
	frameKindGoodbye
)

// String renders a frameKind for diagnostics.
func (k frameKind) String() string {
	switch k {
	case frameKindHello:
		return "hello"
	case frameKindOpenRequest:
		return "open-request"
	case frameKindOpenAck:
		return "open-ack"
	case frameKindOpenReject:
		return "open-reject"
	case frameKindData:
		return "data"
	case frameKindPortData:
		return "port-data"
	case frameKindFinished:
		return "finished"
	case frameKindReceiverClosed:
		return "receiver-closed"
	case frameKindHangup:
		return "hangup"
	case frameKindCreditReturn:
		return "credit-return"
	case frameKindGlobalCreditReturn:
		return "global-credit-return"
	case frameKindGoodbye:
		return "goodbye"
	default:
		return fmt.Sprintf("frameKind(%#02x)", byte(k))
	}
}

// frameKindGoodbye is the largest valid frame kind; anything greater is
// malformed.
const maximumFrameKind = frameKindGoodbye

const (
	// protocolMagic identifies the chmux wire protocol in the Hello frame.
	protocolMagic uint32 = 0x63686d78 // "chmx"
	// protocolVersion identifies the wire format version in the Hello frame.
	protocolVersion uint32 = 1

	// chunkFlagFirst marks the first chunk of a message.
	chunkFlagFirst byte = 1 << 0
	// chunkFlagLast marks the last chunk of a message.
	chunkFlagLast byte = 1 << 1

	// maximumChunkSize bounds the size of a single data chunk's payload so
	// that the enclosing frame (kind, port, flags, length header) always
	// fits under the default transport frame cap.
	maximumChunkSize = MaximumFrameSize - 64

	// maximumRequestsPerChunk bounds how many port-open requests are encoded
	// in a single PortData chunk, mirroring the byte-size chunking rule
	// applied to data messages.
	maximumRequestsPerChunk = 256

	// requestIDSize is the encoded size of a req_id (a UUID).
	requestIDSize = 16
)

// openRequestDescriptor is one entry of a port-requests message: an embedded
// OpenRequest awaiting acceptance on the peer.
type openRequestDescriptor struct {
	// id is the requester's correlation id for this embedded open.
	id uuid.UUID
	// port is the requester's own local identifier for the port being
	// forwarded, carried so the peer can record it as that port's remote id
	// once accepted (mirrors the direct OpenRequest's port field).
	port PortID
	// initialCredit is the initial credit the requester advertises for the
	// new port.
	initialCredit uint64
}

// sendBuffer is a reusable buffer for encoding a single outbound frame. It is
// drawn from and returned to the multiplexer's shared buffer pool
// (Configuration.SharedSendQueueSize). Each buffer only ever accumulates one
// frame and is drained whole before reuse, so a plain bytes.Buffer backs it.
type sendBuffer struct {
	buffer  *bytes.Buffer
	scratch [binary.MaxVarintLen64]byte
}

// newSendBuffer creates a send buffer sized to hold one maximal frame given
// the configured chunk size.
func newSendBuffer(chunkSize int) *sendBuffer {
	capacity := 1 + binary.MaxVarintLen64 + 1 + 4 + chunkSize + 64
	if requestsCapacity := 1 + binary.MaxVarintLen64 + 1 + binary.MaxVarintLen64 + maximumRequestsPerChunk*(requestIDSize+binary.MaxVarintLen64+binary.MaxVarintLen64) + 64; requestsCapacity > capacity {
		capacity = requestsCapacity
	}
	return &sendBuffer{buffer: bytes.NewBuffer(make([]byte, 0, capacity))}
}

// bytes drains the buffer's contents as a single contiguous slice suitable
// for Transport.WriteFrame. It resets the buffer for reuse.
func (b *sendBuffer) bytes() []byte {
	out := append([]byte(nil), b.buffer.Bytes()...)
	b.buffer.Reset()
	return out
}

// writeKind, writeUvarint, writeUint32, writeUUID, and writeString discard
// bytes.Buffer's Write/WriteByte return values: per its documented contract
// the error is always nil (it grows rather than rejecting a write), so there
// is nothing to check.
func (b *sendBuffer) writeKind(kind frameKind) {
	b.buffer.WriteByte(byte(kind))
}

func (b *sendBuffer) writeUvarint(value uint64) {
	n := binary.PutUvarint(b.scratch[:], value)
	b.buffer.Write(b.scratch[:n])
}

func (b *sendBuffer) writeUint32(value uint32) {
	binary.BigEndian.PutUint32(b.scratch[:4], value)
	b.buffer.Write(b.scratch[:4])
}

func (b *sendBuffer) writeUUID(id uuid.UUID) {
	b.buffer.Write(id[:])
}

func (b *sendBuffer) writeString(s string) {
	b.writeUvarint(uint64(len(s)))
	b.buffer.WriteString(s)
}

func (b *sendBuffer) encodeHello(globalCredit uint64) {
	b.writeKind(frameKindHello)
	b.writeUint32(protocolMagic)
	b.writeUint32(protocolVersion)
	b.writeUvarint(globalCredit)
}

func (b *sendBuffer) encodeOpenRequest(id uuid.UUID, port PortID, initialCredit uint64) {
	b.writeKind(frameKindOpenRequest)
	b.writeUUID(id)
	b.writeUvarint(uint64(port))
	b.writeUvarint(initialCredit)
}

func (b *sendBuffer) encodeOpenAck(id uuid.UUID, remotePort PortID, initialCredit uint64) {
	b.writeKind(frameKindOpenAck)
	b.writeUUID(id)
	b.writeUvarint(uint64(remotePort))
	b.writeUvarint(initialCredit)
}

func (b *sendBuffer) encodeOpenReject(id uuid.UUID, reason string) {
	b.writeKind(frameKindOpenReject)
	b.writeUUID(id)
	b.writeString(reason)
}

func (b *sendBuffer) encodeData(port PortID, first, last bool, data []byte) {
	if len(data) > maximumChunkSize {
		panic("chmux: data chunk too large")
	}
	b.writeKind(frameKindData)
	b.writeUvarint(uint64(port))
	b.buffer.WriteByte(chunkFlags(first, last))
	b.writeUint32(uint32(len(data)))
	b.buffer.Write(data)
}

func (b *sendBuffer) encodePortData(port PortID, first, last bool, requests []openRequestDescriptor) {
	if len(requests) > maximumRequestsPerChunk {
		panic("chmux: port-requests chunk too large")
	}
	b.writeKind(frameKindPortData)
	b.writeUvarint(uint64(port))
	b.buffer.WriteByte(chunkFlags(first, last))
	b.writeUvarint(uint64(len(requests)))
	for _, request := range requests {
		b.writeUUID(request.id)
		b.writeUvarint(uint64(request.port))
		b.writeUvarint(request.initialCredit)
	}
}

func (b *sendBuffer) encodeFinished(port PortID) {
	b.writeKind(frameKindFinished)
	b.writeUvarint(uint64(port))
}

func (b *sendBuffer) encodeReceiverClosed(port PortID) {
	b.writeKind(frameKindReceiverClosed)
	b.writeUvarint(uint64(port))
}

func (b *sendBuffer) encodeHangup(port PortID) {
	b.writeKind(frameKindHangup)
	b.writeUvarint(uint64(port))
}

func (b *sendBuffer) encodeCreditReturn(port PortID, count uint64) {
	b.writeKind(frameKindCreditReturn)
	b.writeUvarint(uint64(port))
	b.writeUvarint(count)
}

func (b *sendBuffer) encodeGlobalCreditReturn(count uint64) {
	b.writeKind(frameKindGlobalCreditReturn)
	b.writeUvarint(count)
}

func (b *sendBuffer) encodeGoodbye() {
	b.writeKind(frameKindGoodbye)
}

func chunkFlags(first, last bool) byte {
	var flags byte
	if first {
		flags |= chunkFlagFirst
	}
	if last {
		flags |= chunkFlagLast
	}
	return flags
}

// frameReader decodes frames from a single frame buffer as returned by
// Transport.ReadFrame.
type frameReader struct {
	data []byte
}

func (r *frameReader) readByte() (byte, error) {
	if len(r.data) == 0 {
		return 0, fmt.Errorf("unexpected end of frame")
	}
	value := r.data[0]
	r.data = r.data[1:]
	return value, nil
}

func (r *frameReader) readUvarint() (uint64, error) {
	value, n := binary.Uvarint(r.data)
	if n <= 0 {
		return 0, fmt.Errorf("malformed varint")
	}
	r.data = r.data[n:]
	return value, nil
}

func (r *frameReader) readUint32() (uint32, error) {
	if len(r.data) < 4 {
		return 0, fmt.Errorf("unexpected end of frame reading uint32")
	}
	value := binary.BigEndian.Uint32(r.data[:4])
	r.data = r.data[4:]
	return value, nil
}

func (r *frameReader) readUUID() (uuid.UUID, error) {
	var id uuid.UUID
	if len(r.data) < requestIDSize {
		return id, fmt.Errorf("unexpected end of frame reading request id")
	}
	copy(id[:], r.data[:requestIDSize])
	r.data = r.data[requestIDSize:]
	return id, nil
}

func (r *frameReader) readString() (string, error) {
	length, err := r.readUvarint()
	if err != nil {
		return "", err
	}
	if length > uint64(len(r.data)) || length > math.MaxInt32 {
		return "", fmt.Errorf("malformed string length")
	}
	value := string(r.data[:length])
	r.data = r.data[length:]
	return value, nil
}

func (r *frameReader) readData(length uint32) ([]byte, error) {
	if uint64(length) > uint64(len(r.data)) {
		return nil, fmt.Errorf("unexpected end of frame reading data")
	}
	value := r.data[:length]
	r.data = r.data[length:]
	return value, nil
}

func (r *frameReader) readPort() (PortID, error) {
	value, err := r.readUvarint()
	if err != nil {
		return 0, err
	}
	if value == 0 || value > math.MaxUint32 {
		return 0, fmt.Errorf("invalid port identifier")
	}
	return PortID(value), nil
}
