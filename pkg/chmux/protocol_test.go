package chmux

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestEncodeDecodeData(t *testing.T) {
	buffer := newSendBuffer(1 << 10)
	payload := []byte("hello, port")
	buffer.encodeData(PortID(7), true, false, payload)
	frame := buffer.bytes()

	reader := frameReader{data: frame}
	kind, err := reader.readByte()
	if err != nil {
		t.Fatalf("readByte: %v", err)
	}
	if frameKind(kind) != frameKindData {
		t.Fatalf("expected frameKindData, got %v", frameKind(kind))
	}
	port, err := reader.readPort()
	if err != nil {
		t.Fatalf("readPort: %v", err)
	}
	if port != 7 {
		t.Fatalf("expected port 7, got %d", port)
	}
	flags, err := reader.readByte()
	if err != nil {
		t.Fatalf("readByte flags: %v", err)
	}
	if flags&chunkFlagFirst == 0 {
		t.Fatal("expected first flag set")
	}
	if flags&chunkFlagLast != 0 {
		t.Fatal("did not expect last flag set")
	}
	length, err := reader.readUint32()
	if err != nil {
		t.Fatalf("readUint32: %v", err)
	}
	data, err := reader.readData(length)
	if err != nil {
		t.Fatalf("readData: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("expected payload %q, got %q", payload, data)
	}
}

func TestEncodeDecodeOpenRequestAck(t *testing.T) {
	id := uuid.New()

	buffer := newSendBuffer(1 << 10)
	buffer.encodeOpenRequest(id, 9, 16)
	frame := buffer.bytes()

	reader := frameReader{data: frame}
	kind, _ := reader.readByte()
	if frameKind(kind) != frameKindOpenRequest {
		t.Fatalf("expected frameKindOpenRequest, got %v", frameKind(kind))
	}
	decodedID, err := reader.readUUID()
	if err != nil {
		t.Fatalf("readUUID: %v", err)
	}
	if decodedID != id {
		t.Fatalf("expected id %v, got %v", id, decodedID)
	}
	port, err := reader.readPort()
	if err != nil {
		t.Fatalf("readPort: %v", err)
	}
	if port != 9 {
		t.Fatalf("expected port 9, got %d", port)
	}
	credit, err := reader.readUvarint()
	if err != nil {
		t.Fatalf("readUvarint: %v", err)
	}
	if credit != 16 {
		t.Fatalf("expected credit 16, got %d", credit)
	}
}

func TestEncodeDecodePortDataRoundTrip(t *testing.T) {
	requests := []openRequestDescriptor{
		{id: uuid.New(), port: 1, initialCredit: 4},
		{id: uuid.New(), port: 2, initialCredit: 0},
		{id: uuid.New(), port: 3, initialCredit: 1 << 20},
	}

	buffer := newSendBuffer(1 << 12)
	buffer.encodePortData(PortID(3), true, true, requests)
	frame := buffer.bytes()

	reader := frameReader{data: frame}
	kind, _ := reader.readByte()
	if frameKind(kind) != frameKindPortData {
		t.Fatalf("expected frameKindPortData, got %v", frameKind(kind))
	}
	if _, err := reader.readPort(); err != nil {
		t.Fatalf("readPort: %v", err)
	}
	if _, err := reader.readByte(); err != nil {
		t.Fatalf("readByte flags: %v", err)
	}
	count, err := reader.readUvarint()
	if err != nil {
		t.Fatalf("readUvarint count: %v", err)
	}
	decoded := make([]openRequestDescriptor, count)
	for i := range decoded {
		id, err := reader.readUUID()
		if err != nil {
			t.Fatalf("readUUID[%d]: %v", i, err)
		}
		port, err := reader.readPort()
		if err != nil {
			t.Fatalf("readPort[%d]: %v", i, err)
		}
		credit, err := reader.readUvarint()
		if err != nil {
			t.Fatalf("readUvarint credit[%d]: %v", i, err)
		}
		decoded[i] = openRequestDescriptor{id: id, port: port, initialCredit: credit}
	}

	if diff := cmp.Diff(requests, decoded, cmp.AllowUnexported(openRequestDescriptor{})); diff != "" {
		t.Fatalf("decoded requests mismatch (-want +got):\n%s", diff)
	}
}

func TestReaderRejectsTruncatedFrame(t *testing.T) {
	reader := frameReader{data: []byte{byte(frameKindData)}}
	if _, err := reader.readByte(); err != nil {
		t.Fatalf("readByte: %v", err)
	}
	if _, err := reader.readPort(); err == nil {
		t.Fatal("expected error reading port from truncated frame")
	}
}

func TestReadPortRejectsZero(t *testing.T) {
	buffer := newSendBuffer(64)
	buffer.writeUvarint(0)
	reader := frameReader{data: buffer.bytes()}
	if _, err := reader.readPort(); err == nil {
		t.Fatal("expected error reading port id zero")
	}
}

func TestPortIDAllocatorExhaustion(t *testing.T) {
	allocator := portIDAllocator{next: 1<<32 - 1, started: true}
	id, ok := allocator.allocate()
	if !ok || id != 1<<32-1 {
		t.Fatalf("expected final id to allocate successfully, got %d, %v", id, ok)
	}
	if _, ok := allocator.allocate(); ok {
		t.Fatal("expected allocator to report exhaustion")
	}
}
