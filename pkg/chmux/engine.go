package chmux

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Multiplexer runs the engine that turns a single Transport into a
// collection of independently flow-controlled ports. It is created by
// Multiplex, and is not constructed directly. A single reader goroutine
// dispatches inbound frames to per-port queues and a single writer
// goroutine drains the shared outbound queue, so transport backpressure
// suspends both directions uniformly.
type Multiplexer struct {
	transport     Transport
	configuration *Configuration

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	err       error

	ports           map[PortID]*portState
	nextLocalPortID portIDAllocator

	pendingOpens map[uuid.UUID]*openRequestRecord

	acceptQueue chan *incomingOpen

	globalSendCredit  *sendCreditAccount
	globalRecvCredits *creditReturner

	writeBufferAvailable chan *sendBuffer
	writeQueue           chan outboundFrame
}

// outboundFrame is one encoded frame awaiting transmission. sent, when
// non-nil, is closed by the writer goroutine once the frame has been handed
// to the transport, for the few frames (Goodbye) whose sender must not tear
// the transport down underneath them.
type outboundFrame struct {
	data []byte
	sent chan struct{}
}

// newMultiplexer constructs the engine's bookkeeping. It does not start the
// background goroutines; call run to do that once the handshake completes.
func newMultiplexer(transport Transport, configuration *Configuration, remoteGlobalCredit uint64) *Multiplexer {
	m := &Multiplexer{
		transport:         transport,
		configuration:     configuration,
		closed:            make(chan struct{}),
		ports:             make(map[PortID]*portState),
		pendingOpens:      make(map[uuid.UUID]*openRequestRecord),
		acceptQueue:       make(chan *incomingOpen, configuration.AcceptBacklog),
		globalSendCredit:  newSendCreditAccount(remoteGlobalCredit),
		globalRecvCredits: newCreditReturner(configuration.GlobalReceiveCredit),
		writeQueue:        make(chan outboundFrame, configuration.SharedSendQueueSize),
	}
	m.writeBufferAvailable = make(chan *sendBuffer, configuration.SharedSendQueueSize)
	for i := 0; i < configuration.SharedSendQueueSize; i++ {
		m.writeBufferAvailable <- newSendBuffer(configuration.ChunkSize)
	}
	return m
}

func (m *Multiplexer) run() {
	go m.read()
	go m.write()
}

// Closed returns a channel that is closed once the multiplexer has
// terminated, whether by explicit Close, transport failure, or protocol
// violation.
func (m *Multiplexer) Closed() <-chan struct{} {
	return m.closed
}

// InternalError returns the error that caused the multiplexer to terminate,
// or nil if it has not terminated or was terminated by an explicit Close
// with no underlying error.
func (m *Multiplexer) InternalError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close terminates the multiplexer, unblocking any pending operation on any
// of its ports with ErrMultiplexerClosed.
func (m *Multiplexer) Close() error {
	m.closeWithError(nil)
	return nil
}

func (m *Multiplexer) closeWithError(err error) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.closed)
		m.transport.Close()
	})
}

// send encodes and transmits one frame, blocking until a shared encode
// buffer is available or the multiplexer closes. It is the single path used
// by every frame kind the engine emits, control or data; the shared buffer
// pool bounds how many such encodes may be in flight at once.
func (m *Multiplexer) send(encode func(*sendBuffer)) error {
	return m.enqueue(encode, nil)
}

// sendAndFlush is send, but does not return until the frame has been handed
// to the transport (or the multiplexer closed).
func (m *Multiplexer) sendAndFlush(encode func(*sendBuffer)) error {
	sent := make(chan struct{})
	if err := m.enqueue(encode, sent); err != nil {
		return err
	}
	select {
	case <-sent:
		return nil
	case <-m.closed:
		return ErrMultiplexerClosed
	}
}

func (m *Multiplexer) enqueue(encode func(*sendBuffer), sent chan struct{}) error {
	select {
	case <-m.closed:
		return ErrMultiplexerClosed
	default:
	}
	select {
	case buffer := <-m.writeBufferAvailable:
		encode(buffer)
		data := buffer.bytes()
		m.writeBufferAvailable <- buffer
		select {
		case m.writeQueue <- outboundFrame{data: data, sent: sent}:
			return nil
		case <-m.closed:
			return ErrMultiplexerClosed
		}
	case <-m.closed:
		return ErrMultiplexerClosed
	}
}

func (m *Multiplexer) write() {
	for {
		select {
		case frame := <-m.writeQueue:
			if err := m.transport.WriteFrame(frame.data); err != nil {
				m.closeWithError(fmt.Errorf("chmux: write failed: %w", err))
				return
			}
			if frame.sent != nil {
				close(frame.sent)
			}
		case <-m.closed:
			return
		}
	}
}

func (m *Multiplexer) read() {
	for {
		frame, err := m.transport.ReadFrame()
		if err != nil {
			m.closeWithError(fmt.Errorf("chmux: read failed: %w", err))
			return
		}
		if err := m.dispatch(frame); err != nil {
			m.closeWithError(fmt.Errorf("chmux: protocol violation: %w", err))
			return
		}
	}
}

// dispatch decodes one frame and applies its effect to port or engine state.
// Any error returned here is protocol-fatal and terminates the multiplexer.
func (m *Multiplexer) dispatch(frame []byte) error {
	reader := frameReader{data: frame}
	kindByte, err := reader.readByte()
	if err != nil {
		return err
	}
	kind := frameKind(kindByte)
	if kind > maximumFrameKind {
		return fmt.Errorf("unrecognized frame kind %v", kind)
	}

	switch kind {
	case frameKindOpenRequest:
		return m.handleOpenRequest(&reader)
	case frameKindOpenAck:
		return m.handleOpenAck(&reader)
	case frameKindOpenReject:
		return m.handleOpenReject(&reader)
	case frameKindData:
		return m.handleData(&reader)
	case frameKindPortData:
		return m.handlePortData(&reader)
	case frameKindFinished:
		return m.handleFinished(&reader)
	case frameKindReceiverClosed:
		return m.handleReceiverClosed(&reader)
	case frameKindHangup:
		return m.handleHangup(&reader)
	case frameKindCreditReturn:
		return m.handleCreditReturn(&reader)
	case frameKindGlobalCreditReturn:
		return m.handleGlobalCreditReturn(&reader)
	case frameKindGoodbye:
		m.closeWithError(nil)
		return nil
	case frameKindHello:
		return fmt.Errorf("unexpected hello frame after handshake")
	default:
		return fmt.Errorf("unhandled frame kind %v", kind)
	}
}

// allocatePortLocked allocates a local port identifier, enforcing MaxPorts,
// and registers the port's state. The caller must hold m.mu. sendCredit is
// zero for locally requested ports (granted later by OpenAck) and the
// frame-advertised amount for remotely requested ones.
func (m *Multiplexer) allocatePortLocked(remote PortID, sendCredit uint64) (*portState, error) {
	if m.configuration.MaxPorts > 0 && len(m.ports) >= m.configuration.MaxPorts {
		return nil, ErrPortLimitExceeded
	}
	local, ok := m.nextLocalPortID.allocate()
	if !ok {
		return nil, fmt.Errorf("local port identifier space exhausted")
	}
	state := newPortState(m, local, remote, sendCredit, uint64(m.configuration.PortReceiveBuffer), m.configuration.PortReceiveBuffer)
	m.ports[local] = state
	return state, nil
}

// releasePort removes a port from the port table. Frames addressed to a
// released port are silently dropped (they may legitimately cross in flight
// with the teardown).
func (m *Multiplexer) releasePort(id PortID) {
	m.mu.Lock()
	delete(m.ports, id)
	m.mu.Unlock()
}

func (m *Multiplexer) handleOpenRequest(reader *frameReader) error {
	id, err := reader.readUUID()
	if err != nil {
		return err
	}
	requesterPort, err := reader.readPort()
	if err != nil {
		return err
	}
	credit, err := reader.readUvarint()
	if err != nil {
		return err
	}
	port, err := m.registerInboundPort(id, requesterPort, credit)
	if err != nil {
		return err
	}
	if port == nil {
		// registerInboundPort already replied with OpenReject.
		return nil
	}
	select {
	case m.acceptQueue <- &incomingOpen{port: port}:
	case <-m.closed:
	}
	return nil
}

// registerInboundPort allocates a local port id for an inbound open (direct
// or embedded), replies with OpenAck, and registers the port's bookkeeping,
// recording requesterPort (the opener's own local id for this port) as the
// port's remote so every frame this side later emits addresses the opener
// correctly. If the configured MaxPorts limit has been reached, it replies
// with OpenReject instead and returns a nil port with a nil error (the
// rejection is not itself a protocol violation).
func (m *Multiplexer) registerInboundPort(id uuid.UUID, requesterPort PortID, remoteCredit uint64) (*portState, error) {
	m.mu.Lock()
	state, err := m.allocatePortLocked(requesterPort, remoteCredit)
	m.mu.Unlock()
	if err == ErrPortLimitExceeded {
		return nil, m.send(func(b *sendBuffer) {
			b.encodeOpenReject(id, "port limit exceeded")
		})
	} else if err != nil {
		return nil, err
	}

	if err := m.send(func(b *sendBuffer) {
		b.encodeOpenAck(id, state.local, uint64(m.configuration.PortReceiveBuffer))
	}); err != nil {
		return nil, err
	}
	return state, nil
}

// handleOpenAck completes a pending Open or PortSerializer.Connect. The
// requester always pre-allocates its own local port id before the request
// goes out, so record.port is already the port this ack confirms; this just
// records the remote's id for it and credits the send window it advertised.
func (m *Multiplexer) handleOpenAck(reader *frameReader) error {
	id, err := reader.readUUID()
	if err != nil {
		return err
	}
	remote, err := reader.readPort()
	if err != nil {
		return err
	}
	credit, err := reader.readUvarint()
	if err != nil {
		return err
	}

	m.mu.Lock()
	record, pending := m.pendingOpens[id]
	if pending {
		delete(m.pendingOpens, id)
	}
	abandoned := pending && record.abandoned
	var state *portState
	if pending {
		state = m.ports[record.port]
	}
	m.mu.Unlock()
	if !pending {
		return fmt.Errorf("open-ack for unknown request %s", id)
	}

	if state != nil {
		state.mu.Lock()
		state.remote = remote
		state.mu.Unlock()
		state.sendCredit.add(credit)
	}

	if abandoned {
		if state != nil {
			m.teardownAbandonedPort(state)
		}
		return nil
	}
	record.result <- openResult{port: record.port}
	return nil
}

func (m *Multiplexer) handleOpenReject(reader *frameReader) error {
	id, err := reader.readUUID()
	if err != nil {
		return err
	}
	reason, err := reader.readString()
	if err != nil {
		return err
	}

	m.mu.Lock()
	record, pending := m.pendingOpens[id]
	if pending {
		delete(m.pendingOpens, id)
	}
	abandoned := pending && record.abandoned
	m.mu.Unlock()
	if !pending {
		return fmt.Errorf("open-reject for unknown request %s", id)
	}
	if abandoned {
		m.releasePort(record.port)
		return nil
	}
	record.result <- openResult{err: fmt.Errorf("%w: %s", ErrRejected, reason)}
	return nil
}

// teardownAbandonedPort retires a port whose open completed after its
// requester stopped waiting: the remote accepted and may already address
// it, so it is told that both directions are over before the port is
// dropped from the table.
func (m *Multiplexer) teardownAbandonedPort(state *portState) {
	state.mu.Lock()
	state.localSenderFinished = true
	state.localReceiverClosed = true
	remote := state.remote
	state.mu.Unlock()
	m.send(func(b *sendBuffer) { b.encodeReceiverClosed(remote) })
	m.send(func(b *sendBuffer) { b.encodeHangup(remote) })
	m.releasePort(state.local)
}

func (m *Multiplexer) lookupPort(id PortID) (*portState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.ports[id]
	return state, ok
}

func (m *Multiplexer) handleData(reader *frameReader) error {
	port, err := reader.readPort()
	if err != nil {
		return err
	}
	flags, err := reader.readByte()
	if err != nil {
		return err
	}
	length, err := reader.readUint32()
	if err != nil {
		return err
	}
	data, err := reader.readData(length)
	if err != nil {
		return err
	}
	state, ok := m.lookupPort(port)
	if !ok {
		// A Data frame for an already-torn-down port is not a protocol
		// violation: it may have crossed in flight with our own teardown.
		return nil
	}
	payload := append([]byte(nil), data...)
	msg := portReceiveMsg{kind: portReceiveData, data: payload, first: flags&chunkFlagFirst != 0, last: flags&chunkFlagLast != 0}
	return m.deliver(state, msg)
}

func (m *Multiplexer) handlePortData(reader *frameReader) error {
	port, err := reader.readPort()
	if err != nil {
		return err
	}
	flags, err := reader.readByte()
	if err != nil {
		return err
	}
	count, err := reader.readUvarint()
	if err != nil {
		return err
	}
	if count > maximumRequestsPerChunk {
		return fmt.Errorf("port-data chunk exceeds maximum request count")
	}
	requests := make([]openRequestDescriptor, 0, count)
	for i := uint64(0); i < count; i++ {
		id, err := reader.readUUID()
		if err != nil {
			return err
		}
		requesterPort, err := reader.readPort()
		if err != nil {
			return err
		}
		credit, err := reader.readUvarint()
		if err != nil {
			return err
		}
		requests = append(requests, openRequestDescriptor{id: id, port: requesterPort, initialCredit: credit})
	}
	state, ok := m.lookupPort(port)
	if !ok {
		return nil
	}
	msg := portReceiveMsg{kind: portReceivePortRequests, requests: requests, first: flags&chunkFlagFirst != 0, last: flags&chunkFlagLast != 0}
	return m.deliver(state, msg)
}

// deliver pushes a message onto a port's inbound queue. Since the queue's
// capacity equals the credit advertised to the remote and the engine's
// single read loop is the only producer, a full queue here means the remote
// sent faster than its credit allowed, which is a protocol violation.
func (m *Multiplexer) deliver(state *portState, msg portReceiveMsg) error {
	select {
	case state.inbound <- msg:
		return nil
	default:
		return fmt.Errorf("port %d exceeded its advertised receive credit", state.local)
	}
}

func (m *Multiplexer) handleFinished(reader *frameReader) error {
	port, err := reader.readPort()
	if err != nil {
		return err
	}
	state, ok := m.lookupPort(port)
	if !ok {
		return nil
	}
	state.markRemoteFinished()
	return nil
}

func (m *Multiplexer) handleReceiverClosed(reader *frameReader) error {
	port, err := reader.readPort()
	if err != nil {
		return err
	}
	state, ok := m.lookupPort(port)
	if !ok {
		return nil
	}
	state.mu.Lock()
	state.remoteReceiverClosed = true
	state.mu.Unlock()
	state.maybeRelease()
	return nil
}

func (m *Multiplexer) handleHangup(reader *frameReader) error {
	port, err := reader.readPort()
	if err != nil {
		return err
	}
	state, ok := m.lookupPort(port)
	if !ok {
		return nil
	}
	state.markRemoteFinished()
	return nil
}

func (m *Multiplexer) handleCreditReturn(reader *frameReader) error {
	port, err := reader.readPort()
	if err != nil {
		return err
	}
	count, err := reader.readUvarint()
	if err != nil {
		return err
	}
	state, ok := m.lookupPort(port)
	if !ok {
		return nil
	}
	state.sendCredit.add(count)
	return nil
}

func (m *Multiplexer) handleGlobalCreditReturn(reader *frameReader) error {
	count, err := reader.readUvarint()
	if err != nil {
		return err
	}
	m.globalSendCredit.add(count)
	return nil
}

// acceptEmbeddedOpen completes a PortDeserializer.Accept call: it registers
// a new local port for a previously decoded embedded open request, recording
// requesterPort (the serializer's own id for the new port) as this port's
// remote, and replies with OpenAck.
func (m *Multiplexer) acceptEmbeddedOpen(id uuid.UUID, requesterPort PortID, remoteCredit uint64) (*Port, error) {
	state, err := m.registerInboundPort(id, requesterPort, remoteCredit)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrRejected
	}
	return newPort(state), nil
}

func (m *Multiplexer) rejectEmbeddedOpen(id uuid.UUID, reason string) error {
	return m.send(func(b *sendBuffer) {
		b.encodeOpenReject(id, reason)
	})
}
