package chmux

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Port is a single bidirectional, independently flow-controlled logical
// stream over a Multiplexer. Its Sender and Receiver can be used
// concurrently and closed independently, matching the half-close semantics
// of the underlying port lifecycle.
type Port struct {
	multiplexer *Multiplexer
	state       *portState

	sender   *Sender
	receiver *Receiver
}

func newPort(state *portState) *Port {
	return &Port{
		multiplexer: state.multiplexer,
		state:       state,
		sender:      newSender(state),
		receiver:    newReceiver(state, state.multiplexer.configuration),
	}
}

// ID returns the port's local identifier, unique within its multiplexer for
// the lifetime of the connection.
func (p *Port) ID() PortID {
	return p.state.local
}

// Sender returns the transmit half of the port.
func (p *Port) Sender() *Sender {
	return p.sender
}

// Receiver returns the receive half of the port.
func (p *Port) Receiver() *Receiver {
	return p.receiver
}

// Close finishes the sender and closes the receiver, the ordinary orderly
// teardown of a port that is done being used in both directions.
func (p *Port) Close() error {
	sendErr := p.sender.Finish()
	recvErr := p.receiver.Close()
	if sendErr != nil {
		return sendErr
	}
	return recvErr
}

// Multiplex performs the initial handshake over transport and, on success,
// starts the multiplexer's background engine. It is symmetric: both
// endpoints of a connection call Multiplex, and whichever side subsequently
// calls Open versus Accept for a given logical port is purely an
// application convention.
func Multiplex(transport Transport, configuration *Configuration) (*Multiplexer, error) {
	if configuration == nil {
		configuration = DefaultConfiguration()
	} else {
		configured := *configuration
		configuration = &configured
	}
	configuration.normalize()

	hello, err := performHandshake(transport, configuration)
	if err != nil {
		return nil, fmt.Errorf("chmux: handshake failed: %w", err)
	}

	m := newMultiplexer(transport, configuration, hello.globalCredit)
	m.run()
	return m, nil
}

// Open requests a new port from the remote endpoint, blocking until it is
// accepted, rejected, or ctx is cancelled. The local id is allocated here,
// before OpenRequest is even sent, and carried in the frame so the remote
// can address frames back to it as soon as it accepts; the remote's own id
// for the port is learned once it replies with OpenAck.
func (m *Multiplexer) Open(ctx context.Context) (*Port, error) {
	id := uuid.New()
	result := make(chan openResult, 1)

	m.mu.Lock()
	state, err := m.allocatePortLocked(0, 0)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	record := &openRequestRecord{id: id, port: state.local, result: result}
	m.pendingOpens[id] = record
	m.mu.Unlock()

	if err := m.send(func(b *sendBuffer) {
		b.encodeOpenRequest(id, state.local, uint64(m.configuration.PortReceiveBuffer))
	}); err != nil {
		m.mu.Lock()
		delete(m.pendingOpens, id)
		delete(m.ports, state.local)
		m.mu.Unlock()
		return nil, err
	}

	select {
	case outcome := <-result:
		if outcome.err != nil {
			m.releasePort(state.local)
			return nil, outcome.err
		}
		return newPort(state), nil
	case <-m.closed:
		return nil, ErrMultiplexerClosed
	case <-ctx.Done():
		// The request is already on the wire; mark it abandoned so the ack
		// or reject that eventually arrives tears the port down rather than
		// tripping the unknown-request protocol check.
		m.mu.Lock()
		_, still := m.pendingOpens[id]
		if still {
			record.abandoned = true
		}
		m.mu.Unlock()
		if !still {
			// The reply already resolved the request (its result send is
			// imminent if not already buffered); retire the port it
			// confirmed, if it did.
			select {
			case outcome := <-result:
				if outcome.err == nil {
					m.teardownAbandonedPort(state)
				}
			case <-m.closed:
			}
		}
		return nil, ctx.Err()
	}
}

// Accept waits for and returns the next port opened by the remote endpoint,
// blocking until one is available, ctx is cancelled, or the multiplexer
// closes.
func (m *Multiplexer) Accept(ctx context.Context) (*Port, error) {
	select {
	case incoming := <-m.acceptQueue:
		return newPort(incoming.port), nil
	case <-m.closed:
		return nil, ErrMultiplexerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Goodbye sends an orderly shutdown request to the remote and closes the
// multiplexer locally. Unlike Close, it gives the remote a chance to
// observe a clean end rather than a transport failure.
func (m *Multiplexer) Goodbye() error {
	err := m.sendAndFlush(func(b *sendBuffer) {
		b.encodeGoodbye()
	})
	m.closeWithError(nil)
	return err
}
