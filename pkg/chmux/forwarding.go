package chmux

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PortSerializer is the engine's integration point for handing ports across
// ports: a higher-level serializer that encounters a channel endpoint in the
// value it is encoding calls Connect to allocate a fresh port, embeds the
// resulting request in the port-requests message it is building (via
// Sender.SendPorts), and receives the raw connected port back once the
// peer's deserializer accepts. The endpoint being migrated stays guarded by
// its Interlock for the duration; see Interlock.
type PortSerializer struct {
	multiplexer *Multiplexer
}

// PortSerializer returns the serializer surface for embedding port opens in
// outbound messages on this multiplexer.
func (m *Multiplexer) PortSerializer() *PortSerializer {
	return &PortSerializer{multiplexer: m}
}

// PendingPort is a port hand-off in flight: allocated locally, not yet
// accepted by the remote deserializer. It resolves once the matching OpenAck
// or OpenReject arrives, or when the multiplexer terminates.
type PendingPort struct {
	multiplexer *Multiplexer
	local       PortID
	descriptor  openRequestDescriptor
	callback    func(*Port, error)

	done chan struct{}
	port *Port
	err  error
}

// Connect allocates a new local port and registers it for embedding in an
// outbound port-requests message via Sender.SendPorts. If callback is
// non-nil it is invoked, from its own goroutine, with the connected raw
// port once the peer accepts (or with the error if it rejects or the
// multiplexer terminates); Wait may be used instead of, or in addition to,
// the callback.
func (s *PortSerializer) Connect(callback func(*Port, error)) (*PendingPort, error) {
	m := s.multiplexer

	m.mu.Lock()
	state, err := m.allocatePortLocked(0, 0)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	id := uuid.New()
	result := make(chan openResult, 1)
	m.pendingOpens[id] = &openRequestRecord{id: id, port: state.local, result: result}
	m.mu.Unlock()

	pending := &PendingPort{
		multiplexer: m,
		local:       state.local,
		descriptor: openRequestDescriptor{
			id:            id,
			port:          state.local,
			initialCredit: uint64(m.configuration.PortReceiveBuffer),
		},
		callback: callback,
		done:     make(chan struct{}),
	}
	go pending.resolve(result)
	return pending, nil
}

// resolve consumes the engine's ack/reject outcome, retiring the
// pre-allocated port on failure, and fires the user callback.
func (p *PendingPort) resolve(result <-chan openResult) {
	select {
	case outcome := <-result:
		if outcome.err != nil {
			p.err = outcome.err
			p.multiplexer.releasePort(p.local)
		} else if state, ok := p.multiplexer.lookupPort(p.local); ok {
			p.port = newPort(state)
		} else {
			p.err = ErrMultiplexerClosed
		}
	case <-p.multiplexer.closed:
		p.err = ErrMultiplexerClosed
	}
	if p.callback != nil {
		p.callback(p.port, p.err)
	}
	close(p.done)
}

// Wait blocks until the hand-off resolves, returning the connected raw port
// or the error that ended it: ErrRejected (wrapped with the peer's reason)
// if the deserializer declined, or ErrMultiplexerClosed. A hand-off whose
// embedded request is never accepted nor rejected by the peer does not
// resolve; bound the wait with ctx.
func (p *PendingPort) Wait(ctx context.Context) (*Port, error) {
	select {
	case <-p.done:
		return p.port, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PortDeserializer accepts a port embedded in an inbound port-requests
// message, completing the remote's hand-off by instantiating a local port
// for it and replying with OpenAck. It is constructed by the receive path
// when decoding a port-requests message and exposed through RecvAny's
// Requests result.
type PortDeserializer struct {
	multiplexer   *Multiplexer
	requestID     uuid.UUID
	requesterPort PortID
	credit        uint64
}

func newPortDeserializer(m *Multiplexer, request openRequestDescriptor) *PortDeserializer {
	return &PortDeserializer{
		multiplexer:   m,
		requestID:     request.id,
		requesterPort: request.port,
		credit:        request.initialCredit,
	}
}

// Accept completes the hand-off, creating a connected local Port whose
// remote end is the serializer's pre-allocated port.
func (d *PortDeserializer) Accept() (*Port, error) {
	port, err := d.multiplexer.acceptEmbeddedOpen(d.requestID, d.requesterPort, d.credit)
	if err != nil {
		return nil, fmt.Errorf("chmux: unable to accept forwarded port: %w", err)
	}
	return port, nil
}

// Reject declines the embedded open request, causing the remote's pending
// hand-off to resolve with ErrRejected.
func (d *PortDeserializer) Reject(reason string) error {
	return d.multiplexer.rejectEmbeddedOpen(d.requestID, reason)
}
