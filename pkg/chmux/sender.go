package chmux

import (
	"context"
	"fmt"
	"sync"
)

// Sender is the transmit half of a port: it turns a sequence of messages
// (each an arbitrarily large byte slice, or a list of port hand-offs) into
// credit-gated chunk frames.
type Sender struct {
	port *portState

	mu       sync.Mutex
	finished bool
	dropped  bool
}

func newSender(state *portState) *Sender {
	return &Sender{port: state}
}

// acquireCredit blocks until one unit of both per-port and global send
// credit is available, or ctx is cancelled, or the multiplexer closes, or
// the remote has closed its receiver for this port.
func (s *Sender) acquireCredit(ctx context.Context) error {
	for {
		select {
		case <-s.port.multiplexer.closed:
			return ErrMultiplexerClosed
		default:
		}
		s.port.mu.Lock()
		remoteClosed := s.port.remoteReceiverClosed
		s.port.mu.Unlock()
		if remoteClosed {
			return ErrClosed
		}

		if s.port.sendCredit.tryAcquire() {
			if s.port.globalCredit.tryAcquire() {
				return nil
			}
			// Port credit was available but global credit was not: return the
			// port credit and wait for either to become ready.
			s.port.sendCredit.add(1)
		}

		select {
		case <-s.port.sendCredit.ready:
		case <-s.port.globalCredit.ready:
		case <-s.port.multiplexer.closed:
			return ErrMultiplexerClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send transmits data as one message, splitting it into chunks of at most
// the multiplexer's configured chunk size. It returns ErrClosed if the
// remote has closed its receiver for this port, and ErrMultiplexerClosed if
// the multiplexer has terminated.
func (s *Sender) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if s.finished || s.dropped {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	chunkSize := s.port.multiplexer.configuration.ChunkSize
	if len(data) == 0 {
		return s.sendChunk(ctx, true, true, nil)
	}
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		first := offset == 0
		last := end == len(data)
		if err := s.sendChunk(ctx, first, last, data[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendChunk(ctx context.Context, first, last bool, data []byte) error {
	if err := s.acquireCredit(ctx); err != nil {
		return err
	}
	return s.port.multiplexer.send(func(b *sendBuffer) {
		b.encodeData(s.port.remote, first, last, data)
	})
}

// SendPorts transmits a non-empty list of pending hand-offs (from
// PortSerializer.Connect) as one port-requests message, chunked the same
// way data messages are and drawing on the same credit pools. Each pending
// port resolves once the remote accepts or rejects its embedded request. An
// error partway through may leave a prefix of the list transmitted; the
// hand-offs that never made it onto the wire simply never resolve.
func (s *Sender) SendPorts(ctx context.Context, ports []*PendingPort) error {
	s.mu.Lock()
	if s.finished || s.dropped {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()
	if len(ports) == 0 {
		return fmt.Errorf("chmux: port-requests message must contain at least one port")
	}

	descriptors := make([]openRequestDescriptor, len(ports))
	for i, pending := range ports {
		descriptors[i] = pending.descriptor
	}

	for offset := 0; offset < len(descriptors); offset += maximumRequestsPerChunk {
		end := offset + maximumRequestsPerChunk
		if end > len(descriptors) {
			end = len(descriptors)
		}
		first := offset == 0
		last := end == len(descriptors)
		if err := s.acquireCredit(ctx); err != nil {
			return err
		}
		group := descriptors[offset:end]
		if err := s.port.multiplexer.send(func(b *sendBuffer) {
			b.encodePortData(s.port.remote, first, last, group)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Finish announces that no further messages will be sent on this port. It is
// idempotent.
func (s *Sender) Finish() error {
	s.mu.Lock()
	if s.finished || s.dropped {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.mu.Unlock()

	s.port.mu.Lock()
	s.port.localSenderFinished = true
	s.port.mu.Unlock()
	err := s.port.multiplexer.send(func(b *sendBuffer) {
		b.encodeFinished(s.port.remote)
	})
	s.port.maybeRelease()
	return err
}

// Drop abandons the sender without finishing. If a message was left
// mid-transmission (a first chunk sent without its matching last chunk),
// the peer's RecvChunk for that message reports ErrCancelled; otherwise it
// is equivalent to Finish from the peer's perspective.
func (s *Sender) Drop() error {
	s.mu.Lock()
	if s.finished || s.dropped {
		s.mu.Unlock()
		return nil
	}
	s.dropped = true
	s.mu.Unlock()

	s.port.mu.Lock()
	s.port.localSenderFinished = true
	s.port.mu.Unlock()
	err := s.port.multiplexer.send(func(b *sendBuffer) {
		b.encodeHangup(s.port.remote)
	})
	s.port.maybeRelease()
	return err
}
