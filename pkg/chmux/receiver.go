package chmux

import (
	"context"
	"sync"
)

// RecvResult is the outcome of one RecvAny call: exactly one of Data,
// BigData, Requests, or Done is meaningful.
type RecvResult struct {
	// Data holds the reassembled message bytes, if this result is a data
	// message that fit within the receiver's maximum data size.
	Data []byte
	// BigData is true if the message's running total exceeded the maximum
	// data size. The bytes already buffered, and all remaining chunks of the
	// message, are retrieved one at a time with RecvChunk.
	BigData bool
	// Requests holds one PortDeserializer per embedded open request, in
	// order, if this result is a port-requests message.
	Requests []*PortDeserializer
	// Done is true if the remote sender has finished (or been dropped) and
	// no further messages will arrive on this port.
	Done bool
}

// receivingState discriminates the receiver's cross-call reassembly state:
// nothing in progress, a data message being reassembled, a chunk stream
// being drained, or a port-requests list being collected.
type receivingState int

const (
	receivingNothing receivingState = iota
	receivingData
	receivingChunks
	receivingRequests
)

// Receiver is the receive half of a port. It reassembles inbound chunks
// into whole messages (RecvAny, Recv) or streams them without size limits
// (RecvChunk). At most one goroutine may receive at a time; the limit
// setters and Close are safe to call concurrently with a receive.
type Receiver struct {
	port *portState

	mu          sync.Mutex
	closed      bool
	maxDataSize int
	maxPorts    int

	// Reassembly state, touched only by the receiving goroutine. It persists
	// across calls so that a receive abandoned mid-message (context
	// cancellation) resumes consistently on the next call.
	state           receivingState
	dataBufs        [][]byte
	dataSize        int
	chunkQueue      [][]byte
	chunksCompleted bool
	requests        []openRequestDescriptor
	finished        bool
}

func newReceiver(state *portState, configuration *Configuration) *Receiver {
	return &Receiver{
		port:        state,
		maxDataSize: configuration.MaxDataSize,
		maxPorts:    configuration.MaxReceivedPorts,
	}
}

// SetMaxDataSize overrides the maximum total size RecvAny and Recv will
// reassemble before reporting BigData. Zero means no limit. It takes effect
// for subsequent messages; RecvChunk is not affected by this limit.
func (r *Receiver) SetMaxDataSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxDataSize = n
}

// SetMaxPorts overrides the maximum number of embedded open requests RecvAny
// will collect from a single port-requests message before reporting
// ExceedsMaxPortCountError. Zero means no limit.
func (r *Receiver) SetMaxPorts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxPorts = n
}

func (r *Receiver) limitDataSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxDataSize
}

func (r *Receiver) limitMaxPorts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxPorts
}

// Close stops accepting further data for this port, replying to the remote
// with ReceiverClosed so its Sender observes ErrClosed on any further Send.
// Messages already in flight are still received. It is idempotent.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.port.mu.Lock()
	r.port.localReceiverClosed = true
	r.port.mu.Unlock()
	err := r.port.multiplexer.send(func(b *sendBuffer) {
		b.encodeReceiverClosed(r.port.remote)
	})
	r.port.maybeRelease()
	return err
}

// flushCredit sends any accumulated per-port and global credit return. It is
// called before blocking for the next message and, mid-reassembly, whenever
// a chunk's worth of held credit crosses the batching threshold.
func (r *Receiver) flushCredit() error {
	if amount := r.port.recvCredits.take(); amount > 0 {
		if err := r.port.multiplexer.send(func(b *sendBuffer) {
			b.encodeCreditReturn(r.port.remote, amount)
		}); err != nil {
			return err
		}
	}
	if amount := r.port.globalRecvCredits.take(); amount > 0 {
		if err := r.port.multiplexer.send(func(b *sendBuffer) {
			b.encodeGlobalCreditReturn(amount)
		}); err != nil {
			return err
		}
	}
	return nil
}

// creditChunk records that one chunk's credit has been consumed, flushing
// immediately if the per-port or global threshold has been reached so a
// long multi-chunk message does not stall the remote's send credit.
func (r *Receiver) creditChunk() error {
	portFlush := r.port.recvCredits.hold(1)
	globalFlush := r.port.globalRecvCredits.hold(1)
	if !portFlush && !globalFlush {
		return nil
	}
	return r.flushCredit()
}

// next waits for the next inbound message, flushing any pending credit
// return before blocking, honoring ctx and the multiplexer's lifetime. Once
// the remote sender has ended, port.finished is closed (see
// portState.markRemoteFinished); next always drains whatever is already
// queued in port.inbound first, via the non-blocking check below, so a
// message sent before Finished/Hangup is never skipped in favor of the
// synthesized terminal result.
func (r *Receiver) next(ctx context.Context) (portReceiveMsg, error) {
	select {
	case msg := <-r.port.inbound:
		return msg, nil
	default:
	}
	// About to block: return any held credit so the remote is not starved
	// while this side waits for it to send.
	if err := r.flushCredit(); err != nil {
		return portReceiveMsg{}, err
	}
	select {
	case msg := <-r.port.inbound:
		return msg, nil
	case <-r.port.finished:
		// Both cases may have become ready while this goroutine slept, and
		// select chooses between ready cases at random; prefer draining the
		// queue so no message is lost to the terminal result.
		select {
		case msg := <-r.port.inbound:
			return msg, nil
		default:
		}
		return portReceiveMsg{kind: portReceiveFinished}, nil
	case <-r.port.multiplexer.closed:
		return portReceiveMsg{}, ErrMultiplexerClosed
	case <-ctx.Done():
		return portReceiveMsg{}, ctx.Err()
	}
}

// RecvAny receives the next message in its entirety: a complete data
// message, a BigData marker (the message exceeded the maximum data size and
// must be drained with RecvChunk), a complete port-requests list, or Done
// once the remote sender has finished. A chunk whose first flag is set
// always restarts reassembly, discarding any partial prior message; a
// continuation chunk with no start of message is silently dropped.
func (r *Receiver) RecvAny(ctx context.Context) (*RecvResult, error) {
	if r.finished {
		return &RecvResult{Done: true}, nil
	}

	for {
		msg, err := r.next(ctx)
		if err != nil {
			return nil, err
		}

		switch msg.kind {
		case portReceiveData:
			if err := r.creditChunk(); err != nil {
				return nil, err
			}
			if msg.first {
				r.state = receivingData
				r.dataBufs = nil
				r.dataSize = 0
			}
			if r.state != receivingData {
				continue
			}
			if max := r.limitDataSize(); max > 0 && r.dataSize+len(msg.data) > max {
				r.chunkQueue = append(r.dataBufs, msg.data)
				r.dataBufs = nil
				r.dataSize = 0
				r.state = receivingChunks
				r.chunksCompleted = msg.last
				return &RecvResult{BigData: true}, nil
			}
			r.dataBufs = append(r.dataBufs, msg.data)
			r.dataSize += len(msg.data)
			if msg.last {
				data := concatChunks(r.dataBufs, r.dataSize)
				r.dataBufs = nil
				r.dataSize = 0
				r.state = receivingNothing
				return &RecvResult{Data: data}, nil
			}
		case portReceivePortRequests:
			if err := r.creditChunk(); err != nil {
				return nil, err
			}
			if msg.first {
				r.state = receivingRequests
				r.requests = nil
			}
			if r.state != receivingRequests {
				continue
			}
			r.requests = append(r.requests, msg.requests...)
			if max := r.limitMaxPorts(); max > 0 && len(r.requests) > max {
				r.state = receivingNothing
				r.requests = nil
				return nil, &ExceedsMaxPortCountError{MaxPortCount: max}
			}
			if msg.last {
				requests := r.requests
				r.requests = nil
				r.state = receivingNothing
				deserializers := make([]*PortDeserializer, len(requests))
				for i, request := range requests {
					deserializers[i] = newPortDeserializer(r.port.multiplexer, request)
				}
				return &RecvResult{Requests: deserializers}, nil
			}
		case portReceiveFinished:
			r.finished = true
			return &RecvResult{Done: true}, nil
		}
	}
}

// Recv is a convenience wrapper around RecvAny for ports that only carry
// data messages: it returns (nil, nil) once the remote sender has finished,
// maps BigData to ExceedsMaxDataSizeError, and rejects (and otherwise
// silently discards) any port-requests message that arrives.
func (r *Receiver) Recv(ctx context.Context) ([]byte, error) {
	for {
		result, err := r.RecvAny(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case result.Done:
			return nil, nil
		case result.BigData:
			return nil, &ExceedsMaxDataSizeError{MaxDataSize: r.limitDataSize()}
		case result.Requests != nil:
			for _, request := range result.Requests {
				request.Reject("port refused")
			}
		default:
			return result.Data, nil
		}
	}
}

// RecvChunk streams one message chunk at a time without reassembling it,
// irrespective of the maximum data size. It returns a nil chunk when the
// current message (and, once the port is finished, the port) has ended. If
// the remote sender dropped mid-message, or a new message begins before the
// current one completed, RecvChunk reports ErrCancelled exactly once for
// the truncated message.
func (r *Receiver) RecvChunk(ctx context.Context) ([]byte, error) {
	if r.finished {
		return nil, nil
	}

	for {
		if r.state == receivingChunks {
			// Chunks buffered by a RecvAny that reported BigData.
			if len(r.chunkQueue) > 0 {
				chunk := r.chunkQueue[0]
				r.chunkQueue = r.chunkQueue[1:]
				return chunk, nil
			}
			// Previous chunk was the last of the message.
			if r.chunksCompleted {
				r.state = receivingNothing
				return nil, nil
			}
		}

		msg, err := r.next(ctx)
		if err != nil {
			return nil, err
		}

		switch msg.kind {
		case portReceiveData:
			if err := r.creditChunk(); err != nil {
				return nil, err
			}
			inChunks := r.state == receivingChunks
			switch {
			case inChunks && msg.first:
				// A first chunk before the previous stream completed: the
				// previous transmission was truncated. Stash the new chunk
				// so the next call starts the new stream.
				r.chunkQueue = [][]byte{msg.data}
				r.chunksCompleted = msg.last
				return nil, ErrCancelled
			case inChunks || msg.first:
				// Continuation of the current stream, or start of a new one.
				r.state = receivingChunks
				r.chunkQueue = nil
				r.chunksCompleted = msg.last
				return msg.data, nil
			default:
				// Continuation with no start of stream; drop it.
			}
		case portReceivePortRequests:
			if err := r.creditChunk(); err != nil {
				return nil, err
			}
			if r.state == receivingChunks {
				r.state = receivingNothing
				r.chunkQueue = nil
				return nil, ErrCancelled
			}
			// Port requests are not part of any chunk stream; drop them.
		case portReceiveFinished:
			r.finished = true
			if r.state == receivingChunks {
				r.state = receivingNothing
				r.chunkQueue = nil
				return nil, ErrCancelled
			}
			return nil, nil
		}
	}
}

// concatChunks flattens bufs into a single contiguous slice of the given
// total size.
func concatChunks(bufs [][]byte, size int) []byte {
	data := make([]byte, 0, size)
	for _, buf := range bufs {
		data = append(data, buf...)
	}
	return data
}
