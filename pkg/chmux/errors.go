package chmux

import "errors"

var (
	// ErrMultiplexerClosed is returned from operations that fail because the
	// multiplexer has terminated, whether due to transport failure, protocol
	// violation, or an explicit Close.
	ErrMultiplexerClosed = errors.New("chmux: multiplexer closed")
	// ErrClosed is returned from Send/SendPorts once the sender is closed
	// for sending: the remote receiver closed its end of the port
	// (ReceiverClosed observed), or the local sender was finished or
	// dropped. It is terminal for the sender.
	ErrClosed = errors.New("chmux: port closed for sending")
	// ErrCancelled is returned from RecvChunk when the current message was
	// truncated: the remote sender dropped mid-transmission, or started a
	// new message before completing the current one.
	ErrCancelled = errors.New("chmux: transmission cancelled")
	// ErrRejected is returned from Open, and resolved from PendingPort.Wait,
	// when the remote endpoint rejects the open request.
	ErrRejected = errors.New("chmux: port open rejected")
	// ErrPortLimitExceeded is returned from Open and PortSerializer.Connect
	// when the configured port limit has been reached.
	ErrPortLimitExceeded = errors.New("chmux: port limit exceeded")
	// ErrForwarding is returned from Interlock.StartSend/StartReceive when
	// the direction is already being, or has already been, handed off to
	// another endpoint.
	ErrForwarding = errors.New("chmux: endpoint is being forwarded")
)

// ExceedsMaxDataSizeError is returned from Recv when a message's total size
// exceeds the receiver's configured maximum data size.
type ExceedsMaxDataSizeError struct {
	// MaxDataSize is the limit that was exceeded.
	MaxDataSize int
}

func (e *ExceedsMaxDataSizeError) Error() string {
	return "chmux: data exceeds maximum allowed size"
}

// ExceedsMaxPortCountError is returned from RecvAny when a port-requests
// message's length exceeds the receiver's configured maximum port count.
type ExceedsMaxPortCountError struct {
	// MaxPortCount is the limit that was exceeded.
	MaxPortCount int
}

func (e *ExceedsMaxPortCountError) Error() string {
	return "chmux: received ports exceed maximum allowed count"
}
