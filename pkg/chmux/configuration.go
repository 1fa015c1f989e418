package chmux

import "time"

// Configuration encodes multiplexer configuration. It corresponds to the
// options enumerated in the external interfaces of the multiplexer: the
// connection handshake timeout, the per-side port limit, the target
// outbound chunk size, the initial per-port receive credit, the default
// receiver limits, and the size of the shared outbound encode-buffer pool.
type Configuration struct {
	// ConnectionTimeout is the maximum amount of time allowed for the initial
	// Hello handshake to complete. If less than or equal to zero, no timeout
	// is enforced. The default is 10 seconds.
	ConnectionTimeout time.Duration
	// MaxPorts is the maximum number of ports (open, in either direction)
	// that a single multiplexer instance will allow at once. If less than or
	// equal to zero, no limit is enforced. The default is 0 (unlimited).
	MaxPorts int
	// ChunkSize is the target size (in bytes) of outbound data chunks. Data
	// messages larger than this are split across multiple chunks. Values
	// that would not fit a single chunk under the transport frame cap are
	// normalized down. The default is 32 kB.
	ChunkSize int
	// PortReceiveBuffer is the initial credit advertised for a new port, in
	// chunks (not bytes). The default is 16.
	PortReceiveBuffer int
	// MaxDataSize is the default maximum size (in bytes) of a single data
	// message accepted by a new receiver's recv/RecvAny operations before
	// they report BigData. The default is 16 MiB.
	MaxDataSize int
	// MaxReceivedPorts is the default maximum number of port-open requests
	// accepted in a single port-requests message by a new receiver. The
	// default is 64.
	MaxReceivedPorts int
	// SharedSendQueueSize is the number of reusable outbound frame-encode
	// buffers shared by all ports on a multiplexer. If less than or equal to
	// zero, a single buffer is used. The default is 4.
	SharedSendQueueSize int
	// AcceptBacklog is the maximum number of pending inbound open requests
	// that will be queued awaiting Accept. If less than or equal to zero, it
	// is set to 1. The default is 16.
	AcceptBacklog int
	// GlobalReceiveCredit is the initial size of the global credit pool this
	// side advertises to the remote during the Hello handshake. Every chunk
	// sent on any port consumes one unit of both that port's own credit and
	// this shared pool, so the pool bounds the total number of chunks
	// in flight across all ports regardless of how per-port credit is
	// distributed. The default is 1024.
	GlobalReceiveCredit uint64
}

// DefaultConfiguration returns the default multiplexer configuration.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		ConnectionTimeout:   10 * time.Second,
		MaxPorts:            0,
		ChunkSize:           1 << 15,
		PortReceiveBuffer:   16,
		MaxDataSize:         16 << 20,
		MaxReceivedPorts:    64,
		SharedSendQueueSize: 4,
		AcceptBacklog:       16,
		GlobalReceiveCredit: 1024,
	}
}

// normalize normalizes out-of-range configuration values in place.
func (c *Configuration) normalize() {
	if c.ConnectionTimeout < 0 {
		c.ConnectionTimeout = 0
	}
	if c.MaxPorts < 0 {
		c.MaxPorts = 0
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1 << 15
	}
	if c.ChunkSize > maximumChunkSize {
		c.ChunkSize = maximumChunkSize
	}
	if c.PortReceiveBuffer <= 0 {
		c.PortReceiveBuffer = 1
	}
	if c.MaxDataSize < 0 {
		c.MaxDataSize = 0
	}
	if c.MaxReceivedPorts < 0 {
		c.MaxReceivedPorts = 0
	}
	if c.SharedSendQueueSize <= 0 {
		c.SharedSendQueueSize = 1
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = 1
	}
	if c.GlobalReceiveCredit == 0 {
		c.GlobalReceiveCredit = 1024
	}
}
