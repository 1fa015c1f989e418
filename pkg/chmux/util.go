package chmux

// PortID uniquely identifies a port within one endpoint for the lifetime of
// the multiplexer. Each endpoint numbers its own ports: an opener allocates
// its local id before the OpenRequest goes out and learns the peer's id for
// the same port from the OpenAck; an acceptor allocates its local id when
// it accepts.
type PortID uint32

// portIDAllocator hands out monotonically increasing, never-zero port
// identifiers for this endpoint's ports, whether opened or accepted
// locally. Port ids are local to one
// endpoint, so no even/odd partitioning is needed to avoid collision with
// the peer's ids.
type portIDAllocator struct {
	// next is the next identifier to hand out. It is set to 0 once the
	// 32-bit space is exhausted, signaling that no further ports may be
	// allocated locally (identifiers are not recycled).
	next    PortID
	started bool
}

// isClosedChan reports whether c is closed, without blocking.
func isClosedChan(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// allocate returns the next identifier, or false if the 32-bit space has
// been exhausted.
func (a *portIDAllocator) allocate() (PortID, bool) {
	if !a.started {
		a.started = true
		a.next = 1
	}
	if a.next == 0 {
		return 0, false
	}
	id := a.next
	if a.next == (1<<32 - 1) {
		a.next = 0
	} else {
		a.next++
	}
	return id, true
}
