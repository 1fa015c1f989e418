package chmux

import (
	"fmt"
	"sync"
)

// Location identifies which endpoint currently owns one direction (sender
// or receiver) of a channel endpoint that is being, or has been, handed off
// across the connection.
type Location int

const (
	// LocationLocal means this process still owns the direction directly:
	// user code reads from or writes to it through its ordinary handle.
	LocationLocal Location = iota
	// LocationSent means the direction has been committed to an outbound
	// hand-off but the remote has not yet confirmed taking ownership. The
	// handle refuses user operations in this state.
	LocationSent
	// LocationRemote means ownership has been confirmed transferred: the
	// local handle is retired and any further local use of it is a
	// programming error.
	LocationRemote
)

func (l Location) String() string {
	switch l {
	case LocationLocal:
		return "local"
	case LocationSent:
		return "sent"
	case LocationRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Interlock is the two-slot state machine guarding the hand-off of a
// channel endpoint: the sender half and the receiver half can be forwarded
// independently, so each gets its own location. A higher-level serializer
// calls StartSend (or StartReceive) before committing the endpoint to the
// wire, making "this endpoint is migrating" observable before the peer can
// possibly receive it, and fires the returned confirmation once the
// matching PendingPort resolves:
//
//	confirmation, err := interlock.StartSend()
//	...
//	pending, err := serializer.Connect(func(port *Port, err error) {
//		if err != nil {
//			confirmation.Release()
//			return
//		}
//		confirmation.Confirm()
//		// splice port into the higher-level handle
//	})
//
// The two directions are independent: an endpoint's sender and receiver
// halves can be handed off individually.
type Interlock struct {
	mu sync.Mutex

	sender   Location
	receiver Location
}

// NewInterlock creates an interlock with both directions owned locally.
func NewInterlock() *Interlock {
	return &Interlock{}
}

// Confirmation tracks one direction's pending hand-off. Exactly one of
// Confirm or Release should eventually be called.
type Confirmation struct {
	interlock *Interlock
	slot      *Location
	done      chan struct{}
}

// StartSend transitions the sender direction from Local to Sent, returning
// an error if it is not currently Local (it is already being, or has
// already been, handed off).
func (i *Interlock) StartSend() (*Confirmation, error) {
	return i.start(&i.sender, "sender")
}

// StartReceive transitions the receiver direction from Local to Sent.
func (i *Interlock) StartReceive() (*Confirmation, error) {
	return i.start(&i.receiver, "receiver")
}

func (i *Interlock) start(slot *Location, direction string) (*Confirmation, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if *slot != LocationLocal {
		return nil, fmt.Errorf("%w: %s is %v", ErrForwarding, direction, *slot)
	}
	*slot = LocationSent
	return &Confirmation{interlock: i, slot: slot, done: make(chan struct{})}, nil
}

// Confirm completes the hand-off, transitioning Sent to Remote and closing
// Done. It is a no-op if the direction is no longer Sent.
func (c *Confirmation) Confirm() {
	c.interlock.mu.Lock()
	defer c.interlock.mu.Unlock()
	if *c.slot != LocationSent {
		return
	}
	*c.slot = LocationRemote
	close(c.done)
}

// Release abandons the hand-off, returning the direction to Local so the
// endpoint is usable again. It is a no-op if the direction is no longer
// Sent.
func (c *Confirmation) Release() {
	c.interlock.mu.Lock()
	defer c.interlock.mu.Unlock()
	if *c.slot != LocationSent {
		return
	}
	*c.slot = LocationLocal
}

// Done returns a channel that is closed once the hand-off has been
// confirmed.
func (c *Confirmation) Done() <-chan struct{} {
	return c.done
}

// SenderLocal reports whether the sender direction is still owned locally.
func (i *Interlock) SenderLocal() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sender == LocationLocal
}

// ReceiverLocal reports whether the receiver direction is still owned
// locally.
func (i *Interlock) ReceiverLocal() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.receiver == LocationLocal
}
