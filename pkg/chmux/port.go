package chmux

import (
	"sync"

	"github.com/google/uuid"
)

// portReceiveMsg is one item placed on a port's inbound queue by the
// engine's reader goroutine, for consumption by the port's Receiver.
type portReceiveMsg struct {
	// kind discriminates the payload.
	kind portReceiveKind
	// data is populated for portReceiveData.
	data []byte
	// first and last are populated for portReceiveData and
	// portReceivePortRequests.
	first, last bool
	// requests is populated for portReceivePortRequests.
	requests []openRequestDescriptor
}

type portReceiveKind int

const (
	portReceiveData portReceiveKind = iota
	portReceivePortRequests
	portReceiveFinished
)

// portState is the engine's bookkeeping record for one local port, covering
// both the send and receive directions. It is created either by Open or
// PortSerializer.Connect (send credit granted by a subsequent OpenAck) or by
// an inbound open request (send credit granted immediately from the frame).
type portState struct {
	multiplexer *Multiplexer
	local       PortID
	remote      PortID

	sendCredit   *sendCreditAccount
	globalCredit *sendCreditAccount

	recvCredits       *creditReturner
	globalRecvCredits *creditReturner

	mu                   sync.Mutex
	localSenderFinished  bool
	remoteSenderFinished bool
	localReceiverClosed  bool
	remoteReceiverClosed bool

	inbound chan portReceiveMsg

	// finished is closed, exactly once, the first time the remote sender is
	// observed to have ended (Finished or Hangup). Receiver.next consults it
	// as a fallback once inbound is drained, so the terminal result is never
	// lost to a momentarily full queue the way a best-effort push into
	// inbound itself would be (PortReceiveBuffer bounds inbound to exactly
	// the advertised credit, which a sender may fill completely before
	// ending the stream).
	finished     chan struct{}
	finishedOnce sync.Once
}

func newPortState(m *Multiplexer, local, remote PortID, sendCredit, recvCredit uint64, recvBuffer int) *portState {
	return &portState{
		multiplexer:       m,
		local:             local,
		remote:            remote,
		sendCredit:        newSendCreditAccount(sendCredit),
		globalCredit:      m.globalSendCredit,
		recvCredits:       newCreditReturner(recvCredit),
		globalRecvCredits: m.globalRecvCredits,
		inbound:           make(chan portReceiveMsg, recvBuffer),
		finished:          make(chan struct{}),
	}
}

// markRemoteFinished records that the remote sender has ended, cleanly or
// via Hangup, and wakes any Receiver blocked in next.
func (s *portState) markRemoteFinished() {
	s.mu.Lock()
	s.remoteSenderFinished = true
	s.mu.Unlock()
	s.finishedOnce.Do(func() { close(s.finished) })
	s.maybeRelease()
}

// maybeRelease deregisters the port from the engine's port table once both
// directions have been terminated: the local-to-remote direction by a local
// Finish/Drop or a remote ReceiverClosed, and the remote-to-local direction
// by a local receiver Close or the remote sender ending. The Receiver keeps
// operating on its queue references after release, so buffered messages
// still drain; the engine simply stops routing new frames to the port and
// its identifier counts against MaxPorts no longer.
func (s *portState) maybeRelease() {
	s.mu.Lock()
	done := (s.localSenderFinished || s.remoteReceiverClosed) &&
		(s.localReceiverClosed || s.remoteSenderFinished)
	s.mu.Unlock()
	if done {
		s.multiplexer.releasePort(s.local)
	}
}

// openRequestRecord is the engine's bookkeeping for one open request the
// local side is waiting to have accepted or rejected by the remote. port is
// always the requester's own local id for the port in question,
// pre-allocated before the request goes out: a direct open from
// Multiplexer.Open, or an embedded one from PortSerializer.Connect.
type openRequestRecord struct {
	id     uuid.UUID
	port   PortID
	result chan openResult
	// abandoned is set (under the multiplexer lock) when the requester gave
	// up waiting. The ack or reject that eventually arrives then tears the
	// port down instead of completing it, and is not treated as a protocol
	// violation.
	abandoned bool
}

type openResult struct {
	port PortID
	err  error
}

// incomingOpen is one entry of the accept queue: a fully registered port
// whose OpenAck has already been sent, awaiting a local Accept call to
// hand it to the user.
type incomingOpen struct {
	port *portState
}
