package chmux

import "sync"

// sendCreditAccount tracks a send-side chunk credit balance: a non-negative
// count of chunks (data or port-request) the local side is permitted to
// transmit. It is decremented by one per chunk sent and replenished by
// CreditReturn frames from the remote. Credit is counted in chunks, not
// bytes.
type sendCreditAccount struct {
	mu     sync.Mutex
	credit uint64
	// ready is signalled (buffered capacity 1) whenever credit transitions
	// from zero to non-zero. A sender blocked on zero credit selects on this
	// channel; it must re-acquire mu to actually consume credit afterward,
	// since multiple goroutines may observe readiness (though in practice
	// chmux has exactly one sender goroutine per port).
	ready chan struct{}
}

func newSendCreditAccount(initial uint64) *sendCreditAccount {
	account := &sendCreditAccount{credit: initial, ready: make(chan struct{}, 1)}
	if initial > 0 {
		account.ready <- struct{}{}
	}
	return account
}

// tryAcquire consumes one unit of credit if available, reporting success.
func (a *sendCreditAccount) tryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.credit == 0 {
		return false
	}
	a.credit--
	if a.credit > 0 {
		select {
		case a.ready <- struct{}{}:
		default:
		}
	}
	return true
}

// add returns credit to the account (a CreditReturn was received).
func (a *sendCreditAccount) add(amount uint64) {
	if amount == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	wasZero := a.credit == 0
	a.credit += amount
	if wasZero {
		select {
		case a.ready <- struct{}{}:
		default:
		}
	}
}

// creditReturner batches the credit tokens held by a receiver (per-port or
// global) and decides when to flush a single CreditReturn frame: once
// accumulated credit reaches a threshold strictly less than the initial
// advertised credit, or when the caller is about to block waiting for more
// input. Batching cuts the control-frame rate without starving the sender,
// provided the threshold stays below the initial credit.
type creditReturner struct {
	mu        sync.Mutex
	held      uint64
	threshold uint64
}

// newCreditReturner creates a returner that flushes once held credit reaches
// half of initial, or immediately for every chunk if initial is small enough
// that half rounds to zero.
func newCreditReturner(initial uint64) *creditReturner {
	threshold := initial / 2
	if threshold == 0 {
		threshold = 1
	}
	return &creditReturner{threshold: threshold}
}

// hold records that amount additional credit has been consumed and reports
// whether the threshold has now been reached.
func (c *creditReturner) hold(amount uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held += amount
	return c.held >= c.threshold
}

// take removes and returns all currently held credit.
func (c *creditReturner) take() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	amount := c.held
	c.held = 0
	return amount
}
