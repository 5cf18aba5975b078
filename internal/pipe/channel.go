// Package pipe holds the per-channel record and the channel table that
// the command engine and wake scheduler operate on (spec components A
// and B). Table's methods assume the caller already holds the
// device-level command lock. Channel's own mutex protects the wanted,
// closed and Handler fields, so the Channel methods that touch them
// (including HandlerRef and Destroy, which the command engine calls
// after releasing the device lock) are safe without it.
package pipe

import (
	"sync"

	"github.com/qvirt/hwpipe/internal/interfaces"
)

// Channel is one open guest<->host binding: a 64-bit id, the service
// handler it was opened against, and the wake bookkeeping the scheduler
// drains through the MMIO register pair.
type Channel struct {
	ID      uint64
	Handler interfaces.ServiceHandler

	mu     sync.Mutex
	wanted uint32
	closed bool

	// next/prev form the intrusive, doubly linked traversal list Table
	// maintains, newest channel first. Only Table mutates these.
	next, prev *Channel
}

// New constructs a channel record. It does not register the channel in
// any table.
func New(id uint64, handler interfaces.ServiceHandler) *Channel {
	return &Channel{ID: id, Handler: handler}
}

// SetWanted OR-folds bits into the channel's wanted mask. Safe to call
// from a host-handler goroutine concurrently with GetAndClearWanted.
func (c *Channel) SetWanted(bits uint32) {
	c.mu.Lock()
	c.wanted |= bits
	c.mu.Unlock()
}

// Wanted returns the current wanted mask without clearing it.
func (c *Channel) Wanted() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wanted
}

// GetAndClearWanted atomically reads and zeroes the wanted mask, the
// operation the wake scheduler performs when it drains a channel.
func (c *Channel) GetAndClearWanted() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.wanted
	c.wanted = 0
	return w
}

// MarkClosed transitions the channel to closed and reports whether this
// call was the one that did it (false if it was already closed).
func (c *Channel) MarkClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Closed reports whether MarkClosed has run, i.e. whether the host side
// closed the channel. A guest CLOSE destroys the channel without
// setting this flag.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Next returns the next channel in the traversal list, or nil at the
// end. Exposed so internal/wake can walk the list without reaching into
// unexported Table state.
func (c *Channel) Next() *Channel {
	return c.next
}

// HandlerRef returns the channel's current handler, or nil once Destroy
// has run. The command engine calls this instead of reading Handler
// directly because it releases the device lock before the handler
// callout, so a concurrent CLOSE's Destroy can race the read.
func (c *Channel) HandlerRef() interfaces.ServiceHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Handler
}

// Destroy releases the handler. It is called with the channel already
// unlinked from its table. The field swap itself is locked so
// HandlerRef never observes a torn read, but the Close callout runs
// outside the lock: a service tearing down may call back into
// SetWanted from its own goroutine during Close, and that call must see
// a consistent, unlocked mutex rather than deadlock against this one.
func (c *Channel) Destroy() {
	c.mu.Lock()
	h := c.Handler
	c.Handler = nil
	c.mu.Unlock()
	if h != nil {
		h.Close()
	}
}
