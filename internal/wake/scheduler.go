// Package wake implements the drain protocol the guest uses to discover
// which channels have pending activity (spec component D): a pair of
// single-entry fast-path caches backed by a fallback scan over the
// channel table's traversal list, with IRQ assert/deassert discipline
// tied to whether the scan found anything to hand back.
//
// A known quirk of this protocol, preserved here rather than "fixed":
// a channel whose id happens to have a zero high 32 bits makes the
// guest's high-half register read return 0, which is also what an empty
// drain reports. The guest driver this device talks to tolerates that
// ambiguity by re-checking wanted state on its own, so this port keeps
// the behavior as specified instead of reserving a sentinel value.
package wake

import (
	"github.com/qvirt/hwpipe/internal/interfaces"
	"github.com/qvirt/hwpipe/internal/pipe"
)

// Scheduler tracks the fast-path cache slots and the in-progress scan
// cursor over a Table's traversal list. It is not safe for concurrent
// use; callers serialize access the same way they serialize the rest of
// the MMIO command path.
type Scheduler struct {
	table    *pipe.Table
	irq      interfaces.IrqLine
	logger   interfaces.Logger
	observer interfaces.Observer

	cachePipe   *pipe.Channel // low-read fast path, set by host Wake()
	cachePipe64 *pipe.Channel // high-read pairing slot

	cursor     *pipe.Channel // next channel to examine; nil while cursorLive means the list is exhausted
	cursorLive bool          // true once the cursor has been derived and not yet exhausted

	asserted bool // true between an assertIRQ and the deassertIRQ that follows it
}

// New constructs a scheduler bound to table and irq. logger and observer
// may be nil.
func New(table *pipe.Table, irq interfaces.IrqLine, logger interfaces.Logger, observer interfaces.Observer) *Scheduler {
	return &Scheduler{table: table, irq: irq, logger: logger, observer: observer}
}

// NotifyWake stores ch into the low-read fast-path slot, overwriting any
// channel already waiting there, and asserts IRQ. Called by the host
// callback bridge after a ServiceHandler or the close path has already
// OR-folded flags into ch's wanted mask.
func (s *Scheduler) NotifyWake(ch *pipe.Channel) {
	s.cachePipe = ch
	s.assertIRQ()
}

// Forget clears ch out of every cache slot and the live cursor so a
// channel the guest is closing can never be handed back by a
// subsequent drain.
func (s *Scheduler) Forget(ch *pipe.Channel) {
	if s.cachePipe == ch {
		s.cachePipe = nil
	}
	if s.cachePipe64 == ch {
		s.cachePipe64 = nil
	}
	if s.cursor == ch {
		s.cursor = ch.Next()
	}
}

// ReadChannelLow implements the RegChannel read: consume the fast-path
// slot if populated, else scan the traversal list for the next channel
// with a nonzero wanted mask. Returns (id low 32 bits, wake mask, found).
func (s *Scheduler) ReadChannelLow() (low uint32, wakes uint32, found bool) {
	ch := s.consumeOrScan()
	if ch == nil {
		return 0, 0, false
	}
	wakes = ch.GetAndClearWanted()
	s.cachePipe64 = ch
	if s.observer != nil {
		s.observer.ObserveWake(ch.ID, wakes)
	}
	return uint32(ch.ID), wakes, true
}

// ReadChannelHigh implements the RegChannelHigh read: return the high 32
// bits of whichever channel the matching low read paired into
// cachePipe64. If no pairing is pending (the guest read the high half
// without a preceding low read, or read it twice), it falls back to the
// same fast-path-or-scan logic as the low half, clears the found
// channel's wanted mask and deposits it into cachePipe64, where only a
// later high read picks it up. A subsequent low read does not observe
// that channel, and its wake bits are not delivered through RegWakes.
func (s *Scheduler) ReadChannelHigh() (high uint32, found bool) {
	if s.cachePipe64 != nil {
		ch := s.cachePipe64
		s.cachePipe64 = nil
		return uint32(ch.ID >> 32), true
	}
	ch := s.consumeOrScan()
	if ch == nil {
		return 0, false
	}
	// Matches ReadChannelLow's consume: a channel found via scan must
	// have its wanted mask cleared here too, or the next scan finds it
	// again even though it's already sitting in cachePipe64. The wake
	// flags themselves have nowhere to go on this path -- RegWakes is
	// only ever populated by a low read -- so they're discarded rather
	// than cached.
	ch.GetAndClearWanted()
	s.cachePipe64 = ch
	return uint32(ch.ID >> 32), true
}

// consumeOrScan implements the shared fast-path-or-scan lookup used by
// both register halves.
func (s *Scheduler) consumeOrScan() *pipe.Channel {
	if s.cachePipe != nil {
		ch := s.cachePipe
		s.cachePipe = nil
		return ch
	}
	return s.scan()
}

// scan walks the traversal list from the current cursor, skipping
// channels with an empty wanted mask, and advances the cursor past any
// channel it returns. When the list is exhausted it restores the cursor
// to the table's current head (the "saved head pointer" restart) and, if
// IRQ is currently asserted, deasserts it: a CLOSE that removed the only
// channel with a pending wake (spec.md's "CLOSE returns the device to
// the same visible state as before OPEN" invariant) must still drop the
// line even though the table is now empty at scan time.
func (s *Scheduler) scan() *pipe.Channel {
	if !s.cursorLive {
		s.cursor = s.table.Head()
		s.cursorLive = true
	}
	for s.cursor != nil {
		ch := s.cursor
		s.cursor = ch.Next()
		if ch.Wanted() != 0 {
			return ch
		}
	}
	// Exhausted: restart point is simply "re-read the table head next
	// time", which naturally picks up channels opened since this round
	// began.
	s.cursorLive = false
	if s.asserted {
		s.deassertIRQ()
	}
	return nil
}

func (s *Scheduler) assertIRQ() {
	s.asserted = true
	if s.irq != nil {
		s.irq.Set(1)
	}
	if s.observer != nil {
		s.observer.ObserveIRQ(true)
	}
}

func (s *Scheduler) deassertIRQ() {
	s.asserted = false
	if s.irq != nil {
		s.irq.Set(0)
	}
	if s.observer != nil {
		s.observer.ObserveIRQ(false)
	}
}
