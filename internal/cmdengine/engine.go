// Package cmdengine implements the command dispatch logic behind the
// RegCommand and RegAccessParams registers (spec component C): decoding
// a latched register snapshot into one of OPEN/CLOSE/POLL/READ_BUFFER/
// WRITE_BUFFER/WAKE_ON_READ/WAKE_ON_WRITE, resolving the channel, and
// calling into the bound ServiceHandler.
//
// Engine owns the single coarse lock that serializes the whole command
// path. The deployment this device targets cannot assume its hypervisor
// framework serializes MMIO access across vCPUs, so rather than leaving
// internal/pipe's table and internal/wake's scheduler to race each
// other, every exported Engine method takes that one lock up front and
// releases it before calling out into a ServiceHandler, matching the
// guidance that this coarse-grained locking is acceptable because MMIO
// traffic is infrequent relative to the bulk data it gates.
package cmdengine

import (
	"sync"

	"github.com/qvirt/hwpipe/internal/interfaces"
	"github.com/qvirt/hwpipe/internal/mmio"
	"github.com/qvirt/hwpipe/internal/pipe"
	"github.com/qvirt/hwpipe/internal/wake"
)

// Snapshot is the set of latched registers a command executes against,
// captured from the device's register file before Dispatch is called.
type Snapshot struct {
	Command    mmio.Command
	Channel    uint64
	Size       uint32
	Address    uint64
	ParamsAddr uint64
}

// Engine dispatches latched register snapshots against a channel table,
// using a registry to construct handlers on OPEN and a memory capability
// to move buffer command payloads.
type Engine struct {
	mu        sync.Mutex
	table     *pipe.Table
	scheduler *wake.Scheduler
	registry  interfaces.ServiceRegistry
	mem       interfaces.GuestMemory
	logger    interfaces.Logger
	observer  interfaces.Observer
}

// New constructs an Engine. logger and observer may be nil.
func New(table *pipe.Table, scheduler *wake.Scheduler, registry interfaces.ServiceRegistry, mem interfaces.GuestMemory, logger interfaces.Logger, observer interfaces.Observer) *Engine {
	return &Engine{table: table, scheduler: scheduler, registry: registry, mem: mem, logger: logger, observer: observer}
}

// hostCallbacks adapts Engine to interfaces.HostCallbacks so a
// ServiceHandler can reach SignalWake/CloseFromHost without holding a
// reference to the whole Engine type.
type hostCallbacks struct{ e *Engine }

func (h hostCallbacks) SignalWake(channel uint64, flags uint32) { h.e.SignalWake(channel, flags) }
func (h hostCallbacks) CloseFromHost(channel uint64)            { h.e.CloseFromHost(channel) }

// Dispatch executes snap.Command against snap's other latched fields and
// returns the status code to deposit in RegStatus. A buffer command's
// byte count (on success) is returned as a non-negative Status.
func (e *Engine) Dispatch(snap Snapshot) mmio.Status {
	switch snap.Command {
	case mmio.CmdOpen:
		return e.open(snap)
	case mmio.CmdClose:
		return e.close(snap.Channel)
	case mmio.CmdPoll:
		return e.poll(snap.Channel)
	case mmio.CmdWriteBuffer:
		return e.transfer(snap, true)
	case mmio.CmdReadBuffer:
		return e.transfer(snap, false)
	case mmio.CmdWakeOnWrite:
		return e.wakeOn(snap.Channel, mmio.WakeWrite)
	case mmio.CmdWakeOnRead:
		return e.wakeOn(snap.Channel, mmio.WakeRead)
	default:
		if e.logger != nil {
			e.logger.Warn("unknown command", "command", uint8(snap.Command))
		}
		return mmio.StatusErrInval
	}
}

// open is distinguished from every other command in one way: the channel
// id it operates on must NOT already be present in the table (spec §4.C,
// OPEN). The name it opens against is not part of the register
// snapshot in this port, so this path opens against the empty name;
// the device reads the name from the guest-memory string at the latched
// Address/Size and calls OpenNamed directly.
func (e *Engine) open(snap Snapshot) mmio.Status {
	return e.OpenNamed(snap.Channel, "")
}

// OpenNamed allocates a channel id bound to the named service. It is
// split out from Dispatch's OPEN case because reading the service name
// from guest memory (the string at the latched Address/Size) is done by
// the device, not the command engine.
func (e *Engine) OpenNamed(channel uint64, name string) mmio.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.table.Lookup(channel) != nil {
		if e.logger != nil {
			e.logger.Warn("open on live channel id", "channel", channel)
		}
		return mmio.StatusErrInval
	}

	handler, err := e.registry.Create(name, channel, hostCallbacks{e})
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("open unknown service", "channel", channel, "service", name)
		}
		return mmio.StatusErrInval
	}

	ch := pipe.New(channel, handler)
	e.table.Insert(ch)
	if e.observer != nil {
		e.observer.ObserveOpen(channel)
	}
	if e.logger != nil {
		e.logger.Debug("channel opened", "channel", channel, "service", name)
	}
	return mmio.StatusOK
}

func (e *Engine) resolve(channel uint64, allowClosed bool) (*pipe.Channel, mmio.Status) {
	ch := e.table.Lookup(channel)
	if ch == nil {
		if e.logger != nil {
			e.logger.Warn("command on unknown channel", "channel", channel)
		}
		return nil, mmio.StatusErrInval
	}
	if ch.Closed() && !allowClosed {
		return nil, mmio.StatusErrIO
	}
	return ch, mmio.StatusOK
}

func (e *Engine) close(channel uint64) mmio.Status {
	e.mu.Lock()
	ch, status := e.resolve(channel, true)
	if status != mmio.StatusOK {
		e.mu.Unlock()
		return status
	}
	e.table.Remove(channel)
	e.scheduler.Forget(ch)
	e.mu.Unlock()

	// Destroy (and the handler's Close callout) runs outside the lock:
	// the handler may call back into SignalWake/CloseFromHost as part of
	// its own teardown, and those calls need the lock free to take it.
	ch.Destroy()
	if e.observer != nil {
		e.observer.ObserveClose(channel)
	}
	if e.logger != nil {
		e.logger.Debug("channel closed", "channel", channel)
	}
	return mmio.StatusOK
}

func (e *Engine) poll(channel uint64) mmio.Status {
	e.mu.Lock()
	ch, status := e.resolve(channel, false)
	e.mu.Unlock()
	if status != mmio.StatusOK {
		return status
	}
	handler := ch.HandlerRef()
	if handler == nil {
		return mmio.StatusErrIO
	}
	return mmio.Status(handler.Poll())
}

func (e *Engine) wakeOn(channel uint64, mask uint32) mmio.Status {
	e.mu.Lock()
	ch, status := e.resolve(channel, false)
	if status != mmio.StatusOK {
		e.mu.Unlock()
		return status
	}
	ch.SetWanted(mask)
	wanted := ch.Wanted()
	e.mu.Unlock()
	handler := ch.HandlerRef()
	if handler == nil {
		return mmio.StatusErrIO
	}
	handler.WakeOn(wanted)
	return mmio.StatusOK
}

// transfer implements WRITE_BUFFER (isWrite=true: guest -> service) and
// READ_BUFFER (isWrite=false: service -> guest). It maps the guest
// buffer for the duration of the call only; the handler never sees
// guest memory outside this window.
func (e *Engine) transfer(snap Snapshot, isWrite bool) mmio.Status {
	e.mu.Lock()
	ch, status := e.resolve(snap.Channel, false)
	e.mu.Unlock()
	if status != mmio.StatusOK {
		return status
	}
	handler := ch.HandlerRef()
	if handler == nil {
		return mmio.StatusErrIO
	}

	// The mapping direction is the opposite of the command's data
	// direction from the guest's point of view: WRITE_BUFFER moves
	// bytes guest->service, so the device only needs to read the guest
	// page (isWrite=false on the mapping); READ_BUFFER moves bytes
	// service->guest, so the device needs to write the guest page.
	buf, err := e.mem.Map(snap.Address, snap.Size, !isWrite)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("guest memory map failed", "channel", snap.Channel, "error", err)
		}
		return mmio.StatusErrIO
	}

	var n int32
	if isWrite {
		n = handler.Send(buf)
	} else {
		n = handler.Recv(buf)
	}

	dirty := !isWrite && n > 0
	accessLen := uint32(0)
	if n > 0 {
		accessLen = uint32(n)
	}
	e.mem.Unmap(buf, dirty, accessLen)

	if e.observer != nil {
		e.observer.ObserveTransfer(isWrite, accessLen, n)
	}
	return mmio.Status(n)
}

// ReadChannelLow implements the RegChannel read entry point, serialized
// against the rest of the command path.
func (e *Engine) ReadChannelLow() (low uint32, wakes uint32, found bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler.ReadChannelLow()
}

// ReadChannelHigh implements the RegChannelHigh read entry point.
func (e *Engine) ReadChannelHigh() (high uint32, found bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler.ReadChannelHigh()
}

// Snapshot returns the ids of every currently open channel, for
// debugging and tests.
func (e *Engine) Snapshot() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.Snapshot()
}

// SignalWake implements interfaces.HostCallbacks for a service calling
// back from its own goroutine after Recv/Send/Poll returned. It is the
// host-originated half of the wake protocol (spec §4.F).
func (e *Engine) SignalWake(channel uint64, flags uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := e.table.Lookup(channel)
	if ch == nil {
		return
	}
	ch.SetWanted(flags)
	if !ch.Closed() {
		e.scheduler.NotifyWake(ch)
	}
}

// CloseFromHost implements interfaces.HostCallbacks: the host side of a
// channel went away (the backing resource disappeared) before the guest
// issued CLOSE. It marks the channel closed and delivers a synthetic
// wake carrying WakeClosed so the guest's next drain observes it,
// without removing the channel from the table -- that only happens when
// the guest itself issues CLOSE.
func (e *Engine) CloseFromHost(channel uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := e.table.Lookup(channel)
	if ch == nil {
		return
	}
	if !ch.MarkClosed() {
		return
	}
	ch.SetWanted(mmio.WakeClosed)
	// Unlike SignalWake, this delivers the wake even though the channel
	// is already closed: spec §4.F requires the synthetic CLOSED wake to
	// reach the guest through the standard wake path, not be swallowed by
	// the closed check that guards an ordinary host wake.
	e.scheduler.NotifyWake(ch)
}
