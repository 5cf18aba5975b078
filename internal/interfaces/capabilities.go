// Package interfaces provides the internal capability contracts consumed
// by the device core. These mirror the public capability types in the
// top-level package but live here to avoid import cycles between that
// package and the internal components that need them (cmdengine, wake,
// pipe).
package interfaces

// GuestMemory maps a guest physical address range into a host-addressable
// buffer and releases it afterward. Implementations are provided by the
// hypervisor framework; the device core never owns guest memory, it only
// borrows it for the duration of a single buffer command.
type GuestMemory interface {
	// Map returns a host-addressable slice backing [phys, phys+size) of
	// guest physical memory. isWrite selects the mapping's access
	// direction (true when the device intends to write into the guest,
	// i.e. a READ_BUFFER command). The returned slice may be shorter than
	// size if the mapping could not cover the full requested range.
	Map(phys uint64, size uint32, isWrite bool) (buf []byte, err error)

	// Unmap releases a mapping previously returned by Map. dirty marks
	// whether the device wrote into buf and the guest page should be
	// flushed/marked dirty; accessLen is the number of bytes actually
	// consumed (<= len(buf)).
	Unmap(buf []byte, dirty bool, accessLen uint32)
}

// IrqLine is the single interrupt line the device asserts to tell the
// guest that signaled channels are waiting in the wake scheduler.
type IrqLine interface {
	// Set drives the line to level (0 = deasserted, 1 = asserted).
	Set(level int)
}

// ServiceHandler is the fixed capability set a host-side service (adb,
// graphics, ping-pong, throttle, zero, ...) exposes to a bound channel.
// All methods must be non-blocking and safe to call with the channel's
// lock released; Wake/Close callbacks may re-enter from another goroutine
// while a command is executing.
type ServiceHandler interface {
	// Recv reads into one scatter/gather buffer and returns the number of
	// bytes placed, or a negative PIPE_ERROR_* code.
	Recv(buf []byte) int32

	// Send writes one scatter/gather buffer and returns the number of
	// bytes consumed, or a negative PIPE_ERROR_* code.
	Send(buf []byte) int32

	// Poll returns the wake-mask-shaped bits currently true for this
	// channel (readable/writable), without blocking.
	Poll() uint32

	// WakeOn subscribes the handler to notify the channel when newMask's
	// conditions become true. Idempotent.
	WakeOn(newMask uint32)

	// Close tears down the handler. Called exactly once, when the guest
	// issues CLOSE.
	Close()
}

// ServiceRegistry resolves a service name (trusted, supplied by the guest
// at OPEN time) to a freshly constructed handler bound to callbacks for
// that channel.
type ServiceRegistry interface {
	// Create looks up name and constructs a handler for channel id,
	// wired to callbacks so the service can later call SignalWake /
	// CloseFromHost. Returns an error if name is unknown.
	Create(name string, channel uint64, callbacks HostCallbacks) (ServiceHandler, error)
}

// HostCallbacks is the narrow surface a running ServiceHandler uses to
// reach back into the device from its own goroutine.
type HostCallbacks interface {
	// SignalWake delivers a host-originated wake for channel with the
	// given wake flags (see the WAKE_* bit constants).
	SignalWake(channel uint64, flags uint32)

	// CloseFromHost marks channel closed from the host side. Idempotent.
	CloseFromHost(channel uint64)
}

// Logger is the narrow logging surface the device core depends on,
// satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer collects optional operational metrics. Implementations must be
// safe to call concurrently from the MMIO path and from host callback
// goroutines.
type Observer interface {
	ObserveOpen(channel uint64)
	ObserveClose(channel uint64)
	ObserveWake(channel uint64, flags uint32)
	ObserveTransfer(isWrite bool, bytes uint32, status int32)
	ObserveIRQ(asserted bool)
}
