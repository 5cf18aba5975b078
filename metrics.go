package hwpipe

import "sync/atomic"

// Metrics tracks operational counters for a Device and implements
// interfaces.Observer, so it can be plugged into Config.Observer
// directly. All fields are safe for concurrent use from both the MMIO
// path and host-callback goroutines.
type Metrics struct {
	Opens  atomic.Uint64
	Closes atomic.Uint64
	Wakes  atomic.Uint64

	BytesRead    atomic.Uint64 // READ_BUFFER payload bytes delivered to the guest
	BytesWritten atomic.Uint64 // WRITE_BUFFER payload bytes accepted from the guest

	TransferErrors atomic.Uint64 // transfer commands that returned a negative status

	IRQAsserts   atomic.Uint64
	IRQDeasserts atomic.Uint64
}

// NewMetrics constructs a zeroed Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveOpen implements interfaces.Observer.
func (m *Metrics) ObserveOpen(channel uint64) {
	m.Opens.Add(1)
}

// ObserveClose implements interfaces.Observer.
func (m *Metrics) ObserveClose(channel uint64) {
	m.Closes.Add(1)
}

// ObserveWake implements interfaces.Observer.
func (m *Metrics) ObserveWake(channel uint64, flags uint32) {
	m.Wakes.Add(1)
}

// ObserveTransfer implements interfaces.Observer.
func (m *Metrics) ObserveTransfer(isWrite bool, bytes uint32, status int32) {
	if status < 0 {
		m.TransferErrors.Add(1)
		return
	}
	if isWrite {
		m.BytesWritten.Add(uint64(bytes))
	} else {
		m.BytesRead.Add(uint64(bytes))
	}
}

// ObserveIRQ implements interfaces.Observer.
func (m *Metrics) ObserveIRQ(asserted bool) {
	if asserted {
		m.IRQAsserts.Add(1)
	} else {
		m.IRQDeasserts.Add(1)
	}
}

// Snapshot is a point-in-time, non-atomic copy of Metrics suitable for
// logging or a debug endpoint.
type Snapshot struct {
	Opens          uint64
	Closes         uint64
	Wakes          uint64
	BytesRead      uint64
	BytesWritten   uint64
	TransferErrors uint64
	IRQAsserts     uint64
	IRQDeasserts   uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Opens:          m.Opens.Load(),
		Closes:         m.Closes.Load(),
		Wakes:          m.Wakes.Load(),
		BytesRead:      m.BytesRead.Load(),
		BytesWritten:   m.BytesWritten.Load(),
		TransferErrors: m.TransferErrors.Load(),
		IRQAsserts:     m.IRQAsserts.Load(),
		IRQDeasserts:   m.IRQDeasserts.Load(),
	}
}
