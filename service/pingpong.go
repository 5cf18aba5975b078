// Package service provides host-side ServiceHandler implementations a
// Device can be opened against, grounded on the teacher corpus's
// sharded in-memory backend idiom but adapted to the request/response
// shape a pipe service actually has: Send pushes bytes in, Recv drains
// bytes back out, and WakeOn governs when the device should be told
// those bytes are ready.
package service

import (
	"sync"

	"github.com/qvirt/hwpipe/internal/interfaces"
	"github.com/qvirt/hwpipe/internal/mmio"
)

// PingPongCapacity bounds the internal buffer a PingPong channel keeps
// between a guest write and the matching read.
const PingPongCapacity = 4096

// PingPong is a minimal echo service: every byte sent by the guest is
// queued and becomes available to a subsequent read, in order, useful
// for exercising the device's buffer commands and wake protocol without
// a real backing service.
type PingPong struct {
	channel   uint64
	callbacks interfaces.HostCallbacks

	mu       sync.Mutex
	buf      []byte
	wakeMask uint32
	closed   bool
}

// NewPingPong constructs a PingPong bound to channel, using callbacks to
// signal the device when queued data becomes readable.
func NewPingPong(channel uint64, callbacks interfaces.HostCallbacks) *PingPong {
	return &PingPong{channel: channel, callbacks: callbacks}
}

// Send implements interfaces.ServiceHandler: queues buf's bytes for a
// later Recv and wakes the channel if the guest asked to be told about
// readability.
func (p *PingPong) Send(buf []byte) int32 {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return int32(mmio.StatusErrIO)
	}
	room := PingPongCapacity - len(p.buf)
	if room <= 0 {
		p.mu.Unlock()
		return int32(mmio.StatusErrAgain)
	}
	n := len(buf)
	if n > room {
		n = room
	}
	p.buf = append(p.buf, buf[:n]...)
	wantsRead := p.wakeMask&mmio.WakeRead != 0
	p.mu.Unlock()

	if wantsRead && n > 0 {
		p.callbacks.SignalWake(p.channel, mmio.WakeRead)
	}
	return int32(n)
}

// Recv implements interfaces.ServiceHandler: drains queued bytes into
// buf, oldest first.
func (p *PingPong) Recv(buf []byte) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed && len(p.buf) == 0 {
		return int32(mmio.StatusErrIO)
	}
	if len(p.buf) == 0 {
		return int32(mmio.StatusErrAgain)
	}
	n := copy(buf, p.buf)
	p.buf = p.buf[n:]
	return int32(n)
}

// Poll implements interfaces.ServiceHandler.
func (p *PingPong) Poll() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var mask uint32
	if len(p.buf) > 0 {
		mask |= mmio.WakeRead
	}
	if len(p.buf) < PingPongCapacity {
		mask |= mmio.WakeWrite
	}
	return mask
}

// WakeOn implements interfaces.ServiceHandler.
func (p *PingPong) WakeOn(mask uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeMask |= mask
}

// Close implements interfaces.ServiceHandler.
func (p *PingPong) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
