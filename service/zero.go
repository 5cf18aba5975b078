package service

import (
	"github.com/qvirt/hwpipe/internal/interfaces"
	"github.com/qvirt/hwpipe/internal/mmio"
)

// Zero is a trivial service: reads always return zero-filled bytes,
// writes are always accepted and discarded. Useful as a load-bearing
// smoke-test channel that never blocks and never needs a host wake.
type Zero struct{}

// NewZero constructs a Zero handler. It ignores channel/callbacks since
// it never produces an asynchronous wake.
func NewZero(uint64, interfaces.HostCallbacks) *Zero {
	return &Zero{}
}

// Send implements interfaces.ServiceHandler: accepts and discards.
func (z *Zero) Send(buf []byte) int32 {
	return int32(len(buf))
}

// Recv implements interfaces.ServiceHandler: fills buf with zero bytes.
func (z *Zero) Recv(buf []byte) int32 {
	for i := range buf {
		buf[i] = 0
	}
	return int32(len(buf))
}

// Poll implements interfaces.ServiceHandler: always readable and
// writable.
func (z *Zero) Poll() uint32 {
	return mmio.WakeRead | mmio.WakeWrite
}

// WakeOn implements interfaces.ServiceHandler as a no-op: Zero never
// needs to notify, since Poll is always satisfied.
func (z *Zero) WakeOn(mask uint32) {}

// Close implements interfaces.ServiceHandler as a no-op.
func (z *Zero) Close() {}
