// Package hwpipetest provides fake implementations of the device core's
// capability interfaces (guest memory, IRQ line, service handler,
// service registry), tracking calls the way the teacher corpus's
// MockBackend does, for use in this module's own tests and by callers
// testing code built on top of it.
package hwpipetest

import (
	"fmt"
	"sync"
)

// FakeGuestMemory backs guest physical addresses with one in-process
// byte slice starting at address 0. Map/Unmap calls are counted for
// assertions.
type FakeGuestMemory struct {
	mu   sync.Mutex
	Data []byte

	MapCalls   int
	UnmapCalls int
	LastDirty  bool
	LastLen    uint32
}

// NewFakeGuestMemory allocates size bytes of backing storage.
func NewFakeGuestMemory(size int) *FakeGuestMemory {
	return &FakeGuestMemory{Data: make([]byte, size)}
}

// Map implements interfaces.GuestMemory.
func (f *FakeGuestMemory) Map(phys uint64, size uint32, isWrite bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MapCalls++

	end := phys + uint64(size)
	if end > uint64(len(f.Data)) {
		return nil, fmt.Errorf("hwpipetest: map [%#x, %#x) out of range of %d-byte backing store", phys, end, len(f.Data))
	}
	return f.Data[phys:end], nil
}

// Unmap implements interfaces.GuestMemory.
func (f *FakeGuestMemory) Unmap(buf []byte, dirty bool, accessLen uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnmapCalls++
	f.LastDirty = dirty
	f.LastLen = accessLen
}
