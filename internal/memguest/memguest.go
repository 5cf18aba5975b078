// Package memguest provides a RAM-backed implementation of the device's
// GuestMemory capability, for demo and test harnesses that have no real
// hypervisor behind them. It shards its locking the same way a real
// guest memory map would need to under concurrent channel traffic from
// multiple queues.
package memguest

import (
	"fmt"
	"sync"
)

// ShardSize bounds how many bytes a single lock guards, so concurrent
// Map calls against disjoint regions don't serialize on one mutex.
const ShardSize = 64 * 1024

// Memory is a flat byte slice addressed as guest physical memory.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.Mutex
}

// New creates a zero-filled guest memory region of size bytes.
func New(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.Mutex, numShards),
	}
}

func (m *Memory) shardRange(off int64, length int) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + int64(length) - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// Map implements interfaces.GuestMemory. The returned slice aliases the
// backing array directly; Unmap's dirty flag is advisory only, since
// there is no separate host/guest copy to reconcile here.
func (m *Memory) Map(phys uint64, size uint32, isWrite bool) ([]byte, error) {
	off := int64(phys)
	if off < 0 || off >= m.size {
		return nil, fmt.Errorf("memguest: address 0x%x out of range (size %d)", phys, m.size)
	}

	available := m.size - off
	length := int64(size)
	if length > available {
		length = available
	}

	start, end := m.shardRange(off, int(length))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}

	return m.data[off : off+length], nil
}

// Unmap releases the shard locks taken by the Map call that produced
// buf. accessLen and dirty are accepted for interface compatibility but
// unused: buf already aliases live memory, so writes are visible the
// instant they happen.
func (m *Memory) Unmap(buf []byte, dirty bool, accessLen uint32) {
	// A zero-length buf (a zero-size transfer) still locked a shard in
	// Map -- shardRange(off, 0) lands on the same shard Map's identical
	// call computed, so the lock must still be released here. Returning
	// early on an empty buf would leak that lock permanently.
	off := int64(cap(m.data) - cap(buf))
	start, end := m.shardRange(off, len(buf))
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
}

// Size reports the total addressable range.
func (m *Memory) Size() int64 {
	return m.size
}
