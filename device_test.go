package hwpipe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvirt/hwpipe/hwpipetest"
	"github.com/qvirt/hwpipe/internal/mmio"
)

func newTestDevice(t *testing.T) (*Device, *hwpipetest.FakeServiceRegistry, *hwpipetest.FakeGuestMemory, *hwpipetest.FakeIrqLine) {
	t.Helper()
	registry := hwpipetest.NewFakeServiceRegistry()
	mem := hwpipetest.NewFakeGuestMemory(1 << 16)
	irq := &hwpipetest.FakeIrqLine{}

	cfg := DefaultConfig()
	cfg.Registry = registry
	cfg.Memory = mem
	cfg.IRQ = irq

	d, err := New(cfg)
	require.NoError(t, err)
	return d, registry, mem, irq
}

func writeString(mem *hwpipetest.FakeGuestMemory, addr uint64, s string) {
	copy(mem.Data[addr:], append([]byte(s), 0))
}

// writeParams32 lays out the 24-byte ACCESS_PARAMS shape at addr, zeroing
// the trailing 16 bytes of a Params64Size mapping. The device's
// 32-vs-64-bit detection heuristic reads it as the narrow shape only when
// flags (bytes [20:24)) is zero.
func writeParams32(mem *hwpipetest.FakeGuestMemory, addr uint64, channel, size, address, cmd, flags uint32) {
	buf := mem.Data[addr : addr+uint64(mmio.Params64Size)]
	for i := range buf {
		buf[i] = 0
	}
	binary.NativeEndian.PutUint32(buf[0:4], channel)
	binary.NativeEndian.PutUint32(buf[4:8], size)
	binary.NativeEndian.PutUint32(buf[8:12], address)
	binary.NativeEndian.PutUint32(buf[12:16], cmd)
	binary.NativeEndian.PutUint32(buf[20:24], flags)
}

// writeParams64 lays out the 40-byte ACCESS_PARAMS shape at addr. cmd's
// low word overlaps the byte range a 32-bit-shape read would call
// "flags", so a nonzero cmd is what the device's heuristic relies on to
// detect the wide shape.
func writeParams64(mem *hwpipetest.FakeGuestMemory, addr uint64, channel uint64, size uint32, address uint64, cmd uint32, flags uint32) {
	buf := mem.Data[addr : addr+uint64(mmio.Params64Size)]
	for i := range buf {
		buf[i] = 0
	}
	binary.NativeEndian.PutUint64(buf[0:8], channel)
	binary.NativeEndian.PutUint32(buf[8:12], size)
	binary.NativeEndian.PutUint64(buf[12:20], address)
	binary.NativeEndian.PutUint64(buf[20:28], uint64(cmd))
	binary.NativeEndian.PutUint32(buf[32:36], flags)
}

func TestNewRejectsMissingCapabilities(t *testing.T) {
	_, err := New(DefaultConfig())
	assert.Error(t, err)
}

func TestVersionRegisterReadsDeviceVersion(t *testing.T) {
	d, _, _, _ := newTestDevice(t)
	assert.Equal(t, mmio.Version, d.ReadRegister(uint32(mmio.RegVersion)))
}

// TestOpenPollWriteReadCloseRoundTrip exercises the whole guest-visible
// protocol against the pingpong-shaped fake handler: OPEN a channel,
// POLL it, WRITE_BUFFER some bytes in, READ_BUFFER them back out, then
// CLOSE.
func TestOpenPollWriteReadCloseRoundTrip(t *testing.T) {
	d, registry, mem, _ := newTestDevice(t)
	handler := hwpipetest.NewFakeServiceHandler()
	handler.PollFunc = func() uint32 { return mmio.WakeWrite }
	handler.SendFunc = func(buf []byte) int32 { return int32(len(buf)) }
	handler.RecvFunc = func(buf []byte) int32 {
		copy(buf, []byte("pong!"))
		return 5
	}
	registry.RegisterFixed("pingpong", handler)

	const nameAddr = 0x10
	writeString(mem, nameAddr, "pingpong")
	d.WriteRegister(uint32(mmio.RegAddress), nameAddr)
	d.WriteRegister(uint32(mmio.RegSize), 8)
	d.WriteRegister(uint32(mmio.RegChannel), 1)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdOpen))
	require.Equal(t, uint32(mmio.StatusOK), d.ReadRegister(uint32(mmio.RegStatus)))

	d.WriteRegister(uint32(mmio.RegChannel), 1)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdPoll))
	assert.Equal(t, mmio.WakeWrite, d.ReadRegister(uint32(mmio.RegStatus)))

	const writeAddr = 0x100
	copy(mem.Data[writeAddr:], []byte("hello"))
	d.WriteRegister(uint32(mmio.RegChannel), 1)
	d.WriteRegister(uint32(mmio.RegAddress), writeAddr)
	d.WriteRegister(uint32(mmio.RegSize), 5)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdWriteBuffer))
	assert.Equal(t, uint32(5), d.ReadRegister(uint32(mmio.RegStatus)))

	const readAddr = 0x200
	d.WriteRegister(uint32(mmio.RegChannel), 1)
	d.WriteRegister(uint32(mmio.RegAddress), readAddr)
	d.WriteRegister(uint32(mmio.RegSize), 5)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdReadBuffer))
	assert.Equal(t, uint32(5), d.ReadRegister(uint32(mmio.RegStatus)))
	assert.Equal(t, "pong!", string(mem.Data[readAddr:readAddr+5]))

	d.WriteRegister(uint32(mmio.RegChannel), 1)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdClose))
	assert.Equal(t, uint32(mmio.StatusOK), d.ReadRegister(uint32(mmio.RegStatus)))
	assert.Equal(t, 1, handler.CloseCalls)
}

// TestHostWakeDrainsThroughChannelRegisterPair covers a host-originated
// wake reaching the guest through the low/high channel register pair and
// the wakes register, including the high-half-zero terminator case.
func TestHostWakeDrainsThroughChannelRegisterPair(t *testing.T) {
	d, registry, mem, irq := newTestDevice(t)
	handler := hwpipetest.NewFakeServiceHandler()
	registry.RegisterFixed("pingpong", handler)
	writeString(mem, 0x10, "pingpong")

	d.WriteRegister(uint32(mmio.RegAddress), 0x10)
	d.WriteRegister(uint32(mmio.RegSize), 8)
	d.WriteRegister(uint32(mmio.RegChannel), 0x1)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdOpen))
	require.Equal(t, uint32(mmio.StatusOK), d.ReadRegister(uint32(mmio.RegStatus)))

	d.Wake(0x1, uint32(mmio.WakeRead))
	assert.Contains(t, irq.Levels, 1)

	low := d.ReadRegister(uint32(mmio.RegChannel))
	high := d.ReadRegister(uint32(mmio.RegChannelHigh))
	wakes := d.ReadRegister(uint32(mmio.RegWakes))

	assert.Equal(t, uint32(1), low)
	assert.Equal(t, uint32(0), high)
	assert.Equal(t, uint32(mmio.WakeRead), wakes)

	// Subsequent read finds nothing and deasserts IRQ.
	low = d.ReadRegister(uint32(mmio.RegChannel))
	assert.Equal(t, uint32(0), low)
	assert.Equal(t, 0, irq.Current())
}

func TestCommandOnUnknownChannelReturnsInval(t *testing.T) {
	d, _, _, _ := newTestDevice(t)
	d.WriteRegister(uint32(mmio.RegChannel), 0xff)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdPoll))
	assert.Equal(t, mmio.StatusErrInval, mmio.Status(d.ReadRegister(uint32(mmio.RegStatus))))
}

func TestDoubleOpenOnSameChannelFails(t *testing.T) {
	d, registry, mem, _ := newTestDevice(t)
	registry.RegisterFixed("pingpong", hwpipetest.NewFakeServiceHandler())
	writeString(mem, 0x10, "pingpong")

	d.WriteRegister(uint32(mmio.RegAddress), 0x10)
	d.WriteRegister(uint32(mmio.RegSize), 8)
	d.WriteRegister(uint32(mmio.RegChannel), 1)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdOpen))
	require.Equal(t, uint32(mmio.StatusOK), d.ReadRegister(uint32(mmio.RegStatus)))

	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdOpen))
	assert.Equal(t, mmio.StatusErrInval, mmio.Status(d.ReadRegister(uint32(mmio.RegStatus))))
}

func TestCloseMethodTearsDownAllOpenChannels(t *testing.T) {
	d, registry, mem, _ := newTestDevice(t)
	handler := hwpipetest.NewFakeServiceHandler()
	registry.RegisterFixed("pingpong", handler)
	writeString(mem, 0x10, "pingpong")

	d.WriteRegister(uint32(mmio.RegAddress), 0x10)
	d.WriteRegister(uint32(mmio.RegSize), 8)
	d.WriteRegister(uint32(mmio.RegChannel), 1)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdOpen))
	require.Equal(t, uint32(mmio.StatusOK), d.ReadRegister(uint32(mmio.RegStatus)))

	d.Close()
	assert.Equal(t, 1, handler.CloseCalls)
	assert.Empty(t, d.Snapshot())
}

func TestAccessParamsNarrowShapeExecutesBufferCommand(t *testing.T) {
	d, registry, mem, _ := newTestDevice(t)
	handler := hwpipetest.NewFakeServiceHandler()
	handler.SendFunc = func(buf []byte) int32 { return int32(len(buf)) }
	registry.RegisterFixed("pingpong", handler)
	writeString(mem, 0x10, "pingpong")

	d.WriteRegister(uint32(mmio.RegAddress), 0x10)
	d.WriteRegister(uint32(mmio.RegSize), 8)
	d.WriteRegister(uint32(mmio.RegChannel), 1)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdOpen))
	require.Equal(t, uint32(mmio.StatusOK), d.ReadRegister(uint32(mmio.RegStatus)))

	const paramsAddr = 0x300
	const writeAddr = 0x400
	copy(mem.Data[writeAddr:], []byte("hello"))
	writeParams32(mem, paramsAddr, 1, 5, writeAddr, uint32(mmio.CmdWriteBuffer), 0)

	d.WriteRegister(uint32(mmio.RegParamsAddrLow), paramsAddr)
	d.WriteRegister(uint32(mmio.RegAccessParams), 1)
	assert.Equal(t, uint32(5), d.ReadRegister(uint32(mmio.RegStatus)))
	assert.Equal(t, 1, handler.SendCalls)

	result := binary.NativeEndian.Uint32(mem.Data[paramsAddr+16 : paramsAddr+20])
	assert.Equal(t, uint32(5), result)
}

func TestAccessParamsWideShapeExecutesBufferCommand(t *testing.T) {
	d, registry, mem, _ := newTestDevice(t)
	handler := hwpipetest.NewFakeServiceHandler()
	handler.RecvFunc = func(buf []byte) int32 {
		copy(buf, []byte("pong!"))
		return 5
	}
	registry.RegisterFixed("pingpong", handler)
	writeString(mem, 0x10, "pingpong")

	d.WriteRegister(uint32(mmio.RegAddress), 0x10)
	d.WriteRegister(uint32(mmio.RegSize), 8)
	d.WriteRegister(uint32(mmio.RegChannel), 1)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdOpen))
	require.Equal(t, uint32(mmio.StatusOK), d.ReadRegister(uint32(mmio.RegStatus)))

	const paramsAddr = 0x500
	const readAddr = 0x600
	writeParams64(mem, paramsAddr, 1, 5, readAddr, uint32(mmio.CmdReadBuffer), 0)

	d.WriteRegister(uint32(mmio.RegParamsAddrLow), paramsAddr)
	d.WriteRegister(uint32(mmio.RegAccessParams), 1)
	assert.Equal(t, uint32(5), d.ReadRegister(uint32(mmio.RegStatus)))
	assert.Equal(t, "pong!", string(mem.Data[readAddr:readAddr+5]))

	result := binary.NativeEndian.Uint32(mem.Data[paramsAddr+28 : paramsAddr+32])
	assert.Equal(t, uint32(5), result)
}

func TestAccessParamsIgnoresNonBufferCommands(t *testing.T) {
	d, registry, mem, _ := newTestDevice(t)
	handler := hwpipetest.NewFakeServiceHandler()
	registry.RegisterFixed("pingpong", handler)
	writeString(mem, 0x10, "pingpong")

	d.WriteRegister(uint32(mmio.RegAddress), 0x10)
	d.WriteRegister(uint32(mmio.RegSize), 8)
	d.WriteRegister(uint32(mmio.RegChannel), 1)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdOpen))
	require.Equal(t, uint32(mmio.StatusOK), d.ReadRegister(uint32(mmio.RegStatus)))

	const paramsAddr = 0x700
	writeParams32(mem, paramsAddr, 1, 0, 0, uint32(mmio.CmdClose), 0)

	d.WriteRegister(uint32(mmio.RegParamsAddrLow), paramsAddr)
	d.WriteRegister(uint32(mmio.RegAccessParams), 1)
	assert.Equal(t, uint32(mmio.StatusOK), d.ReadRegister(uint32(mmio.RegStatus)))

	// CLOSE must not have actually executed: the channel is still open
	// and the struct's result field was left untouched.
	assert.Contains(t, d.Snapshot(), uint64(1))
	assert.Equal(t, 0, handler.CloseCalls)
	result := binary.NativeEndian.Uint32(mem.Data[paramsAddr+16 : paramsAddr+20])
	assert.Equal(t, uint32(0), result)
}

func TestMetricsObservesOpensAndTransfers(t *testing.T) {
	d, registry, mem, _ := newTestDevice(t)
	handler := hwpipetest.NewFakeServiceHandler()
	handler.SendFunc = func(buf []byte) int32 { return int32(len(buf)) }
	registry.RegisterFixed("pingpong", handler)
	writeString(mem, 0x10, "pingpong")

	d.WriteRegister(uint32(mmio.RegAddress), 0x10)
	d.WriteRegister(uint32(mmio.RegSize), 8)
	d.WriteRegister(uint32(mmio.RegChannel), 1)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdOpen))

	d.WriteRegister(uint32(mmio.RegAddress), 0x100)
	d.WriteRegister(uint32(mmio.RegSize), 4)
	d.WriteRegister(uint32(mmio.RegCommand), uint32(mmio.CmdWriteBuffer))

	snap := d.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snap.Opens)
	assert.Equal(t, uint64(4), snap.BytesWritten)
}
