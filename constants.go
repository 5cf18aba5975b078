package hwpipe

import "github.com/qvirt/hwpipe/internal/mmio"

// Re-exported wire constants for callers that want to reason about the
// MMIO window without importing the internal package directly.
const (
	MMIOWindowSize = mmio.WindowSize
	Version        = mmio.Version

	StatusOK = mmio.StatusOK

	CmdOpen        = mmio.CmdOpen
	CmdClose       = mmio.CmdClose
	CmdPoll        = mmio.CmdPoll
	CmdWriteBuffer = mmio.CmdWriteBuffer
	CmdWakeOnWrite = mmio.CmdWakeOnWrite
	CmdWakeOnRead  = mmio.CmdWakeOnRead
	CmdReadBuffer  = mmio.CmdReadBuffer

	WakeClosed = mmio.WakeClosed
	WakeRead   = mmio.WakeRead
	WakeWrite  = mmio.WakeWrite
)

// Register offsets, re-exported so a framework wiring this device into
// its own MMIO dispatch table does not need to import internal/mmio.
const (
	RegCommand        = mmio.RegCommand
	RegSize           = mmio.RegSize
	RegAddress        = mmio.RegAddress
	RegAddressHigh    = mmio.RegAddressHigh
	RegChannel        = mmio.RegChannel
	RegChannelHigh    = mmio.RegChannelHigh
	RegWakes          = mmio.RegWakes
	RegParamsAddrLow  = mmio.RegParamsAddrLow
	RegParamsAddrHigh = mmio.RegParamsAddrHigh
	RegAccessParams   = mmio.RegAccessParams
	RegStatus         = mmio.RegStatus
	RegVersion        = mmio.RegVersion
)
