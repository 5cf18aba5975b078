// Package hwpipe implements a virtual pipe device: an MMIO peripheral
// that multiplexes named host services over guest-opened channels. The
// device owns no guest memory, no interrupt controller, and no service
// registry of its own -- all three are supplied as capabilities at
// construction time, so the same core runs atop any hypervisor
// framework that can hand it those three things.
package hwpipe

import (
	"bytes"
	"sync"

	"github.com/qvirt/hwpipe/internal/cmdengine"
	"github.com/qvirt/hwpipe/internal/interfaces"
	"github.com/qvirt/hwpipe/internal/logging"
	"github.com/qvirt/hwpipe/internal/mmio"
	"github.com/qvirt/hwpipe/internal/pipe"
	"github.com/qvirt/hwpipe/internal/wake"
)

// GuestMemory, IrqLine, ServiceHandler, ServiceRegistry and
// HostCallbacks are the public capability contracts a caller implements
// to wire this device into its own hypervisor framework. They mirror
// internal/interfaces exactly; the aliases exist so callers outside this
// module never need to import the internal package.
type (
	GuestMemory     = interfaces.GuestMemory
	IrqLine         = interfaces.IrqLine
	ServiceHandler  = interfaces.ServiceHandler
	ServiceRegistry = interfaces.ServiceRegistry
	HostCallbacks   = interfaces.HostCallbacks
	Observer        = interfaces.Observer
)

// Config configures a Device. Registry, Memory and IRQ are required;
// a nil Logger falls back to logging.Default(), and a nil Observer
// installs the built-in Metrics collector (see Device.Metrics).
type Config struct {
	// MMIOWindowSize is advisory: it is reported by callers that expose
	// it, the device itself only ever touches the fixed register offsets
	// in internal/mmio regardless of window size.
	MMIOWindowSize uint32

	// MaxChannels is checked by Validate to be non-negative. The device
	// does not enforce it: the number of open channels is not limited.
	MaxChannels int

	Registry ServiceRegistry
	Memory   GuestMemory
	IRQ      IrqLine

	Logger   *logging.Logger
	Observer Observer
}

// DefaultConfig returns a Config with the standard window size and no
// channel cap. Registry, Memory and IRQ must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		MMIOWindowSize: mmio.WindowSize,
		MaxChannels:    0,
	}
}

// Validate reports a *ConfigError for any field that would make New
// fail to construct a usable device.
func (c Config) Validate() error {
	if c.Registry == nil {
		return &ConfigError{Field: "Registry", Msg: "must not be nil"}
	}
	if c.Memory == nil {
		return &ConfigError{Field: "Memory", Msg: "must not be nil"}
	}
	if c.IRQ == nil {
		return &ConfigError{Field: "IRQ", Msg: "must not be nil"}
	}
	if c.MaxChannels < 0 {
		return &ConfigError{Field: "MaxChannels", Msg: "must not be negative"}
	}
	return nil
}

// registers holds the device's latched MMIO register state: the
// operand registers a guest writes before triggering a command, plus
// the small amount of state a register read produces.
type registers struct {
	size        uint32
	addressLow  uint32
	addressHigh uint32
	channelLow  uint32
	channelHigh uint32
	paramsLow   uint32
	paramsHigh  uint32

	wakes  uint32
	status mmio.Status
}

// Device is a virtual pipe device instance.
type Device struct {
	cfg      Config
	logger   *logging.Logger
	metrics  *Metrics
	observer Observer

	mem interfaces.GuestMemory

	scheduler *wake.Scheduler
	engine    *cmdengine.Engine

	regsMu sync.Mutex
	regs   registers
}

// New constructs a Device from cfg, which must pass Validate.
func New(cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MMIOWindowSize == 0 {
		cfg.MMIOWindowSize = mmio.WindowSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	observer := cfg.Observer
	var metrics *Metrics
	if observer == nil {
		metrics = NewMetrics()
		observer = metrics
	}

	table := pipe.NewTable()
	scheduler := wake.New(table, cfg.IRQ, logger, observer)
	engine := cmdengine.New(table, scheduler, cfg.Registry, cfg.Memory, logger, observer)

	d := &Device{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		observer:  observer,
		mem:       cfg.Memory,
		scheduler: scheduler,
		engine:    engine,
	}
	d.logger.Info("device constructed", "window_size", cfg.MMIOWindowSize)
	return d, nil
}

// Metrics returns the device's built-in metrics collector, or nil if
// Config.Observer was set to a caller-supplied Observer instead.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// Snapshot returns the ids of every currently open channel, for
// debugging and tests.
func (d *Device) Snapshot() []uint64 {
	return d.engine.Snapshot()
}

// Engine exposes the device's command engine so a caller within this
// module can drive it directly -- e.g. internal/opbatch, which submits
// pre-opened channels' POLL/READ_BUFFER/WRITE_BUFFER/WAKE_ON_* commands
// concurrently instead of one register write at a time. OPEN still must
// go through WriteRegister/dispatchCommand, since resolving a service
// name out of guest memory is the device's job, not the engine's.
func (d *Device) Engine() *cmdengine.Engine {
	return d.engine
}

// ReadRegister implements a 32-bit MMIO read at offset within the
// device's register window.
func (d *Device) ReadRegister(offset uint32) uint32 {
	d.regsMu.Lock()
	defer d.regsMu.Unlock()

	switch mmio.Offset(offset) {
	case mmio.RegChannel:
		low, wakes, found := d.engine.ReadChannelLow()
		if found {
			d.regs.wakes = wakes
		} else {
			d.regs.wakes = 0
		}
		return low
	case mmio.RegChannelHigh:
		high, _ := d.engine.ReadChannelHigh()
		return high
	case mmio.RegWakes:
		return d.regs.wakes
	case mmio.RegStatus:
		return uint32(d.regs.status)
	case mmio.RegVersion:
		return mmio.Version
	case mmio.RegParamsAddrLow:
		return d.regs.paramsLow
	case mmio.RegParamsAddrHigh:
		return d.regs.paramsHigh
	case mmio.RegSize:
		return d.regs.size
	case mmio.RegAddress:
		return d.regs.addressLow
	case mmio.RegAddressHigh:
		return d.regs.addressHigh
	default:
		d.logger.Warn("read from unknown register", "offset", offset)
		return 0
	}
}

// WriteRegister implements a 32-bit MMIO write at offset.
func (d *Device) WriteRegister(offset uint32, value uint32) {
	d.regsMu.Lock()
	defer d.regsMu.Unlock()

	switch mmio.Offset(offset) {
	case mmio.RegSize:
		d.regs.size = value
	case mmio.RegAddress:
		d.regs.addressLow = value
	case mmio.RegAddressHigh:
		d.regs.addressHigh = value
	case mmio.RegChannel:
		d.regs.channelLow = value
	case mmio.RegChannelHigh:
		d.regs.channelHigh = value
	case mmio.RegParamsAddrLow:
		d.regs.paramsLow = value
	case mmio.RegParamsAddrHigh:
		d.regs.paramsHigh = value
	case mmio.RegCommand:
		d.regs.status = d.dispatchCommand(mmio.Command(value))
	case mmio.RegAccessParams:
		d.regs.status = d.dispatchPackedParams()
	default:
		d.logger.Warn("write to unknown register", "offset", offset, "value", value)
	}
}

func (d *Device) snapshotOperands() cmdengine.Snapshot {
	return cmdengine.Snapshot{
		Channel: uint64(d.regs.channelHigh)<<32 | uint64(d.regs.channelLow),
		Size:    d.regs.size,
		Address: uint64(d.regs.addressHigh)<<32 | uint64(d.regs.addressLow),
	}
}

// dispatchCommand executes the command latched via RegCommand against
// the other operand registers already latched at this point.
func (d *Device) dispatchCommand(cmd mmio.Command) mmio.Status {
	snap := d.snapshotOperands()
	snap.Command = cmd

	if cmd == mmio.CmdOpen {
		name, status := d.readServiceName(snap)
		if status != mmio.StatusOK {
			return status
		}
		return d.engine.OpenNamed(snap.Channel, name)
	}
	return d.engine.Dispatch(snap)
}

// readServiceName reads the NUL-terminated service name a guest places
// at [Address, Address+Size) before triggering OPEN.
func (d *Device) readServiceName(snap cmdengine.Snapshot) (string, mmio.Status) {
	if snap.Size == 0 {
		return "", mmio.StatusErrInval
	}
	buf, err := d.mem.Map(snap.Address, snap.Size, false)
	if err != nil {
		d.logger.Warn("open: guest memory map failed", "channel", snap.Channel, "error", err)
		return "", mmio.StatusErrIO
	}
	defer d.mem.Unmap(buf, false, uint32(len(buf)))

	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), mmio.StatusOK
}

// dispatchPackedParams implements the ACCESS_PARAMS alternative command
// path: the whole operand set (and the result) lives in one guest-memory
// struct instead of individual registers (spec §6.5).
func (d *Device) dispatchPackedParams() mmio.Status {
	paramsAddr := uint64(d.regs.paramsHigh)<<32 | uint64(d.regs.paramsLow)
	buf, err := d.mem.Map(paramsAddr, mmio.Params64Size, true)
	if err != nil {
		d.logger.Warn("access_params: guest memory map failed", "error", err)
		return mmio.StatusErrIO
	}

	params, wide, ok := mmio.DecodeParams(buf)
	if !ok {
		d.mem.Unmap(buf, false, 0)
		return mmio.StatusErrInval
	}

	cmd := mmio.Command(params.Cmd)
	if cmd != mmio.CmdReadBuffer && cmd != mmio.CmdWriteBuffer {
		// Only the two buffer commands are honored through this path;
		// anything else (OPEN, CLOSE, POLL, WAKE_ON_*) is silently
		// ignored, matching the wire protocol for ACCESS_PARAMS.
		d.mem.Unmap(buf, false, 0)
		return mmio.StatusOK
	}

	snap := cmdengine.Snapshot{
		Command: cmd,
		Channel: params.Channel,
		Size:    params.Size,
		Address: params.Address,
	}
	status := d.engine.Dispatch(snap)

	mmio.EncodeResult(buf, uint32(int32(status)), params.Flags, wide)
	d.mem.Unmap(buf, true, uint32(len(buf)))
	return status
}

// Wake is the host callback bridge entry point a ServiceHandler (or any
// host-side code holding a raw channel id) uses to signal channel
// activity from outside the MMIO path (spec component F).
func (d *Device) Wake(channel uint64, flags uint32) {
	d.engine.SignalWake(channel, flags)
}

// CloseChannel is the host callback bridge entry point for the host
// side of a channel going away before the guest issues CLOSE.
func (d *Device) CloseChannel(channel uint64) {
	d.engine.CloseFromHost(channel)
}

// hostCallbacks adapts Device to interfaces.HostCallbacks, so Registry
// implementations can accept it directly without reaching into
// internal/cmdengine.
type hostCallbacks struct{ d *Device }

func (h hostCallbacks) SignalWake(channel uint64, flags uint32) { h.d.Wake(channel, flags) }
func (h hostCallbacks) CloseFromHost(channel uint64)            { h.d.CloseChannel(channel) }

// Callbacks returns the HostCallbacks view of this device, for service
// registries constructed independently of cmdengine.
func (d *Device) Callbacks() HostCallbacks {
	return hostCallbacks{d}
}

// Close tears down every still-open channel, calling each handler's
// Close exactly once.
func (d *Device) Close() {
	for _, id := range d.engine.Snapshot() {
		d.regsMu.Lock()
		status := d.engine.Dispatch(cmdengine.Snapshot{Command: mmio.CmdClose, Channel: id})
		d.regsMu.Unlock()
		if status != mmio.StatusOK {
			d.logger.Warn("close during shutdown failed", "channel", id, "status", status)
		}
	}
	d.logger.Info("device closed")
}
