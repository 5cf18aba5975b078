// Command hwpipe-demo wires a virtual pipe device to an in-process
// guest memory region and a real eventfd interrupt line, then drives it
// from the MMIO-register surface a guest driver would use. It exists to
// exercise the device outside of any particular hypervisor integration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/qvirt/hwpipe"
	"github.com/qvirt/hwpipe/internal/cmdengine"
	"github.com/qvirt/hwpipe/internal/logging"
	"github.com/qvirt/hwpipe/internal/memguest"
	"github.com/qvirt/hwpipe/internal/mmio"
	"github.com/qvirt/hwpipe/internal/opbatch"
	"github.com/qvirt/hwpipe/service"
)

func main() {
	var (
		sizeStr = flag.String("mem-size", "16M", "size of the guest memory region (e.g. 16M, 1G)")
		verbose = flag.Bool("v", false, "verbose output")
		svcName = flag.String("service", "pingpong", "service name to open on channel 1 at startup")
	)
	flag.Parse()

	memSize, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid -mem-size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	irq, err := newEventfdIRQ()
	if err != nil {
		logger.Error("failed to create interrupt line", "error", err)
		os.Exit(1)
	}
	defer irq.Close()

	cfg := hwpipe.DefaultConfig()
	cfg.Memory = memguest.New(memSize)
	cfg.IRQ = irq
	cfg.Registry = service.NewRegistry()
	cfg.Logger = logger

	device, err := hwpipe.New(cfg)
	if err != nil {
		logger.Error("failed to construct device", "error", err)
		os.Exit(1)
	}
	defer device.Close()

	logger.Info("device ready", "mem_size", formatSize(memSize))

	guest := cfg.Memory.(*memguest.Memory)
	openChannel(device, guest, 0, 1, *svcName, logger)
	openChannel(device, guest, 0x1000, 2, "zero", logger)
	openChannel(device, guest, 0x2000, 3, "zero", logger)

	scriptMultiChannelTraffic(device, logger)

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			if f, err := os.Create(fmt.Sprintf("hwpipe-stacks-%d.txt", time.Now().Unix())); err == nil {
				f.Write(buf[:n])
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pollLoop(ctx, device, irq, logger)

	<-sigCh
	logger.Info("received shutdown signal")
	cancel()
}

// openChannel writes name into guest memory at nameAddr and issues OPEN
// on channel, the only command that must go through the register path
// rather than a batched opbatch.Request (see Device.Engine's doc).
func openChannel(device *hwpipe.Device, guest *memguest.Memory, nameAddr uint64, channel uint64, name string, logger *logging.Logger) {
	buf, _ := guest.Map(nameAddr, uint32(len(name)+1), true)
	copy(buf, name)
	guest.Unmap(buf, true, uint32(len(name)+1))

	device.WriteRegister(uint32(hwpipe.RegAddress), uint32(nameAddr))
	device.WriteRegister(uint32(hwpipe.RegSize), uint32(len(name)+1))
	device.WriteRegister(uint32(hwpipe.RegChannel), uint32(channel))
	device.WriteRegister(uint32(hwpipe.RegCommand), uint32(hwpipe.CmdOpen))
	status := int32(device.ReadRegister(uint32(hwpipe.RegStatus)))
	if status != int32(hwpipe.StatusOK) {
		logger.Error("startup OPEN failed", "channel", channel, "service", name, "status", status)
		return
	}
	logger.Info("opened startup channel", "channel", channel, "service", name)
}

// scriptMultiChannelTraffic drives a handful of POLL commands across the
// channels openChannel just opened, concurrently, through an opbatch
// batcher instead of one register write at a time -- standing in for
// the fan-out a real multi-queue guest driver would do once more than
// one channel is live.
func scriptMultiChannelTraffic(device *hwpipe.Device, logger *logging.Logger) {
	batcher, err := opbatch.New(4, device.Engine().Dispatch, logger, nil)
	if err != nil {
		logger.Warn("opbatch construction failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := batcher.Start(ctx); err != nil {
		logger.Warn("opbatch start failed", "error", err)
		return
	}
	defer batcher.Stop()

	results := make([]<-chan mmio.Status, 0, 3)
	for _, channel := range []uint64{1, 2, 3} {
		results = append(results, batcher.SubmitAsync(cmdengine.Snapshot{
			Command: mmio.CmdPoll,
			Channel: channel,
		}))
	}
	for i, r := range results {
		logger.Debug("scripted poll completed", "channel", i+1, "status", <-r)
	}
}

// pollLoop periodically logs the asserted interrupt level and the open
// channel set, standing in for whatever a real hypervisor's vCPU exit
// handler would otherwise do on an MMIO read of the wakes register.
func pollLoop(ctx context.Context, device *hwpipe.Device, irq *eventfdIRQ, logger *logging.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug("poll", "open_channels", device.Snapshot(), "irq_level", irq.Level())
		}
	}
}

// eventfdIRQ implements hwpipe.IrqLine over a Linux eventfd, so the
// device's interrupt assert/deassert has a real file descriptor a
// select/epoll loop could wait on, the way a hypervisor's own irqfd
// would.
type eventfdIRQ struct {
	fd    int
	level int
}

func newEventfdIRQ() (*eventfdIRQ, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &eventfdIRQ{fd: fd}, nil
}

func (e *eventfdIRQ) Set(level int) {
	e.level = level
	if level == 0 {
		return
	}
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(e.fd, buf[:])
}

func (e *eventfdIRQ) Level() int {
	return e.level
}

func (e *eventfdIRQ) Close() error {
	return unix.Close(e.fd)
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	multiplier := int64(1)
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	}
	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), []string{"K", "M", "G", "T"}[exp])
}
