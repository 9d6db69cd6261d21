// Package hwwd implements the hardware watchdog kicker: a dedicated
// goroutine, pinned to a locked-memory real-time thread where the
// platform allows it, that walks a fixed ordered list of watchdog device
// nodes and issues a keepalive ioctl to each in turn.
//
// The device order is normative. If a kick to device i fails, devices
// after i in the list are NOT kicked this cycle — a single stuck device
// must still be allowed to let the box reset rather than have a later
// device's successful kick mask the failure. The next cycle starts again
// from device 0.
//
// Disable() and Enable() let a caller hand hardware kicking to another
// party and take it back. While disabled, the kicker goroutine keeps
// running on its ticker but skips the actual ioctls, so the handoff is
// silent and instantaneous in both directions. Nothing in cmd/dsmed
// calls Disable.
package hwwd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/vigilon/dsmed/internal/platform"
)

// ioctl request numbers from linux/watchdog.h. golang.org/x/sys/unix does
// not export these (they are driver-specific, not generic syscall
// numbers), so they are reproduced here; the values are stable uapi
// constants and have not changed across kernel versions.
const (
	wdiocKeepalive  = 0x80045705
	wdiocSettimeout = 0xc0045706
)

// Device describes one hardware watchdog device node in kick order.
type Device struct {
	Path           string
	TimeoutSeconds int
	// DisableFlag is the r&d_mode CAL token name that disables this
	// device, e.g. "no-omap-wd".
	DisableFlag string
}

// KickObserver receives per-device and per-cycle kick outcomes, wired to
// Prometheus counters by the caller.
type KickObserver interface {
	KickSucceeded(device string)
	KickFailed(device string)
	CycleLatency(d time.Duration)
}

// Kicker owns the ordered device list and the goroutine that kicks them.
type Kicker struct {
	devices  []*openDevice
	log      *zap.Logger
	obs      KickObserver
	disabled atomic.Bool
}

type openDevice struct {
	cfg  Device
	file *os.File
}

// Open opens every configured device node (skipping any whose
// DisableFlag is set in isDisabled) and programs its hardware timeout.
// Devices that fail to open are logged and skipped rather than treated
// as fatal — a board variant with fewer watchdog chips than the config
// lists should still boot.
func Open(log *zap.Logger, devices []Device, isDisabled func(flag string) bool, obs KickObserver) (*Kicker, error) {
	k := &Kicker{log: log, obs: obs}

	for _, cfg := range devices {
		if cfg.DisableFlag != "" && isDisabled != nil && isDisabled(cfg.DisableFlag) {
			log.Info("hwwd: device disabled via r&d_mode flag", zap.String("device", cfg.Path), zap.String("flag", cfg.DisableFlag))
			continue
		}

		f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0)
		if err != nil {
			log.Warn("hwwd: failed to open watchdog device, skipping", zap.String("device", cfg.Path), zap.Error(err))
			continue
		}

		timeout := int32(cfg.TimeoutSeconds)
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), wdiocSettimeout, uintptr(unsafe.Pointer(&timeout))); errno != 0 {
			log.Warn("hwwd: SETTIMEOUT ioctl failed", zap.String("device", cfg.Path), zap.Error(errno))
		}

		k.devices = append(k.devices, &openDevice{cfg: cfg, file: f})
	}

	if len(k.devices) == 0 {
		return nil, fmt.Errorf("hwwd.Open: no watchdog devices could be opened")
	}
	return k, nil
}

// Disable makes the kicker skip real ioctls on every subsequent cycle,
// for when an external kicker process has taken ownership of the
// hardware. The goroutine keeps running its cycles (and still reports
// CycleLatency to the observer) but issues no keepalive.
func (k *Kicker) Disable() { k.disabled.Store(true) }

// Enable resumes real kicking.
func (k *Kicker) Enable() { k.disabled.Store(false) }

// Close closes all open device files.
func (k *Kicker) Close() {
	for _, d := range k.devices {
		d.file.Close()
	}
}

// Run locks memory and attempts real-time scheduling, then kicks every
// open device in order every period until ctx is cancelled. A failed
// kick to device i stops the cycle for devices after i; the next period
// starts again from device 0.
func (k *Kicker) Run(ctx context.Context, period time.Duration) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := platform.LockMemory(); err != nil {
		k.log.Warn("hwwd: mlockall failed, continuing without memory lock", zap.Error(err))
	}
	if err := platform.SetRealtimePriority(1); err != nil {
		k.log.Warn("hwwd: failed to raise scheduling priority, continuing at default priority", zap.Error(err))
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.kickCycle()
		}
	}
}

// KickNow runs one kick cycle immediately, outside the regular period,
// for operator tooling that wants to verify the watchdog chain without
// waiting for the next scheduled tick.
func (k *Kicker) KickNow() {
	k.kickCycle()
}

func (k *Kicker) kickCycle() {
	start := time.Now()
	defer func() {
		if k.obs != nil {
			k.obs.CycleLatency(time.Since(start))
		}
	}()

	if k.disabled.Load() {
		return
	}

	for _, d := range k.devices {
		if err := kickOne(d.file); err != nil {
			k.log.Error("hwwd: kick failed, short-circuiting remaining devices this cycle",
				zap.String("device", d.cfg.Path), zap.Error(err))
			if k.obs != nil {
				k.obs.KickFailed(d.cfg.Path)
			}
			return
		}
		if k.obs != nil {
			k.obs.KickSucceeded(d.cfg.Path)
		}
	}
}

func kickOne(f *os.File) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), wdiocKeepalive, 0); errno != 0 {
		return fmt.Errorf("KEEPALIVE ioctl: %w", errno)
	}
	return nil
}
