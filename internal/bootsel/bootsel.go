// Package bootsel implements boot classification and boot/watchdog-reset
// loop detection.
//
// Classify reads bootmode= and bootreason= tokens from /proc/cmdline and
// maps them to an initial internal/state.State via a small decision
// table. A counter file persists "<last_time> <boots> <wd_resets>" across
// boots (atomic write-temp/fsync/rename, grounded on the teacher's
// camouflage.writeHint pattern) so that LoopDetector can recognize a
// device rebooting or watchdog-resetting faster than MinBootTime /
// MinWDResetTime allows, MaxBoots / MaxWDResets times in a row, and force
// MALF to stop the cycle.
//
// "por" (power-on-reset) is special-cased: it resets both counters to
// zero, since a power-on-reset is a deliberate power cycle (e.g. battery
// pull) rather than a symptom of a crash loop, but it can never itself
// trigger loop-MALF even on the first boot after flashing.
package bootsel

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vigilon/dsmed/internal/platform"
	"github.com/vigilon/dsmed/internal/state"
)

// Reason is the normalized bootreason= cmdline value.
type Reason string

const (
	ReasonPowerOnReset Reason = "por"
	ReasonSWReset      Reason = "swdg_to"
	ReasonWDReset      Reason = "32wd_to"
	ReasonSecurity     Reason = "security"
	ReasonUnknown      Reason = "unknown"
)

// Mode is the normalized bootmode= cmdline value.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeTest   Mode = "test"
	ModeLocal  Mode = "local"
	ModeFlash  Mode = "update"
)

// Classify reads cmdlinePath and returns the initial state the device
// should enter this boot, purely as a function of mode/reason — loop
// detection is handled separately by LoopDetector since it requires
// persistent counters.
func Classify(cmdlinePath string) (state.State, Mode, Reason, error) {
	tokens, err := platform.ReadCmdline(cmdlinePath)
	if err != nil {
		return state.Malf, ModeNormal, ReasonUnknown, fmt.Errorf("bootsel.Classify: %w", err)
	}

	mode := Mode(tokens["bootmode"])
	if mode == "" {
		mode = ModeNormal
	}
	reason := Reason(tokens["bootreason"])
	if reason == "" {
		reason = ReasonUnknown
	}

	switch mode {
	case ModeTest:
		return state.Test, mode, reason, nil
	case ModeLocal:
		return state.Local, mode, reason, nil
	case ModeFlash:
		return state.Malf, mode, reason, nil
	}

	switch reason {
	case ReasonSecurity:
		return state.Malf, mode, reason, nil
	default:
		return state.User, mode, reason, nil
	}
}

// Counters is the persisted boot-loop accounting record.
type Counters struct {
	LastTime time.Time
	Boots    int
	WDResets int
}

// ReadCounters parses the counter file. A missing file is treated as a
// zeroed, fresh record rather than an error.
func ReadCounters(path string) (Counters, error) {
	data, err := platform.ReadFileOrEmpty(path)
	if err != nil {
		return Counters{}, fmt.Errorf("bootsel.ReadCounters: %w", err)
	}
	if len(data) == 0 {
		return Counters{}, nil
	}

	fields := strings.Fields(string(data))
	if len(fields) != 3 {
		return Counters{}, fmt.Errorf("bootsel.ReadCounters: malformed counter file %q", path)
	}

	epoch, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Counters{}, fmt.Errorf("bootsel.ReadCounters: parse last_time: %w", err)
	}
	boots, err := strconv.Atoi(fields[1])
	if err != nil {
		return Counters{}, fmt.Errorf("bootsel.ReadCounters: parse boots: %w", err)
	}
	wdResets, err := strconv.Atoi(fields[2])
	if err != nil {
		return Counters{}, fmt.Errorf("bootsel.ReadCounters: parse wd_resets: %w", err)
	}

	return Counters{
		LastTime: time.Unix(epoch, 0),
		Boots:    boots,
		WDResets: wdResets,
	}, nil
}

// WriteCounters persists the counter file atomically.
func WriteCounters(path string, c Counters) error {
	data := fmt.Sprintf("%d %d %d\n", c.LastTime.Unix(), c.Boots, c.WDResets)
	if err := platform.WriteFileAtomic(path, []byte(data), 0644); err != nil {
		return fmt.Errorf("bootsel.WriteCounters: %w", err)
	}
	return nil
}

// LoopDetector evaluates the persisted counters against configured
// thresholds to decide whether this boot is part of a loop.
type LoopDetector struct {
	MaxBoots       int
	MinBootTime    time.Duration
	MaxWDResets    int
	MinWDResetTime time.Duration
}

// Evaluate updates the counters for the current boot (given now and
// whether this boot followed a watchdog reset) and reports whether a
// loop has been detected. The returned Counters must be persisted by the
// caller via WriteCounters.
//
// A bootreason of "por" always resets both counters to zero and never
// itself triggers loop detection, regardless of how quickly it recurs.
func (d LoopDetector) Evaluate(prev Counters, now time.Time, reason Reason, wasWDReset bool) (Counters, bool) {
	if reason == ReasonPowerOnReset {
		return Counters{LastTime: now, Boots: 0, WDResets: 0}, false
	}

	next := Counters{LastTime: now, Boots: prev.Boots, WDResets: prev.WDResets}

	fastBoot := !prev.LastTime.IsZero() && now.Sub(prev.LastTime) < d.MinBootTime
	if fastBoot {
		next.Boots = prev.Boots + 1
	} else {
		next.Boots = 1
	}

	if wasWDReset {
		fastWDReset := !prev.LastTime.IsZero() && now.Sub(prev.LastTime) < d.MinWDResetTime
		if fastWDReset {
			next.WDResets = prev.WDResets + 1
		} else {
			next.WDResets = 1
		}
	} else {
		next.WDResets = 0
	}

	looped := next.Boots >= d.MaxBoots || (wasWDReset && next.WDResets >= d.MaxWDResets)
	return next, looped
}
