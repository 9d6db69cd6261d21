// Package diskmon implements disk-usage polling and reaper-process
// orchestration.
//
// An ordered table of {mount, max_percent} entries is checked each
// heartbeat wake-up via statfs. Scanning stops at the first overflowing
// mount found this cycle — the reaper is spawned for that one mount and
// the remaining entries wait for the next cycle, mirroring the
// historical behaviour of not piling up multiple reaper children at
// once. Re-forking the reaper is throttled with a sliding-window rate
// limiter (github.com/joeycumines/go-catrate) so a mount that stays over
// threshold cannot spawn a new reaper faster than the configured
// cool-down window.
package diskmon

import (
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/vigilon/dsmed/internal/platform"
)

// Mount is one entry in the ordered disk-usage table.
type Mount struct {
	Path       string
	MaxPercent int
}

// Observer receives disk-usage and reaper events, wired to Prometheus
// counters by the caller.
type Observer interface {
	UsageSampled(mount string, percent int)
	OverflowDetected(mount string)
	ReaperSpawned()
	ReaperThrottled()
}

// Monitor polls the mount table and spawns a privilege-dropped reaper
// process when a mount overflows.
type Monitor struct {
	mounts     []Mount
	reaperPath string
	reaperUser string
	limiter    *catrate.Limiter
	obs        Observer

	mu      sync.Mutex
	running *exec.Cmd
}

// NewMonitor constructs a Monitor. reforkWindow bounds how often a new
// reaper may be spawned (per mount) via a sliding 1-reforkWindow-wide
// limit of a single event.
func NewMonitor(mounts []Mount, reaperPath, reaperUser string, reforkWindow time.Duration, obs Observer) *Monitor {
	return &Monitor{
		mounts:     mounts,
		reaperPath: reaperPath,
		reaperUser: reaperUser,
		limiter:    catrate.NewLimiter(map[time.Duration]int{reforkWindow: 1}),
		obs:        obs,
	}
}

// PollOnce checks every mount in order via statfs, stopping at (and
// acting on) the first overflow this cycle. Returns the mount that
// overflowed, if any. A mount whose statfs fails is skipped and the scan
// goes on; if no mount overflowed, the first such failure is returned.
func (m *Monitor) PollOnce() (overflowed string, acted bool, err error) {
	var firstErr error
	for _, mnt := range m.mounts {
		pct, statErr := platform.DiskUsage(mnt.Path)
		if statErr != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("diskmon.PollOnce: %w", statErr)
			}
			continue
		}
		if m.obs != nil {
			m.obs.UsageSampled(mnt.Path, pct)
		}
		if pct < mnt.MaxPercent {
			continue
		}

		if m.obs != nil {
			m.obs.OverflowDetected(mnt.Path)
		}

		if _, ok := m.limiter.Allow(mnt.Path); !ok {
			if m.obs != nil {
				m.obs.ReaperThrottled()
			}
			return mnt.Path, false, nil
		}

		if err := m.spawnReaper(mnt.Path); err != nil {
			return mnt.Path, false, fmt.Errorf("diskmon.PollOnce: spawn reaper: %w", err)
		}
		return mnt.Path, true, nil
	}
	return "", false, firstErr
}

// spawnReaper forks and execs the reaper binary against mount, dropping
// privileges to reaperUser first. The rpdir utility's internal file
// selection logic is out of scope here: it is invoked as an external
// binary and its own algorithm is not reimplemented.
func (m *Monitor) spawnReaper(mount string) error {
	m.mu.Lock()
	if m.running != nil && m.running.ProcessState == nil {
		m.mu.Unlock()
		return fmt.Errorf("diskmon.spawnReaper: a reaper is already running")
	}
	m.mu.Unlock()

	cmd := exec.Command(m.reaperPath, mount)

	if m.reaperUser != "" {
		u, err := user.Lookup(m.reaperUser)
		if err != nil {
			return fmt.Errorf("diskmon.spawnReaper: lookup user %q: %w", m.reaperUser, err)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return fmt.Errorf("diskmon.spawnReaper: parse uid: %w", err)
		}
		gid, err := strconv.Atoi(u.Gid)
		if err != nil {
			return fmt.Errorf("diskmon.spawnReaper: parse gid: %w", err)
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("diskmon.spawnReaper: start: %w", err)
	}

	m.mu.Lock()
	m.running = cmd
	m.mu.Unlock()

	if m.obs != nil {
		m.obs.ReaperSpawned()
	}

	go func() {
		_ = cmd.Wait()
	}()

	return nil
}
