// Package platform wraps the handful of Linux-specific primitives DSME
// needs: reading /proc/cmdline and /proc/uptime, locking memory and raising
// scheduling priority for the real-time watchdog kicker, and statfs-based
// disk usage sampling.
package platform

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ReadCmdline reads and tokenizes /proc/cmdline (or the path given) into a
// key/value map. Boolean flags (tokens with no "=") are stored with an
// empty value.
func ReadCmdline(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("platform.ReadCmdline: %w", err)
	}
	out := make(map[string]string)
	for _, tok := range strings.Fields(string(data)) {
		if k, v, ok := strings.Cut(tok, "="); ok {
			out[k] = v
		} else {
			out[tok] = ""
		}
	}
	return out, nil
}

// ReadFileOrEmpty reads path and returns its contents, or a nil slice
// (with no error) if the file does not exist. Used for files DSME treats
// as optionally absent on first boot (counter files, saved-state flags).
func ReadFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("platform.ReadFileOrEmpty: %w", err)
	}
	return data, nil
}

// ReadUptime reads the system uptime (first field of /proc/uptime) as a
// time.Duration.
func ReadUptime(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("platform.ReadUptime: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 256), 256)
	if !sc.Scan() {
		return 0, fmt.Errorf("platform.ReadUptime: empty %q", path)
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 1 {
		return 0, fmt.Errorf("platform.ReadUptime: malformed %q", path)
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("platform.ReadUptime: parse %q: %w", fields[0], err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// LockMemory calls mlockall(MCL_CURRENT|MCL_FUTURE) so the calling
// goroutine's process never takes a page fault inside the real-time
// watchdog kick path. Returns an error the caller may choose to log and
// continue past: a missing CAP_IPC_LOCK should not prevent the daemon
// from running, only degrade its real-time guarantees.
func LockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("platform.LockMemory: %w", err)
	}
	return nil
}

// SetRealtimePriority attempts to switch the calling OS thread to
// SCHED_RR at the given priority. Best effort: failure (typically a
// missing CAP_SYS_NICE) is returned for the caller to log, not treated as
// fatal.
func SetRealtimePriority(priority int) error {
	param := &unix.SchedParam{Priority: int32(priority)}
	if err := unix.SchedSetscheduler(0, unix.SCHED_RR, param); err != nil {
		return fmt.Errorf("platform.SetRealtimePriority: %w", err)
	}
	return nil
}

// DiskUsage reports the percentage of used blocks (0-100) on the
// filesystem containing path.
func DiskUsage(path string) (int, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("platform.DiskUsage: statfs %q: %w", path, err)
	}
	if st.Blocks == 0 {
		return 0, nil
	}
	used := st.Blocks - st.Bfree
	pct := (used * 100) / st.Blocks
	return int(pct), nil
}

// WriteFileAtomic writes data to path by writing to a sibling temp file,
// fsync'ing it, then renaming it into place. This guarantees a reader
// never observes a partially written file, and a power loss mid-write
// leaves the previous content intact.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := dirOf(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("platform.WriteFileAtomic: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("platform.WriteFileAtomic: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("platform.WriteFileAtomic: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("platform.WriteFileAtomic: close: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("platform.WriteFileAtomic: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("platform.WriteFileAtomic: rename: %w", err)
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return "/"
			}
			return path[:i]
		}
	}
	return "."
}
