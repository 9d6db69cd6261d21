// Package poweron implements the CAL-backed power-on timer: cumulative
// device power-on time, tracked across reboots by combining the kernel's
// monotonic uptime counter with a periodically saved accumulator record.
//
// The record is versioned (v0, v1) so that a daemon built against a newer
// schema can still read a record written by an older build: v0 stored
// only the cumulative total; v1 added the uptime at the last save. That
// uptime is persisted but neither Load nor Tick reads it: no reboot is
// detected or counted, and each session's accounting starts from the
// uptime passed to Load.
//
// Save frequency follows a "the more time already accumulated, the longer
// we can wait between saves" curve (limit), so the CAL store is not
// rewritten every tick while still being saved often enough that a
// crash between saves loses at most one save interval (10 minutes at
// most) of accounted time.
package poweron

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Record is the versioned power-on-time accounting state.
type Record struct {
	// TotalSeconds is the cumulative power-on time across all boots.
	TotalSeconds uint64
	// LastUptimeSeconds is the system uptime at the last save. It is
	// stored and decoded but not used in any computation.
	LastUptimeSeconds uint64
}

const (
	versionV0 = 0
	versionV1 = 1
)

// Decode parses a CAL-stored record. An empty slice decodes to the zero
// Record (fresh device, no history).
func Decode(data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, nil
	}
	version := data[0]
	switch version {
	case versionV0:
		if len(data) < 9 {
			return Record{}, fmt.Errorf("poweron.Decode: v0 record too short")
		}
		total := binary.BigEndian.Uint64(data[1:9])
		return Record{TotalSeconds: total}, nil
	case versionV1:
		if len(data) < 17 {
			return Record{}, fmt.Errorf("poweron.Decode: v1 record too short")
		}
		total := binary.BigEndian.Uint64(data[1:9])
		lastUptime := binary.BigEndian.Uint64(data[9:17])
		return Record{TotalSeconds: total, LastUptimeSeconds: lastUptime}, nil
	default:
		return Record{}, fmt.Errorf("poweron.Decode: unknown record version %d", version)
	}
}

// Encode serializes a Record in the current (v1) format.
func Encode(r Record) []byte {
	buf := make([]byte, 17)
	buf[0] = versionV1
	binary.BigEndian.PutUint64(buf[1:9], r.TotalSeconds)
	binary.BigEndian.PutUint64(buf[9:17], r.LastUptimeSeconds)
	return buf
}

// Store is the minimal persistence interface poweron needs from
// internal/cal, kept narrow so tests can substitute an in-memory fake.
type Store interface {
	GetPowerOnRecord() ([]byte, error)
	PutPowerOnRecord(data []byte) error
}

// Timer tracks cumulative power-on time for the current process
// lifetime, periodically flushing to the CAL store.
type Timer struct {
	store         Store
	record        Record
	sessionStart  time.Duration // uptime at process start, then at each save
	lastFlushedAt time.Duration // uptime at last successful save
}

// Load reads the persisted record (if any) and starts a new accounting
// session anchored at the given boot uptime.
func Load(store Store, bootUptime time.Duration) (*Timer, error) {
	data, err := store.GetPowerOnRecord()
	if err != nil {
		return nil, fmt.Errorf("poweron.Load: %w", err)
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("poweron.Load: %w", err)
	}

	lastUptime := time.Duration(rec.LastUptimeSeconds) * time.Second
	if bootUptime < lastUptime {
		// Uptime below the last save point: a reboot happened since.
		// Nothing is added for it: power-on time between the last save
		// and that reboot, and uptime before this Load, is not counted.
	}

	return &Timer{
		store:         store,
		record:        rec,
		sessionStart:  bootUptime,
		lastFlushedAt: bootUptime,
	}, nil
}

// TotalSeconds returns the cumulative power-on time as of currentUptime:
// the last saved total plus the time elapsed since that save.
func (t *Timer) TotalSeconds(currentUptime time.Duration) uint64 {
	elapsed := currentUptime - t.sessionStart
	if elapsed < 0 {
		elapsed = 0
	}
	return t.record.TotalSeconds + uint64(elapsed.Seconds())
}

// limit returns the minimum elapsed-since-last-save duration required
// before Tick will persist again, as a function of the accumulated total
// so far. Freshly booted devices save frequently (every 10s of uptime);
// long-lived devices save at most every 10 minutes, since losing a few
// minutes of accounting on a crash matters proportionally less the
// longer the device has already been tracked.
func limit(totalSeconds uint64) time.Duration {
	const maxInterval = 10 * time.Minute
	grown := time.Duration(totalSeconds/6) * time.Second // ~1s of save interval per 6s tracked
	if grown > maxInterval {
		return maxInterval
	}
	if grown < 10*time.Second {
		return 10 * time.Second
	}
	return grown
}

// Tick is called periodically (driven by IPHB) with the current system
// uptime. It saves to the CAL store when the save-threshold curve says
// enough time has passed since the last save. Returns whether a save was
// performed.
func (t *Timer) Tick(currentUptime time.Duration) (bool, error) {
	total := t.TotalSeconds(currentUptime)
	sinceLastSave := currentUptime - t.lastFlushedAt
	if sinceLastSave < limit(total) {
		return false, nil
	}

	rec := Record{TotalSeconds: total, LastUptimeSeconds: uint64(currentUptime.Seconds())}
	if err := t.store.PutPowerOnRecord(Encode(rec)); err != nil {
		return false, fmt.Errorf("poweron.Tick: %w", err)
	}

	t.record = rec
	t.sessionStart = currentUptime
	t.lastFlushedAt = currentUptime
	return true, nil
}

// Flush forces an immediate save regardless of the threshold curve,
// intended for use during graceful shutdown.
func (t *Timer) Flush(currentUptime time.Duration) error {
	total := t.TotalSeconds(currentUptime)
	rec := Record{TotalSeconds: total, LastUptimeSeconds: uint64(currentUptime.Seconds())}
	if err := t.store.PutPowerOnRecord(Encode(rec)); err != nil {
		return fmt.Errorf("poweron.Flush: %w", err)
	}
	t.record = rec
	t.sessionStart = currentUptime
	t.lastFlushedAt = currentUptime
	return nil
}
