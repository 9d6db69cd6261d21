package diskmon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type recordingObserver struct {
	sampled    []string
	overflowed []string
	spawned    int
	throttled  int
}

func (o *recordingObserver) UsageSampled(mount string, percent int) { o.sampled = append(o.sampled, mount) }
func (o *recordingObserver) OverflowDetected(mount string)          { o.overflowed = append(o.overflowed, mount) }
func (o *recordingObserver) ReaperSpawned()                        { o.spawned++ }
func (o *recordingObserver) ReaperThrottled()                      { o.throttled++ }

func writeFakeReaper(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-reaper.sh")
	script := "#!/bin/sh\nexit 0\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake reaper: %v", err)
	}
	return path
}

func TestPollOnceStopsAtFirstOverflow(t *testing.T) {
	reaper := writeFakeReaper(t)
	obs := &recordingObserver{}

	mounts := []Mount{
		{Path: "/", MaxPercent: 101}, // never overflows (percent can't exceed 100)
		{Path: "/tmp", MaxPercent: 0}, // always overflows
		{Path: "/home", MaxPercent: 0},
	}

	mon := NewMonitor(mounts, reaper, "", time.Hour, obs)
	overflowed, acted, err := mon.PollOnce()
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if overflowed != "/tmp" {
		t.Fatalf("overflowed = %q, want /tmp", overflowed)
	}
	if !acted {
		t.Fatalf("expected reaper to be spawned")
	}
	if len(obs.sampled) != 2 {
		t.Fatalf("expected scan to stop after 2 samples, got %v", obs.sampled)
	}
	if obs.spawned != 1 {
		t.Fatalf("spawned = %d, want 1", obs.spawned)
	}
}

func TestPollOnceThrottlesRepeatedReforkOfSameMount(t *testing.T) {
	reaper := writeFakeReaper(t)
	obs := &recordingObserver{}

	mounts := []Mount{{Path: "/tmp", MaxPercent: 0}}
	mon := NewMonitor(mounts, reaper, "", time.Hour, obs)

	_, acted1, err := mon.PollOnce()
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if !acted1 {
		t.Fatalf("expected first overflow to spawn reaper")
	}

	time.Sleep(20 * time.Millisecond)

	_, acted2, err := mon.PollOnce()
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if acted2 {
		t.Fatalf("expected second overflow within rate window to be throttled")
	}
	if obs.throttled != 1 {
		t.Fatalf("throttled = %d, want 1", obs.throttled)
	}
}

func TestPollOnceNoOverflow(t *testing.T) {
	reaper := writeFakeReaper(t)
	obs := &recordingObserver{}

	mounts := []Mount{{Path: "/", MaxPercent: 101}}
	mon := NewMonitor(mounts, reaper, "", time.Hour, obs)

	overflowed, acted, err := mon.PollOnce()
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if overflowed != "" || acted {
		t.Fatalf("expected no overflow, got overflowed=%q acted=%v", overflowed, acted)
	}
}
