package bootsel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigilon/dsmed/internal/state"
)

func writeCmdline(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmdline")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write cmdline: %v", err)
	}
	return path
}

func TestClassifyNormalUserBoot(t *testing.T) {
	path := writeCmdline(t, "root=/dev/mmcblk0p2 bootmode=normal bootreason=por\n")
	st, mode, reason, err := Classify(path)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if st != state.User {
		t.Fatalf("state = %v, want User", st)
	}
	if mode != ModeNormal || reason != ReasonPowerOnReset {
		t.Fatalf("mode/reason = %v/%v", mode, reason)
	}
}

func TestClassifyTestMode(t *testing.T) {
	path := writeCmdline(t, "bootmode=test")
	st, _, _, err := Classify(path)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if st != state.Test {
		t.Fatalf("state = %v, want Test", st)
	}
}

func TestClassifyFlashModeForcesMalf(t *testing.T) {
	path := writeCmdline(t, "bootmode=update")
	st, _, _, err := Classify(path)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if st != state.Malf {
		t.Fatalf("state = %v, want Malf", st)
	}
}

func TestCountersRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot_count")
	want := Counters{LastTime: time.Unix(1700000000, 0), Boots: 3, WDResets: 1}

	if err := WriteCounters(path, want); err != nil {
		t.Fatalf("WriteCounters: %v", err)
	}
	got, err := ReadCounters(path)
	if err != nil {
		t.Fatalf("ReadCounters: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadCountersMissingFileIsZeroValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist")
	got, err := ReadCounters(path)
	if err != nil {
		t.Fatalf("ReadCounters: %v", err)
	}
	if got != (Counters{}) {
		t.Fatalf("got %+v, want zero value", got)
	}
}

func TestLoopDetectorTriggersOnFastRepeatedBoots(t *testing.T) {
	d := LoopDetector{MaxBoots: 3, MinBootTime: time.Minute, MaxWDResets: 3, MinWDResetTime: time.Minute}

	now := time.Unix(1700000000, 0)
	c := Counters{}
	looped := false
	for i := 0; i < 3; i++ {
		c, looped = d.Evaluate(c, now, ReasonUnknown, false)
		now = now.Add(10 * time.Second)
	}
	if !looped {
		t.Fatalf("expected loop detection after 3 fast boots, counters=%+v", c)
	}
}

func TestLoopDetectorDoesNotTriggerOnSlowBoots(t *testing.T) {
	d := LoopDetector{MaxBoots: 3, MinBootTime: time.Minute, MaxWDResets: 3, MinWDResetTime: time.Minute}

	now := time.Unix(1700000000, 0)
	c := Counters{}
	looped := false
	for i := 0; i < 5; i++ {
		c, looped = d.Evaluate(c, now, ReasonUnknown, false)
		now = now.Add(time.Hour)
	}
	if looped {
		t.Fatalf("expected no loop detection for well-spaced boots, counters=%+v", c)
	}
}

func TestLoopDetectorPowerOnResetNeverTriggersAndResetsCounters(t *testing.T) {
	d := LoopDetector{MaxBoots: 2, MinBootTime: time.Minute, MaxWDResets: 2, MinWDResetTime: time.Minute}

	now := time.Unix(1700000000, 0)
	c := Counters{LastTime: now, Boots: 10, WDResets: 10}

	next, looped := d.Evaluate(c, now.Add(time.Second), ReasonPowerOnReset, true)
	if looped {
		t.Fatalf("por must never trigger loop detection")
	}
	if next.Boots != 0 || next.WDResets != 0 {
		t.Fatalf("por must reset counters, got %+v", next)
	}
}

func TestLoopDetectorWDResetLoop(t *testing.T) {
	d := LoopDetector{MaxBoots: 100, MinBootTime: time.Second, MaxWDResets: 3, MinWDResetTime: time.Minute}

	now := time.Unix(1700000000, 0)
	c := Counters{}
	looped := false
	for i := 0; i < 3; i++ {
		c, looped = d.Evaluate(c, now, ReasonWDReset, true)
		now = now.Add(5 * time.Second)
	}
	if !looped {
		t.Fatalf("expected wd-reset loop detection, counters=%+v", c)
	}
}
