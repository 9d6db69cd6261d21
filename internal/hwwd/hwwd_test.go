package hwwd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingObserver struct {
	succeeded []string
	failed    []string
}

func (o *recordingObserver) KickSucceeded(device string) { o.succeeded = append(o.succeeded, device) }
func (o *recordingObserver) KickFailed(device string)    { o.failed = append(o.failed, device) }
func (o *recordingObserver) CycleLatency(time.Duration)  {}

// regular files do not support WDIOC ioctls (ENOTTY), which lets the
// short-circuit-on-failure behaviour be exercised without a real
// /dev/watchdog node.
func openFakeDevices(t *testing.T, n int) []*openDevice {
	t.Helper()
	var devs []*openDevice
	for i := 0; i < n; i++ {
		path := filepath.Join(t.TempDir(), "wd")
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			t.Fatalf("open fake device: %v", err)
		}
		devs = append(devs, &openDevice{cfg: Device{Path: path}, file: f})
	}
	return devs
}

func TestKickCycleShortCircuitsOnFirstFailure(t *testing.T) {
	obs := &recordingObserver{}
	k := &Kicker{
		log:     zap.NewNop(),
		obs:     obs,
		devices: openFakeDevices(t, 3),
	}
	defer k.Close()

	k.kickCycle()

	if len(obs.succeeded) != 0 {
		t.Fatalf("expected no successful kicks against fake devices, got %v", obs.succeeded)
	}
	if len(obs.failed) != 1 {
		t.Fatalf("expected exactly one failure (short-circuit), got %v", obs.failed)
	}
	if obs.failed[0] != k.devices[0].cfg.Path {
		t.Fatalf("expected first device to fail, got %s", obs.failed[0])
	}
}

func TestDisableSkipsKickEntirely(t *testing.T) {
	obs := &recordingObserver{}
	k := &Kicker{
		log:     zap.NewNop(),
		obs:     obs,
		devices: openFakeDevices(t, 2),
	}
	defer k.Close()

	k.Disable()
	k.kickCycle()

	if len(obs.succeeded)+len(obs.failed) != 0 {
		t.Fatalf("expected no kick attempts while disabled, got succeeded=%v failed=%v", obs.succeeded, obs.failed)
	}
}

func TestOpenRejectsAllDevicesDisabled(t *testing.T) {
	_, err := Open(zap.NewNop(), []Device{
		{Path: "/dev/watchdog", DisableFlag: "no-omap-wd"},
	}, func(flag string) bool { return true }, nil)
	if err == nil {
		t.Fatalf("expected error when every device is disabled")
	}
}
