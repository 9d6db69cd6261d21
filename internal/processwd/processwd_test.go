package processwd

import (
	"sync"
	"testing"
	"time"
)

type fakeKiller struct {
	mu      sync.Mutex
	aborted []int
	killed  []int
}

func (k *fakeKiller) SendAbort(pid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.aborted = append(k.aborted, pid)
	return nil
}

func (k *fakeKiller) SendKill(pid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, pid)
	return nil
}

type fakeObserver struct {
	mu        sync.Mutex
	pinged    []string
	timedOut  []string
	killed    []string
}

func (o *fakeObserver) Pinged(name string)  { o.mu.Lock(); defer o.mu.Unlock(); o.pinged = append(o.pinged, name) }
func (o *fakeObserver) TimedOut(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timedOut = append(o.timedOut, name)
}
func (o *fakeObserver) Killed(name string) { o.mu.Lock(); defer o.mu.Unlock(); o.killed = append(o.killed, name) }

func TestPongResetsPingCount(t *testing.T) {
	r := NewRegistry(3, time.Second, &fakeKiller{}, &fakeObserver{})
	r.Register("app1", 100)

	r.PingAll(func(name string, pid int) {})
	r.PingAll(func(name string, pid int) {})
	if count, _ := r.PingCount("app1"); count != 2 {
		t.Fatalf("ping count = %d, want 2", count)
	}

	if err := r.Pong("app1"); err != nil {
		t.Fatalf("Pong: %v", err)
	}
	if count, _ := r.PingCount("app1"); count != 0 {
		t.Fatalf("ping count after Pong = %d, want 0", count)
	}
}

func TestMaxPingTriggersAbortThenKill(t *testing.T) {
	killer := &fakeKiller{}
	obs := &fakeObserver{}
	r := NewRegistry(3, 20*time.Millisecond, killer, obs)
	r.Register("app1", 42)

	for i := 0; i < 3; i++ {
		r.PingAll(func(name string, pid int) {})
	}

	killer.mu.Lock()
	aborted := append([]int(nil), killer.aborted...)
	killer.mu.Unlock()
	if len(aborted) != 1 || aborted[0] != 42 {
		t.Fatalf("aborted = %v, want [42]", aborted)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		killer.mu.Lock()
		n := len(killer.killed)
		killer.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	killer.mu.Lock()
	defer killer.mu.Unlock()
	if len(killer.killed) != 1 || killer.killed[0] != 42 {
		t.Fatalf("killed = %v, want [42]", killer.killed)
	}
}

func TestPongCancelsPendingKill(t *testing.T) {
	killer := &fakeKiller{}
	r := NewRegistry(2, 30*time.Millisecond, killer, &fakeObserver{})
	r.Register("app1", 7)

	r.PingAll(func(name string, pid int) {})
	r.PingAll(func(name string, pid int) {})

	if err := r.Pong("app1"); err != nil {
		t.Fatalf("Pong: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	killer.mu.Lock()
	defer killer.mu.Unlock()
	if len(killer.killed) != 0 {
		t.Fatalf("expected no kill after Pong cancelled escalation, got %v", killer.killed)
	}
}

func TestUnregisterRemovesProcess(t *testing.T) {
	r := NewRegistry(3, time.Second, &fakeKiller{}, &fakeObserver{})
	r.Register("app1", 1)
	r.Unregister("app1")

	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
	if err := r.Pong("app1"); err == nil {
		t.Fatalf("expected error pong-ing unregistered process")
	}
}
