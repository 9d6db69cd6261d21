// Package processwd implements software process-watchdog supervision: a
// registry of supervised PIDs, each with a ping counter that increments
// every heartbeat cycle the process fails to PONG, and escalates to
// SIGABRT (then SIGKILL after a grace period) once the ping count reaches
// the configured maximum.
//
// Registry shape grounded on the teacher's forward-watchdog worker table
// (a name-keyed map with register/unregister and a periodic sweep); unlike
// that design DSME pushes PING messages to clients over the bus/socket
// rather than polling an IsAlive() method, since the wire protocol
// specifies explicit PING/PONG/CLOSE message types.
package processwd

import (
	"fmt"
	"sync"
	"time"
)

// Killer sends signals to a supervised process. Separated from the
// registry so tests can substitute a fake without touching real PIDs.
type Killer interface {
	SendAbort(pid int) error
	SendKill(pid int) error
}

// Observer receives ping/timeout/kill events, wired to Prometheus
// counters by the caller.
type Observer interface {
	Pinged(name string)
	TimedOut(name string)
	Killed(name string)
}

// entry tracks one supervised process.
type entry struct {
	pid       int
	pingCount int
	killTimer *time.Timer
}

// Registry tracks supervised processes and their ping state. Not safe
// for concurrent use from multiple goroutines without the Registry's own
// lock — callers should go through the Registry methods, which are
// internally synchronized, since a client connect/disconnect can race a
// heartbeat-driven ping sweep.
type Registry struct {
	mu      sync.Mutex
	procs   map[string]*entry
	maxPing int
	killAfter time.Duration
	killer  Killer
	obs     Observer
}

// NewRegistry constructs an empty Registry.
func NewRegistry(maxPing int, killAfter time.Duration, killer Killer, obs Observer) *Registry {
	return &Registry{
		procs:     make(map[string]*entry),
		maxPing:   maxPing,
		killAfter: killAfter,
		killer:    killer,
		obs:       obs,
	}
}

// Register adds a process under supervision, or resets its ping count
// to zero if already registered under that name.
func (r *Registry) Register(name string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.procs[name]; ok {
		e.pid = pid
		e.pingCount = 0
		return
	}
	r.procs[name] = &entry{pid: pid}
}

// Unregister removes a process from supervision (CLOSE / disconnect),
// cancelling any pending kill timer.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.procs[name]
	if !ok {
		return
	}
	if e.killTimer != nil {
		e.killTimer.Stop()
	}
	delete(r.procs, name)
}

// Pong resets the named process's ping count to zero, acknowledging
// liveness and cancelling any pending SIGKILL escalation.
func (r *Registry) Pong(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.procs[name]
	if !ok {
		return fmt.Errorf("processwd.Pong: unknown process %q", name)
	}
	e.pingCount = 0
	if e.killTimer != nil {
		e.killTimer.Stop()
		e.killTimer = nil
	}
	return nil
}

// PingAll sends a PING (via send, supplied by the caller — the bus
// message, not a syscall) to every registered process and increments its
// ping count, which never exceeds maxPing. Any process whose ping count reaches maxPing is escalated:
// SIGABRT is sent immediately and a kill timer is armed; if no Pong
// arrives before the timer fires, SIGKILL follows.
func (r *Registry) PingAll(send func(name string, pid int)) {
	r.mu.Lock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.mu.Lock()
		e, ok := r.procs[name]
		if !ok {
			r.mu.Unlock()
			continue
		}
		if e.pingCount < r.maxPing {
			e.pingCount++
		}
		pid := e.pid
		exceeded := e.pingCount >= r.maxPing
		r.mu.Unlock()

		if r.obs != nil {
			r.obs.Pinged(name)
		}
		send(name, pid)

		if exceeded {
			r.escalate(name)
		}
	}
}

func (r *Registry) escalate(name string) {
	r.mu.Lock()
	e, ok := r.procs[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	pid := e.pid
	if e.killTimer != nil {
		r.mu.Unlock()
		return // already escalating
	}
	r.mu.Unlock()

	if r.obs != nil {
		r.obs.TimedOut(name)
	}
	if r.killer != nil {
		_ = r.killer.SendAbort(pid)
	}

	timer := time.AfterFunc(r.killAfter, func() {
		r.mu.Lock()
		_, stillRegistered := r.procs[name]
		r.mu.Unlock()
		if !stillRegistered {
			return
		}
		if r.killer != nil {
			_ = r.killer.SendKill(pid)
		}
		if r.obs != nil {
			r.obs.Killed(name)
		}
	})

	r.mu.Lock()
	if e, ok := r.procs[name]; ok {
		e.killTimer = timer
	} else {
		timer.Stop()
	}
	r.mu.Unlock()
}

// PingCount returns the current ping count for a registered process, for
// tests and diagnostics.
func (r *Registry) PingCount(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.procs[name]
	if !ok {
		return 0, false
	}
	return e.pingCount, true
}

// Len reports how many processes are currently supervised.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}
