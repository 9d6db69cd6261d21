// Package state implements the DSME device-state machine: the
// BOOT/USER/ACTDEAD/SHUTDOWN/REBOOT/MALF/TEST/LOCAL states and their
// transition table, with the thermal-flag veto that substitutes shutdown
// for a requested reboot when overheating has been recorded.
//
// Shape grounded on the teacher's escalation.ProcessState (an enum plus
// guarded transition methods), but deliberately WITHOUT its mutex: in
// cmd/dsmed every access happens under the daemon's bus-driver lock (bus
// handlers run while it is held, and the thermal loop takes it before
// setting ForceShutdown), so no lock is needed here.
package state

import "fmt"

// State is a DSME operating mode.
type State uint8

const (
	Boot State = iota
	User
	ActDead
	Shutdown
	Reboot
	Malf
	Test
	Local
)

func (s State) String() string {
	switch s {
	case Boot:
		return "BOOT"
	case User:
		return "USER"
	case ActDead:
		return "ACTDEAD"
	case Shutdown:
		return "SHUTDOWN"
	case Reboot:
		return "REBOOT"
	case Malf:
		return "MALF"
	case Test:
		return "TEST"
	case Local:
		return "LOCAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// TransitionObserver receives a callback on every committed transition,
// wired to Prometheus counters by the caller.
type TransitionObserver interface {
	Transitioned(from, to State)
}

// Machine holds the current device state and enforces the transition
// table. It is not safe for concurrent use; see the package doc comment.
type Machine struct {
	current State
	obs     TransitionObserver

	// ForceShutdown, when true, means a thermal shutdown flag has been
	// recorded (cmd/dsmed's thermal loop writes
	// config.BootSelector.ForceShutdownFile on overheat). While true, a Reboot request is substituted with a
	// Shutdown transition instead: the device must not repeatedly reboot
	// into a thermal condition that will just overheat it again.
	ForceShutdown bool
}

// NewMachine constructs a Machine starting in the given state.
func NewMachine(initial State, obs TransitionObserver) *Machine {
	return &Machine{current: initial, obs: obs}
}

// Current returns the active state.
func (m *Machine) Current() State {
	return m.current
}

// transitions enumerates the (from, to) pairs this machine allows. BOOT
// is a transient state only ever left, never re-entered except via MALF
// recovery at next power-up (a fresh Machine, not a transition).
var transitions = map[State]map[State]bool{
	Boot: {
		User:    true,
		ActDead: true,
		Test:    true,
		Local:   true,
		Malf:    true,
	},
	User: {
		ActDead:  true,
		Shutdown: true,
		Reboot:   true,
		Malf:     true,
	},
	ActDead: {
		User:     true,
		Shutdown: true,
		Reboot:   true,
		Malf:     true,
	},
	Shutdown: {
		// Terminal for this process lifetime; next boot starts a new Machine.
	},
	Reboot: {
		// Terminal for this process lifetime.
	},
	Malf: {
		// MALF only clears via a reboot classified as non-looping by
		// internal/bootsel, i.e. a new Machine on next boot.
	},
	Test: {
		User:     true,
		Shutdown: true,
		Reboot:   true,
	},
	Local: {
		User:     true,
		Shutdown: true,
		Reboot:   true,
	},
}

// Request attempts to move the machine to target. The thermal-shutdown
// veto is applied first: a request to transition to Reboot while
// ForceShutdown is set is silently redirected to Shutdown. Returns an
// error if the (possibly redirected) transition is not in the table.
func (m *Machine) Request(target State) error {
	if target == Reboot && m.ForceShutdown {
		target = Shutdown
	}

	allowed, ok := transitions[m.current]
	if !ok || !allowed[target] {
		return fmt.Errorf("state.Machine.Request: transition %s -> %s not allowed", m.current, target)
	}

	from := m.current
	m.current = target
	if m.obs != nil {
		m.obs.Transitioned(from, target)
	}
	return nil
}
