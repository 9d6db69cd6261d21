package state

import "testing"

type recordingObserver struct {
	from, to []State
}

func (o *recordingObserver) Transitioned(from, to State) {
	o.from = append(o.from, from)
	o.to = append(o.to, to)
}

func TestBootToUserAllowed(t *testing.T) {
	obs := &recordingObserver{}
	m := NewMachine(Boot, obs)

	if err := m.Request(User); err != nil {
		t.Fatalf("Request(User): %v", err)
	}
	if m.Current() != User {
		t.Fatalf("current = %v, want User", m.Current())
	}
	if len(obs.to) != 1 || obs.to[0] != User {
		t.Fatalf("observer did not record transition: %v", obs.to)
	}
}

func TestDisallowedTransitionRejected(t *testing.T) {
	m := NewMachine(Shutdown, nil)
	if err := m.Request(User); err == nil {
		t.Fatalf("expected error transitioning out of terminal Shutdown state")
	}
}

func TestForceShutdownVetoesReboot(t *testing.T) {
	m := NewMachine(User, nil)
	m.ForceShutdown = true

	if err := m.Request(Reboot); err != nil {
		t.Fatalf("Request(Reboot) with ForceShutdown set: %v", err)
	}
	if m.Current() != Shutdown {
		t.Fatalf("current = %v, want Shutdown (reboot substituted)", m.Current())
	}
}

func TestForceShutdownDoesNotAffectOtherTransitions(t *testing.T) {
	m := NewMachine(User, nil)
	m.ForceShutdown = true

	if err := m.Request(ActDead); err != nil {
		t.Fatalf("Request(ActDead): %v", err)
	}
	if m.Current() != ActDead {
		t.Fatalf("current = %v, want ActDead", m.Current())
	}
}

func TestStateStringKnownValues(t *testing.T) {
	cases := map[State]string{
		Boot: "BOOT", User: "USER", ActDead: "ACTDEAD", Shutdown: "SHUTDOWN",
		Reboot: "REBOOT", Malf: "MALF", Test: "TEST", Local: "LOCAL",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
