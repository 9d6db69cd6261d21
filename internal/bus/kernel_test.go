package bus

import (
	"testing"

	"go.uber.org/zap"
)

func TestDispatchOrderIsLoadOrder(t *testing.T) {
	k := NewKernel(zap.NewNop())
	var order []string

	for _, name := range []string{"a", "b", "c"} {
		name := name
		if err := k.Load(&Module{
			Name: name,
			Handlers: map[TypeID]Handler{
				TypeIdle: func(k *Kernel, msg Message) {
					order = append(order, name)
				},
			},
		}); err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
	}

	k.Broadcast(Message{Type: TypeIdle})
	k.Process()

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestReentrantBroadcastDrainsToCompletion(t *testing.T) {
	k := NewKernel(zap.NewNop())
	depth := 0

	if err := k.Load(&Module{
		Name: "chain",
		Handlers: map[TypeID]Handler{
			TypeIdle: func(k *Kernel, msg Message) {
				depth++
				if depth < 3 {
					k.Broadcast(Message{Type: TypeIdle})
				}
			},
		},
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	k.Broadcast(Message{Type: TypeIdle})
	k.Process()

	if depth != 3 {
		t.Fatalf("depth = %d, want 3", depth)
	}
	if k.Pending() {
		t.Fatalf("expected queue to be fully drained")
	}
}

func TestLoadDuplicateNameRejected(t *testing.T) {
	k := NewKernel(zap.NewNop())
	m := &Module{Name: "dup"}
	if err := k.Load(m); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	if err := k.Load(m); err == nil {
		t.Fatalf("expected error on duplicate module name")
	}
}

func TestInitAllStopsOnFirstError(t *testing.T) {
	k := NewKernel(zap.NewNop())
	var initialized []string

	mustLoad := func(name string, fail bool) {
		t.Helper()
		if err := k.Load(&Module{
			Name: name,
			Init: func(k *Kernel) error {
				initialized = append(initialized, name)
				if fail {
					return errBoom
				}
				return nil
			},
		}); err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
	}

	mustLoad("first", false)
	mustLoad("second", true)
	mustLoad("third", false)

	if err := k.InitAll(); err == nil {
		t.Fatalf("expected InitAll to fail")
	}
	if len(initialized) != 2 {
		t.Fatalf("initialized = %v, want exactly [first second]", initialized)
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
