package bus

import "fmt"

// Handler processes one message. It may itself call Kernel.Broadcast,
// which appends further messages to the queue; they are dispatched after
// the current message has reached every module and after any messages
// already queued — broadcast is reentrant but never dispatches
// synchronously inside a handler call.
type Handler func(k *Kernel, msg Message)

// Module is a single plugin unit in the kernel: an ordered handler table
// keyed by message type, plus optional init/fini lifecycle hooks.
type Module struct {
	// Name identifies the module in logs and panics.
	Name string

	// Init is called once, in load order, before the kernel starts
	// dispatching. A non-nil error aborts startup.
	Init func(k *Kernel) error

	// Fini is called once, in reverse load order, during shutdown.
	Fini func(k *Kernel)

	// Handlers maps a message type to the function invoked when that
	// type is dispatched. A module may subscribe to several types.
	Handlers map[TypeID]Handler
}

// validate checks structural invariants of a module definition.
func (m *Module) validate() error {
	if m.Name == "" {
		return fmt.Errorf("bus: module has empty name")
	}
	return nil
}
