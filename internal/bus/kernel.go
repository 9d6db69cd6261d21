package bus

import (
	"fmt"

	"go.uber.org/zap"
)

// Kernel owns the ordered module list and the pending message queue. It is
// NOT safe for concurrent use: DSME's design dedicates exactly one
// goroutine to bus dispatch (the timer wheel and all I/O readiness
// notifications feed into that same goroutine), so the queue is a plain
// slice rather than a channel. Broadcasting from within a handler appends
// to the same queue the current Process() call is draining, giving
// FIFO-stable, reentrant-safe delivery without locks.
type Kernel struct {
	log     *zap.Logger
	modules []*Module
	queue   []Message

	// dispatching is true while Process is draining the queue, used only
	// to catch a reentrant call to Process from inside a handler.
	dispatching bool

	// QueueDepthObserver, if set, is called after every Broadcast with the
	// new queue length, for metrics.
	QueueDepthObserver func(depth int)
}

// NewKernel constructs an empty Kernel.
func NewKernel(log *zap.Logger) *Kernel {
	return &Kernel{log: log}
}

// Load registers a module. Modules are loaded in call order; that order
// is the dispatch order used for every message type they both handle.
func (k *Kernel) Load(m *Module) error {
	if err := m.validate(); err != nil {
		return fmt.Errorf("bus.Kernel.Load: %w", err)
	}
	for _, existing := range k.modules {
		if existing.Name == m.Name {
			return fmt.Errorf("bus.Kernel.Load: module %q already loaded", m.Name)
		}
	}
	k.modules = append(k.modules, m)
	return nil
}

// InitAll calls Init on every loaded module in load order. If any Init
// fails, InitAll stops and returns that error; already-initialized
// modules are left as-is (the caller is expected to abort startup).
func (k *Kernel) InitAll() error {
	for _, m := range k.modules {
		if m.Init == nil {
			continue
		}
		if err := m.Init(k); err != nil {
			return fmt.Errorf("bus.Kernel.InitAll: module %q: %w", m.Name, err)
		}
	}
	return nil
}

// FiniAll calls Fini on every loaded module in reverse load order.
func (k *Kernel) FiniAll() {
	for i := len(k.modules) - 1; i >= 0; i-- {
		m := k.modules[i]
		if m.Fini != nil {
			m.Fini(k)
		}
	}
}

// Broadcast enqueues msg for dispatch. Safe to call both from outside
// Process (e.g. from the timer wheel or a socket reader) and from inside
// a handler during Process (reentrant).
func (k *Kernel) Broadcast(msg Message) {
	k.queue = append(k.queue, msg)
	if k.QueueDepthObserver != nil {
		k.QueueDepthObserver(len(k.queue))
	}
}

// Pending reports whether any message is waiting to be dispatched.
func (k *Kernel) Pending() bool {
	return len(k.queue) > 0
}

// Process drains the queue, dispatching each message to every module's
// matching handler in load order. Handlers that call Broadcast append to
// the same queue; Process keeps draining until the queue is empty,
// including messages enqueued by handlers it has already run this call.
func (k *Kernel) Process() {
	if k.dispatching {
		panic("bus.Kernel.Process: reentrant call to Process (use Broadcast from handlers instead)")
	}
	k.dispatching = true
	defer func() { k.dispatching = false }()

	for len(k.queue) > 0 {
		msg := k.queue[0]
		k.queue = k.queue[1:]

		for _, m := range k.modules {
			h, ok := m.Handlers[msg.Type]
			if !ok {
				continue
			}
			h(k, msg)
		}

		if k.QueueDepthObserver != nil {
			k.QueueDepthObserver(len(k.queue))
		}
	}
}

// Logger returns the kernel's logger, for modules that need to log
// without threading their own *zap.Logger through.
func (k *Kernel) Logger() *zap.Logger {
	return k.log
}
