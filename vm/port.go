package vm

import (
	"sync"
	"sync/atomic"
)

// Port is a reference-counted message destination. A port is the target
// of a yield-to-port native: the native must return with the port locked,
// and the embedder unlocks it after taking delivery.
type Port struct {
	mu     sync.Mutex
	locked bool
	refs   int32

	// queued values awaiting delivery by the embedder
	messages []Value
}

func (o *Port) classOf(p *Program) *Class { return p.portClass }

func (o *Port) visitReferences(visit func(Value)) {
	for _, m := range o.messages {
		visit(m)
	}
}

// NewPort creates a port with a single reference.
func NewPort() *Port {
	return &Port{refs: 1}
}

// Lock acquires the port. Natives delivering to a port lock it before
// returning it to the engine.
func (o *Port) Lock() {
	o.mu.Lock()
	o.locked = true
}

// Unlock releases the port.
func (o *Port) Unlock() {
	o.locked = false
	o.mu.Unlock()
}

// IsLocked reports whether the port is currently locked.
func (o *Port) IsLocked() bool { return o.locked }

// IncrementRef adds a reference.
func (o *Port) IncrementRef() { atomic.AddInt32(&o.refs, 1) }

// DecrementRef drops a reference and reports whether the port is dead.
func (o *Port) DecrementRef() bool { return atomic.AddInt32(&o.refs, -1) == 0 }

// Refs returns the current reference count.
func (o *Port) Refs() int32 { return atomic.LoadInt32(&o.refs) }

// Enqueue appends a message to the port. The caller must hold the lock.
func (o *Port) Enqueue(v Value) { o.messages = append(o.messages, v) }

// Drain removes and returns all queued messages. The caller must hold
// the lock.
func (o *Port) Drain() []Value {
	m := o.messages
	o.messages = nil
	return m
}
