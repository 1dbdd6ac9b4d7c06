package vm

import (
	"io"
	"os"
)

// Process is a single-threaded user-space process: the current coroutine
// and its stack, the statics array, the lookup cache, and the errno
// proxy. A process's stack is owned by exactly one interpreter invocation
// at a time; embeddings must serialize reentry.
type Process struct {
	program *Program

	statics   []Value
	coroutine Value // current Coroutine

	lookupCache *LookupCache
	cacheTaken  bool

	errnoValue int
	savedErrno int

	debugInfo    *DebugInfo
	maxStackSize int

	// Stdout receives output from printing natives.
	Stdout io.Writer

	// exit terminates the embedding on an uncaught exception with no
	// session attached. Tests may substitute it.
	exit func(code int)
}

// NewProcess creates a process for the given program with a fresh root
// coroutine. The root coroutine is its own caller and counts as entered.
func NewProcess(program *Program) *Process {
	p := &Process{
		program:      program,
		statics:      append([]Value(nil), program.staticsTemplate...),
		lookupCache:  NewLookupCache(),
		maxStackSize: kDefaultMaxStackSize,
		Stdout:       os.Stdout,
		exit:         os.Exit,
	}
	stack := program.heap.MustAllocate(newStack(kDefaultStackSize))
	root := &Coroutine{Stack: stack, started: true}
	p.coroutine = program.heap.MustAllocate(root)
	root.Caller = p.coroutine
	return p
}

// kDefaultMaxStackSize bounds stack growth, in slots.
const kDefaultMaxStackSize = 1 << 20

// Program returns the program this process executes.
func (p *Process) Program() *Program { return p.program }

// Coroutine returns the current coroutine.
func (p *Process) Coroutine() Value { return p.coroutine }

// Stack returns the current coroutine's stack.
func (p *Process) Stack() *Stack {
	co := p.program.heap.Get(p.coroutine).(*Coroutine)
	return p.program.heap.Get(co.Stack).(*Stack)
}

// SetupEntry seeds the current stack so that interpretation begins at the
// entry function: two scratch slots (the coroutine-change protocol needs
// them on every suspended stack) below the saved bytecode pointer.
func (p *Process) SetupEntry(function Value) {
	fn := p.program.FunctionOf(function)
	st := p.Stack()
	st.top = -1
	st.push(p.program.nullObject)
	st.push(p.program.nullObject)
	st.push(FromAddress(fn.BytecodeAddressFor(0)))
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// NewInstance allocates an instance of class with all fields null. May
// return the retry-after-GC sentinel; the caller must honor the retry
// protocol.
func (p *Process) NewInstance(class *Class, immutable bool) Value {
	fields := make([]Value, class.FieldCount)
	for i := range fields {
		fields[i] = p.program.nullObject
	}
	return p.program.heap.Allocate(&Instance{
		Class:     class,
		Fields:    fields,
		Immutable: immutable && class.Immutable,
	})
}

// NewBoxed allocates a boxed cell holding value.
func (p *Process) NewBoxed(value Value) Value {
	return p.program.heap.Allocate(&Boxed{Contents: value})
}

// NewStack allocates a coroutine stack.
func (p *Process) NewStack(size int) Value {
	return p.program.heap.Allocate(newStack(size))
}

// NewCoroutine allocates a fresh coroutine owning the given stack. The
// caller back-reference is self until the coroutine is first entered.
func (p *Process) NewCoroutine(stack Value) Value {
	co := &Coroutine{Stack: stack}
	v := p.program.heap.Allocate(co)
	if v == RetryAfterGC {
		return v
	}
	co.Caller = v
	return v
}

// RegisterFinalizer arranges for fn to run when obj is collected.
func (p *Process) RegisterFinalizer(obj Value, fn Finalizer) {
	p.program.heap.RegisterFinalizer(obj, fn)
}

// CollectGarbage runs a collection with the program and process roots.
func (p *Process) CollectGarbage() {
	p.program.heap.Collect(func(visit func(Value)) {
		p.program.visitRoots(visit)
		visit(p.coroutine)
		for _, v := range p.statics {
			visit(v)
		}
	})
}

// ---------------------------------------------------------------------------
// Statics
// ---------------------------------------------------------------------------

// StaticAt returns static variable i.
func (p *Process) StaticAt(i int) Value { return p.statics[i] }

// SetStaticAt stores static variable i.
func (p *Process) SetStaticAt(i int, v Value) { p.statics[i] = v }

// ---------------------------------------------------------------------------
// Stack growth
// ---------------------------------------------------------------------------

// HandleStackOverflow grows the current stack so that size more slots
// fit. Returns false when the limit is reached and the process should be
// paused instead.
func (p *Process) HandleStackOverflow(size int) bool {
	st := p.Stack()
	needed := st.top + size + kStackMargin + 1
	grown := len(st.slots) * 2
	for grown < needed {
		grown *= 2
	}
	if grown > p.maxStackSize {
		return false
	}
	return st.grow(grown)
}

// SetMaxStackSize bounds stack growth, in slots.
func (p *Process) SetMaxStackSize(size int) { p.maxStackSize = size }

// ---------------------------------------------------------------------------
// Coroutines
// ---------------------------------------------------------------------------

// UpdateCoroutine switches the current stack to the target coroutine's.
// The target must own a stack. On the first entry of a fresh coroutine
// the caller back-reference is linked to the coroutine being left.
func (p *Process) UpdateCoroutine(coroutine Value) {
	target := p.program.heap.Get(coroutine).(*Coroutine)
	if target.Stack == p.program.nullObject {
		panic("vm: coroutine has no stack")
	}
	if !target.started {
		target.started = true
		target.Caller = p.coroutine
	}
	p.coroutine = coroutine
}

// ---------------------------------------------------------------------------
// Lookup cache ownership
// ---------------------------------------------------------------------------

// TakeLookupCache transfers the cache into the engine for the duration of
// an interpret run.
func (p *Process) TakeLookupCache() *LookupCache {
	if p.cacheTaken {
		panic("vm: lookup cache already taken")
	}
	p.cacheTaken = true
	return p.lookupCache
}

// ReleaseLookupCache returns cache ownership to the process.
func (p *Process) ReleaseLookupCache() {
	p.cacheTaken = false
}

// ---------------------------------------------------------------------------
// Errno proxy
// ---------------------------------------------------------------------------

// Errno returns the process-private errno view.
func (p *Process) Errno() int { return p.errnoValue }

// SetErrno stores into the process-private errno view.
func (p *Process) SetErrno(errno int) { p.errnoValue = errno }

// RestoreErrno installs the process errno around an interpret run.
func (p *Process) RestoreErrno() { p.savedErrno, p.errnoValue = p.errnoValue, p.savedErrno }

// StoreErrno saves the errno view back when the run surrenders.
func (p *Process) StoreErrno() { p.savedErrno, p.errnoValue = p.errnoValue, p.savedErrno }

// ---------------------------------------------------------------------------
// Debugging
// ---------------------------------------------------------------------------

// DebugInfo returns the process debug info, or nil.
func (p *Process) DebugInfo() *DebugInfo { return p.debugInfo }

// AttachDebugInfo installs breakpoint state on the process.
func (p *Process) AttachDebugInfo(d *DebugInfo) { p.debugInfo = d }
