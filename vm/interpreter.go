package vm

import (
	"fmt"
	"math"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ivory.vm")

// ValidateStack enables a check of the stack height limit and of every
// live stack slot before every dispatch. Slow; for tests and debugging.
var ValidateStack bool

// InterruptKind is the reason an interpret run surrendered control.
type InterruptKind uint8

const (
	Ready InterruptKind = iota
	Yield
	TargetYield
	Terminate
	Interrupt
	Breakpoint
	UncaughtException
)

var interruptNames = [...]string{
	"ready", "yield", "target yield", "terminate", "interrupt",
	"breakpoint", "uncaught exception",
}

func (k InterruptKind) String() string { return interruptNames[k] }

// Interpreter drives bytecode execution for one process. Run executes
// until the engine must surrender control; the interruption and, for
// target yields, the destination port describe why.
type Interpreter struct {
	process      *Process
	interruption InterruptKind
	target       *Port
}

// NewInterpreter creates an interpreter for the process.
func NewInterpreter(process *Process) *Interpreter {
	return &Interpreter{process: process, interruption: Ready}
}

// Process returns the process being interpreted.
func (i *Interpreter) Process() *Process { return i.process }

// Interruption returns the reason the last run surrendered.
func (i *Interpreter) Interruption() InterruptKind { return i.interruption }

// Target returns the port of a target-yield surrender. The port is
// locked; the embedder unlocks it after taking delivery.
func (i *Interpreter) Target() *Port { return i.target }

// Run interprets until the process surrenders control. The lookup cache
// and the errno view are private to the run: taken on entry, released on
// any surrender.
func (i *Interpreter) Run() {
	p := i.process
	p.RestoreErrno()
	cache := p.TakeLookupCache()

	e := &engine{process: p, program: p.program, cache: cache}
	e.restoreState()
	i.interruption, i.target = e.interpret()

	p.ReleaseLookupCache()
	p.StoreErrno()
}

// fatal aborts on corrupt bytecode or interpreter state.
func fatal(format string, args ...interface{}) {
	panic("vm: " + fmt.Sprintf(format, args...))
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// engine caches the two working pointers, bcp and sp, across opcodes.
// Both are flushed into the stack object by saveState before anything
// that can collect garbage, call a native, switch coroutines, or
// surrender; restoreState re-derives them afterwards. This save/restore
// discipline is the only mechanism keeping the working state visible to
// the collector.
type engine struct {
	process *Process
	program *Program
	cache   *LookupCache
	stack   *Stack
	sp      int // index of the top-of-stack slot
	bcp     int // absolute address of the next opcode
}

func (e *engine) saveState() {
	e.push(FromAddress(e.bcp))
	e.stack.SetTop(e.sp)
}

func (e *engine) restoreState() {
	e.stack = e.process.Stack()
	e.sp = e.stack.Top()
	bcp := e.stack.Get(e.sp)
	e.sp--
	e.bcp = bcp.Address()
}

// Bytecode pointer operations.

func (e *engine) readByte(offset int) byte { return e.program.ByteAt(e.bcp + offset) }
func (e *engine) readInt32(offset int) int { return int(e.program.Int32At(e.bcp + offset)) }
func (e *engine) advance(delta int)        { e.bcp += delta }
func (e *engine) goTo(address int)         { e.bcp = address }

func (e *engine) readOpcode() Opcode {
	op := Opcode(e.program.ByteAt(e.bcp))
	if op >= kNumBytecodes {
		fatal("failed to interpret: bad bytecode (opcode = %d)", byte(op))
	}
	return op
}

// readConstant resolves the inline constant-pool operand of an unfold
// opcode against the current function.
func (e *engine) readConstant() Value {
	fn := e.program.FunctionForAddress(e.bcp)
	return fn.Constants[e.readInt32(1)]
}

// Stack pointer operations.

func (e *engine) push(v Value) {
	e.sp++
	e.stack.slots[e.sp] = v
}

func (e *engine) pop() Value {
	v := e.stack.slots[e.sp]
	e.sp--
	return v
}

func (e *engine) drop(n int)              { e.sp -= n }
func (e *engine) local(n int) Value       { return e.stack.slots[e.sp-n] }
func (e *engine) setLocal(n int, v Value) { e.stack.slots[e.sp-n] = v }
func (e *engine) top() Value              { return e.stack.slots[e.sp] }
func (e *engine) setTop(v Value)          { e.stack.slots[e.sp] = v }

func (e *engine) hasStackSpaceFor(size int) bool {
	return e.sp+size+kStackMargin < e.stack.Limit()
}

// arguments returns the native-call view of the top arity stack slots,
// ascending: arguments[0] is the receiver.
func (e *engine) arguments(arity int) Arguments {
	return Arguments(e.stack.slots[e.sp-arity : e.sp])
}

func (e *engine) pushReturnAddress(offset int) { e.push(FromAddress(e.bcp + offset)) }
func (e *engine) popReturnAddress()            { e.bcp = e.pop().Address() }

func (e *engine) pushDelta(delta int) { e.push(FromSmi(int64(delta))) }
func (e *engine) popDelta() int       { return int(e.pop().Smi()) }

func (e *engine) toBool(value bool) Value { return e.program.ToBool(value) }

// Object accessors.

func (e *engine) heapObject(v Value) HeapObject { return e.program.heap.Get(v) }

func (e *engine) instanceAt(v Value) *Instance   { return e.heapObject(v).(*Instance) }
func (e *engine) boxedAt(v Value) *Boxed         { return e.heapObject(v).(*Boxed) }
func (e *engine) arrayAt(v Value) *Array         { return e.heapObject(v).(*Array) }
func (e *engine) coroutineAt(v Value) *Coroutine { return e.heapObject(v).(*Coroutine) }
func (e *engine) portAt(v Value) *Port           { return e.heapObject(v).(*Port) }

// isImmutable reports whether a value may be a field of an immutable
// instance.
func (e *engine) isImmutable(v Value) bool {
	if v.IsSmi() {
		return true
	}
	switch o := e.heapObject(v).(type) {
	case *Instance:
		return o.Immutable
	case *String, *Double, *LargeInteger, *Function, *Class:
		return true
	}
	return false
}

// stackOverflowCheck ensures size more slots fit, asking the process to
// grow the stack otherwise. Returns false when the process declined and
// the run must surrender with an interrupt.
func (e *engine) stackOverflowCheck(size int) bool {
	if e.hasStackSpaceFor(size) {
		return true
	}
	e.saveState()
	if !e.process.HandleStackOverflow(size) {
		return false
	}
	e.restoreState()
	return true
}

func (e *engine) collectGarbage() {
	e.saveState()
	e.process.CollectGarbage()
	e.restoreState()
	log.Debugf("collected garbage, %d objects live", e.program.heap.Live())
}

// shouldBreak runs the breakpoint gate. On a hit the position is saved
// before surrendering and the at-breakpoint flag is set so resumption
// skips the immediate re-check.
func (e *engine) shouldBreak() bool {
	d := e.process.DebugInfo()
	if d == nil || !d.ShouldBreak(e.bcp) {
		return false
	}
	e.saveState()
	d.SetAtBreakpoint()
	return true
}

// validateStack checks that every live slot holds a smi, a live heap
// reference, or a frame-boundary address.
func (e *engine) validateStack() {
	if e.sp >= e.stack.Limit() {
		fatal("wrong stack height")
	}
	for i := 0; i <= e.sp; i++ {
		v := e.stack.slots[i]
		if v.IsFailure() {
			fatal("failure sentinel on stack at slot %d", i)
		}
		if v.IsHeapRef() && e.program.heap.slots[v.Handle()] == nil {
			fatal("dangling heap reference on stack at slot %d", i)
		}
	}
}

// branch advances by trueOffset or falseOffset depending on the popped
// condition.
func (e *engine) branch(trueOffset, falseOffset int) {
	if e.pop() == e.program.trueObject {
		e.advance(trueOffset)
	} else {
		e.advance(falseOffset)
	}
}

// ---------------------------------------------------------------------------
// The dispatch loop
// ---------------------------------------------------------------------------

// interpret advances the bytecode stream until the process surrenders.
// Every allocating opcode honors the retry protocol: a retry-after-GC
// result flushes state, collects, and re-dispatches the same opcode with
// its operands untouched.
func (e *engine) interpret() (InterruptKind, *Port) {
	skipBreak := false
	if d := e.process.DebugInfo(); d != nil {
		skipBreak = d.ClearAtBreakpoint()
	}

	for {
		if skipBreak {
			skipBreak = false
		} else if e.shouldBreak() {
			return Breakpoint, nil
		}
		if ValidateStack {
			e.validateStack()
		}
		op := e.readOpcode()

		switch canonicalOpcode(op) {
		case OpLoadLocal0:
			local := e.local(0)
			e.push(local)
			e.advance(1)

		case OpLoadLocal1:
			local := e.local(1)
			e.push(local)
			e.advance(1)

		case OpLoadLocal2:
			local := e.local(2)
			e.push(local)
			e.advance(1)

		case OpLoadLocal:
			local := e.local(int(e.readByte(1)))
			e.push(local)
			e.advance(2)

		case OpLoadBoxed:
			boxed := e.boxedAt(e.local(int(e.readByte(1))))
			e.push(boxed.Contents)
			e.advance(2)

		case OpLoadStatic:
			e.push(e.process.StaticAt(e.readInt32(1)))
			e.advance(5)

		case OpLoadStaticInit:
			value := e.process.StaticAt(e.readInt32(1))
			if init, ok := e.heapObjectOrNil(value).(*Initializer); ok {
				target := e.program.FunctionOf(init.Function)
				e.pushReturnAddress(5)
				e.goTo(target.BytecodeAddressFor(0))
				if !e.stackOverflowCheck(0) {
					return Interrupt, nil
				}
			} else {
				e.push(value)
				e.advance(5)
			}

		case OpLoadField:
			target := e.instanceAt(e.top())
			e.setTop(target.GetField(int(e.readByte(1))))
			e.advance(2)

		case OpLoadConst:
			e.push(e.program.ConstantAt(e.readInt32(1)))
			e.advance(5)

		case OpLoadConstUnfold:
			e.push(e.readConstant())
			e.advance(5)

		case OpStoreLocal:
			e.setLocal(int(e.readByte(1)), e.top())
			e.advance(2)

		case OpStoreBoxed:
			boxed := e.boxedAt(e.local(int(e.readByte(1))))
			boxed.Contents = e.top()
			e.advance(2)

		case OpStoreStatic:
			e.process.SetStaticAt(e.readInt32(1), e.top())
			e.advance(5)

		case OpStoreField:
			value := e.pop()
			target := e.instanceAt(e.pop())
			target.SetField(int(e.readByte(1)), value)
			e.push(value)
			e.advance(2)

		case OpLoadLiteralNull:
			e.push(e.program.nullObject)
			e.advance(1)

		case OpLoadLiteralTrue:
			e.push(e.program.trueObject)
			e.advance(1)

		case OpLoadLiteralFalse:
			e.push(e.program.falseObject)
			e.advance(1)

		case OpLoadLiteral0:
			e.push(FromSmi(0))
			e.advance(1)

		case OpLoadLiteral1:
			e.push(FromSmi(1))
			e.advance(1)

		case OpLoadLiteral:
			e.push(FromSmi(int64(e.readByte(1))))
			e.advance(2)

		case OpLoadLiteralWide:
			e.push(FromSmi(int64(e.readInt32(1))))
			e.advance(5)

		case OpInvokeMethod:
			selector := uint32(e.readInt32(1))
			arity := SelectorArity(selector)
			receiver := e.local(arity)
			e.pushReturnAddress(5)
			entry := e.cache.Lookup(e.program, e.program.ClassOfValue(receiver), selector)
			e.goTo(entry.Target.BytecodeAddressFor(0))
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}

		case OpInvokeMethodFast:
			index := e.readInt32(1)
			table := e.program.dispatchTable
			selector := uint32(table[index+1].Smi())
			arity := SelectorArity(selector)
			receiver := e.local(arity)
			e.pushReturnAddress(5)

			classID := int64(e.program.ClassOfValue(receiver).ID)
			var target *Function
			for offset := 4; ; offset += 4 {
				if classID < table[index+offset].Smi() {
					continue
				}
				if classID >= table[index+offset+1].Smi() {
					continue
				}
				target = e.program.FunctionOf(table[index+offset+3])
				break
			}
			e.goTo(target.BytecodeAddressFor(0))
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}

		case OpInvokeMethodVtable:
			selector := uint32(e.readInt32(1))
			arity := SelectorArity(selector)
			offset := int(SelectorID(selector))
			receiver := e.local(arity)
			e.pushReturnAddress(5)

			class := e.program.ClassOfValue(receiver)
			entry := e.arrayAt(e.program.vtable[class.ID+offset])
			if entry.Elements[0].Smi() != int64(offset) {
				entry = e.arrayAt(e.program.vtable[0])
			}
			target := e.program.FunctionOf(entry.Elements[2])
			e.goTo(target.BytecodeAddressFor(0))
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}

		case OpInvokeStatic:
			target := e.program.StaticMethodAt(e.readInt32(1))
			e.pushReturnAddress(5)
			e.goTo(target.BytecodeAddressFor(0))
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}

		case OpInvokeStaticUnfold:
			target := e.program.FunctionOf(e.readConstant())
			e.pushReturnAddress(5)
			e.goTo(target.BytecodeAddressFor(0))
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}

		case OpInvokeNative:
			arity := int(e.readByte(1))
			index := int(e.readByte(2))
			result := nativeTable[index](e.process, e.arguments(arity))
			if result == RetryAfterGC {
				e.collectGarbage()
				continue
			}
			if result.IsFailure() {
				e.push(e.program.ObjectFromFailure(result))
				e.advance(3)
			} else {
				e.popReturnAddress()
				e.drop(arity)
				e.push(result)
			}

		case OpInvokeNativeYield:
			arity := int(e.readByte(1))
			index := int(e.readByte(2))
			result := nativeTable[index](e.process, e.arguments(arity))
			if result == RetryAfterGC {
				e.collectGarbage()
				continue
			}
			if result.IsFailure() {
				e.push(e.program.ObjectFromFailure(result))
				e.advance(3)
			} else {
				e.popReturnAddress()
				e.drop(arity)
				null := e.program.nullObject
				e.push(null)
				if result != null {
					e.saveState()
					port := e.portAt(result)
					if !port.IsLocked() {
						fatal("target-yield port is not locked")
					}
					return TargetYield, port
				}
			}

		case OpInvokeTest:
			selector := uint32(e.readInt32(1))
			receiver := e.top()
			entry := e.cache.Lookup(e.program, e.program.ClassOfValue(receiver), selector)
			e.setTop(e.toBool(entry.Tag != 0))
			e.advance(5)

		case OpInvokeTestFast:
			index := e.readInt32(1)
			table := e.program.dispatchTable
			classID := int64(e.program.ClassOfValue(e.top()).ID)
			for offset := 4; ; offset += 4 {
				if classID < table[index+offset].Smi() {
					continue
				}
				upper := table[index+offset+1].Smi()
				if classID >= upper {
					continue
				}
				e.setTop(e.toBool(upper != MaxSmi))
				break
			}
			e.advance(5)

		case OpInvokeTestVtable:
			selector := uint32(e.readInt32(1))
			offset := int(SelectorID(selector))
			class := e.program.ClassOfValue(e.top())
			entry := e.arrayAt(e.program.vtable[class.ID+offset])
			e.setTop(e.toBool(entry.Elements[0].Smi() == int64(offset)))
			e.advance(5)

		case OpPop:
			e.drop(1)
			e.advance(1)

		case OpReturn:
			locals := int(e.readByte(1))
			arguments := int(e.readByte(2))
			result := e.local(0)
			e.drop(locals)
			e.popReturnAddress()
			e.drop(arguments)
			e.push(result)

		case OpBranchLong:
			e.advance(e.readInt32(1))

		case OpBranchIfTrueLong:
			e.branch(e.readInt32(1), 5)

		case OpBranchIfFalseLong:
			e.branch(5, e.readInt32(1))

		case OpBranchBack:
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}
			e.advance(-int(e.readByte(1)))

		case OpBranchBackIfTrue:
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}
			e.branch(-int(e.readByte(1)), 2)

		case OpBranchBackIfFalse:
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}
			e.branch(2, -int(e.readByte(1)))

		case OpBranchBackLong:
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}
			e.advance(-e.readInt32(1))

		case OpBranchBackIfTrueLong:
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}
			e.branch(-e.readInt32(1), 5)

		case OpBranchBackIfFalseLong:
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}
			e.branch(5, -e.readInt32(1))

		case OpPopAndBranchLong:
			popCount := int(e.readByte(1))
			delta := e.readInt32(2)
			e.drop(popCount)
			e.advance(delta)

		case OpPopAndBranchBackLong:
			if !e.stackOverflowCheck(0) {
				return Interrupt, nil
			}
			popCount := int(e.readByte(1))
			delta := e.readInt32(2)
			e.drop(popCount)
			e.advance(-delta)

		case OpAllocate, OpAllocateUnfold:
			var class *Class
			if op == OpAllocate {
				class = e.program.ClassAt(e.readInt32(1))
			} else {
				class = e.heapObject(e.readConstant()).(*Class)
			}
			result := e.process.NewInstance(class, false)
			if result == RetryAfterGC {
				e.collectGarbage()
				continue
			}
			instance := e.instanceAt(result)
			for i := class.FieldCount - 1; i >= 0; i-- {
				instance.SetField(i, e.pop())
			}
			e.push(result)
			e.advance(5)

		case OpAllocateImmutable, OpAllocateImmutableUnfold:
			var class *Class
			if op == OpAllocateImmutable {
				class = e.program.ClassAt(e.readInt32(1))
			} else {
				class = e.heapObject(e.readConstant()).(*Class)
			}
			immutable := true
			for i := 0; i < class.FieldCount; i++ {
				if !e.isImmutable(e.local(i)) {
					immutable = false
					break
				}
			}
			result := e.process.NewInstance(class, immutable)
			if result == RetryAfterGC {
				e.collectGarbage()
				continue
			}
			instance := e.instanceAt(result)
			for i := class.FieldCount - 1; i >= 0; i-- {
				instance.SetField(i, e.pop())
			}
			e.push(result)
			e.advance(5)

		case OpAllocateBoxed:
			value := e.local(0)
			raw := e.process.NewBoxed(value)
			if raw == RetryAfterGC {
				e.collectGarbage()
				continue
			}
			e.setTop(raw)
			e.advance(1)

		case OpNegate:
			condition := e.local(0)
			switch condition {
			case e.program.trueObject:
				e.setTop(e.program.falseObject)
			case e.program.falseObject:
				e.setTop(e.program.trueObject)
			default:
				fatal("negate of a non-boolean")
			}
			e.advance(1)

		case OpStackOverflowCheck:
			size := e.readInt32(1)
			if !e.stackOverflowCheck(size) {
				return Interrupt, nil
			}
			e.advance(5)

		case OpThrow:
			// The stack walker does not allocate, so holding the raw
			// exception reference across the walk is safe.
			exception := e.local(0)
			e.saveState()
			catchAddress, stackDelta := handleThrow(e.process, exception)
			if catchAddress < 0 {
				return UncaughtException, nil
			}
			e.restoreState()
			e.goTo(catchAddress)
			// The delta counts the saved bcp, already popped by the
			// restore.
			e.drop(stackDelta - 1)
			e.setTop(exception)

		case OpSubroutineCall:
			delta := e.readInt32(1)
			returnDelta := e.readInt32(5)
			e.pushDelta(returnDelta)
			e.advance(delta)

		case OpSubroutineReturn:
			e.advance(-e.popDelta())

		case OpProcessYield:
			value := e.local(0)
			e.setTop(e.program.nullObject)
			e.advance(1)
			e.saveState()
			if value == e.program.trueObject {
				return Terminate, nil
			}
			return Yield, nil

		case OpCoroutineChange:
			argument := e.local(0)
			e.setLocal(0, e.program.nullObject)
			coroutine := e.local(1)
			e.coroutineAt(coroutine) // must be a coroutine
			e.setLocal(1, e.program.nullObject)

			// Advance past this opcode before flushing state so a fresh
			// coroutine's saved entry address and a suspended
			// coroutine's resume address follow the same protocol.
			e.advance(1)
			e.saveState()
			e.process.UpdateCoroutine(coroutine)
			e.restoreState()

			e.drop(1)
			e.setTop(argument)

		case OpIdentical:
			result := handleIdentical(e.program, e.local(1), e.local(0))
			e.drop(1)
			e.setTop(result)
			e.advance(1)

		case OpIdenticalNonNumeric:
			identical := e.local(0) == e.local(1)
			e.drop(1)
			e.setTop(e.toBool(identical))
			e.advance(1)

		case OpEnterNoSuchMethod:
			returnAddress := e.local(0).Address()
			invoke := Opcode(e.program.ByteAt(returnAddress - 5))

			var selector uint32
			if IsInvokeFast(invoke) {
				index := int(e.program.Int32At(returnAddress - 4))
				selector = uint32(e.program.dispatchTable[index+1].Smi())
			} else if IsInvokeVtable(invoke) {
				selector = uint32(e.program.Int32At(returnAddress - 4))
			} else {
				if !IsInvokeNormal(invoke) {
					fatal("no invoke at noSuchMethod call site")
				}
				selector = uint32(e.program.Int32At(returnAddress - 4))
			}

			arity := SelectorArity(selector)
			selectorSmi := FromSmi(int64(selector))
			receiver := e.local(arity + 1)

			e.push(selectorSmi)
			e.push(receiver)
			e.push(selectorSmi)
			e.advance(1)

		case OpExitNoSuchMethod:
			result := e.pop()
			selector := uint32(e.pop().Smi())
			e.popReturnAddress()

			// The result of invoking a setter is the assigned value,
			// even through noSuchMethod.
			if SelectorKind(selector) == SelectorSetter {
				result = e.local(0)
			}

			arity := SelectorArity(selector)
			e.drop(arity + 1)
			e.push(result)

		case OpFrameSize:
			e.advance(2)

		case OpMethodEnd:
			fatal("cannot interpret 'method end' bytecodes")

		default:
			fatal("unhandled bytecode %s", op)
		}
	}
}

// heapObjectOrNil dereferences v when it is a heap reference.
func (e *engine) heapObjectOrNil(v Value) HeapObject {
	if !v.IsHeapRef() {
		return nil
	}
	return e.heapObject(v)
}

// handleIdentical implements the Identical opcode: doubles compare
// IEEE-equal with NaN equal to NaN, boxed 64-bit integers compare by
// value, everything else by reference.
func handleIdentical(p *Program, left, right Value) Value {
	identical := false
	if left.IsHeapRef() && right.IsHeapRef() {
		switch l := p.heap.Get(left).(type) {
		case *Double:
			if r, ok := p.heap.Get(right).(*Double); ok {
				if math.IsNaN(l.Contents) && math.IsNaN(r.Contents) {
					identical = true
				} else {
					identical = l.Contents == r.Contents
				}
				return p.ToBool(identical)
			}
		case *LargeInteger:
			if r, ok := p.heap.Get(right).(*LargeInteger); ok {
				return p.ToBool(l.Contents == r.Contents)
			}
		}
	}
	return p.ToBool(left == right)
}
