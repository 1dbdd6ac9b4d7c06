package vm

import "fmt"

// Arguments is the native-call view of the argument slots on the stack,
// ascending: arguments[0] is the receiver (or the first argument for
// receiverless natives). Natives must not hold the view, or any raw
// object pointer, across an allocation.
type Arguments []Value

// NativeFunc is a native implementation. It returns a result value or a
// failure sentinel: retry-after-GC makes the engine collect and re-issue
// the call, any other failure is wrapped into a user-level exception
// pushed for the next bytecode.
type NativeFunc func(p *Process, arguments Arguments) Value

// Native function indices. The order is part of the snapshot format.
const (
	NativeSmiAdd = iota
	NativeSmiSub
	NativeSmiMul
	NativePrint
	NativeCoroutineCreate
	NativeCoroutineCurrent
	NativePortCreate
	NativePortSend

	NativeForeignLookup
	NativeForeignAllocate
	NativeForeignFree
	NativeForeignMarkForFinalization
	NativeForeignBitsPerWord
	NativeForeignErrno
	NativeForeignPlatform
	NativeForeignConvertPort

	NativeForeignCall0
	NativeForeignCall1
	NativeForeignCall2
	NativeForeignCall3
	NativeForeignCall4
	NativeForeignCall5
	NativeForeignCall6

	NativeForeignGetInt8
	NativeForeignSetInt8
	NativeForeignGetInt16
	NativeForeignSetInt16
	NativeForeignGetInt32
	NativeForeignSetInt32
	NativeForeignGetInt64
	NativeForeignSetInt64
	NativeForeignGetUint8
	NativeForeignSetUint8
	NativeForeignGetUint16
	NativeForeignSetUint16
	NativeForeignGetUint32
	NativeForeignSetUint32
	NativeForeignGetUint64
	NativeForeignSetUint64

	kNumNatives
)

var nativeTable = [kNumNatives]NativeFunc{
	NativeSmiAdd:          nativeSmiAdd,
	NativeSmiSub:          nativeSmiSub,
	NativeSmiMul:          nativeSmiMul,
	NativePrint:           nativePrint,
	NativeCoroutineCreate:  nativeCoroutineCreate,
	NativeCoroutineCurrent: nativeCoroutineCurrent,
	NativePortCreate:       nativePortCreate,
	NativePortSend:        nativePortSend,

	NativeForeignLookup:              nativeForeignLookup,
	NativeForeignAllocate:            nativeForeignAllocate,
	NativeForeignFree:                nativeForeignFree,
	NativeForeignMarkForFinalization: nativeForeignMarkForFinalization,
	NativeForeignBitsPerWord:         nativeForeignBitsPerWord,
	NativeForeignErrno:               nativeForeignErrno,
	NativeForeignPlatform:            nativeForeignPlatform,
	NativeForeignConvertPort:         nativeForeignConvertPort,

	NativeForeignCall0: makeForeignCall(0),
	NativeForeignCall1: makeForeignCall(1),
	NativeForeignCall2: makeForeignCall(2),
	NativeForeignCall3: makeForeignCall(3),
	NativeForeignCall4: makeForeignCall(4),
	NativeForeignCall5: makeForeignCall(5),
	NativeForeignCall6: makeForeignCall(6),

	NativeForeignGetInt8:   makeForeignGet(1, true),
	NativeForeignSetInt8:   makeForeignSet(1),
	NativeForeignGetInt16:  makeForeignGet(2, true),
	NativeForeignSetInt16:  makeForeignSet(2),
	NativeForeignGetInt32:  makeForeignGet(4, true),
	NativeForeignSetInt32:  makeForeignSet(4),
	NativeForeignGetInt64:  makeForeignGet(8, true),
	NativeForeignSetInt64:  makeForeignSet(8),
	NativeForeignGetUint8:  makeForeignGet(1, false),
	NativeForeignSetUint8:  makeForeignSet(1),
	NativeForeignGetUint16: makeForeignGet(2, false),
	NativeForeignSetUint16: makeForeignSet(2),
	NativeForeignGetUint32: makeForeignGet(4, false),
	NativeForeignSetUint32: makeForeignSet(4),
	NativeForeignGetUint64: makeForeignGet(8, false),
	NativeForeignSetUint64: makeForeignSet(8),
}

// ---------------------------------------------------------------------------
// Integer natives
// ---------------------------------------------------------------------------

func smiOperands(arguments Arguments) (int64, int64, bool) {
	if !arguments[0].IsSmi() || !arguments[1].IsSmi() {
		return 0, 0, false
	}
	return arguments[0].Smi(), arguments[1].Smi(), true
}

func nativeSmiAdd(p *Process, arguments Arguments) Value {
	a, b, ok := smiOperands(arguments)
	if !ok {
		return WrongArgumentType
	}
	return p.program.ToInteger(a + b)
}

func nativeSmiSub(p *Process, arguments Arguments) Value {
	a, b, ok := smiOperands(arguments)
	if !ok {
		return WrongArgumentType
	}
	return p.program.ToInteger(a - b)
}

func nativeSmiMul(p *Process, arguments Arguments) Value {
	a, b, ok := smiOperands(arguments)
	if !ok {
		return WrongArgumentType
	}
	return p.program.ToInteger(a * b)
}

// ---------------------------------------------------------------------------
// Printing
// ---------------------------------------------------------------------------

func nativePrint(p *Process, arguments Arguments) Value {
	fmt.Fprintln(p.Stdout, p.program.ValueString(arguments[0]))
	return p.program.nullObject
}

// ---------------------------------------------------------------------------
// Coroutines
// ---------------------------------------------------------------------------

// nativeCoroutineCreate builds a coroutine around an entry function. The
// fresh stack is seeded with the two scratch slots and the saved entry
// address that the coroutine-change protocol expects.
func nativeCoroutineCreate(p *Process, arguments Arguments) Value {
	entry := arguments[1]
	if !entry.IsHeapRef() {
		return WrongArgumentType
	}
	fn, ok := p.program.heap.Get(entry).(*Function)
	if !ok {
		return WrongArgumentType
	}

	stack := p.NewStack(kDefaultStackSize)
	if stack == RetryAfterGC {
		return RetryAfterGC
	}
	st := p.program.heap.Get(stack).(*Stack)
	st.push(p.program.nullObject)
	st.push(p.program.nullObject)
	st.push(FromAddress(fn.BytecodeAddressFor(0)))

	return p.NewCoroutine(stack)
}

// nativeCoroutineCurrent returns the coroutine executing the call.
func nativeCoroutineCurrent(p *Process, arguments Arguments) Value {
	return p.coroutine
}

// ---------------------------------------------------------------------------
// Ports
// ---------------------------------------------------------------------------

func nativePortCreate(p *Process, arguments Arguments) Value {
	return p.program.heap.Allocate(NewPort())
}

// nativePortSend queues a message and returns the port, locked, so the
// engine surrenders with a target yield.
func nativePortSend(p *Process, arguments Arguments) Value {
	if !arguments[0].IsHeapRef() {
		return WrongArgumentType
	}
	port, ok := p.program.heap.Get(arguments[0]).(*Port)
	if !ok {
		return WrongArgumentType
	}
	port.Lock()
	port.Enqueue(arguments[1])
	return arguments[0]
}
