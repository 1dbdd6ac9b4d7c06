package vm

import (
	"testing"
)

func installCoroutineStatics(p *Program) (createIdx, currentIdx int) {
	createIdx = p.AddStaticMethod(nativeWrapper(p, "coroutine create", 2, NativeCoroutineCreate))
	currentIdx = p.AddStaticMethod(nativeWrapper(p, "coroutine current", 1, NativeCoroutineCurrent))
	return createIdx, currentIdx
}

// TestCoroutineRoundTrip switches A -> B -> A and checks that A resumes
// with the delivered value and its scratch slots intact.
func TestCoroutineRoundTrip(t *testing.T) {
	p := NewProgram()
	createIdx, currentIdx := installCoroutineStatics(p)

	// B receives A's coroutine as the delivered argument and immediately
	// switches back, delivering 7.
	fb := NewBytecodeBuilder()
	fb.EmitByte(OpLoadLiteral, 7)
	fb.Emit(OpCoroutineChange)
	terminate(fb)
	fnB := p.NewFunction("b", 0, fb.Bytes(), nil, nil)
	fnBConst := p.AddConstant(fnB)

	b := NewBytecodeBuilder()
	b.Emit(OpLoadLiteralNull)
	b.EmitInt32(OpLoadConst, int32(fnBConst))
	b.EmitInt32(OpInvokeStatic, int32(createIdx))
	b.Emit(OpLoadLiteralNull)
	b.EmitInt32(OpInvokeStatic, int32(currentIdx))
	b.Emit(OpCoroutineChange)
	terminate(b)
	entry := p.NewFunction("entry", 0, b.Bytes(), nil, nil)

	interp, proc := runEntry(t, p, entry)
	expectTerminate(t, interp)
	if got := terminateResult(t, proc); got != FromSmi(7) {
		t.Errorf("delivered value = %s, want 7", p.ValueString(got))
	}

	// The nulled hand-off slots did not leak a reference.
	st := proc.Stack()
	for i := 0; i < 2; i++ {
		if got := st.Get(i); got != p.NullObject() {
			t.Errorf("slot %d = %s, want null", i, p.ValueString(got))
		}
	}
}

// TestExceptionAcrossCoroutine has B throw while A holds the handler:
// control resumes in A without surrendering, B's stack slot is cleared,
// and B's caller reference is self-looped.
func TestExceptionAcrossCoroutine(t *testing.T) {
	p := NewProgram()
	createIdx, _ := installCoroutineStatics(p)
	p.SetStatics([]Value{FromSmi(0)})

	// B throws the value A delivered to it.
	fb := NewBytecodeBuilder()
	fb.Emit(OpThrow)
	fb.EmitInt32(OpMethodEnd, 0)
	fnB := p.NewFunction("b", 0, fb.Bytes(), nil, nil)
	fnBConst := p.AddConstant(fnB)

	b := NewBytecodeBuilder()
	b.Emit(OpLoadLiteralNull)
	b.EmitInt32(OpLoadConst, int32(fnBConst))
	b.EmitInt32(OpInvokeStatic, int32(createIdx))
	b.EmitInt32(OpStoreStatic, 0) // keep B visible for the assertions
	b.EmitByte(OpLoadLiteral, 42)
	b.Emit(OpCoroutineChange)
	terminate(b)
	handler := b.Len()
	terminate(b)
	entry := p.NewFunction("entry", 0, b.Bytes(), nil,
		[]CatchRange{{Start: 0, End: handler, Handler: handler, FrameSize: 3}})

	interp, proc := runEntry(t, p, entry)
	expectTerminate(t, interp)
	if got := terminateResult(t, proc); got != FromSmi(42) {
		t.Errorf("caught %s in A, want 42", p.ValueString(got))
	}

	bValue := proc.StaticAt(0)
	co := p.Heap().Get(bValue).(*Coroutine)
	if co.Stack != p.NullObject() {
		t.Errorf("B still holds its stack after failing to catch")
	}
	if co.Caller != bValue {
		t.Errorf("B.caller is not self-looped after done")
	}
}

func TestCoroutineCreateIsFresh(t *testing.T) {
	p := NewProgram()
	proc := NewProcess(p)

	f := NewBytecodeBuilder()
	terminate(f)
	fn := p.NewFunction("noop", 0, f.Bytes(), nil, nil)

	v := nativeCoroutineCreate(proc, Arguments{p.NullObject(), fn})
	if v.IsFailure() {
		t.Fatalf("coroutine create failed")
	}
	co := p.Heap().Get(v).(*Coroutine)
	if co.Caller != v {
		t.Errorf("fresh coroutine caller is not self")
	}
	st := p.Heap().Get(co.Stack).(*Stack)
	if !st.Get(st.Top()).IsAddress() {
		t.Errorf("fresh coroutine stack does not end in a saved bytecode pointer")
	}
}
