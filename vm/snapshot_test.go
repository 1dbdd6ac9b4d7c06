package vm

import (
	"bytes"
	"math"
	"strings"
	"testing"
)

func buildSnapshotProgram(t *testing.T) (*Program, Value) {
	t.Helper()
	p := NewProgram()
	addIdx := p.AddStaticMethod(nativeWrapper(p, "smi add", 2, NativeSmiAdd))

	b := NewBytecodeBuilder()
	b.EmitByte(OpLoadLiteral, 2)
	b.EmitByte(OpLoadLiteral, 3)
	b.EmitInt32(OpInvokeStatic, int32(addIdx))
	terminate(b)
	entry := p.NewFunction("entry", 0, b.Bytes(), nil, nil)
	return p, entry
}

func TestSnapshotRoundTrip(t *testing.T) {
	p, entry := buildSnapshotProgram(t)

	data, err := WriteSnapshot(p, entry)
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	p2, entry2, err := LoadSnapshot(data)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	interp, proc := runEntry(t, p2, entry2)
	expectTerminate(t, interp)
	if got := terminateResult(t, proc); got != FromSmi(5) {
		t.Errorf("reloaded program computed %s, want 5", p2.ValueString(got))
	}
}

func TestSnapshotIsDeterministic(t *testing.T) {
	p, entry := buildSnapshotProgram(t)

	first, err := WriteSnapshot(p, entry)
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	second, err := WriteSnapshot(p, entry)
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("two encodings of the same program differ")
	}
}

func TestSnapshotCarriesClassesAndCatches(t *testing.T) {
	p := NewProgram()
	box := p.NewClass("Box", 1, nil, true)

	f := NewBytecodeBuilder()
	f.EmitByte(OpLoadLiteral, 1)
	f.EmitBytes(OpReturn, 1, 1)
	f.EmitInt32(OpMethodEnd, 0)
	oneSel := EncodeSelector(p.Selectors().Intern("one"), SelectorMethod, 0)
	box.AddMethod(oneSel, p.NewFunction("Box.one", 1, f.Bytes(), nil, nil))

	pi := p.Heap().MustAllocate(&Double{Contents: math.Pi})
	big := p.Heap().MustAllocate(&LargeInteger{Contents: 1 << 62})
	text := p.Heap().MustAllocate(&String{Contents: "snapshot"})
	p.AddConstant(pi)
	p.AddConstant(big)
	p.AddConstant(text)
	p.SetStatics([]Value{FromSmi(17), p.NullObject()})

	b := NewBytecodeBuilder()
	b.EmitInt32(OpAllocate, int32(box.ID))
	b.EmitUint32(OpInvokeMethod, oneSel)
	terminate(b)
	handler := b.Len()
	terminate(b)
	entry := p.NewFunction("entry", 0, b.Bytes(), nil,
		[]CatchRange{{Start: 0, End: handler, Handler: handler, FrameSize: 3}})

	data, err := WriteSnapshot(p, entry)
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	p2, entry2, err := LoadSnapshot(data)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	if got := len(p2.classes) - p2.builtinClasses; got != 1 {
		t.Fatalf("reloaded user classes = %d, want 1", got)
	}
	box2 := p2.classes[p2.builtinClasses]
	if box2.Name != "Box" || box2.FieldCount != 1 || !box2.Immutable {
		t.Errorf("reloaded class lost its shape: %+v", box2)
	}
	if _, ok := box2.lookupMethod(oneSel); !ok {
		t.Errorf("reloaded class lost its method")
	}

	entryFn := p2.FunctionOf(entry2)
	if len(entryFn.Catches) != 1 || entryFn.Catches[0].FrameSize != 3 {
		t.Errorf("reloaded entry lost its catch ranges: %+v", entryFn.Catches)
	}

	if got := p2.Heap().Get(p2.ConstantAt(0)).(*Double).Contents; got != math.Pi {
		t.Errorf("double constant = %v, want pi", got)
	}
	if got := p2.Heap().Get(p2.ConstantAt(1)).(*LargeInteger).Contents; got != 1<<62 {
		t.Errorf("large integer constant = %v", got)
	}
	if got := p2.Heap().Get(p2.ConstantAt(2)).(*String).Contents; got != "snapshot" {
		t.Errorf("string constant = %q", got)
	}
	if p2.staticsTemplate[0] != FromSmi(17) || p2.staticsTemplate[1] != p2.NullObject() {
		t.Errorf("statics template lost values")
	}

	// The reloaded program still runs: Box.one answers 1.
	interp, proc := runEntry(t, p2, entry2)
	expectTerminate(t, interp)
	if got := terminateResult(t, proc); got != FromSmi(1) {
		t.Errorf("reloaded method answered %s, want 1", p2.ValueString(got))
	}
}

func TestSnapshotCarriesDispatchStructures(t *testing.T) {
	p, class, _, cacheSel, vtableSel := buildFooProgram(t)

	b := NewBytecodeBuilder()
	b.EmitInt32(OpAllocate, int32(class.ID))
	b.EmitUint32(OpInvokeMethod, cacheSel)
	b.Emit(OpPop)
	b.EmitInt32(OpAllocate, int32(class.ID))
	b.EmitInt32(OpInvokeMethodFast, 0)
	b.Emit(OpPop)
	b.EmitInt32(OpAllocate, int32(class.ID))
	b.EmitUint32(OpInvokeMethodVtable, vtableSel)
	terminate(b)
	entry := p.NewFunction("entry", 0, b.Bytes(), nil, nil)

	data, err := WriteSnapshot(p, entry)
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	p2, entry2, err := LoadSnapshot(data)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	proc := NewProcess(p2)
	var out bytes.Buffer
	proc.Stdout = &out
	proc.SetupEntry(entry2)
	interp := NewInterpreter(proc)
	interp.Run()
	expectTerminate(t, interp)

	if got := len(strings.Split(strings.TrimSpace(out.String()), "\n")); got != 3 {
		t.Errorf("reloaded program printed %d lines, want 3: %q", got, out.String())
	}
}

func TestSnapshotRejectsGarbage(t *testing.T) {
	if _, _, err := LoadSnapshot([]byte("not cbor at all")); err == nil {
		t.Errorf("garbage snapshot loaded without error")
	}
}
