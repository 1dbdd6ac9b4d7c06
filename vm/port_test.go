package vm

import (
	"testing"
)

// TestNativeYieldToPort drives a send native through InvokeNativeYield:
// the engine surrenders with a target yield, the out-parameter is the
// locked port the native returned, and the saved stack has null on top.
func TestNativeYieldToPort(t *testing.T) {
	p := NewProgram()
	createIdx := p.AddStaticMethod(nativeWrapper(p, "port create", 1, NativePortCreate))

	sb := NewBytecodeBuilder()
	sb.EmitBytes(OpInvokeNativeYield, 2, NativePortSend)
	sb.Emit(OpThrow)
	sb.EmitInt32(OpMethodEnd, 0)
	sendIdx := p.AddStaticMethod(p.NewFunction("port send", 2, sb.Bytes(), nil, nil))

	p.SetStatics([]Value{FromSmi(0)})
	b := NewBytecodeBuilder()
	b.Emit(OpLoadLiteralNull)
	b.EmitInt32(OpInvokeStatic, int32(createIdx))
	b.EmitInt32(OpStoreStatic, 0) // keep the port visible
	b.EmitByte(OpLoadLiteral, 9)
	b.EmitInt32(OpInvokeStatic, int32(sendIdx))
	terminate(b)
	entry := p.NewFunction("entry", 0, b.Bytes(), nil, nil)

	proc := NewProcess(p)
	proc.SetupEntry(entry)
	interp := NewInterpreter(proc)
	interp.Run()

	if interp.Interruption() != TargetYield {
		t.Fatalf("interruption = %v, want target yield", interp.Interruption())
	}
	port := interp.Target()
	if port == nil {
		t.Fatalf("no target port")
	}
	if want := p.Heap().Get(proc.StaticAt(0)).(*Port); port != want {
		t.Errorf("target port is not the port the native returned")
	}
	if !port.IsLocked() {
		t.Errorf("target port is not locked")
	}

	st := proc.Stack()
	if got := st.Get(st.Top() - 1); got != p.NullObject() {
		t.Errorf("saved stack top = %s, want null", p.ValueString(got))
	}

	messages := port.Drain()
	if len(messages) != 1 || messages[0] != FromSmi(9) {
		t.Errorf("queued messages = %v, want [9]", messages)
	}
	port.Unlock()

	// The process resumes past the send.
	interp.Run()
	expectTerminate(t, interp)
}

func TestPortRefCounting(t *testing.T) {
	port := NewPort()
	if got := port.Refs(); got != 1 {
		t.Fatalf("fresh port refs = %d, want 1", got)
	}
	port.IncrementRef()
	if port.DecrementRef() {
		t.Errorf("port died with a reference outstanding")
	}
	if !port.DecrementRef() {
		t.Errorf("port did not die at zero references")
	}
}
