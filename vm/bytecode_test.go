package vm

import (
	"strings"
	"testing"
)

func TestBytecodeTableComplete(t *testing.T) {
	for op := Opcode(0); op < kNumBytecodes; op++ {
		info := op.Info()
		if info.Name == "" {
			t.Errorf("opcode %d has no name", op)
		}
		if info.Length < 1 {
			t.Errorf("%s has length %d", info.Name, info.Length)
		}
		operands := 0
		for _, f := range info.Format {
			switch f {
			case 'B':
				operands++
			case 'I':
				operands += 4
			default:
				t.Errorf("%s has a malformed format %q", info.Name, info.Format)
			}
		}
		if info.Length != 1+operands {
			t.Errorf("%s: length %d does not match format %q", info.Name, info.Length, info.Format)
		}
	}
}

// TestInvokeOpcodesAreFiveBytes pins the layout the no-such-method
// trampoline depends on: it reads the five bytes before a return address
// to recover the invoke and its 32-bit operand.
func TestInvokeOpcodesAreFiveBytes(t *testing.T) {
	for op := Opcode(0); op < kNumBytecodes; op++ {
		if !IsInvokeNormal(op) && !IsInvokeFast(op) && !IsInvokeVtable(op) {
			continue
		}
		if got := op.Length(); got != 5 {
			t.Errorf("%s has length %d, want 5", op, got)
		}
	}
	for _, op := range []Opcode{OpInvokeTest, OpInvokeTestFast, OpInvokeTestVtable,
		OpInvokeStatic, OpInvokeStaticUnfold, OpInvokeFactory, OpInvokeFactoryUnfold} {
		if got := op.Length(); got != 5 {
			t.Errorf("%s has length %d, want 5", op, got)
		}
	}
}

func TestCanonicalOpcode(t *testing.T) {
	cases := []struct {
		op   Opcode
		want Opcode
	}{
		{OpInvokeAdd, OpInvokeMethod},
		{OpInvokeBitShl, OpInvokeMethod},
		{OpInvokeEqFast, OpInvokeMethodFast},
		{OpInvokeGeVtable, OpInvokeMethodVtable},
		{OpInvokeTest, OpInvokeTest},
		{OpInvokeTestFast, OpInvokeTestFast},
		{OpInvokeTestVtable, OpInvokeTestVtable},
		{OpInvokeFactory, OpInvokeStatic},
		{OpInvokeFactoryUnfold, OpInvokeStaticUnfold},
		{OpLoadLocal, OpLoadLocal},
		{OpThrow, OpThrow},
	}
	for _, c := range cases {
		if got := canonicalOpcode(c.op); got != c.want {
			t.Errorf("canonical(%s) = %s, want %s", c.op, got, c.want)
		}
	}
}

func TestBranchingFlags(t *testing.T) {
	branching := []Opcode{
		OpBranchLong, OpBranchIfTrueLong, OpBranchIfFalseLong,
		OpBranchBack, OpBranchBackIfTrue, OpBranchBackIfFalse,
		OpBranchBackLong, OpBranchBackIfTrueLong, OpBranchBackIfFalseLong,
		OpPopAndBranchLong, OpPopAndBranchBackLong, OpSubroutineCall,
	}
	flagged := make(map[Opcode]bool)
	for _, op := range branching {
		flagged[op] = true
		if !op.Info().Branching {
			t.Errorf("%s is not flagged branching", op)
		}
	}
	for op := Opcode(0); op < kNumBytecodes; op++ {
		if op.Info().Branching && !flagged[op] {
			t.Errorf("%s is flagged branching unexpectedly", op)
		}
	}
}

func TestDisassemble(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitByte(OpLoadLiteral, 42)
	b.EmitUint32(OpInvokeMethod, 7)
	b.Emit(OpPop)
	b.EmitBytes(OpReturn, 1, 1)

	out := Disassemble(b.Bytes())
	lines := strings.Split(out, "\n")
	if len(lines) != 4 {
		t.Fatalf("disassembly has %d lines: %q", len(lines), out)
	}
	if !strings.Contains(lines[0], "load literal 42") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "invoke method 7") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "0007") {
		t.Errorf("line 2 position = %q", lines[2])
	}
	if !strings.Contains(lines[3], "return 1 1") {
		t.Errorf("line 3 = %q", lines[3])
	}
}

func TestCorruptOpcodeIsFatal(t *testing.T) {
	p := NewProgram()
	entry := p.NewFunction("entry", 0, []byte{byte(kNumBytecodes) + 3}, nil, nil)

	defer func() {
		if recover() == nil {
			t.Errorf("corrupt opcode did not abort")
		}
	}()
	runEntry(t, p, entry)
}

func TestMethodEndIsFatal(t *testing.T) {
	p := NewProgram()
	b := NewBytecodeBuilder()
	b.EmitInt32(OpMethodEnd, 0)
	entry := p.NewFunction("entry", 0, b.Bytes(), nil, nil)

	defer func() {
		if recover() == nil {
			t.Errorf("executing method end did not abort")
		}
	}()
	runEntry(t, p, entry)
}
