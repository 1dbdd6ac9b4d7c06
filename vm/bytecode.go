package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction tag.
type Opcode byte

// Loads
const (
	OpLoadLocal0 Opcode = iota
	OpLoadLocal1
	OpLoadLocal2
	OpLoadLocal
	OpLoadBoxed
	OpLoadStatic
	OpLoadStaticInit
	OpLoadField
	OpLoadConst
	OpLoadConstUnfold

	// Stores
	OpStoreLocal
	OpStoreBoxed
	OpStoreStatic
	OpStoreField

	// Literals
	OpLoadLiteralNull
	OpLoadLiteralTrue
	OpLoadLiteralFalse
	OpLoadLiteral0
	OpLoadLiteral1
	OpLoadLiteral
	OpLoadLiteralWide

	// Static and native invocation
	OpInvokeStatic
	OpInvokeStaticUnfold
	OpInvokeFactory
	OpInvokeFactoryUnfold
	OpInvokeNative
	OpInvokeNativeYield

	// Cache-based invocation. The builtin selectors dispatch exactly like
	// InvokeMethod; the distinct tags exist so call sites stay recognizable
	// to the trampoline and to tooling.
	OpInvokeMethod
	OpInvokeTest
	OpInvokeEq
	OpInvokeLt
	OpInvokeLe
	OpInvokeGt
	OpInvokeGe
	OpInvokeAdd
	OpInvokeSub
	OpInvokeMod
	OpInvokeMul
	OpInvokeTruncDiv
	OpInvokeBitNot
	OpInvokeBitAnd
	OpInvokeBitOr
	OpInvokeBitXor
	OpInvokeBitShr
	OpInvokeBitShl

	// Linear-range dispatch-table invocation
	OpInvokeMethodFast
	OpInvokeTestFast
	OpInvokeEqFast
	OpInvokeLtFast
	OpInvokeLeFast
	OpInvokeGtFast
	OpInvokeGeFast
	OpInvokeAddFast
	OpInvokeSubFast
	OpInvokeModFast
	OpInvokeMulFast
	OpInvokeTruncDivFast
	OpInvokeBitNotFast
	OpInvokeBitAndFast
	OpInvokeBitOrFast
	OpInvokeBitXorFast
	OpInvokeBitShrFast
	OpInvokeBitShlFast

	// Vtable invocation
	OpInvokeMethodVtable
	OpInvokeTestVtable
	OpInvokeEqVtable
	OpInvokeLtVtable
	OpInvokeLeVtable
	OpInvokeGtVtable
	OpInvokeGeVtable
	OpInvokeAddVtable
	OpInvokeSubVtable
	OpInvokeModVtable
	OpInvokeMulVtable
	OpInvokeTruncDivVtable
	OpInvokeBitNotVtable
	OpInvokeBitAndVtable
	OpInvokeBitOrVtable
	OpInvokeBitXorVtable
	OpInvokeBitShrVtable
	OpInvokeBitShlVtable

	OpPop
	OpReturn

	// Branches. Forward branches are long; back branches carry either a
	// byte or a long delta and poll for stack overflow.
	OpBranchLong
	OpBranchIfTrueLong
	OpBranchIfFalseLong
	OpBranchBack
	OpBranchBackIfTrue
	OpBranchBackIfFalse
	OpBranchBackLong
	OpBranchBackIfTrueLong
	OpBranchBackIfFalseLong
	OpPopAndBranchLong
	OpPopAndBranchBackLong

	// Allocation
	OpAllocate
	OpAllocateUnfold
	OpAllocateImmutable
	OpAllocateImmutableUnfold
	OpAllocateBoxed

	OpNegate
	OpStackOverflowCheck
	OpThrow
	OpSubroutineCall
	OpSubroutineReturn
	OpProcessYield
	OpCoroutineChange
	OpIdentical
	OpIdenticalNonNumeric
	OpEnterNoSuchMethod
	OpExitNoSuchMethod
	OpFrameSize
	OpMethodEnd

	kNumBytecodes
)

// kVarStackDiff marks opcodes whose stack effect depends on operands or
// on dispatch.
const kVarStackDiff = -128

// BytecodeInfo holds the declarative metadata for one opcode. The same
// table drives runtime decode, the disassembler, and the test harness.
type BytecodeInfo struct {
	Name      string
	Format    string // operand layout: "" | "B" | "I" | "BB" | "BI" | "II"
	Length    int    // total instruction length including the tag byte
	StackDiff int    // net stack effect, or kVarStackDiff
	Branching bool
}

var bytecodeTable [kNumBytecodes]BytecodeInfo

func init() {
	def := func(op Opcode, name, format string, length, diff int, branching bool) {
		bytecodeTable[op] = BytecodeInfo{name, format, length, diff, branching}
	}

	def(OpLoadLocal0, "load local 0", "", 1, 1, false)
	def(OpLoadLocal1, "load local 1", "", 1, 1, false)
	def(OpLoadLocal2, "load local 2", "", 1, 1, false)
	def(OpLoadLocal, "load local", "B", 2, 1, false)
	def(OpLoadBoxed, "load boxed", "B", 2, 1, false)
	def(OpLoadStatic, "load static", "I", 5, 1, false)
	def(OpLoadStaticInit, "load static init", "I", 5, kVarStackDiff, false)
	def(OpLoadField, "load field", "B", 2, 0, false)
	def(OpLoadConst, "load const", "I", 5, 1, false)
	def(OpLoadConstUnfold, "load const unfold", "I", 5, 1, false)

	def(OpStoreLocal, "store local", "B", 2, 0, false)
	def(OpStoreBoxed, "store boxed", "B", 2, 0, false)
	def(OpStoreStatic, "store static", "I", 5, 0, false)
	def(OpStoreField, "store field", "B", 2, -1, false)

	def(OpLoadLiteralNull, "load literal null", "", 1, 1, false)
	def(OpLoadLiteralTrue, "load literal true", "", 1, 1, false)
	def(OpLoadLiteralFalse, "load literal false", "", 1, 1, false)
	def(OpLoadLiteral0, "load literal 0", "", 1, 1, false)
	def(OpLoadLiteral1, "load literal 1", "", 1, 1, false)
	def(OpLoadLiteral, "load literal", "B", 2, 1, false)
	def(OpLoadLiteralWide, "load literal wide", "I", 5, 1, false)

	def(OpInvokeStatic, "invoke static", "I", 5, kVarStackDiff, false)
	def(OpInvokeStaticUnfold, "invoke static unfold", "I", 5, kVarStackDiff, false)
	def(OpInvokeFactory, "invoke factory", "I", 5, kVarStackDiff, false)
	def(OpInvokeFactoryUnfold, "invoke factory unfold", "I", 5, kVarStackDiff, false)
	def(OpInvokeNative, "invoke native", "BB", 3, kVarStackDiff, false)
	def(OpInvokeNativeYield, "invoke native yield", "BB", 3, kVarStackDiff, false)

	def(OpInvokeMethod, "invoke method", "I", 5, kVarStackDiff, false)
	def(OpInvokeTest, "invoke test", "I", 5, 0, false)
	def(OpInvokeMethodFast, "invoke method fast", "I", 5, kVarStackDiff, false)
	def(OpInvokeTestFast, "invoke test fast", "I", 5, 0, false)
	def(OpInvokeMethodVtable, "invoke method vtable", "I", 5, kVarStackDiff, false)
	def(OpInvokeTestVtable, "invoke test vtable", "I", 5, 0, false)

	// The builtin-selector invokes share the generic invoke behavior; a
	// loop fills their rows so the three blocks cannot drift apart.
	builtins := []string{
		"eq", "lt", "le", "gt", "ge",
		"add", "sub", "mod", "mul", "trunc div",
		"bit not", "bit and", "bit or", "bit xor", "bit shr", "bit shl",
	}
	for i, n := range builtins {
		def(OpInvokeEq+Opcode(i), "invoke "+n, "I", 5, kVarStackDiff, false)
		def(OpInvokeEqFast+Opcode(i), "invoke "+n+" fast", "I", 5, kVarStackDiff, false)
		def(OpInvokeEqVtable+Opcode(i), "invoke "+n+" vtable", "I", 5, kVarStackDiff, false)
	}

	def(OpPop, "pop", "", 1, -1, false)
	def(OpReturn, "return", "BB", 3, kVarStackDiff, false)

	def(OpBranchLong, "branch long", "I", 5, 0, true)
	def(OpBranchIfTrueLong, "branch if true long", "I", 5, -1, true)
	def(OpBranchIfFalseLong, "branch if false long", "I", 5, -1, true)
	def(OpBranchBack, "branch back", "B", 2, 0, true)
	def(OpBranchBackIfTrue, "branch back if true", "B", 2, -1, true)
	def(OpBranchBackIfFalse, "branch back if false", "B", 2, -1, true)
	def(OpBranchBackLong, "branch back long", "I", 5, 0, true)
	def(OpBranchBackIfTrueLong, "branch back if true long", "I", 5, -1, true)
	def(OpBranchBackIfFalseLong, "branch back if false long", "I", 5, -1, true)
	def(OpPopAndBranchLong, "pop and branch long", "BI", 6, kVarStackDiff, true)
	def(OpPopAndBranchBackLong, "pop and branch back long", "BI", 6, kVarStackDiff, true)

	def(OpAllocate, "allocate", "I", 5, kVarStackDiff, false)
	def(OpAllocateUnfold, "allocate unfold", "I", 5, kVarStackDiff, false)
	def(OpAllocateImmutable, "allocate immutable", "I", 5, kVarStackDiff, false)
	def(OpAllocateImmutableUnfold, "allocate immutable unfold", "I", 5, kVarStackDiff, false)
	def(OpAllocateBoxed, "allocate boxed", "", 1, 0, false)

	def(OpNegate, "negate", "", 1, 0, false)
	def(OpStackOverflowCheck, "stack overflow check", "I", 5, 0, false)
	def(OpThrow, "throw", "", 1, kVarStackDiff, false)
	def(OpSubroutineCall, "subroutine call", "II", 9, 1, true)
	def(OpSubroutineReturn, "subroutine return", "", 1, -1, false)
	def(OpProcessYield, "process yield", "", 1, 0, false)
	def(OpCoroutineChange, "coroutine change", "", 1, -1, false)
	def(OpIdentical, "identical", "", 1, -1, false)
	def(OpIdenticalNonNumeric, "identical non numeric", "", 1, -1, false)
	def(OpEnterNoSuchMethod, "enter noSuchMethod", "", 1, 3, false)
	def(OpExitNoSuchMethod, "exit noSuchMethod", "", 1, kVarStackDiff, false)
	def(OpFrameSize, "frame size", "B", 2, 0, false)
	def(OpMethodEnd, "method end", "I", 5, 0, false)
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() BytecodeInfo {
	if op >= kNumBytecodes {
		return BytecodeInfo{Name: fmt.Sprintf("invalid %02X", byte(op))}
	}
	return bytecodeTable[op]
}

// Length returns the instruction length including the tag byte.
func (op Opcode) Length() int { return op.Info().Length }

// String implements the Stringer interface.
func (op Opcode) String() string { return op.Info().Name }

// IsInvokeNormal reports whether op is a cache-based invoke (including
// the builtin-selector aliases, excluding the test variant).
func IsInvokeNormal(op Opcode) bool {
	return op == OpInvokeMethod || (op >= OpInvokeEq && op <= OpInvokeBitShl)
}

// IsInvokeFast reports whether op is a dispatch-table invoke.
func IsInvokeFast(op Opcode) bool {
	return op == OpInvokeMethodFast || (op >= OpInvokeEqFast && op <= OpInvokeBitShlFast)
}

// IsInvokeVtable reports whether op is a vtable invoke.
func IsInvokeVtable(op Opcode) bool {
	return op == OpInvokeMethodVtable || (op >= OpInvokeEqVtable && op <= OpInvokeBitShlVtable)
}

// canonicalOpcode folds the builtin-selector and factory aliases onto the
// handler that implements them.
func canonicalOpcode(op Opcode) Opcode {
	switch {
	case op == OpInvokeTest || op == OpInvokeTestFast || op == OpInvokeTestVtable:
		return op
	case IsInvokeNormal(op):
		return OpInvokeMethod
	case IsInvokeFast(op):
		return OpInvokeMethodFast
	case IsInvokeVtable(op):
		return OpInvokeMethodVtable
	case op == OpInvokeFactory:
		return OpInvokeStatic
	case op == OpInvokeFactoryUnfold:
		return OpInvokeStaticUnfold
	}
	return op
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder constructs bytecode sequences. The loader and the tests
// use it; the engine only reads.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte { return b.bytes }

// Len returns the current length.
func (b *BytecodeBuilder) Len() int { return len(b.bytes) }

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitBytes appends an opcode with two byte operands.
func (b *BytecodeBuilder) EmitBytes(op Opcode, first, second byte) {
	b.bytes = append(b.bytes, byte(op), first, second)
}

// EmitInt32 appends an opcode with a 32-bit operand in little-endian byte
// order, whatever the host's byte order.
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(operand))
	b.bytes = append(b.bytes, buf[:]...)
}

// EmitUint32 appends an opcode with an unsigned 32-bit operand.
func (b *BytecodeBuilder) EmitUint32(op Opcode, operand uint32) {
	b.EmitInt32(op, int32(operand))
}

// EmitByteInt32 appends an opcode with a byte operand followed by a
// 32-bit operand.
func (b *BytecodeBuilder) EmitByteInt32(op Opcode, first byte, second int32) {
	b.bytes = append(b.bytes, byte(op), first)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(second))
	b.bytes = append(b.bytes, buf[:]...)
}

// EmitInt32Pair appends an opcode with two 32-bit operands.
func (b *BytecodeBuilder) EmitInt32Pair(op Opcode, first, second int32) {
	b.bytes = append(b.bytes, byte(op))
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(first))
	binary.LittleEndian.PutUint32(buf[4:], uint32(second))
	b.bytes = append(b.bytes, buf[:]...)
}

// PatchInt32 rewrites the 32-bit operand at the given byte position.
func (b *BytecodeBuilder) PatchInt32(pos int, operand int32) {
	binary.LittleEndian.PutUint32(b.bytes[pos:], uint32(operand))
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// readInt32 reads a 32-bit operand in little-endian byte order, whatever
// the host's byte order.
func readInt32(bc []byte, pos int) int32 {
	return int32(binary.LittleEndian.Uint32(bc[pos:]))
}

// DisassembleInstruction renders the instruction at pos and returns the
// rendering along with the next position.
func DisassembleInstruction(bc []byte, pos int) (string, int) {
	op := Opcode(bc[pos])
	info := op.Info()
	if info.Length == 0 {
		return fmt.Sprintf("%04d  %s", pos, info.Name), pos + 1
	}
	var operands []string
	offset := pos + 1
	for _, f := range info.Format {
		switch f {
		case 'B':
			operands = append(operands, fmt.Sprintf("%d", bc[offset]))
			offset++
		case 'I':
			operands = append(operands, fmt.Sprintf("%d", readInt32(bc, offset)))
			offset += 4
		}
	}
	if len(operands) == 0 {
		return fmt.Sprintf("%04d  %s", pos, info.Name), pos + info.Length
	}
	return fmt.Sprintf("%04d  %s %s", pos, info.Name, strings.Join(operands, " ")),
		pos + info.Length
}

// Disassemble returns a full disassembly of a bytecode region.
func Disassemble(bc []byte) string {
	var out strings.Builder
	for pos := 0; pos < len(bc); {
		line, next := DisassembleInstruction(bc, pos)
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(line)
		pos = next
	}
	return out.String()
}
