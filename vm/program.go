package vm

import (
	"fmt"
	"sort"
)

// Program is the immutable, program-global execution context: the code
// arena, classes, constants, static methods, the dispatch table and
// vtable, and the distinguished singletons. A program is built once by
// the snapshot loader (or by a test harness) and then shared read-only by
// every process executing it.
type Program struct {
	heap *Heap

	code      []byte
	functions []*Function
	handles   map[*Function]Value

	classes         []*Class
	classValues     []Value
	constants       []Value
	staticMethods   []Value
	staticsTemplate []Value
	dispatchTable   []Value
	vtable          []Value

	selectors *SelectorTable

	// builtin classes
	objectClass       *Class
	smiClass          *Class
	boxedClass        *Class
	arrayClass        *Class
	stringClass       *Class
	largeIntegerClass *Class
	doubleClass       *Class
	functionClass     *Class
	classClass        *Class
	coroutineClass    *Class
	stackClass        *Class
	portClass         *Class
	nullClass         *Class
	boolClass         *Class
	errorClass        *Class

	nullObject  Value
	trueObject  Value
	falseObject Value

	wrongArgumentTypeError Value
	indexOutOfBoundsError  Value
	illegalStateError      Value

	noSuchMethodStub *Function

	// counts of the classes and functions NewProgram installs, so the
	// snapshot codec knows where user definitions begin
	builtinClasses   int
	builtinFunctions int

	session Session
}

// NewProgram creates a program with the builtin classes, the singletons,
// and the no-such-method machinery installed.
func NewProgram() *Program {
	p := &Program{
		heap:      newHeap(0),
		selectors: NewSelectorTable(),
		handles:   make(map[*Function]Value),
	}

	p.objectClass = p.NewClass("Object", 0, nil, false)
	p.smiClass = p.NewClass("Smi", 0, p.objectClass, true)
	p.boxedClass = p.NewClass("Boxed", 1, p.objectClass, false)
	p.arrayClass = p.NewClass("Array", 0, p.objectClass, false)
	p.stringClass = p.NewClass("String", 0, p.objectClass, true)
	p.largeIntegerClass = p.NewClass("LargeInteger", 0, p.objectClass, true)
	p.doubleClass = p.NewClass("Double", 0, p.objectClass, true)
	p.functionClass = p.NewClass("Function", 0, p.objectClass, true)
	p.classClass = p.NewClass("Class", 0, p.objectClass, true)
	p.coroutineClass = p.NewClass("Coroutine", 0, p.objectClass, false)
	p.stackClass = p.NewClass("Stack", 0, p.objectClass, false)
	p.portClass = p.NewClass("Port", 1, p.objectClass, false)
	p.nullClass = p.NewClass("Null", 0, p.objectClass, true)
	p.boolClass = p.NewClass("Bool", 0, p.objectClass, true)
	p.errorClass = p.NewClass("Error", 1, p.objectClass, true)

	p.nullObject = p.heap.MustAllocate(&Instance{Class: p.nullClass, Immutable: true})
	p.trueObject = p.heap.MustAllocate(&Instance{Class: p.boolClass, Immutable: true})
	p.falseObject = p.heap.MustAllocate(&Instance{Class: p.boolClass, Immutable: true})

	p.wrongArgumentTypeError = p.newError("wrong argument type")
	p.indexOutOfBoundsError = p.newError("index out of bounds")
	p.illegalStateError = p.newError("illegal state")

	p.installNoSuchMethod()
	p.builtinClasses = len(p.classes)
	p.builtinFunctions = len(p.functions)
	return p
}

func (p *Program) newError(message string) Value {
	text := p.heap.MustAllocate(&String{Contents: message})
	return p.heap.MustAllocate(&Instance{
		Class:     p.errorClass,
		Fields:    []Value{text},
		Immutable: true,
	})
}

// installNoSuchMethod builds the trampoline stub dispatched to when
// resolution fails, plus the default handler on the root class that
// throws the unresolved selector.
func (p *Program) installNoSuchMethod() {
	nsmSelector := EncodeSelector(p.selectors.Intern("noSuchMethod:"), SelectorMethod, 1)

	handler := NewBytecodeBuilder()
	handler.EmitByte(OpLoadLocal, 1)
	handler.Emit(OpThrow)
	handler.EmitInt32(OpMethodEnd, 0)
	defaultHandler := p.NewFunction("Object.noSuchMethod:", 2, handler.Bytes(), nil, nil)
	p.objectClass.AddMethod(nsmSelector, defaultHandler)

	stub := NewBytecodeBuilder()
	stub.Emit(OpEnterNoSuchMethod)
	stub.EmitUint32(OpInvokeMethod, nsmSelector)
	stub.Emit(OpExitNoSuchMethod)
	stub.EmitInt32(OpMethodEnd, 0)
	p.noSuchMethodStub = p.FunctionOf(p.NewFunction("<noSuchMethod stub>", 0, stub.Bytes(), nil, nil))
}

// ---------------------------------------------------------------------------
// Construction API (used by the snapshot loader and tests)
// ---------------------------------------------------------------------------

// NewClass registers a class with the next class id. A nil super chains
// the class under the root class so the default no-such-method handler is
// always reachable.
func (p *Program) NewClass(name string, fieldCount int, super *Class, immutable bool) *Class {
	if super == nil && p.objectClass != nil {
		super = p.objectClass
	}
	c := &Class{
		Name:       name,
		ID:         len(p.classes),
		FieldCount: fieldCount,
		Immutable:  immutable,
		Super:      super,
	}
	p.classes = append(p.classes, c)
	p.classValues = append(p.classValues, p.heap.MustAllocate(c))
	return c
}

// NewFunction appends bytecode to the code arena and registers the
// function, returning its heap reference.
func (p *Program) NewFunction(name string, arity int, bytecode []byte, constants []Value, catches []CatchRange) Value {
	fn := &Function{
		Name:      name,
		Arity:     arity,
		Start:     len(p.code),
		Length:    len(bytecode),
		Constants: constants,
		Catches:   catches,
	}
	p.code = append(p.code, bytecode...)
	p.functions = append(p.functions, fn)
	v := p.heap.MustAllocate(fn)
	p.handles[fn] = v
	return v
}

// AddConstant appends a program constant and returns its index.
func (p *Program) AddConstant(v Value) int {
	p.constants = append(p.constants, v)
	return len(p.constants) - 1
}

// AddStaticMethod appends a static method and returns its index.
func (p *Program) AddStaticMethod(function Value) int {
	p.staticMethods = append(p.staticMethods, function)
	return len(p.staticMethods) - 1
}

// SetStatics installs the statics template copied into each process.
func (p *Program) SetStatics(statics []Value) { p.staticsTemplate = statics }

// SetDispatchTable installs the linear-range dispatch table.
func (p *Program) SetDispatchTable(table []Value) { p.dispatchTable = table }

// SetVtable installs the vtable.
func (p *Program) SetVtable(vtable []Value) { p.vtable = vtable }

// SetSession attaches a debug session.
func (p *Program) SetSession(s Session) { p.session = s }

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Heap returns the program's object heap.
func (p *Program) Heap() *Heap { return p.heap }

// Selectors returns the selector name table.
func (p *Program) Selectors() *SelectorTable { return p.selectors }

// NullObject returns the null singleton.
func (p *Program) NullObject() Value { return p.nullObject }

// TrueObject returns the true singleton.
func (p *Program) TrueObject() Value { return p.trueObject }

// FalseObject returns the false singleton.
func (p *Program) FalseObject() Value { return p.falseObject }

// SmiClass returns the class of small integers.
func (p *Program) SmiClass() *Class { return p.smiClass }

// ClassAt returns the class with the given id.
func (p *Program) ClassAt(id int) *Class { return p.classes[id] }

// ClassValueAt returns the heap reference of the class with the given id.
func (p *Program) ClassValueAt(id int) Value { return p.classValues[id] }

// ConstantAt returns program constant i.
func (p *Program) ConstantAt(i int) Value { return p.constants[i] }

// StaticMethodAt returns static method i.
func (p *Program) StaticMethodAt(i int) *Function {
	return p.FunctionOf(p.staticMethods[i])
}

// DispatchTable returns the linear-range dispatch table.
func (p *Program) DispatchTable() []Value { return p.dispatchTable }

// Vtable returns the vtable.
func (p *Program) Vtable() []Value { return p.vtable }

// Session returns the attached debug session, or nil.
func (p *Program) Session() Session { return p.session }

// ByteAt returns the code-arena byte at an absolute address.
func (p *Program) ByteAt(address int) byte { return p.code[address] }

// Int32At returns the 32-bit operand at an absolute address.
func (p *Program) Int32At(address int) int32 { return readInt32(p.code, address) }

// FunctionForAddress maps an absolute bytecode address back to the
// function whose region contains it.
func (p *Program) FunctionForAddress(address int) *Function {
	i := sort.Search(len(p.functions), func(i int) bool {
		return p.functions[i].Start > address
	})
	if i == 0 {
		panic(fmt.Sprintf("vm: no function for bytecode address %d", address))
	}
	fn := p.functions[i-1]
	if address >= fn.Start+fn.Length {
		panic(fmt.Sprintf("vm: bytecode address %d past end of %s", address, fn.Name))
	}
	return fn
}

// FunctionOf dereferences a function heap reference.
func (p *Program) FunctionOf(v Value) *Function {
	return p.heap.Get(v).(*Function)
}

// FunctionValue returns the heap reference for a function.
func (p *Program) FunctionValue(fn *Function) Value {
	return p.handles[fn]
}

// ClassOfValue returns the receiver class for a value: the designated
// smi class for small integers, the object's class otherwise.
func (p *Program) ClassOfValue(v Value) *Class {
	if v.IsSmi() {
		return p.smiClass
	}
	return p.heap.Get(v).classOf(p)
}

// ObjectFromFailure converts a non-retry failure sentinel into the
// user-level exception object raised at the next bytecode boundary.
func (p *Program) ObjectFromFailure(failure Value) Value {
	switch failure.failureKind() {
	case failureWrongArgumentType:
		return p.wrongArgumentTypeError
	case failureIndexOutOfBounds:
		return p.indexOutOfBoundsError
	case failureIllegalState:
		return p.illegalStateError
	}
	panic("vm: no object for failure")
}

// ToBool maps a Go bool to the boolean singletons.
func (p *Program) ToBool(value bool) Value {
	if value {
		return p.trueObject
	}
	return p.falseObject
}

// ToInteger returns n as a small integer or a boxed 64-bit integer.
// The caller must be prepared for a retry-after-GC failure in the boxed
// case.
func (p *Program) ToInteger(n int64) Value {
	if SmiIsValid(n) {
		return FromSmi(n)
	}
	return p.heap.Allocate(&LargeInteger{Contents: n})
}

// visitRoots visits the program-global roots: singletons, constants,
// statics template, static methods, classes, dispatch structures, and
// error objects.
func (p *Program) visitRoots(visit func(Value)) {
	visit(p.nullObject)
	visit(p.trueObject)
	visit(p.falseObject)
	visit(p.wrongArgumentTypeError)
	visit(p.indexOutOfBoundsError)
	visit(p.illegalStateError)
	for _, v := range p.classValues {
		visit(v)
	}
	for _, v := range p.constants {
		visit(v)
	}
	for _, v := range p.staticMethods {
		visit(v)
	}
	for _, v := range p.staticsTemplate {
		visit(v)
	}
	for _, v := range p.dispatchTable {
		visit(v)
	}
	for _, v := range p.vtable {
		visit(v)
	}
	for _, v := range p.handles {
		visit(v)
	}
}
