package vm

// ---------------------------------------------------------------------------
// Heap object kinds
// ---------------------------------------------------------------------------

// HeapObject is implemented by every object kind the heap can hold.
//
// visitReferences drives garbage collection: it must report every Value
// the object holds that may reference the heap. Address values and small
// integers are skipped by the collector itself.
type HeapObject interface {
	classOf(p *Program) *Class
	visitReferences(visit func(Value))
}

// Instance is a plain object: a class descriptor plus a fixed number of
// fields. The immutable flag is computed once, at allocation time.
type Instance struct {
	Class     *Class
	Fields    []Value
	Immutable bool
}

func (o *Instance) classOf(p *Program) *Class { return o.Class }

func (o *Instance) visitReferences(visit func(Value)) {
	for _, f := range o.Fields {
		visit(f)
	}
}

// GetField returns instance field i.
func (o *Instance) GetField(i int) Value { return o.Fields[i] }

// SetField stores instance field i.
func (o *Instance) SetField(i int, v Value) { o.Fields[i] = v }

// Boxed is a one-slot mutable cell used to represent captured variables.
// Mutating the cell does not violate the immutability of enclosing values.
type Boxed struct {
	Contents Value
}

func (o *Boxed) classOf(p *Program) *Class          { return p.boxedClass }
func (o *Boxed) visitReferences(visit func(Value)) { visit(o.Contents) }

// Array is a fixed-size indexable object.
type Array struct {
	Elements []Value
}

func (o *Array) classOf(p *Program) *Class { return p.arrayClass }

func (o *Array) visitReferences(visit func(Value)) {
	for _, e := range o.Elements {
		visit(e)
	}
}

// String is an immutable sequence of bytes.
type String struct {
	Contents string
}

func (o *String) classOf(p *Program) *Class          { return p.stringClass }
func (o *String) visitReferences(visit func(Value)) {}

// LargeInteger boxes a 64-bit integer that does not fit the small
// integer range.
type LargeInteger struct {
	Contents int64
}

func (o *LargeInteger) classOf(p *Program) *Class          { return p.largeIntegerClass }
func (o *LargeInteger) visitReferences(visit func(Value)) {}

// Double boxes a 64-bit IEEE float.
type Double struct {
	Contents float64
}

func (o *Double) classOf(p *Program) *Class          { return p.doubleClass }
func (o *Double) visitReferences(visit func(Value)) {}

// CatchRange describes one catch block of a function. Start and End are
// bytecode offsets relative to the function start; a throw at an offset in
// [Start, End) resumes at Handler. FrameSize is the operand-stack height of
// the frame at the handler entry, counting the slot that will hold the
// exception.
type CatchRange struct {
	Start     int
	End       int
	Handler   int
	FrameSize int
}

// Function is a unit of bytecode: arity, a region of the program code
// arena, a constant pool, and catch-block metadata. Ownership of the
// bytecode belongs to the function; return addresses reference into it.
type Function struct {
	Name      string
	Arity     int
	Start     int // absolute offset of the first instruction
	Length    int
	Constants []Value
	Catches   []CatchRange
}

func (o *Function) classOf(p *Program) *Class { return p.functionClass }

func (o *Function) visitReferences(visit func(Value)) {
	for _, c := range o.Constants {
		visit(c)
	}
}

// BytecodeAddressFor returns the absolute address of the instruction at
// the given offset from the function start.
func (o *Function) BytecodeAddressFor(offset int) int {
	return o.Start + offset
}

// Initializer wraps the function that computes a static variable on
// first load. A static slot holding an initializer is replaced by the
// computed value once the initializer has run.
type Initializer struct {
	Function Value
}

func (o *Initializer) classOf(p *Program) *Class          { return p.functionClass }
func (o *Initializer) visitReferences(visit func(Value)) { visit(o.Function) }

// Class describes a class: its id, instance layout, immutability
// declaration, superclass, and method table keyed by selector.
type Class struct {
	Name       string
	ID         int
	FieldCount int
	Immutable  bool // instances may be immutable if their fields are
	Super      *Class
	Methods    map[uint32]Value // selector -> function
}

func (o *Class) classOf(p *Program) *Class { return p.classClass }

func (o *Class) visitReferences(visit func(Value)) {
	for _, m := range o.Methods {
		visit(m)
	}
}

// AddMethod installs a method for the given selector.
func (o *Class) AddMethod(selector uint32, function Value) {
	if o.Methods == nil {
		o.Methods = make(map[uint32]Value)
	}
	o.Methods[selector] = function
}

// lookupMethod walks the superclass chain for a selector.
func (o *Class) lookupMethod(selector uint32) (Value, bool) {
	for c := o; c != nil; c = c.Super {
		if m, ok := c.Methods[selector]; ok {
			return m, true
		}
	}
	return 0, false
}

// Coroutine is a first-class suspended computation. It owns its stack;
// the caller back-reference is self on a fresh coroutine and is
// self-looped again when the coroutine is done. Both references are
// non-owning with respect to other coroutines.
type Coroutine struct {
	Stack  Value // heap reference to a Stack, or null when done
	Caller Value // heap reference to a Coroutine

	// started flips on first entry; until then Caller is self.
	started bool
}

func (o *Coroutine) classOf(p *Program) *Class { return p.coroutineClass }

func (o *Coroutine) visitReferences(visit func(Value)) {
	visit(o.Stack)
	visit(o.Caller)
}
