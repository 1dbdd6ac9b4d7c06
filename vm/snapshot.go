package vm

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Snapshot is the wire form of a program: everything the loader needs to
// reconstruct classes, functions, constants, the dispatch structures, and
// the entry point. Encoding is canonical CBOR so identical programs have
// identical bytes.
//
// Class ids and function indices in a snapshot are relative to the user
// definitions; the builtin classes and functions installed by NewProgram
// are implied and never serialized.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

const snapshotVersion = 1

// Snapshot value kinds.
const (
	snapNull = iota
	snapTrue
	snapFalse
	snapSmi
	snapString
	snapDouble
	snapLargeInt
	snapClass
	snapFunction
	snapArray
	snapInitializer
)

type snapshotValue struct {
	Kind     int             `cbor:"k"`
	Int      int64           `cbor:"i,omitempty"`
	Float    float64         `cbor:"f,omitempty"`
	Text     string          `cbor:"s,omitempty"`
	Index    int             `cbor:"x,omitempty"`
	Elements []snapshotValue `cbor:"e,omitempty"`
}

type snapshotMethod struct {
	Selector uint32 `cbor:"sel"`
	Function int    `cbor:"fn"`
}

type snapshotClass struct {
	Name       string           `cbor:"name"`
	FieldCount int              `cbor:"fields"`
	Super      int              `cbor:"super"` // absolute class id
	Immutable  bool             `cbor:"immutable,omitempty"`
	Methods    []snapshotMethod `cbor:"methods,omitempty"`
}

type snapshotCatch struct {
	Start     int `cbor:"s"`
	End       int `cbor:"e"`
	Handler   int `cbor:"h"`
	FrameSize int `cbor:"f"`
}

type snapshotFunction struct {
	Name      string          `cbor:"name,omitempty"`
	Arity     int             `cbor:"arity"`
	Bytecode  []byte          `cbor:"bytecode"`
	Constants []snapshotValue `cbor:"constants,omitempty"`
	Catches   []snapshotCatch `cbor:"catches,omitempty"`
}

// snapshotBuiltinMethods carries methods a program installed on one of
// the builtin classes (integer arithmetic, string printing and the
// like); the classes themselves are implied.
type snapshotBuiltinMethods struct {
	ClassID int              `cbor:"class"`
	Methods []snapshotMethod `cbor:"methods"`
}

type snapshot struct {
	Version       int                `cbor:"version"`
	Classes       []snapshotClass    `cbor:"classes"`
	BuiltinMethods []snapshotBuiltinMethods `cbor:"builtin_methods,omitempty"`
	Functions     []snapshotFunction `cbor:"functions"`
	Constants     []snapshotValue    `cbor:"constants,omitempty"`
	Statics       []snapshotValue    `cbor:"statics,omitempty"`
	StaticMethods []int              `cbor:"static_methods,omitempty"`
	DispatchTable []snapshotValue    `cbor:"dispatch_table,omitempty"`
	Vtable        []snapshotValue    `cbor:"vtable,omitempty"`
	Entry         int                `cbor:"entry"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// WriteSnapshot serializes a program and its entry function.
func WriteSnapshot(p *Program, entry Value) ([]byte, error) {
	functionIndex := make(map[*Function]int)
	for i, fn := range p.functions[p.builtinFunctions:] {
		functionIndex[fn] = i
	}

	encodeValue := func(v Value) (snapshotValue, error) {
		return encodeSnapshotValue(p, functionIndex, v)
	}
	encodeValues := func(values []Value) ([]snapshotValue, error) {
		out := make([]snapshotValue, len(values))
		for i, v := range values {
			sv, err := encodeValue(v)
			if err != nil {
				return nil, err
			}
			out[i] = sv
		}
		return out, nil
	}

	s := snapshot{Version: snapshotVersion}

	for _, c := range p.classes[p.builtinClasses:] {
		sc := snapshotClass{
			Name:       c.Name,
			FieldCount: c.FieldCount,
			Super:      c.Super.ID,
			Immutable:  c.Immutable,
		}
		for selector, fn := range c.Methods {
			index, ok := functionIndex[p.FunctionOf(fn)]
			if !ok {
				return nil, fmt.Errorf("vm: snapshot: method of %s is not a user function", c.Name)
			}
			sc.Methods = append(sc.Methods, snapshotMethod{Selector: selector, Function: index})
		}
		sort.Slice(sc.Methods, func(i, j int) bool {
			return sc.Methods[i].Selector < sc.Methods[j].Selector
		})
		s.Classes = append(s.Classes, sc)
	}

	for i, c := range p.classes[:p.builtinClasses] {
		var methods []snapshotMethod
		for selector, fn := range c.Methods {
			index, ok := functionIndex[p.FunctionOf(fn)]
			if !ok {
				continue // builtin methods are recreated by the loader
			}
			methods = append(methods, snapshotMethod{Selector: selector, Function: index})
		}
		if len(methods) == 0 {
			continue
		}
		sort.Slice(methods, func(a, b int) bool {
			return methods[a].Selector < methods[b].Selector
		})
		s.BuiltinMethods = append(s.BuiltinMethods, snapshotBuiltinMethods{
			ClassID: i,
			Methods: methods,
		})
	}

	for _, fn := range p.functions[p.builtinFunctions:] {
		constants, err := encodeValues(fn.Constants)
		if err != nil {
			return nil, err
		}
		catches := make([]snapshotCatch, len(fn.Catches))
		for i, c := range fn.Catches {
			catches[i] = snapshotCatch(c)
		}
		s.Functions = append(s.Functions, snapshotFunction{
			Name:      fn.Name,
			Arity:     fn.Arity,
			Bytecode:  p.code[fn.Start : fn.Start+fn.Length],
			Constants: constants,
			Catches:   catches,
		})
	}

	var err error
	if s.Constants, err = encodeValues(p.constants); err != nil {
		return nil, err
	}
	if s.Statics, err = encodeValues(p.staticsTemplate); err != nil {
		return nil, err
	}
	if s.DispatchTable, err = encodeValues(p.dispatchTable); err != nil {
		return nil, err
	}
	if s.Vtable, err = encodeValues(p.vtable); err != nil {
		return nil, err
	}
	for _, m := range p.staticMethods {
		index, ok := functionIndex[p.FunctionOf(m)]
		if !ok {
			return nil, fmt.Errorf("vm: snapshot: static method is not a user function")
		}
		s.StaticMethods = append(s.StaticMethods, index)
	}

	entryIndex, ok := functionIndex[p.FunctionOf(entry)]
	if !ok {
		return nil, fmt.Errorf("vm: snapshot: entry is not a user function")
	}
	s.Entry = entryIndex

	data, err := cborEncMode.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("vm: marshal snapshot: %w", err)
	}
	return data, nil
}

func encodeSnapshotValue(p *Program, functionIndex map[*Function]int, v Value) (snapshotValue, error) {
	if v.IsSmi() {
		return snapshotValue{Kind: snapSmi, Int: v.Smi()}, nil
	}
	switch v {
	case p.nullObject:
		return snapshotValue{Kind: snapNull}, nil
	case p.trueObject:
		return snapshotValue{Kind: snapTrue}, nil
	case p.falseObject:
		return snapshotValue{Kind: snapFalse}, nil
	}
	if !v.IsHeapRef() {
		return snapshotValue{}, fmt.Errorf("vm: snapshot: unserializable value")
	}
	switch o := p.heap.Get(v).(type) {
	case *String:
		return snapshotValue{Kind: snapString, Text: o.Contents}, nil
	case *Double:
		return snapshotValue{Kind: snapDouble, Float: o.Contents}, nil
	case *LargeInteger:
		return snapshotValue{Kind: snapLargeInt, Int: o.Contents}, nil
	case *Class:
		return snapshotValue{Kind: snapClass, Index: o.ID}, nil
	case *Function:
		if index, ok := functionIndex[o]; ok {
			return snapshotValue{Kind: snapFunction, Index: index}, nil
		}
		// Builtin functions (the no-such-method machinery) are encoded
		// as negative indices; the loader recreates them itself.
		for i, fn := range p.functions[:p.builtinFunctions] {
			if fn == o {
				return snapshotValue{Kind: snapFunction, Index: -(i + 1)}, nil
			}
		}
		return snapshotValue{}, fmt.Errorf("vm: snapshot: unregistered function %s", o.Name)
	case *Initializer:
		inner, err := encodeSnapshotValue(p, functionIndex, o.Function)
		if err != nil {
			return snapshotValue{}, err
		}
		return snapshotValue{Kind: snapInitializer, Elements: []snapshotValue{inner}}, nil
	case *Array:
		elements := make([]snapshotValue, len(o.Elements))
		for i, e := range o.Elements {
			sv, err := encodeSnapshotValue(p, functionIndex, e)
			if err != nil {
				return snapshotValue{}, err
			}
			elements[i] = sv
		}
		return snapshotValue{Kind: snapArray, Elements: elements}, nil
	}
	return snapshotValue{}, fmt.Errorf("vm: snapshot: unserializable object")
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// LoadSnapshot reconstructs a program from snapshot bytes and returns it
// together with the entry function.
func LoadSnapshot(data []byte) (*Program, Value, error) {
	var s snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, 0, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, 0, fmt.Errorf("vm: snapshot version %d not supported", s.Version)
	}

	p := NewProgram()

	// Classes first, supers resolved once all ids exist.
	for _, sc := range s.Classes {
		p.NewClass(sc.Name, sc.FieldCount, nil, sc.Immutable)
	}
	for i, sc := range s.Classes {
		class := p.classes[p.builtinClasses+i]
		if sc.Super < 0 || sc.Super >= len(p.classes) {
			return nil, 0, fmt.Errorf("vm: snapshot: class %s has bad superclass id", sc.Name)
		}
		class.Super = p.classes[sc.Super]
	}

	// Functions next; constant pools may reference functions forward, so
	// they are filled in a second pass.
	for _, sf := range s.Functions {
		catches := make([]CatchRange, len(sf.Catches))
		for i, c := range sf.Catches {
			catches[i] = CatchRange(c)
		}
		p.NewFunction(sf.Name, sf.Arity, sf.Bytecode, nil, catches)
	}
	decodeValue := func(sv snapshotValue) (Value, error) {
		return decodeSnapshotValue(p, sv)
	}
	for i, sf := range s.Functions {
		fn := p.functions[p.builtinFunctions+i]
		for _, sv := range sf.Constants {
			v, err := decodeValue(sv)
			if err != nil {
				return nil, 0, err
			}
			fn.Constants = append(fn.Constants, v)
		}
	}

	for i, sc := range s.Classes {
		class := p.classes[p.builtinClasses+i]
		for _, m := range sc.Methods {
			fn, err := p.userFunction(m.Function)
			if err != nil {
				return nil, 0, err
			}
			class.AddMethod(m.Selector, fn)
		}
	}
	for _, bm := range s.BuiltinMethods {
		if bm.ClassID < 0 || bm.ClassID >= p.builtinClasses {
			return nil, 0, fmt.Errorf("vm: snapshot: bad builtin class id %d", bm.ClassID)
		}
		class := p.classes[bm.ClassID]
		for _, m := range bm.Methods {
			fn, err := p.userFunction(m.Function)
			if err != nil {
				return nil, 0, err
			}
			class.AddMethod(m.Selector, fn)
		}
	}

	decodeValues := func(in []snapshotValue) ([]Value, error) {
		out := make([]Value, len(in))
		for i, sv := range in {
			v, err := decodeValue(sv)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	constants, err := decodeValues(s.Constants)
	if err != nil {
		return nil, 0, err
	}
	p.constants = constants

	statics, err := decodeValues(s.Statics)
	if err != nil {
		return nil, 0, err
	}
	p.SetStatics(statics)

	dispatchTable, err := decodeValues(s.DispatchTable)
	if err != nil {
		return nil, 0, err
	}
	p.SetDispatchTable(dispatchTable)

	vtable, err := decodeValues(s.Vtable)
	if err != nil {
		return nil, 0, err
	}
	p.SetVtable(vtable)

	for _, index := range s.StaticMethods {
		fn, err := p.userFunction(index)
		if err != nil {
			return nil, 0, err
		}
		p.AddStaticMethod(fn)
	}

	entry, err := p.userFunction(s.Entry)
	if err != nil {
		return nil, 0, err
	}
	return p, entry, nil
}

// userFunction returns the heap reference of the i-th user function.
// Negative indices address the builtin functions.
func (p *Program) userFunction(i int) (Value, error) {
	if i < 0 {
		builtin := -i - 1
		if builtin >= p.builtinFunctions {
			return 0, fmt.Errorf("vm: snapshot: bad builtin function index %d", i)
		}
		return p.FunctionValue(p.functions[builtin]), nil
	}
	index := p.builtinFunctions + i
	if index >= len(p.functions) {
		return 0, fmt.Errorf("vm: snapshot: bad function index %d", i)
	}
	return p.FunctionValue(p.functions[index]), nil
}

func decodeSnapshotValue(p *Program, sv snapshotValue) (Value, error) {
	switch sv.Kind {
	case snapNull:
		return p.nullObject, nil
	case snapTrue:
		return p.trueObject, nil
	case snapFalse:
		return p.falseObject, nil
	case snapSmi:
		if !SmiIsValid(sv.Int) {
			return 0, fmt.Errorf("vm: snapshot: smi out of range")
		}
		return FromSmi(sv.Int), nil
	case snapString:
		return p.heap.MustAllocate(&String{Contents: sv.Text}), nil
	case snapDouble:
		return p.heap.MustAllocate(&Double{Contents: sv.Float}), nil
	case snapLargeInt:
		return p.heap.MustAllocate(&LargeInteger{Contents: sv.Int}), nil
	case snapClass:
		if sv.Index < 0 || sv.Index >= len(p.classValues) {
			return 0, fmt.Errorf("vm: snapshot: bad class id %d", sv.Index)
		}
		return p.classValues[sv.Index], nil
	case snapFunction:
		return p.userFunction(sv.Index)
	case snapInitializer:
		if len(sv.Elements) != 1 {
			return 0, fmt.Errorf("vm: snapshot: malformed initializer")
		}
		fn, err := decodeSnapshotValue(p, sv.Elements[0])
		if err != nil {
			return 0, err
		}
		return p.heap.MustAllocate(&Initializer{Function: fn}), nil
	case snapArray:
		elements := make([]Value, len(sv.Elements))
		for i, e := range sv.Elements {
			v, err := decodeSnapshotValue(p, e)
			if err != nil {
				return 0, err
			}
			elements[i] = v
		}
		return p.heap.MustAllocate(&Array{Elements: elements}), nil
	}
	return 0, fmt.Errorf("vm: snapshot: unknown value kind %d", sv.Kind)
}
