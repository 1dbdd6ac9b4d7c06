package vm

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"plugin"
	"runtime"
	"sync"
)

// word is the machine-word integer type crossing the foreign boundary.
type word = int64

// ForeignFunction is a callable foreign target: an integer function of up
// to six word arguments. Symbols resolved from plugins and symbols
// registered in-process both take this shape.
type ForeignFunction func(args ...word) int

// ---------------------------------------------------------------------------
// Registry lifecycle
// ---------------------------------------------------------------------------

// The registry is process-wide state with an externally driven lifecycle:
// FFISetup before first use, FFITearDown at embedder shutdown. The mutex
// serializes both list mutation and traversal.

type defaultLibraryEntry struct {
	library string
	next    *defaultLibraryEntry
}

var (
	ffiMu        sync.Mutex
	ffiLibraries *defaultLibraryEntry
	ffiEntries   int // outstanding list allocations

	foreignSymbols   = make(map[string]ForeignFunction)
	foreignFunctions = make(map[word]ForeignFunction)
	foreignBuffers   []*foreignBuffer
	foreignPorts     = make(map[word]*Port)
	nextForeignAddr  word = 0x1000
)

type foreignBuffer struct {
	base word
	data []byte
}

// FFISetup initializes the foreign function interface registry.
func FFISetup() {
	ffiMu.Lock()
	defer ffiMu.Unlock()
	ffiLibraries = nil
	ffiEntries = 0
}

// FFITearDown releases the default-library list. Buffers still allocated
// belong to the embedder; finalizers release the ones tied to objects.
func FFITearDown() {
	ffiMu.Lock()
	defer ffiMu.Unlock()
	for current := ffiLibraries; current != nil; current = current.next {
		ffiEntries--
	}
	ffiLibraries = nil
}

// AddDefaultSharedLibrary prepends a library to the default lookup list.
func AddDefaultSharedLibrary(library string) {
	ffiMu.Lock()
	defer ffiMu.Unlock()
	ffiLibraries = &defaultLibraryEntry{library: library, next: ffiLibraries}
	ffiEntries++
}

// OutstandingLibraryEntries reports the live default-library allocations.
func OutstandingLibraryEntries() int {
	ffiMu.Lock()
	defer ffiMu.Unlock()
	return ffiEntries
}

// RegisterForeignSymbol installs an in-process symbol, the analog of a
// symbol visible in the embedding process image itself.
func RegisterForeignSymbol(name string, fn ForeignFunction) {
	ffiMu.Lock()
	defer ffiMu.Unlock()
	foreignSymbols[name] = fn
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

func installForeignFunction(fn ForeignFunction) word {
	address := nextForeignAddr
	nextForeignAddr += 16
	foreignFunctions[address] = fn
	return address
}

// performForeignLookup resolves name in one library. An empty library
// name searches the in-process symbol registry; otherwise the library is
// opened with plugin.Open and the symbol looked up. Go cannot unload a
// plugin, so an opened library stays loaded for the life of the process.
func performForeignLookup(library, name string) word {
	if library == "" {
		if fn, ok := foreignSymbols[name]; ok {
			return installForeignFunction(fn)
		}
		return 0
	}
	pl, err := plugin.Open(library)
	if err != nil {
		return 0
	}
	sym, err := pl.Lookup(name)
	if err != nil {
		return 0
	}
	switch fn := sym.(type) {
	case ForeignFunction:
		return installForeignFunction(fn)
	case func(...word) int:
		return installForeignFunction(fn)
	case *ForeignFunction:
		return installForeignFunction(*fn)
	}
	return 0
}

func lookupInDefaultLibraries(name string) word {
	for current := ffiLibraries; current != nil; current = current.next {
		if result := performForeignLookup(current.library, name); result != 0 {
			return result
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// Foreign memory
// ---------------------------------------------------------------------------

func allocateForeignBuffer(size word) word {
	address := nextForeignAddr
	nextForeignAddr += ((size + 15) / 16) * 16
	if nextForeignAddr == address {
		nextForeignAddr += 16
	}
	foreignBuffers = append(foreignBuffers, &foreignBuffer{
		base: address,
		data: make([]byte, size),
	})
	return address
}

func freeForeignBuffer(address word) {
	for i, b := range foreignBuffers {
		if b.base == address {
			foreignBuffers = append(foreignBuffers[:i], foreignBuffers[i+1:]...)
			return
		}
	}
}

func foreignBufferAt(address word) (*foreignBuffer, int) {
	for _, b := range foreignBuffers {
		if address >= b.base && address < b.base+word(len(b.data)) {
			return b, int(address - b.base)
		}
	}
	return nil, 0
}

// OutstandingForeignBuffers reports the live foreign allocations.
func OutstandingForeignBuffers() int {
	ffiMu.Lock()
	defer ffiMu.Unlock()
	return len(foreignBuffers)
}

// asForeignWord converts an integer value to a machine word.
func asForeignWord(p *Process, v Value) (word, bool) {
	if v.IsSmi() {
		return v.Smi(), true
	}
	if v.IsHeapRef() {
		if l, ok := p.program.heap.Get(v).(*LargeInteger); ok {
			return l.Contents, true
		}
	}
	return 0, false
}

// FinalizeForeign releases the foreign buffer addressed by instance
// field 0. Registered by the mark-for-finalization native and run by the
// collector when the owning object dies.
func FinalizeForeign(obj HeapObject) {
	inst, ok := obj.(*Instance)
	if !ok || len(inst.Fields) == 0 {
		return
	}
	field := inst.Fields[0]
	if !field.IsSmi() {
		return
	}
	ffiMu.Lock()
	defer ffiMu.Unlock()
	freeForeignBuffer(field.Smi())
}

// ---------------------------------------------------------------------------
// Natives
// ---------------------------------------------------------------------------

func nativeForeignLookup(p *Process, arguments Arguments) Value {
	name, ok := stringContents(p, arguments[0])
	if !ok {
		return WrongArgumentType
	}
	library := ""
	if len(arguments) > 1 && arguments[1] != p.program.nullObject {
		library, ok = stringContents(p, arguments[1])
		if !ok {
			return WrongArgumentType
		}
	}

	ffiMu.Lock()
	result := performForeignLookup(library, name)
	if result == 0 {
		result = lookupInDefaultLibraries(name)
	}
	ffiMu.Unlock()

	if result == 0 {
		fmt.Fprintf(os.Stderr, "Failed foreign lookup: %s\n", name)
		return IndexOutOfBounds
	}
	return p.program.ToInteger(result)
}

func stringContents(p *Process, v Value) (string, bool) {
	if !v.IsHeapRef() {
		return "", false
	}
	s, ok := p.program.heap.Get(v).(*String)
	if !ok {
		return "", false
	}
	return s.Contents, true
}

func nativeForeignAllocate(p *Process, arguments Arguments) Value {
	size, ok := asForeignWord(p, arguments[0])
	if !ok || size < 0 {
		return WrongArgumentType
	}
	ffiMu.Lock()
	address := allocateForeignBuffer(size)
	ffiMu.Unlock()
	return p.program.ToInteger(address)
}

func nativeForeignFree(p *Process, arguments Arguments) Value {
	address, ok := asForeignWord(p, arguments[0])
	if !ok {
		return WrongArgumentType
	}
	ffiMu.Lock()
	freeForeignBuffer(address)
	ffiMu.Unlock()
	return p.program.nullObject
}

func nativeForeignMarkForFinalization(p *Process, arguments Arguments) Value {
	if !arguments[0].IsHeapRef() {
		return WrongArgumentType
	}
	p.RegisterFinalizer(arguments[0], FinalizeForeign)
	return p.program.nullObject
}

func nativeForeignBitsPerWord(p *Process, arguments Arguments) Value {
	return FromSmi(int64(bits.UintSize))
}

func nativeForeignErrno(p *Process, arguments Arguments) Value {
	return FromSmi(int64(p.Errno()))
}

// Platform identifiers reported by the platform native.
const (
	PlatformLinux = iota
	PlatformMacOS
	PlatformWindows
	PlatformOther
)

func nativeForeignPlatform(p *Process, arguments Arguments) Value {
	switch runtime.GOOS {
	case "linux":
		return FromSmi(PlatformLinux)
	case "darwin":
		return FromSmi(PlatformMacOS)
	case "windows":
		return FromSmi(PlatformWindows)
	}
	return FromSmi(PlatformOther)
}

func nativeForeignConvertPort(p *Process, arguments Arguments) Value {
	if !arguments[0].IsHeapRef() {
		return FromSmi(0)
	}
	inst, ok := p.program.heap.Get(arguments[0]).(*Instance)
	if !ok || len(inst.Fields) == 0 {
		return FromSmi(0)
	}
	field := inst.Fields[0]
	if !field.IsHeapRef() {
		return FromSmi(0)
	}
	port, ok := p.program.heap.Get(field).(*Port)
	if !ok {
		return FromSmi(0)
	}
	port.IncrementRef()

	ffiMu.Lock()
	defer ffiMu.Unlock()
	for address, registered := range foreignPorts {
		if registered == port {
			return p.program.ToInteger(address)
		}
	}
	address := nextForeignAddr
	nextForeignAddr += 16
	foreignPorts[address] = port
	return p.program.ToInteger(address)
}

func makeForeignCall(arity int) NativeFunc {
	return func(p *Process, arguments Arguments) Value {
		address, ok := asForeignWord(p, arguments[0])
		if !ok {
			return WrongArgumentType
		}
		args := make([]word, arity)
		for i := 0; i < arity; i++ {
			args[i], ok = asForeignWord(p, arguments[1+i])
			if !ok {
				return WrongArgumentType
			}
		}
		ffiMu.Lock()
		fn := foreignFunctions[address]
		ffiMu.Unlock()
		if fn == nil {
			return IndexOutOfBounds
		}
		return p.program.ToInteger(int64(fn(args...)))
	}
}

func makeForeignGet(width int, signed bool) NativeFunc {
	return func(p *Process, arguments Arguments) Value {
		address, ok := asForeignWord(p, arguments[0])
		if !ok {
			return WrongArgumentType
		}
		ffiMu.Lock()
		buffer, offset := foreignBufferAt(address)
		if buffer == nil || offset+width > len(buffer.data) {
			ffiMu.Unlock()
			return IndexOutOfBounds
		}
		var raw uint64
		switch width {
		case 1:
			raw = uint64(buffer.data[offset])
		case 2:
			raw = uint64(binary.LittleEndian.Uint16(buffer.data[offset:]))
		case 4:
			raw = uint64(binary.LittleEndian.Uint32(buffer.data[offset:]))
		case 8:
			raw = binary.LittleEndian.Uint64(buffer.data[offset:])
		}
		ffiMu.Unlock()

		value := int64(raw)
		if signed {
			shift := uint(64 - width*8)
			value = int64(raw<<shift) >> shift
		}
		return p.program.ToInteger(value)
	}
}

func makeForeignSet(width int) NativeFunc {
	return func(p *Process, arguments Arguments) Value {
		address, ok := asForeignWord(p, arguments[0])
		if !ok {
			return WrongArgumentType
		}
		value, ok := asForeignWord(p, arguments[1])
		if !ok {
			return WrongArgumentType
		}
		ffiMu.Lock()
		buffer, offset := foreignBufferAt(address)
		if buffer == nil || offset+width > len(buffer.data) {
			ffiMu.Unlock()
			return IndexOutOfBounds
		}
		switch width {
		case 1:
			buffer.data[offset] = byte(value)
		case 2:
			binary.LittleEndian.PutUint16(buffer.data[offset:], uint16(value))
		case 4:
			binary.LittleEndian.PutUint32(buffer.data[offset:], uint32(value))
		case 8:
			binary.LittleEndian.PutUint64(buffer.data[offset:], uint64(value))
		}
		ffiMu.Unlock()
		return arguments[1]
	}
}
