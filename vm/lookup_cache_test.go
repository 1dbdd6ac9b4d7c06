package vm

import (
	"testing"
)

func TestLookupCacheResolvesThroughHierarchy(t *testing.T) {
	p := NewProgram()
	base := p.NewClass("Base", 0, nil, false)
	sub := p.NewClass("Sub", 0, base, false)

	f := NewBytecodeBuilder()
	f.EmitBytes(OpReturn, 1, 1)
	f.EmitInt32(OpMethodEnd, 0)
	fn := p.NewFunction("Base.m", 1, f.Bytes(), nil, nil)
	selector := EncodeSelector(p.Selectors().Intern("m"), SelectorMethod, 0)
	base.AddMethod(selector, fn)

	cache := NewLookupCache()
	entry := cache.Lookup(p, sub, selector)
	if entry.Target != p.FunctionOf(fn) {
		t.Errorf("lookup through the hierarchy missed the superclass method")
	}
	if entry.Tag == 0 {
		t.Errorf("tag = 0 for a responding class")
	}
}

func TestLookupCacheMissGivesStub(t *testing.T) {
	p := NewProgram()
	class := p.NewClass("C", 0, nil, false)
	selector := EncodeSelector(p.Selectors().Intern("absent"), SelectorMethod, 0)

	cache := NewLookupCache()
	entry := cache.Lookup(p, class, selector)
	if entry.Target != p.noSuchMethodStub {
		t.Errorf("miss did not resolve to the no-such-method stub")
	}
	if entry.Tag != 0 {
		t.Errorf("tag = %d for a non-responding class, want 0", entry.Tag)
	}
}

func TestLookupCacheWriteThrough(t *testing.T) {
	p := NewProgram()
	class := p.NewClass("C", 0, nil, false)

	f := NewBytecodeBuilder()
	f.EmitBytes(OpReturn, 1, 1)
	f.EmitInt32(OpMethodEnd, 0)
	fn := p.NewFunction("C.m", 1, f.Bytes(), nil, nil)
	selector := EncodeSelector(p.Selectors().Intern("m"), SelectorMethod, 0)
	class.AddMethod(selector, fn)

	cache := NewLookupCache()
	cache.Lookup(p, class, selector)
	cache.Lookup(p, class, selector)
	hits, misses := cache.Stats()
	if misses != 1 || hits != 1 {
		t.Errorf("hits = %d, misses = %d, want 1 and 1", hits, misses)
	}

	cache.Clear()
	hits, misses = cache.Stats()
	if hits != 0 || misses != 0 {
		t.Errorf("clear did not reset the counters")
	}
	cache.Lookup(p, class, selector)
	if _, misses = cache.Stats(); misses != 1 {
		t.Errorf("cleared cache did not miss")
	}
}

func TestTakeLookupCacheIsExclusive(t *testing.T) {
	p := NewProgram()
	proc := NewProcess(p)

	proc.TakeLookupCache()
	defer proc.ReleaseLookupCache()
	defer func() {
		if recover() == nil {
			t.Errorf("double take of the lookup cache did not panic")
		}
	}()
	proc.TakeLookupCache()
}
