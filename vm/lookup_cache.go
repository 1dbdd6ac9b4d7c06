package vm

// kLookupCacheSize is the entry count of the per-process lookup cache.
// Must be a power of two.
const kLookupCacheSize = 512

// LookupEntry is one cached method resolution: (receiver class, selector)
// mapped to a resolved target with a precomputed test tag. Tag != 0 means
// the class responds to the selector; a zero tag marks the no-such-method
// stub. The target is never nil.
type LookupEntry struct {
	Class    *Class
	Selector uint32
	Target   *Function
	Tag      uint32
}

// LookupCache is the per-process inline cache for cache-based dispatch.
// Ownership is transferred into the engine for the duration of an
// interpret run; the cache itself is not safe for concurrent use.
type LookupCache struct {
	entries [kLookupCacheSize]LookupEntry
	hits    uint64
	misses  uint64
}

// NewLookupCache creates an empty lookup cache.
func NewLookupCache() *LookupCache {
	return &LookupCache{}
}

func lookupCacheIndex(class *Class, selector uint32) int {
	return int((uint32(class.ID)*31 ^ selector) & (kLookupCacheSize - 1))
}

// Lookup resolves (class, selector), consulting the cache first and
// searching the class hierarchy on a miss. Misses write through. When no
// method is found the entry's target is the program's no-such-method stub
// and the tag is zero.
func (c *LookupCache) Lookup(p *Program, class *Class, selector uint32) *LookupEntry {
	entry := &c.entries[lookupCacheIndex(class, selector)]
	if entry.Class == class && entry.Selector == selector && entry.Target != nil {
		c.hits++
		return entry
	}
	c.misses++

	target := p.noSuchMethodStub
	tag := uint32(0)
	if m, ok := class.lookupMethod(selector); ok {
		target = p.FunctionOf(m)
		tag = SelectorID(selector) + 1
	}
	*entry = LookupEntry{Class: class, Selector: selector, Target: target, Tag: tag}
	return entry
}

// Clear resets every entry, for use after methods are redefined.
func (c *LookupCache) Clear() {
	for i := range c.entries {
		c.entries[i] = LookupEntry{}
	}
	c.hits = 0
	c.misses = 0
}

// Stats returns the hit and miss counters.
func (c *LookupCache) Stats() (hits, misses uint64) {
	return c.hits, c.misses
}
