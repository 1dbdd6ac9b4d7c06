package vm

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config carries the tunable parameters of an embedding: heap and stack
// bounds, the default shared libraries installed in the FFI registry, and
// diagnostic switches.
type Config struct {
	HeapBudget       int      `toml:"heap_budget"`
	StackSize        int      `toml:"stack_size"`
	MaxStackSize     int      `toml:"max_stack_size"`
	DefaultLibraries []string `toml:"default_libraries"`
	ValidateStack    bool     `toml:"validate_stack"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HeapBudget:   kDefaultHeapBudget,
		StackSize:    kDefaultStackSize,
		MaxStackSize: kDefaultMaxStackSize,
	}
}

// LoadConfig decodes a TOML configuration file over the defaults.
// Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return Config{}, fmt.Errorf("vm: load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("vm: config: unknown key %q", undecoded[0].String())
	}
	if config.StackSize > config.MaxStackSize {
		return Config{}, fmt.Errorf("vm: config: stack_size %d exceeds max_stack_size %d",
			config.StackSize, config.MaxStackSize)
	}
	return config, nil
}

// Apply installs the configuration on a process and its program, and
// registers the default shared libraries.
func (c Config) Apply(p *Process) {
	p.program.heap.SetBudget(c.HeapBudget)
	p.SetMaxStackSize(c.MaxStackSize)
	if c.StackSize > 0 {
		p.Stack().grow(c.StackSize)
	}
	ValidateStack = c.ValidateStack
	for _, library := range c.DefaultLibraries {
		AddDefaultSharedLibrary(library)
	}
}
