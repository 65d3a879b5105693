// Package config loads the boot parameters of the memory subsystem from a
// TOML file.
package config

import (
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Address is a 32-bit physical or virtual address. In TOML it can be
// written as an integer or as a string accepted by strconv.ParseUint with
// base 0, e.g. "0x100000".
type Address uint32

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 32)
	if err != nil {
		return errors.Wrapf(err, "invalid address %q", text)
	}
	*a = Address(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte("0x" + strconv.FormatUint(uint64(a), 16)), nil
}

// CorruptionPolicy selects how guard-byte corruption is reported.
type CorruptionPolicy string

const (
	// PolicyWarn logs corruption and keeps running.
	PolicyWarn CorruptionPolicy = "warn"

	// PolicyHalt reports corruption through the panic sink.
	PolicyHalt CorruptionPolicy = "halt"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *CorruptionPolicy) UnmarshalText(text []byte) error {
	switch v := CorruptionPolicy(text); v {
	case PolicyWarn, PolicyHalt:
		*p = v
		return nil
	default:
		return errors.Errorf("unknown corruption policy %q; expected %q or %q", text, PolicyWarn, PolicyHalt)
	}
}

// Region is a range of physical memory.
type Region struct {
	Name  string  `toml:"name"`
	Start Address `toml:"start"`
	Size  mm.Size `toml:"size"`
}

// Memory describes the machine.
type Memory struct {
	// PhysicalSize is the amount of installed RAM.
	PhysicalSize mm.Size `toml:"physical_size"`

	// IdentityMapSize bytes of low memory are identity mapped at boot.
	IdentityMapSize mm.Size `toml:"identity_map_size"`

	// Reserved lists physical regions that the frame allocator must never
	// hand out.
	Reserved []Region `toml:"reserved"`
}

// Heap describes the kernel heap window.
type Heap struct {
	Start            Address          `toml:"start"`
	InitialSize      mm.Size          `toml:"initial_size"`
	MaxSize          mm.Size          `toml:"max_size"`
	Guards           bool             `toml:"guards"`
	CorruptionPolicy CorruptionPolicy `toml:"corruption_policy"`
}

// Log configures console logging.
type Log struct {
	Level string `toml:"level"`
}

// Config contains every boot parameter of the memory subsystem.
type Config struct {
	Memory Memory `toml:"memory"`
	Heap   Heap   `toml:"heap"`
	Log    Log    `toml:"log"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Memory: Memory{
			PhysicalSize:    32 * mm.Mb,
			IdentityMapSize: 1 * mm.Mb,
			Reserved: []Region{
				{Name: "vga", Start: 0xb8000, Size: 32 * mm.Kb},
			},
		},
		Heap: Heap{
			Start:            0x100000,
			InitialSize:      16 * mm.Mb,
			MaxSize:          28 * mm.Mb,
			CorruptionPolicy: PolicyHalt,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads the TOML file at path on top of the defaults and validates the
// result. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "decode config file %q", path)
	}

	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		return nil, errors.Errorf("config file %q: unknown key %q", path, undecoded[0].String())
	}

	if err = cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config file %q", path)
	}
	return cfg, nil
}

// Validate checks the configuration for values the memory subsystem
// cannot boot with.
func (c *Config) Validate() error {
	var (
		pageMask  = uint64(mm.PageSize - 1)
		physSize  = uint64(c.Memory.PhysicalSize)
		idSize    = uint64(c.Memory.IdentityMapSize)
		heapStart = uint64(c.Heap.Start)
	)

	switch {
	case physSize == 0 || physSize&pageMask != 0:
		return errors.Errorf("memory.physical_size %s must be a non-zero multiple of the page size", c.Memory.PhysicalSize)
	case physSize > mm.AddressSpaceSize:
		return errors.Errorf("memory.physical_size %s exceeds the 4G address space", c.Memory.PhysicalSize)
	case idSize&pageMask != 0 || idSize > physSize:
		return errors.Errorf("memory.identity_map_size %s must be page aligned and fit in physical memory", c.Memory.IdentityMapSize)
	case heapStart&pageMask != 0:
		return errors.Errorf("heap.start 0x%x must be page aligned", heapStart)
	case heapStart < idSize:
		return errors.Errorf("heap.start 0x%x overlaps the identity mapped window", heapStart)
	case c.Heap.InitialSize == 0 || uint64(c.Heap.InitialSize)&pageMask != 0:
		return errors.Errorf("heap.initial_size %s must be a non-zero multiple of the page size", c.Heap.InitialSize)
	case c.Heap.MaxSize < c.Heap.InitialSize || uint64(c.Heap.MaxSize)&pageMask != 0:
		return errors.Errorf("heap.max_size %s must be page aligned and at least heap.initial_size", c.Heap.MaxSize)
	case heapStart+uint64(c.Heap.MaxSize) > mm.AddressSpaceSize:
		return errors.Errorf("heap window 0x%x+%s exceeds the 4G address space", heapStart, c.Heap.MaxSize)
	}

	switch c.Heap.CorruptionPolicy {
	case PolicyWarn, PolicyHalt:
	default:
		return errors.Errorf("heap.corruption_policy %q is not supported", c.Heap.CorruptionPolicy)
	}

	for _, r := range c.Memory.Reserved {
		if uint64(r.Start)+uint64(r.Size) > mm.AddressSpaceSize {
			return errors.Errorf("reserved region %q exceeds the 4G address space", r.Name)
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}

	return nil
}
