// Package config loads the YAML description of a counter session.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pmc/internal/hw"
	"github.com/tinyrange/pmc/internal/hw/host"
)

const (
	DefaultFilename = "pmc.yaml"

	// DefaultInterruptVector is the vector Linux uses for the local
	// performance-monitor interrupt when it is routed as a fixed interrupt.
	DefaultInterruptVector = 0xF0
)

// Config describes one core and the counters to program on it.
type Config struct {
	CPU       int    `yaml:"cpu"`
	MSRDevice string `yaml:"msrDevice,omitempty"`
	MemDevice string `yaml:"memDevice,omitempty"`

	// LAPICBase overrides the local APIC base read from IA32_APIC_BASE.
	LAPICBase       uint64 `yaml:"lapicBase,omitempty"`
	InterruptVector uint8  `yaml:"interruptVector,omitempty"`

	// Catalog is an optional event catalog merged over the architectural
	// events. Relative paths are resolved against the config file.
	Catalog string `yaml:"catalog,omitempty"`

	// Trace, when set, records every register access to this file.
	Trace string `yaml:"trace,omitempty"`

	Counters []Counter `yaml:"counters"`
}

// Counter is one requested counter.
type Counter struct {
	Name  string `yaml:"name"`
	Event string `yaml:"event"`

	// Index is the general counter to place the event on. Ignored for
	// fixed-function events.
	Index uint8 `yaml:"index,omitempty"`

	ExcludeKernel bool `yaml:"excludeKernel,omitempty"`
	ExcludeUser   bool `yaml:"excludeUser,omitempty"`
	NoInterrupt   bool `yaml:"noInterrupt,omitempty"`

	// SamplePeriod, when non-zero, arms the counter to interrupt after this
	// many events and reloads it on every interrupt.
	SamplePeriod uint64 `yaml:"samplePeriod,omitempty"`
}

func (c *Config) normalize() {
	if c.MSRDevice == "" {
		c.MSRDevice = host.DefaultMSRDevice
	}
	if c.MemDevice == "" {
		c.MemDevice = host.DefaultMemDevice
	}
	if c.InterruptVector == 0 {
		c.InterruptVector = DefaultInterruptVector
	}
	for i := range c.Counters {
		if c.Counters[i].Name == "" {
			c.Counters[i].Name = c.Counters[i].Event
		}
	}
}

// Validate rejects configurations that cannot be programmed.
func (c *Config) Validate() error {
	if c.CPU < 0 {
		return fmt.Errorf("cpu %d: must not be negative", c.CPU)
	}
	if !strings.Contains(c.MSRDevice, "%d") {
		return fmt.Errorf("msrDevice %q: missing %%d for the cpu number", c.MSRDevice)
	}
	if c.InterruptVector < 0x10 {
		return fmt.Errorf("interruptVector 0x%x: vectors below 0x10 are reserved", c.InterruptVector)
	}
	if c.LAPICBase&^hw.ApicBaseAddressMask != 0 {
		return fmt.Errorf("lapicBase 0x%x: must be page aligned", c.LAPICBase)
	}

	seen := make(map[string]bool)
	for i, ctr := range c.Counters {
		if ctr.Event == "" {
			return fmt.Errorf("counter %d: missing event", i)
		}
		if seen[ctr.Name] {
			return fmt.Errorf("counter %q: duplicate name", ctr.Name)
		}
		seen[ctr.Name] = true
		if ctr.ExcludeKernel && ctr.ExcludeUser {
			return fmt.Errorf("counter %q: excludes both rings", ctr.Name)
		}
		if ctr.NoInterrupt && ctr.SamplePeriod != 0 {
			return fmt.Errorf("counter %q: sampling needs the overflow interrupt", ctr.Name)
		}
	}
	return nil
}

// Parse decodes, normalizes and validates data. Relative file references are
// resolved against dir.
func Parse(data []byte, dir string) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	cfg.Catalog = resolve(dir, cfg.Catalog)
	cfg.Trace = resolve(dir, cfg.Trace)
	return cfg, nil
}

func resolve(dir, path string) string {
	if path == "" || dir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Load reads the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	cfg, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Write writes cfg as YAML to path, filling defaults first.
func Write(path string, cfg Config) error {
	cfg.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}
