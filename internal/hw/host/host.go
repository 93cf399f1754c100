// Package host implements hw.Platform on a Linux x86 machine through the msr
// driver, /dev/mem and the native CPUID instruction. Every accessor talks to a
// single logical CPU. MSR and x2APIC accesses go through that CPU's msr device
// and work from any thread. xAPIC accesses through /dev/mem pin the calling
// thread to the CPU for the duration of each access. CPUID executes on the
// calling thread, so callers that use it should Pin first.
package host

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/pmc/internal/hw"
)

const (
	DefaultMSRDevice = "/dev/cpu/%d/msr"
	DefaultMemDevice = "/dev/mem"
)

var ErrUnsupported = errors.New("host: performance counters require linux")

// Options selects the core and the device nodes used to reach it.
type Options struct {
	CPU int

	// MSRDevice is a format string taking the CPU number.
	MSRDevice string
	MemDevice string

	Logger *slog.Logger
}

func (o Options) normalize() Options {
	if o.MSRDevice == "" {
		o.MSRDevice = DefaultMSRDevice
	}
	if o.MemDevice == "" {
		o.MemDevice = DefaultMemDevice
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) msrPath() string {
	return fmt.Sprintf(o.MSRDevice, o.CPU)
}

// x2apicRegister maps a local APIC page offset to its x2APIC MSR.
func x2apicRegister(offset uint64) (uint32, error) {
	if offset >= hw.LAPICPageSize || offset&0xF != 0 {
		return 0, fmt.Errorf("host: apic offset 0x%x has no x2apic register", offset)
	}
	return hw.MSRX2APICBase + uint32(offset>>4), nil
}

// counterRegister maps a counter-read selector to the MSR holding the same
// value, for hosts where the instruction is not usable from user space.
func counterRegister(selector uint32) uint32 {
	index := selector &^ hw.PMCSelectorFixed
	if selector&hw.PMCSelectorFixed != 0 {
		return hw.MSRFixedCtr0 + index
	}
	return hw.MSRPMC0 + index
}
