// Package hw describes the privileged primitives a host environment supplies to
// the performance-monitoring code: CPU identification, model-specific register
// access, the counter-read instruction and the local APIC register page.
package hw

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnknownMSR       = errors.New("unknown model-specific register")
	ErrReadOnlyMSR      = errors.New("model-specific register is read-only")
	ErrInvalidPMC       = errors.New("invalid performance counter selector")
	ErrPlatformClosed   = errors.New("platform closed")
	ErrMMIOAccessLength = errors.New("unsupported MMIO access length")
)

// CPUID executes the CPU identification instruction for a leaf and subleaf.
type CPUID interface {
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
}

// MSRAccessor reads and writes model-specific registers by number.
type MSRAccessor interface {
	ReadMSR(reg uint32) (uint64, error)
	WriteMSR(reg uint32, value uint64) error
}

// CounterReader executes the counter-read instruction. The selector uses the
// instruction's encoding: bit 30 selects the fixed-function counters.
type CounterReader interface {
	ReadPMC(selector uint32) (uint64, error)
}

// MmioHandler handles reads and writes to memory-mapped registers.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Platform bundles every primitive the counter subsystem consumes.
type Platform interface {
	CPUID
	MSRAccessor
	CounterReader
	MmioHandler
}

// ReadMMIO32 performs a 32-bit little-endian read through h.
func ReadMMIO32(h MmioHandler, addr uint64) (uint32, error) {
	var buf [4]byte
	if err := h.ReadMMIO(addr, buf[:]); err != nil {
		return 0, fmt.Errorf("read mmio 0x%x: %w", addr, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteMMIO32 performs a 32-bit little-endian write through h.
func WriteMMIO32(h MmioHandler, addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := h.WriteMMIO(addr, buf[:]); err != nil {
		return fmt.Errorf("write mmio 0x%x: %w", addr, err)
	}
	return nil
}
