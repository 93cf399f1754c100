package pmu

import (
	"fmt"

	"github.com/tinyrange/pmc/internal/hw"
)

// defaultGeneralWidth is used when the monitoring leaf reports no version.
const defaultGeneralWidth = 40

// legacyGeneralWidth is the usable width of general counters when full-width
// writes are not supported.
const legacyGeneralWidth = 32

// Capabilities are the static facts about a core's monitoring unit.
type Capabilities struct {
	Version      uint8
	GeneralCount uint8
	GeneralWidth uint8
	FixedCount   uint8
	FixedWidth   uint8

	// EventsLength is the number of valid bits in UnavailableEvents
	// (CPUID.0AH:EAX[31:24]).
	EventsLength      uint8
	UnavailableEvents uint8

	// FullWidthWrite reports IA32_PERF_CAPABILITIES.FW_WRITE.
	FullWidthWrite bool
}

// Discover queries the monitoring and feature identification leaves and, when
// the CPU advertises it, the performance capabilities register.
func Discover(id hw.CPUID, msrs hw.MSRAccessor) (Capabilities, error) {
	var caps Capabilities

	maxLeaf, _, _, _ := id.CPUID(hw.LeafVendor, 0)
	if maxLeaf >= hw.LeafPerfMonitor {
		eax, ebx, _, edx := id.CPUID(hw.LeafPerfMonitor, 0)
		caps.Version = uint8(eax)
		caps.GeneralCount = uint8(eax >> 8)
		if caps.Version != 0 {
			caps.GeneralWidth = uint8(eax >> 16)
		} else {
			caps.GeneralWidth = defaultGeneralWidth
		}
		caps.EventsLength = uint8(eax >> 24)
		caps.FixedCount = uint8(edx & 0x1f)
		caps.FixedWidth = uint8((edx >> 5) & 0x7f)
		caps.UnavailableEvents = uint8(ebx)
	} else {
		caps.GeneralWidth = defaultGeneralWidth
	}

	_, _, ecx, _ := id.CPUID(hw.LeafFeatures, 0)
	if ecx&hw.FeaturePDCM != 0 {
		perfCaps, err := msrs.ReadMSR(hw.MSRPerfCapabilities)
		if err != nil {
			return Capabilities{}, fmt.Errorf("read IA32_PERF_CAPABILITIES: %w", err)
		}
		caps.FullWidthWrite = perfCaps&hw.PerfCapFullWidthWrite != 0
	}
	if !caps.FullWidthWrite {
		caps.GeneralWidth = legacyGeneralWidth
	}

	return caps, nil
}

// HasGlobalControl reports whether the global enable, status and acknowledge
// registers exist.
func (c Capabilities) HasGlobalControl() bool {
	return c.Version >= 2
}

// EventAvailable reports whether the architectural event at the given
// CPUID.0AH:EBX bit position is supported.
func (c Capabilities) EventAvailable(bit uint8) bool {
	if bit >= c.EventsLength || bit >= 8 {
		return false
	}
	return c.UnavailableEvents&(1<<bit) == 0
}

// Width returns the usable bit width of counters of the slot's kind.
func (c Capabilities) Width(s Slot) uint8 {
	switch s.(type) {
	case General:
		return c.GeneralWidth
	case Fixed:
		return c.FixedWidth
	default:
		panic(fmt.Sprintf("pmu: unknown slot type %T", s))
	}
}

// Contains reports whether the slot exists on this core.
func (c Capabilities) Contains(s Slot) bool {
	switch s := s.(type) {
	case General:
		return uint8(s) < c.GeneralCount
	case Fixed:
		return c.Version >= 2 && uint8(s) < c.FixedCount
	default:
		return false
	}
}

func widthMask(width uint8) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

func (c Capabilities) String() string {
	return fmt.Sprintf("v%d general=%dx%db fixed=%dx%db fw_write=%t",
		c.Version, c.GeneralCount, c.GeneralWidth, c.FixedCount, c.FixedWidth, c.FullWidthWrite)
}
