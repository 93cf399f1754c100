package vpmu

import "github.com/tinyrange/pmc/internal/hw"

// "GenuineIntel" split across EBX, EDX, ECX.
const (
	vendorEBX = 0x756e6547
	vendorEDX = 0x49656e69
	vendorECX = 0x6c65746e
)

// CPUID implements hw.CPUID for the leaves that describe the monitoring unit.
// Other leaves read as zero.
func (p *PMU) CPUID(leaf, _ uint32) (eax, ebx, ecx, edx uint32) {
	if leaf > p.cfg.MaxLeaf {
		return 0, 0, 0, 0
	}
	switch leaf {
	case hw.LeafVendor:
		return p.cfg.MaxLeaf, vendorEBX, vendorECX, vendorEDX
	case hw.LeafFeatures:
		if p.cfg.PDCM {
			ecx |= hw.FeaturePDCM
		}
		return 0, 0, ecx, 0
	case hw.LeafPerfMonitor:
		if p.cfg.Version == 0 {
			return 0, 0, 0, 0
		}
		eax = uint32(p.cfg.Version) |
			uint32(p.cfg.GeneralCounters)<<8 |
			uint32(p.cfg.GeneralWidth)<<16 |
			uint32(p.cfg.EventsLength)<<24
		ebx = uint32(p.cfg.UnavailableEvents)
		if p.cfg.Version >= 2 {
			edx = uint32(p.cfg.FixedCounters&0x1f) | uint32(p.cfg.FixedWidth&0x7f)<<5
		}
		return eax, ebx, 0, edx
	default:
		return 0, 0, 0, 0
	}
}
