package vpmu

import (
	"fmt"

	"github.com/tinyrange/pmc/internal/hw"
)

func (p *PMU) generalIndex(reg, base uint32) (int, bool) {
	if reg < base || reg >= base+uint32(p.cfg.GeneralCounters) {
		return 0, false
	}
	return int(reg - base), true
}

func (p *PMU) fixedIndex(reg uint32) (int, bool) {
	if !p.hasGlobal() || reg < hw.MSRFixedCtr0 || reg >= hw.MSRFixedCtr0+uint32(p.cfg.FixedCounters) {
		return 0, false
	}
	return int(reg - hw.MSRFixedCtr0), true
}

// ReadMSR implements hw.MSRAccessor. Registers the configured unit lacks
// fail with hw.ErrUnknownMSR, as a #GP would on hardware.
func (p *PMU) ReadMSR(reg uint32) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i, ok := p.generalIndex(reg, hw.MSRPerfEvtSel0); ok {
		return p.evtsel[i], nil
	}
	if i, ok := p.generalIndex(reg, hw.MSRPMC0); ok {
		return p.pmc[i], nil
	}
	if i, ok := p.generalIndex(reg, hw.MSRAPMC0); ok && p.cfg.FullWidthWrite {
		return p.pmc[i], nil
	}
	if i, ok := p.fixedIndex(reg); ok {
		return p.fixed[i], nil
	}

	switch reg {
	case hw.MSRApicBase:
		return p.cfg.APICBase&hw.ApicBaseAddressMask | hw.ApicBaseEnable, nil
	case hw.MSRPerfCapabilities:
		if !p.cfg.PDCM {
			break
		}
		if p.cfg.FullWidthWrite {
			return hw.PerfCapFullWidthWrite, nil
		}
		return 0, nil
	}

	if p.hasGlobal() {
		switch reg {
		case hw.MSRFixedCtrCtrl:
			return p.fixedCtrl, nil
		case hw.MSRPerfGlobalStatus:
			return p.globalStatus, nil
		case hw.MSRPerfGlobalCtrl:
			return p.globalCtrl, nil
		case hw.MSRPerfGlobalOvfCtrl:
			return p.ovfCtrl, nil
		}
	}
	return 0, fmt.Errorf("rdmsr 0x%x: %w", reg, hw.ErrUnknownMSR)
}

// WriteMSR implements hw.MSRAccessor.
func (p *PMU) WriteMSR(reg uint32, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i, ok := p.generalIndex(reg, hw.MSRPerfEvtSel0); ok {
		p.evtsel[i] = value & 0xFFFFFFFF
		return nil
	}
	if i, ok := p.generalIndex(reg, hw.MSRPMC0); ok {
		// Legacy writes carry 32 bits sign-extended to the counter width.
		v := uint64(uint32(value))
		if v&(1<<31) != 0 {
			v |= ^uint64(0xFFFFFFFF)
		}
		p.pmc[i] = v & widthMask(p.cfg.GeneralWidth)
		return nil
	}
	if i, ok := p.generalIndex(reg, hw.MSRAPMC0); ok && p.cfg.FullWidthWrite {
		p.pmc[i] = value & widthMask(p.cfg.GeneralWidth)
		return nil
	}
	if i, ok := p.fixedIndex(reg); ok {
		p.fixed[i] = value & widthMask(p.cfg.FixedWidth)
		return nil
	}

	switch reg {
	case hw.MSRApicBase:
		return fmt.Errorf("wrmsr 0x%x: %w", reg, hw.ErrReadOnlyMSR)
	case hw.MSRPerfCapabilities:
		if p.cfg.PDCM {
			return fmt.Errorf("wrmsr 0x%x: %w", reg, hw.ErrReadOnlyMSR)
		}
	}

	if p.hasGlobal() {
		switch reg {
		case hw.MSRFixedCtrCtrl:
			p.fixedCtrl = value & lowBits(4*p.cfg.FixedCounters)
			return nil
		case hw.MSRPerfGlobalStatus:
			return fmt.Errorf("wrmsr 0x%x: %w", reg, hw.ErrReadOnlyMSR)
		case hw.MSRPerfGlobalCtrl:
			p.globalCtrl = value & p.globalMask()
			return nil
		case hw.MSRPerfGlobalOvfCtrl:
			p.ovfCtrl = value
			p.globalStatus &^= value
			return nil
		}
	}
	return fmt.Errorf("wrmsr 0x%x: %w", reg, hw.ErrUnknownMSR)
}

// ReadPMC implements hw.CounterReader.
func (p *PMU) ReadPMC(selector uint32) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if selector&hw.PMCSelectorFixed != 0 {
		i := selector &^ hw.PMCSelectorFixed
		if !p.hasGlobal() || i >= uint32(p.cfg.FixedCounters) {
			return 0, fmt.Errorf("rdpmc 0x%x: %w", selector, hw.ErrInvalidPMC)
		}
		return p.fixed[i], nil
	}
	if selector >= uint32(p.cfg.GeneralCounters) {
		return 0, fmt.Errorf("rdpmc 0x%x: %w", selector, hw.ErrInvalidPMC)
	}
	return p.pmc[selector], nil
}

func widthMask(width uint8) uint64 {
	return lowBits(width)
}
