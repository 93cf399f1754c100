package vpmu

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/pmc/internal/hw"
)

func (p *PMU) apicOffset(addr uint64, size int) (uint64, error) {
	if addr < p.cfg.APICBase || addr >= p.cfg.APICBase+hw.LAPICPageSize {
		return 0, fmt.Errorf("mmio 0x%x: outside local APIC page", addr)
	}
	if size != 4 {
		return 0, fmt.Errorf("mmio 0x%x size %d: %w", addr, size, hw.ErrMMIOAccessLength)
	}
	return addr - p.cfg.APICBase, nil
}

// ReadMMIO implements hw.MmioHandler for the local APIC page. Only the
// performance-monitor LVT entry is modelled; other registers read as zero.
func (p *PMU) ReadMMIO(addr uint64, data []byte) error {
	off, err := p.apicOffset(addr, len(data))
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var value uint32
	if off == hw.LAPICLVTPerfMon {
		value = p.lvt
	}
	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO implements hw.MmioHandler for the local APIC page.
func (p *PMU) WriteMMIO(addr uint64, data []byte) error {
	off, err := p.apicOffset(addr, len(data))
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if off == hw.LAPICLVTPerfMon {
		p.lvt = binary.LittleEndian.Uint32(data)
	}
	return nil
}

// raiseLocked signals a performance-monitor interrupt. A masked entry drops
// the interrupt; otherwise the entry masks itself and the vector is returned
// for delivery once the lock is released.
func (p *PMU) raiseLocked() (uint8, bool) {
	if p.lvt&hw.LVTMasked != 0 {
		p.stats.Dropped++
		return 0, false
	}
	p.lvt |= hw.LVTMasked
	p.stats.Delivered++
	return uint8(p.lvt & hw.LVTVectorMask), true
}
