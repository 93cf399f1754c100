package vpmu

import "github.com/tinyrange/pmc/internal/hw"

// Event is one occurrence class of a hardware event.
type Event struct {
	Code     uint8
	UnitMask uint8
	// Kernel marks events that occur in ring 0; others occur in ring 3.
	Kernel bool
}

// Architectural events the fixed-function counters are wired to.
var (
	InstructionsRetired = Event{Code: 0xC0, UnitMask: 0x00}
	CoreCycles          = Event{Code: 0x3C, UnitMask: 0x00}
	ReferenceCycles     = Event{Code: 0x3C, UnitMask: 0x01}
)

var fixedEvents = []Event{InstructionsRetired, CoreCycles, ReferenceCycles}

func (e Event) matches(other Event) bool {
	return e.Code == other.Code && e.UnitMask == other.UnitMask
}

// Count records n occurrences of ev. Every counter programmed for ev advances;
// counters that wrap set their overflow status bit and, when armed, raise a
// performance-monitor interrupt.
func (p *PMU) Count(ev Event, n uint64) {
	if n == 0 {
		return
	}

	p.mu.Lock()
	var vectors []uint8
	for i := range p.evtsel {
		sel := p.evtsel[i]
		if sel&hw.EvtSelEN == 0 || !p.globallyEnabled(uint(i)) {
			continue
		}
		ring := uint64(hw.EvtSelUSR)
		if ev.Kernel {
			ring = hw.EvtSelOS
		}
		if sel&ring == 0 {
			continue
		}
		if !ev.matches(Event{Code: uint8(sel), UnitMask: uint8(sel >> 8)}) {
			continue
		}
		if p.advanceLocked(&p.pmc[i], p.cfg.GeneralWidth, n, uint(i), sel&hw.EvtSelINT != 0) {
			if v, ok := p.raiseLocked(); ok {
				vectors = append(vectors, v)
			}
		}
	}
	for i := range p.fixed {
		if i >= len(fixedEvents) || !fixedEvents[i].matches(ev) {
			continue
		}
		nibble := (p.fixedCtrl >> (4 * uint(i))) & hw.FixedCtrlNibble
		ring := uint64(hw.FixedCtrlUSR)
		if ev.Kernel {
			ring = hw.FixedCtrlOS
		}
		bit := uint(i) + hw.FixedGlobalShift
		if nibble&ring == 0 || !p.globallyEnabled(bit) {
			continue
		}
		if p.advanceLocked(&p.fixed[i], p.cfg.FixedWidth, n, bit, nibble&hw.FixedCtrlPMI != 0) {
			if v, ok := p.raiseLocked(); ok {
				vectors = append(vectors, v)
			}
		}
	}
	sink := p.sink
	p.mu.Unlock()

	for _, v := range vectors {
		sink.Deliver(v)
	}
}

func (p *PMU) globallyEnabled(bit uint) bool {
	if !p.hasGlobal() {
		return true
	}
	return p.globalCtrl&(uint64(1)<<bit) != 0
}

// advanceLocked adds n to the counter at v. It reports whether an interrupt
// should be raised, which is when the counter wrapped and pmi is set.
func (p *PMU) advanceLocked(v *uint64, width uint8, n uint64, bit uint, pmi bool) bool {
	mask := widthMask(width)
	room := mask - *v
	if n <= room {
		*v += n
		return false
	}
	*v = (*v + n) & mask
	p.stats.Overflows++
	if p.hasGlobal() {
		p.globalStatus |= uint64(1) << bit
	}
	return pmi
}
