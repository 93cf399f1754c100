// Package vpmu emulates the Intel architectural performance-monitoring unit of
// one core together with the performance-monitor entry of its local APIC.
//
// The model is register-exact for the MSRs the pmu package programs. Events are
// driven by Count; counters that match, are enabled locally and globally, and
// count in the event's privilege level advance and overflow like hardware.
package vpmu

import (
	"fmt"
	"sync"

	"github.com/tinyrange/pmc/internal/hw"
)

var _ hw.Platform = (*PMU)(nil)

// Config describes the emulated monitoring unit.
type Config struct {
	Version           uint8
	GeneralCounters   uint8
	GeneralWidth      uint8
	FixedCounters     uint8
	FixedWidth        uint8
	EventsLength      uint8
	UnavailableEvents uint8

	// PDCM advertises IA32_PERF_CAPABILITIES; FullWidthWrite sets its
	// FW_WRITE bit and enables the IA32_A_PMCx aliases.
	PDCM           bool
	FullWidthWrite bool

	MaxLeaf  uint32
	APICBase uint64
}

// DefaultConfig models a version 2 unit with four 48-bit general counters and
// three 48-bit fixed counters.
func DefaultConfig() Config {
	return Config{
		Version:         2,
		GeneralCounters: 4,
		GeneralWidth:    48,
		FixedCounters:   3,
		FixedWidth:      48,
		EventsLength:    7,
		PDCM:            true,
		FullWidthWrite:  true,
		MaxLeaf:         0x16,
		APICBase:        hw.LAPICDefaultBase,
	}
}

// InterruptSink receives performance-monitor interrupts raised by the unit.
type InterruptSink interface {
	Deliver(vector uint8)
}

// InterruptSinkFunc adapts a function to InterruptSink.
type InterruptSinkFunc func(vector uint8)

// Deliver implements InterruptSink.
func (f InterruptSinkFunc) Deliver(vector uint8) {
	if f != nil {
		f(vector)
	}
}

type noopSink struct{}

func (noopSink) Deliver(uint8) {}

// Stats counts interrupt activity.
type Stats struct {
	Overflows uint64
	Delivered uint64
	Dropped   uint64
}

// PMU is an emulated monitoring unit. It is safe for concurrent use.
type PMU struct {
	mu  sync.Mutex
	cfg Config

	evtsel []uint64
	pmc    []uint64
	fixed  []uint64

	fixedCtrl    uint64
	globalCtrl   uint64
	globalStatus uint64
	ovfCtrl      uint64
	lvt          uint32

	sink  InterruptSink
	stats Stats
}

// New builds a unit in its power-on state.
func New(cfg Config) *PMU {
	if cfg.APICBase == 0 {
		cfg.APICBase = hw.LAPICDefaultBase
	}
	if cfg.Version < 2 {
		cfg.FixedCounters = 0
	}
	p := &PMU{
		cfg:    cfg,
		evtsel: make([]uint64, cfg.GeneralCounters),
		pmc:    make([]uint64, cfg.GeneralCounters),
		fixed:  make([]uint64, cfg.FixedCounters),
		sink:   noopSink{},
	}
	p.resetLocked()
	return p
}

// Config returns the configuration the unit was built with.
func (p *PMU) Config() Config {
	return p.cfg
}

// SetInterruptSink overrides where interrupts are delivered.
func (p *PMU) SetInterruptSink(sink InterruptSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sink == nil {
		p.sink = noopSink{}
	} else {
		p.sink = sink
	}
}

// Reset returns every register to its power-on value.
func (p *PMU) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func (p *PMU) resetLocked() {
	clear(p.evtsel)
	clear(p.pmc)
	clear(p.fixed)
	p.fixedCtrl = 0
	p.globalCtrl = 0
	p.globalStatus = 0
	p.ovfCtrl = 0
	p.lvt = hw.LVTMasked
	p.stats = Stats{}
}

// Stats returns a snapshot of interrupt statistics.
func (p *PMU) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// LVT returns the raw performance-monitor LVT entry.
func (p *PMU) LVT() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lvt
}

// InjectOverflowStatus ORs bits into IA32_PERF_GLOBAL_STATUS without
// touching any counter.
func (p *PMU) InjectOverflowStatus(bits uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.globalStatus |= bits
}

func (p *PMU) hasGlobal() bool {
	return p.cfg.Version >= 2
}

func (p *PMU) globalMask() uint64 {
	return lowBits(p.cfg.GeneralCounters) | lowBits(p.cfg.FixedCounters)<<hw.FixedGlobalShift
}

func lowBits(n uint8) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << n) - 1
}

func (p *PMU) String() string {
	return fmt.Sprintf("vpmu(v%d, %d general, %d fixed)", p.cfg.Version, p.cfg.GeneralCounters, p.cfg.FixedCounters)
}
