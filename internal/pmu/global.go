package pmu

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/tinyrange/pmc/internal/hw"
)

// GlobalController owns the registers shared by every counter on one core:
// IA32_PERF_GLOBAL_CTRL, IA32_PERF_GLOBAL_STATUS, IA32_PERF_GLOBAL_OVF_CTRL,
// IA32_FIXED_CTR_CTRL and the local APIC performance-monitor LVT entry.
//
// Register values are never cached; every query reads hardware. All
// read-modify-write sequences run under one lock, so there must be exactly one
// controller per physical core.
type GlobalController struct {
	mu sync.Mutex

	caps     Capabilities
	platform hw.Platform
	lvtAddr  uint64
	logger   *slog.Logger
}

// ControllerOption configures a GlobalController.
type ControllerOption func(*GlobalController)

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(g *GlobalController) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithLocalAPICBase overrides the physical base of the local APIC page.
func WithLocalAPICBase(base uint64) ControllerOption {
	return func(g *GlobalController) {
		g.lvtAddr = base + hw.LAPICLVTPerfMon
	}
}

// NewGlobalController binds a controller to discovered capabilities and the
// platform that reaches the core's registers.
func NewGlobalController(caps Capabilities, platform hw.Platform, opts ...ControllerOption) *GlobalController {
	g := &GlobalController{
		caps:     caps,
		platform: platform,
		lvtAddr:  hw.LAPICDefaultBase + hw.LAPICLVTPerfMon,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Capabilities returns the capabilities the controller was built from.
func (g *GlobalController) Capabilities() Capabilities {
	return g.caps
}

// ReadEnableMask reads IA32_PERF_GLOBAL_CTRL.
func (g *GlobalController) ReadEnableMask() (uint64, error) {
	if !g.caps.HasGlobalControl() {
		return 0, ErrUnsupportedVersion
	}
	v, err := g.platform.ReadMSR(hw.MSRPerfGlobalCtrl)
	if err != nil {
		return 0, fmt.Errorf("read global enable: %w", err)
	}
	return v, nil
}

// WriteEnableMask writes IA32_PERF_GLOBAL_CTRL. It does nothing below
// version 2.
func (g *GlobalController) WriteEnableMask(value uint64) error {
	if !g.caps.HasGlobalControl() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeEnableLocked(value)
}

func (g *GlobalController) writeEnableLocked(value uint64) error {
	if err := g.platform.WriteMSR(hw.MSRPerfGlobalCtrl, value); err != nil {
		return fmt.Errorf("write global enable: %w", err)
	}
	return nil
}

// EnableSlot sets the slot's bit in the global enable register. It does
// nothing below version 2. Slots the core does not have are rejected with
// ErrCounterOutOfRange.
func (g *GlobalController) EnableSlot(s Slot) error {
	return g.updateEnable(s, true)
}

// DisableSlot clears the slot's bit in the global enable register. It does
// nothing below version 2.
func (g *GlobalController) DisableSlot(s Slot) error {
	return g.updateEnable(s, false)
}

func (g *GlobalController) updateEnable(s Slot, on bool) error {
	if !g.caps.HasGlobalControl() {
		return nil
	}
	if !g.caps.Contains(s) {
		return fmt.Errorf("%s: %w", s, ErrCounterOutOfRange)
	}
	bit := uint64(1) << globalBit(s)

	g.mu.Lock()
	defer g.mu.Unlock()

	cur, err := g.platform.ReadMSR(hw.MSRPerfGlobalCtrl)
	if err != nil {
		return fmt.Errorf("read global enable: %w", err)
	}
	next := cur &^ bit
	if on {
		next = cur | bit
	}
	if next == cur {
		return nil
	}
	return g.writeEnableLocked(next)
}

// updateFixedControl replaces the slot's nibble in IA32_FIXED_CTR_CTRL while
// preserving the other fixed counters' nibbles.
func (g *GlobalController) updateFixedControl(f Fixed, nibble uint64) error {
	shift := uint(f) * 4

	g.mu.Lock()
	defer g.mu.Unlock()

	cur, err := g.platform.ReadMSR(hw.MSRFixedCtrCtrl)
	if err != nil {
		return fmt.Errorf("read fixed control: %w", err)
	}
	next := cur&^(hw.FixedCtrlNibble<<shift) | (nibble&hw.FixedCtrlNibble)<<shift
	if err := g.platform.WriteMSR(hw.MSRFixedCtrCtrl, next); err != nil {
		return fmt.Errorf("write fixed control: %w", err)
	}
	return nil
}

// ReadOverflowStatus reads IA32_PERF_GLOBAL_STATUS. Bit i below 32 is general
// counter i; bit 32+i is fixed counter i.
func (g *GlobalController) ReadOverflowStatus() (uint64, error) {
	if !g.caps.HasGlobalControl() {
		return 0, ErrUnsupportedVersion
	}
	v, err := g.platform.ReadMSR(hw.MSRPerfGlobalStatus)
	if err != nil {
		return 0, fmt.Errorf("read overflow status: %w", err)
	}
	return v, nil
}

// AcknowledgeOverflow pulses the slot's bit in IA32_PERF_GLOBAL_OVF_CTRL: the
// bit is set and the previous register value restored, which clears the
// slot's overflow status without changing the acknowledge mask.
func (g *GlobalController) AcknowledgeOverflow(s Slot) error {
	if !g.caps.HasGlobalControl() {
		return ErrUnsupportedVersion
	}
	if !g.caps.Contains(s) {
		return fmt.Errorf("acknowledge %s: %w", s, ErrCounterOutOfRange)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	prev, err := g.platform.ReadMSR(hw.MSRPerfGlobalOvfCtrl)
	if err != nil {
		return fmt.Errorf("read overflow acknowledge: %w", err)
	}
	if err := g.platform.WriteMSR(hw.MSRPerfGlobalOvfCtrl, prev|uint64(1)<<globalBit(s)); err != nil {
		return fmt.Errorf("acknowledge %s: %w", s, err)
	}
	if err := g.platform.WriteMSR(hw.MSRPerfGlobalOvfCtrl, prev); err != nil {
		return fmt.Errorf("restore overflow acknowledge: %w", err)
	}
	g.logger.Debug("acknowledged overflow", "slot", s.String())
	return nil
}

// WhichOverflowed returns the lowest-numbered slot with its overflow bit set.
// The boolean is false when no bit is set. If the lowest set bit does not
// belong to a discovered counter, ErrUnrecognizedOverflow is returned.
func (g *GlobalController) WhichOverflowed() (Slot, bool, error) {
	status, err := g.ReadOverflowStatus()
	if err != nil {
		return nil, false, err
	}
	if status == 0 {
		return nil, false, nil
	}
	bit := uint(bits.TrailingZeros64(status))
	if bit == 63 {
		return nil, false, fmt.Errorf("%w: bit %d", ErrUnrecognizedOverflow, bit)
	}
	s := slotFromGlobalBit(bit)
	if !g.caps.Contains(s) {
		return nil, false, fmt.Errorf("%w: bit %d", ErrUnrecognizedOverflow, bit)
	}
	return s, true, nil
}

// RearmLocalInterrupt clears the mask bit of the performance-monitor LVT
// entry. The APIC masks the entry when it delivers a PMI, so the interrupt
// handler must call this after acknowledging the overflow.
func (g *GlobalController) RearmLocalInterrupt() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	lvt, err := hw.ReadMMIO32(g.platform, g.lvtAddr)
	if err != nil {
		return fmt.Errorf("read perfmon LVT: %w", err)
	}
	if err := hw.WriteMMIO32(g.platform, g.lvtAddr, lvt&^hw.LVTMasked); err != nil {
		return fmt.Errorf("rearm perfmon LVT: %w", err)
	}
	return nil
}

// RouteInterrupt programs the performance-monitor LVT entry to deliver
// overflow interrupts as a fixed interrupt on vector.
func (g *GlobalController) RouteInterrupt(vector uint8) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := hw.WriteMMIO32(g.platform, g.lvtAddr, uint32(vector)); err != nil {
		return fmt.Errorf("route perfmon interrupt: %w", err)
	}
	g.logger.Debug("routed perfmon interrupt", "vector", vector)
	return nil
}

// InUse reports whether the slot is enabled both in its local control register
// and, from version 2, in the global enable register.
func (g *GlobalController) InUse(s Slot) (bool, error) {
	var local bool
	switch s := s.(type) {
	case General:
		if uint8(s) >= g.caps.GeneralCount {
			return false, ErrCounterOutOfRange
		}
		v, err := g.platform.ReadMSR(hw.MSRPerfEvtSel0 + uint32(s))
		if err != nil {
			return false, fmt.Errorf("read event select %d: %w", uint8(s), err)
		}
		local = v&hw.EvtSelEN != 0
	case Fixed:
		if !g.caps.HasGlobalControl() {
			return false, ErrUnsupportedFixedCounter
		}
		if uint8(s) >= g.caps.FixedCount {
			return false, ErrCounterOutOfRange
		}
		v, err := g.platform.ReadMSR(hw.MSRFixedCtrCtrl)
		if err != nil {
			return false, fmt.Errorf("read fixed control: %w", err)
		}
		local = (v>>(uint(s)*4))&hw.FixedCtrlRingAll != 0
	default:
		return false, ErrNotConfigured
	}
	if !local || !g.caps.HasGlobalControl() {
		return local, nil
	}
	enabled, err := g.ReadEnableMask()
	if err != nil {
		return false, err
	}
	return enabled&(uint64(1)<<globalBit(s)) != 0, nil
}
