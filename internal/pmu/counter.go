package pmu

import (
	"fmt"

	"github.com/tinyrange/pmc/internal/hw"
)

// Lifecycle is the surface sampling and profiling code uses once a counter has
// been configured.
type Lifecycle interface {
	Reset() error
	Start() error
	Stop() error
	Read() (uint64, error)
}

var _ Lifecycle = (*Counter)(nil)

// Counter drives one hardware counter slot. The control word is assembled
// locally by a build call and committed to hardware by Start.
//
// A Counter is not safe for concurrent use; the registers it shares with
// other counters are serialized by its GlobalController.
type Counter struct {
	ctrl    *GlobalController
	slot    Slot
	control uint64
	running bool
}

// NewCounter returns an unconfigured counter bound to ctrl. The controller
// must outlive the counter.
func NewCounter(ctrl *GlobalController) *Counter {
	return &Counter{ctrl: ctrl}
}

// Slot returns the configured slot, or nil before a build call.
func (c *Counter) Slot() Slot { return c.slot }

// ControlWord returns the assembled event-select word for general counters,
// or the 4-bit control nibble for fixed counters.
func (c *Counter) ControlWord() uint64 { return c.control }

// Running reports whether Start has been called without a matching Stop.
func (c *Counter) Running() bool { return c.running }

// BuildFromEvent assembles the control word for desc. General events are
// placed on the general counter at index; fixed events use the fixed counter
// named by the descriptor and ignore index. No register is touched.
func (c *Counter) BuildFromEvent(desc EventDescriptor, index uint8) error {
	if c.running {
		return ErrCounterRunning
	}
	caps := c.ctrl.caps

	if desc.Counter.Fixed {
		if caps.Version < 2 {
			return ErrUnsupportedFixedCounter
		}
		fixed := desc.Counter.FixedIndex
		if fixed >= caps.FixedCount {
			return fmt.Errorf("%w: fixed counter %d of %d", ErrCounterOutOfRange, fixed, caps.FixedCount)
		}
		nibble := uint64(hw.FixedCtrlRingAll | hw.FixedCtrlPMI)
		if desc.AnyThread && caps.Version > 2 {
			nibble |= hw.FixedCtrlAnyThread
		}
		c.slot = Fixed(fixed)
		c.control = nibble
		return nil
	}

	if index >= caps.GeneralCount {
		return fmt.Errorf("%w: general counter %d of %d", ErrCounterOutOfRange, index, caps.GeneralCount)
	}
	if desc.Counter.Allowed != 0 && desc.Counter.Allowed&(uint64(1)<<index) == 0 {
		return fmt.Errorf("%w: %s cannot be counted on general counter %d", ErrCounterOutOfRange, desc.Name, index)
	}
	code, ok := desc.EventCode.single()
	if !ok {
		return fmt.Errorf("%w: event code %s", ErrUnsupportedEvent, desc.EventCode)
	}
	umask, ok := desc.UnitMask.single()
	if !ok {
		return fmt.Errorf("%w: unit mask %s", ErrUnsupportedEvent, desc.UnitMask)
	}

	word := uint64(code)<<hw.EvtSelEventShift |
		uint64(umask)<<hw.EvtSelUmaskShift |
		uint64(desc.CounterMask)<<hw.EvtSelCmaskShift |
		hw.EvtSelUSR | hw.EvtSelOS | hw.EvtSelINT | hw.EvtSelEN
	if desc.EdgeDetect {
		word |= hw.EvtSelEdge
	}
	if desc.AnyThread {
		word |= hw.EvtSelAnyThread
	}
	if desc.Invert {
		word |= hw.EvtSelINV
	}
	c.slot = General(index)
	c.control = word
	return nil
}

// BuildFromRaw assembles a general-purpose control word from register
// fields. The local enable and interrupt bits are always set.
func (c *Counter) BuildFromRaw(ev RawEvent, index uint8) error {
	if c.running {
		return ErrCounterRunning
	}
	if index >= c.ctrl.caps.GeneralCount {
		return fmt.Errorf("%w: general counter %d of %d", ErrCounterOutOfRange, index, c.ctrl.caps.GeneralCount)
	}
	word := uint64(ev.EventCode&0xff)<<hw.EvtSelEventShift |
		uint64(ev.UnitMask&0xff)<<hw.EvtSelUmaskShift |
		uint64(ev.CounterMask)<<hw.EvtSelCmaskShift |
		hw.EvtSelEN | hw.EvtSelINT
	if ev.User {
		word |= hw.EvtSelUSR
	}
	if ev.OS {
		word |= hw.EvtSelOS
	}
	if ev.EdgeDetect {
		word |= hw.EvtSelEdge
	}
	c.slot = General(index)
	c.control = word
	return nil
}

// ExcludeKernel stops the counter from counting in ring 0.
func (c *Counter) ExcludeKernel() {
	c.clearBits(hw.EvtSelOS, hw.FixedCtrlOS)
}

// ExcludeUser stops the counter from counting in ring 3.
func (c *Counter) ExcludeUser() {
	c.clearBits(hw.EvtSelUSR, hw.FixedCtrlUSR)
}

// DisableInterrupt stops the counter from raising a PMI on overflow.
func (c *Counter) DisableInterrupt() {
	c.clearBits(hw.EvtSelINT, hw.FixedCtrlPMI)
}

func (c *Counter) clearBits(general, fixed uint64) {
	switch c.slot.(type) {
	case General:
		c.control &^= general
	case Fixed:
		c.control &^= fixed
	}
}

// valueRegister returns the MSR that holds the running count and the width
// written values are masked to.
func (c *Counter) valueRegister() (uint32, uint8) {
	caps := c.ctrl.caps
	switch s := c.slot.(type) {
	case General:
		if caps.FullWidthWrite {
			return hw.MSRAPMC0 + uint32(s), caps.GeneralWidth
		}
		return hw.MSRPMC0 + uint32(s), caps.GeneralWidth
	case Fixed:
		return hw.MSRFixedCtr0 + uint32(s), caps.FixedWidth
	default:
		panic(fmt.Sprintf("pmu: unknown slot type %T", s))
	}
}

func (c *Counter) writeValue(value uint64) error {
	if c.slot == nil {
		return ErrNotConfigured
	}
	reg, width := c.valueRegister()
	if err := c.ctrl.platform.WriteMSR(reg, value&widthMask(width)); err != nil {
		return fmt.Errorf("write %s value: %w", c.slot, err)
	}
	return nil
}

// Reset zeroes the counter's running value.
func (c *Counter) Reset() error {
	return c.writeValue(0)
}

// Start commits the control word and sets the slot's global enable bit.
func (c *Counter) Start() error {
	switch s := c.slot.(type) {
	case General:
		if err := c.ctrl.platform.WriteMSR(hw.MSRPerfEvtSel0+uint32(s), c.control); err != nil {
			return fmt.Errorf("write event select %d: %w", uint8(s), err)
		}
	case Fixed:
		if err := c.ctrl.updateFixedControl(s, c.control); err != nil {
			return err
		}
	default:
		return ErrNotConfigured
	}
	if err := c.ctrl.EnableSlot(c.slot); err != nil {
		return err
	}
	c.running = true
	c.ctrl.logger.Debug("counter started", "slot", c.slot.String(), "control", fmt.Sprintf("%#x", c.control))
	return nil
}

// Stop clears the slot's global enable bit and then its local control.
func (c *Counter) Stop() error {
	if c.slot == nil {
		return ErrNotConfigured
	}
	if err := c.ctrl.DisableSlot(c.slot); err != nil {
		return err
	}
	switch s := c.slot.(type) {
	case General:
		if err := c.ctrl.platform.WriteMSR(hw.MSRPerfEvtSel0+uint32(s), 0); err != nil {
			return fmt.Errorf("clear event select %d: %w", uint8(s), err)
		}
	case Fixed:
		if err := c.ctrl.updateFixedControl(s, 0); err != nil {
			return err
		}
	}
	c.running = false
	c.ctrl.logger.Debug("counter stopped", "slot", c.slot.String())
	return nil
}

// Read returns the raw count masked to the counter width. Overflow carries
// are not added; combine with CheckOverflow when wraparound matters.
func (c *Counter) Read() (uint64, error) {
	var selector uint32
	switch s := c.slot.(type) {
	case General:
		selector = uint32(s)
	case Fixed:
		selector = uint32(s) | hw.PMCSelectorFixed
	default:
		return 0, ErrNotConfigured
	}
	v, err := c.ctrl.platform.ReadPMC(selector)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", c.slot, err)
	}
	return v & widthMask(c.ctrl.caps.Width(c.slot)), nil
}

// CheckOverflow reports whether the slot's overflow status bit is set. The
// bit is not acknowledged.
func (c *Counter) CheckOverflow() (bool, error) {
	if c.slot == nil {
		return false, ErrNotConfigured
	}
	status, err := c.ctrl.ReadOverflowStatus()
	if err != nil {
		return false, err
	}
	return status&(uint64(1)<<globalBit(c.slot)) != 0, nil
}

// OverflowAfter loads the counter so that it overflows on the event after the
// next threshold events. threshold must not exceed MaxThreshold.
func (c *Counter) OverflowAfter(threshold uint64) error {
	if c.slot == nil {
		return ErrNotConfigured
	}
	if limit := c.MaxThreshold(); threshold > limit {
		return fmt.Errorf("%s: threshold %d above %d: %w", c.slot, threshold, limit, ErrThresholdOutOfRange)
	}
	return c.writeValue(^threshold)
}

// MaxThreshold is the largest threshold OverflowAfter accepts. Legacy
// IA32_PMCx writes sign-extend from bit 31, so without full-width writes the
// loaded complement must keep bit 31 set.
func (c *Counter) MaxThreshold() uint64 {
	if c.slot == nil {
		return 0
	}
	if _, ok := c.slot.(General); ok && !c.ctrl.caps.FullWidthWrite {
		return 1<<31 - 1
	}
	return widthMask(c.ctrl.caps.Width(c.slot))
}

// IsInUse reports whether the counter's slot is already enabled, possibly by
// another owner. Call it before Start to avoid taking a busy counter.
func (c *Counter) IsInUse() (bool, error) {
	if c.slot == nil {
		return false, ErrNotConfigured
	}
	return c.ctrl.InUse(c.slot)
}
