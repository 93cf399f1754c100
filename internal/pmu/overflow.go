package pmu

import (
	"errors"
	"fmt"
	"sync"
)

// OverflowFunc is called from the interrupt path after a counter that
// overflowed has been acknowledged and reloaded.
type OverflowFunc func(c *Counter)

type sampler struct {
	counter *Counter
	period  uint64
	fn      OverflowFunc
}

// Dispatcher implements the performance-monitor interrupt path: find the
// overflowed slot, acknowledge it, reload the owning counter and unmask the
// local interrupt.
type Dispatcher struct {
	ctrl *GlobalController

	mu       sync.Mutex
	samplers map[uint]sampler
}

// NewDispatcher returns a dispatcher for counters bound to ctrl.
func NewDispatcher(ctrl *GlobalController) *Dispatcher {
	return &Dispatcher{
		ctrl:     ctrl,
		samplers: make(map[uint]sampler),
	}
}

// Register arms c to overflow after period events and reloads it with the
// same period on every interrupt. fn may be nil.
func (d *Dispatcher) Register(c *Counter, period uint64, fn OverflowFunc) error {
	if c.slot == nil {
		return ErrNotConfigured
	}
	if c.ctrl != d.ctrl {
		return fmt.Errorf("pmu: counter %s belongs to another controller", c.slot)
	}
	if err := c.OverflowAfter(period); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.samplers[globalBit(c.slot)] = sampler{counter: c, period: period, fn: fn}
	return nil
}

// Unregister removes the counter occupying s.
func (d *Dispatcher) Unregister(s Slot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.samplers, globalBit(s))
}

// HandleInterrupt services one performance-monitor interrupt. It returns the
// slot that overflowed, or nil when no overflow bit was set. The local
// interrupt is rearmed in every case so later overflows are delivered.
//
// It must not be re-entered; the LVT entry stays masked until the final step.
func (d *Dispatcher) HandleInterrupt() (slot Slot, err error) {
	defer func() {
		if rerr := d.ctrl.RearmLocalInterrupt(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	slot, ok, err := d.ctrl.WhichOverflowed()
	if err != nil || !ok {
		return nil, err
	}

	if err := d.ctrl.AcknowledgeOverflow(slot); err != nil {
		return slot, err
	}

	d.mu.Lock()
	s, registered := d.samplers[globalBit(slot)]
	d.mu.Unlock()

	if !registered {
		d.ctrl.logger.Debug("overflow on unregistered counter", "slot", slot.String())
		return slot, nil
	}
	if err := s.counter.OverflowAfter(s.period); err != nil {
		return slot, err
	}
	if s.fn != nil {
		s.fn(s.counter)
	}
	return slot, nil
}
