package pmu

import (
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/pmc/internal/hw"
	"github.com/tinyrange/pmc/internal/vpmu"
)

func TestStartSetsGlobalEnable(t *testing.T) {
	_, ctrl := newTestController(t, vpmu.DefaultConfig())

	c := NewCounter(ctrl)
	if err := c.BuildFromRaw(RawEvent{EventCode: 0x3C, User: true, OS: true}, 0); err != nil {
		t.Fatalf("BuildFromRaw: %v", err)
	}
	if got, want := c.ControlWord(), uint64(0x00530000|0x3C); got != want {
		t.Fatalf("control word = 0x%x, want 0x%x", got, want)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mask, err := ctrl.ReadEnableMask()
	if err != nil {
		t.Fatalf("ReadEnableMask: %v", err)
	}
	if mask&0x1 != 1 {
		t.Fatalf("enable mask = 0x%x, want bit 0 set", mask)
	}
}

func TestEnableSlotBits(t *testing.T) {
	_, ctrl := newTestController(t, vpmu.DefaultConfig())

	for _, s := range []Slot{General(1), Fixed(2)} {
		if err := ctrl.EnableSlot(s); err != nil {
			t.Fatalf("EnableSlot(%s): %v", s, err)
		}
	}
	mask, _ := ctrl.ReadEnableMask()
	if want := uint64(1<<1 | 1<<34); mask != want {
		t.Fatalf("enable mask = 0x%x, want 0x%x", mask, want)
	}

	if err := ctrl.DisableSlot(General(1)); err != nil {
		t.Fatalf("DisableSlot: %v", err)
	}
	mask, _ = ctrl.ReadEnableMask()
	if want := uint64(1 << 34); mask != want {
		t.Fatalf("enable mask = 0x%x, want 0x%x", mask, want)
	}
}

func TestConcurrentEnableSlotKeepsEveryBit(t *testing.T) {
	cfg := vpmu.DefaultConfig()
	cfg.GeneralCounters = 8
	_, ctrl := newTestController(t, cfg)

	slots := []Slot{General(0), General(1), General(2), General(3), General(4), General(5), General(6), General(7), Fixed(0), Fixed(1), Fixed(2)}

	var wg sync.WaitGroup
	for _, s := range slots {
		wg.Add(1)
		go func(s Slot) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := ctrl.EnableSlot(s); err != nil {
					t.Errorf("EnableSlot(%s): %v", s, err)
					return
				}
				if err := ctrl.DisableSlot(s); err != nil {
					t.Errorf("DisableSlot(%s): %v", s, err)
					return
				}
			}
			if err := ctrl.EnableSlot(s); err != nil {
				t.Errorf("EnableSlot(%s): %v", s, err)
			}
		}(s)
	}
	wg.Wait()

	mask, err := ctrl.ReadEnableMask()
	if err != nil {
		t.Fatalf("ReadEnableMask: %v", err)
	}
	if want := uint64(0xFF | 0x7<<32); mask != want {
		t.Fatalf("enable mask = 0x%x, want 0x%x", mask, want)
	}
}

func TestGlobalControlRequiresVersion2(t *testing.T) {
	cfg := vpmu.DefaultConfig()
	cfg.Version = 1
	_, ctrl := newTestController(t, cfg)

	if _, err := ctrl.ReadEnableMask(); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("ReadEnableMask err = %v", err)
	}
	if err := ctrl.WriteEnableMask(1); err != nil {
		t.Fatalf("WriteEnableMask on version 1: %v", err)
	}
	if err := ctrl.EnableSlot(General(0)); err != nil {
		t.Fatalf("EnableSlot on version 1: %v", err)
	}
	if _, err := ctrl.ReadOverflowStatus(); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("ReadOverflowStatus err = %v", err)
	}
	if err := ctrl.AcknowledgeOverflow(General(0)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("AcknowledgeOverflow err = %v", err)
	}
	if _, _, err := ctrl.WhichOverflowed(); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("WhichOverflowed err = %v", err)
	}
}

func TestWhichOverflowed(t *testing.T) {
	tests := []struct {
		name    string
		status  uint64
		want    Slot
		wantErr error
	}{
		{name: "none"},
		{name: "general", status: 1 << 2, want: General(2)},
		{name: "fixed", status: 1 << 33, want: Fixed(1)},
		{name: "lowest wins", status: 1<<3 | 1<<32, want: General(3)},
		{name: "bit 63", status: 1 << 63, wantErr: ErrUnrecognizedOverflow},
		{name: "undiscovered fixed", status: 1 << 40, wantErr: ErrUnrecognizedOverflow},
		{name: "undiscovered general", status: 1 << 9, wantErr: ErrUnrecognizedOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit, ctrl := newTestController(t, vpmu.DefaultConfig())
			unit.InjectOverflowStatus(tt.status)

			got, ok, err := ctrl.WhichOverflowed()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("WhichOverflowed: %v", err)
			}
			if ok != (tt.want != nil) || got != tt.want {
				t.Fatalf("WhichOverflowed = %v, %t, want %v", got, ok, tt.want)
			}
			if ok && tt.status&(uint64(1)<<globalBit(got)) == 0 {
				t.Fatalf("reported %s without its status bit", got)
			}
		})
	}
}

func TestAcknowledgeOverflowPulsesBit(t *testing.T) {
	unit, ctrl := newTestController(t, vpmu.DefaultConfig())

	// Steady-state acknowledge bits that must survive the pulse.
	writeMSR(t, unit, hw.MSRPerfGlobalOvfCtrl, 1<<6)
	unit.InjectOverflowStatus(1<<0 | 1<<33)

	if err := ctrl.AcknowledgeOverflow(Fixed(1)); err != nil {
		t.Fatalf("AcknowledgeOverflow: %v", err)
	}
	status, err := ctrl.ReadOverflowStatus()
	if err != nil {
		t.Fatalf("ReadOverflowStatus: %v", err)
	}
	if status != 1 {
		t.Fatalf("status = 0x%x, want 0x1", status)
	}
	if got := readMSR(t, unit, hw.MSRPerfGlobalOvfCtrl); got != 1<<6 {
		t.Fatalf("acknowledge register = 0x%x, want 0x40", got)
	}
}

func TestSlotOperationsRejectMissingCounters(t *testing.T) {
	unit, ctrl := newTestController(t, vpmu.DefaultConfig())
	unit.InjectOverflowStatus(1 << 32)

	slots := []Slot{General(4), General(32), General(64), Fixed(3), Fixed(31)}
	ops := []struct {
		name string
		fn   func(Slot) error
	}{
		{"enable", ctrl.EnableSlot},
		{"disable", ctrl.DisableSlot},
		{"acknowledge", ctrl.AcknowledgeOverflow},
	}
	for _, op := range ops {
		for _, s := range slots {
			t.Run(op.name+"/"+s.String(), func(t *testing.T) {
				if err := op.fn(s); !errors.Is(err, ErrCounterOutOfRange) {
					t.Fatalf("%s(%s) err = %v, want ErrCounterOutOfRange", op.name, s, err)
				}
			})
		}
	}

	mask, err := ctrl.ReadEnableMask()
	if err != nil {
		t.Fatalf("ReadEnableMask: %v", err)
	}
	if mask != 0 {
		t.Fatalf("enable mask = 0x%x, want 0", mask)
	}
	status, err := ctrl.ReadOverflowStatus()
	if err != nil {
		t.Fatalf("ReadOverflowStatus: %v", err)
	}
	if status != 1<<32 {
		t.Fatalf("status = 0x%x, fixed0 overflow acknowledged through another slot", status)
	}
}

func TestRouteAndRearmInterrupt(t *testing.T) {
	unit, ctrl := newTestController(t, vpmu.DefaultConfig())

	if err := ctrl.RouteInterrupt(0xF0); err != nil {
		t.Fatalf("RouteInterrupt: %v", err)
	}
	if got := readLVT(t, unit); got != 0xF0 {
		t.Fatalf("LVT = 0x%x, want 0xf0", got)
	}

	if err := hw.WriteMMIO32(unit, hw.LAPICDefaultBase+hw.LAPICLVTPerfMon, 0xF0|hw.LVTMasked); err != nil {
		t.Fatalf("mask LVT: %v", err)
	}
	if err := ctrl.RearmLocalInterrupt(); err != nil {
		t.Fatalf("RearmLocalInterrupt: %v", err)
	}
	if got := readLVT(t, unit); got != 0xF0 {
		t.Fatalf("LVT = 0x%x after rearm, want 0xf0", got)
	}
}

func TestLocalAPICBaseOption(t *testing.T) {
	const base = 0xFEF00000
	cfg := vpmu.DefaultConfig()
	cfg.APICBase = base
	unit := vpmu.New(cfg)
	caps, err := Discover(unit, unit)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	ctrl := NewGlobalController(caps, unit, WithLocalAPICBase(base))

	if err := ctrl.RouteInterrupt(0x42); err != nil {
		t.Fatalf("RouteInterrupt: %v", err)
	}
	if v, _ := hw.ReadMMIO32(unit, base+hw.LAPICLVTPerfMon); v != 0x42 {
		t.Fatalf("LVT = 0x%x, want 0x42", v)
	}
}

func TestInUse(t *testing.T) {
	unit, ctrl := newTestController(t, vpmu.DefaultConfig())

	if used, err := ctrl.InUse(General(1)); err != nil || used {
		t.Fatalf("InUse(general1) = %t, %v on idle unit", used, err)
	}

	// Locally enabled but not globally: not in use.
	writeMSR(t, unit, hw.MSRPerfEvtSel0+1, hw.EvtSelEN|0x3C)
	if used, _ := ctrl.InUse(General(1)); used {
		t.Fatalf("InUse(general1) with global bit clear")
	}
	writeMSR(t, unit, hw.MSRPerfGlobalCtrl, 1<<1)
	if used, _ := ctrl.InUse(General(1)); !used {
		t.Fatalf("InUse(general1) = false with both enables set")
	}

	writeMSR(t, unit, hw.MSRFixedCtrCtrl, uint64(hw.FixedCtrlOS)<<8)
	if used, _ := ctrl.InUse(Fixed(2)); used {
		t.Fatalf("InUse(fixed2) with global bit clear")
	}
	writeMSR(t, unit, hw.MSRPerfGlobalCtrl, 1<<1|1<<34)
	if used, _ := ctrl.InUse(Fixed(2)); !used {
		t.Fatalf("InUse(fixed2) = false with both enables set")
	}

	if _, err := ctrl.InUse(General(4)); !errors.Is(err, ErrCounterOutOfRange) {
		t.Fatalf("InUse(general4) err = %v", err)
	}
	if _, err := ctrl.InUse(Fixed(3)); !errors.Is(err, ErrCounterOutOfRange) {
		t.Fatalf("InUse(fixed3) err = %v", err)
	}
}
