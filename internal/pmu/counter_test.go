package pmu

import (
	"errors"
	"testing"

	"github.com/tinyrange/pmc/internal/hw"
	"github.com/tinyrange/pmc/internal/vpmu"
)

func TestBuildFromEventGeneralLayout(t *testing.T) {
	tests := []struct {
		name string
		desc EventDescriptor
		want uint64
	}{
		{
			name: "cycles",
			desc: cyclesEvent(),
			want: 0x0053003C,
		},
		{
			name: "llc misses",
			desc: EventDescriptor{EventCode: One(0x2E), UnitMask: One(0x41)},
			want: 0x0053412E,
		},
		{
			name: "edge and counter mask",
			desc: EventDescriptor{EventCode: One(0xA3), UnitMask: One(0x06), CounterMask: 0x06, EdgeDetect: true},
			want: 0x065706A3,
		},
		{
			name: "any thread and invert",
			desc: EventDescriptor{EventCode: One(0xC4), UnitMask: One(0x00), AnyThread: true, Invert: true},
			want: 0x00F300C4,
		},
		{
			name: "every field",
			desc: EventDescriptor{EventCode: One(0xFF), UnitMask: One(0xFF), CounterMask: 0xFF, EdgeDetect: true, AnyThread: true, Invert: true},
			want: 0xFFF7FFFF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ctrl := newTestController(t, vpmu.DefaultConfig())
			c := NewCounter(ctrl)
			mustBuild(t, c, tt.desc, 2)

			if got := c.ControlWord(); got != tt.want {
				t.Fatalf("control word = 0x%x, want 0x%x", got, tt.want)
			}
			if c.Slot() != General(2) {
				t.Fatalf("slot = %v, want general2", c.Slot())
			}
			w := c.ControlWord()
			if uint8(w) != tt.desc.EventCode.Values[0] || uint8(w>>8) != tt.desc.UnitMask.Values[0] || uint8(w>>24) != tt.desc.CounterMask {
				t.Fatalf("fields do not round-trip from 0x%x", w)
			}
		})
	}
}

func TestBuildFromEventRejects(t *testing.T) {
	tests := []struct {
		name    string
		version uint8
		desc    EventDescriptor
		index   uint8
		wantErr error
	}{
		{
			name:    "compound event code",
			version: 2,
			desc:    EventDescriptor{EventCode: Two(0xB7, 0xBB), UnitMask: One(0x01)},
			wantErr: ErrUnsupportedEvent,
		},
		{
			name:    "compound unit mask",
			version: 2,
			desc:    EventDescriptor{EventCode: One(0xB7), UnitMask: Two(0x01, 0x02)},
			wantErr: ErrUnsupportedEvent,
		},
		{
			name:    "general index",
			version: 2,
			desc:    cyclesEvent(),
			index:   4,
			wantErr: ErrCounterOutOfRange,
		},
		{
			name:    "placement constraint",
			version: 2,
			desc:    EventDescriptor{EventCode: One(0x48), UnitMask: One(0x01), Counter: Target{Allowed: 0x4}},
			index:   1,
			wantErr: ErrCounterOutOfRange,
		},
		{
			name:    "fixed index",
			version: 2,
			desc:    EventDescriptor{Counter: Target{Fixed: true, FixedIndex: 3}},
			wantErr: ErrCounterOutOfRange,
		},
		{
			name:    "fixed on version 1",
			version: 1,
			desc:    EventDescriptor{Counter: Target{Fixed: true}},
			wantErr: ErrUnsupportedFixedCounter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := vpmu.DefaultConfig()
			cfg.Version = tt.version
			_, ctrl := newTestController(t, cfg)
			c := NewCounter(ctrl)

			if err := c.BuildFromEvent(tt.desc, tt.index); !errors.Is(err, tt.wantErr) {
				t.Fatalf("BuildFromEvent err = %v, want %v", err, tt.wantErr)
			}
			if c.Slot() != nil {
				t.Fatalf("failed build left slot %v", c.Slot())
			}
		})
	}
}

func TestBuildFromEventFixedNibble(t *testing.T) {
	tests := []struct {
		name      string
		version   uint8
		anyThread bool
		want      uint64
	}{
		{name: "version 2", version: 2, want: 0xB},
		{name: "version 2 any thread ignored", version: 2, anyThread: true, want: 0xB},
		{name: "version 3 any thread", version: 3, anyThread: true, want: 0xF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := vpmu.DefaultConfig()
			cfg.Version = tt.version
			_, ctrl := newTestController(t, cfg)
			c := NewCounter(ctrl)

			desc := EventDescriptor{Name: "INST_RETIRED.ANY", AnyThread: tt.anyThread, Counter: Target{Fixed: true, FixedIndex: 1}}
			// The index argument is ignored for fixed events.
			mustBuild(t, c, desc, 7)
			if c.Slot() != Fixed(1) {
				t.Fatalf("slot = %v, want fixed1", c.Slot())
			}
			if got := c.ControlWord(); got != tt.want {
				t.Fatalf("nibble = 0x%x, want 0x%x", got, tt.want)
			}
		})
	}
}

func TestBuildFromRaw(t *testing.T) {
	_, ctrl := newTestController(t, vpmu.DefaultConfig())
	c := NewCounter(ctrl)

	if err := c.BuildFromRaw(RawEvent{EventCode: 0x1C0, UnitMask: 0x301, User: true, CounterMask: 2, EdgeDetect: true}, 3); err != nil {
		t.Fatalf("BuildFromRaw: %v", err)
	}
	if got, want := c.ControlWord(), uint64(0x025501C0); got != want {
		t.Fatalf("control word = 0x%x, want 0x%x", got, want)
	}
	if c.Slot() != General(3) {
		t.Fatalf("slot = %v, want general3", c.Slot())
	}

	if err := c.BuildFromRaw(RawEvent{EventCode: 0xC0}, 4); !errors.Is(err, ErrCounterOutOfRange) {
		t.Fatalf("BuildFromRaw(index 4) err = %v", err)
	}
}

func TestExcludeAndDisableInterrupt(t *testing.T) {
	_, ctrl := newTestController(t, vpmu.DefaultConfig())

	general := NewCounter(ctrl)
	mustBuild(t, general, cyclesEvent(), 0)
	general.ExcludeKernel()
	if general.ControlWord()&hw.EvtSelOS != 0 {
		t.Fatalf("OS bit still set: 0x%x", general.ControlWord())
	}
	general.ExcludeUser()
	general.DisableInterrupt()
	if got, want := general.ControlWord(), uint64(0x0040003C); got != want {
		t.Fatalf("control word = 0x%x, want 0x%x", got, want)
	}

	fixed := NewCounter(ctrl)
	mustBuild(t, fixed, EventDescriptor{Counter: Target{Fixed: true}}, 0)
	fixed.ExcludeKernel()
	if got := fixed.ControlWord(); got != 0xA {
		t.Fatalf("nibble = 0x%x after ExcludeKernel, want 0xa", got)
	}
	fixed.DisableInterrupt()
	if got := fixed.ControlWord(); got != 0x2 {
		t.Fatalf("nibble = 0x%x after DisableInterrupt, want 0x2", got)
	}
	fixed.ExcludeUser()
	if got := fixed.ControlWord(); got != 0 {
		t.Fatalf("nibble = 0x%x after ExcludeUser, want 0", got)
	}
}

func TestResetThenReadIsZero(t *testing.T) {
	for _, fullWidth := range []bool{true, false} {
		cfg := vpmu.DefaultConfig()
		cfg.FullWidthWrite = fullWidth
		unit, ctrl := newTestController(t, cfg)

		general := NewCounter(ctrl)
		mustBuild(t, general, cyclesEvent(), 0)
		fixed := NewCounter(ctrl)
		mustBuild(t, fixed, EventDescriptor{Counter: Target{Fixed: true, FixedIndex: 1}}, 0)

		for _, c := range []*Counter{general, fixed} {
			if err := c.Start(); err != nil {
				t.Fatalf("Start %s: %v", c.Slot(), err)
			}
		}
		unit.Count(vpmu.CoreCycles, 1234)

		for _, c := range []*Counter{general, fixed} {
			if v, _ := c.Read(); v != 1234 {
				t.Fatalf("%s = %d before reset, want 1234", c.Slot(), v)
			}
			if err := c.Reset(); err != nil {
				t.Fatalf("Reset %s: %v", c.Slot(), err)
			}
			v, err := c.Read()
			if err != nil {
				t.Fatalf("Read %s: %v", c.Slot(), err)
			}
			if v != 0 {
				t.Fatalf("%s = %d after reset (full width %t)", c.Slot(), v, fullWidth)
			}
		}
	}
}

func TestStartStopCyclesKeepControlWord(t *testing.T) {
	unit, ctrl := newTestController(t, vpmu.DefaultConfig())

	general := NewCounter(ctrl)
	mustBuild(t, general, cyclesEvent(), 1)
	fixed := NewCounter(ctrl)
	mustBuild(t, fixed, EventDescriptor{Counter: Target{Fixed: true, FixedIndex: 2}}, 0)

	// Another owner's fixed counter must be preserved.
	writeMSR(t, unit, hw.MSRFixedCtrCtrl, 0x3)

	for cycle := 0; cycle < 3; cycle++ {
		for _, c := range []*Counter{general, fixed} {
			if err := c.Start(); err != nil {
				t.Fatalf("Start %s: %v", c.Slot(), err)
			}
		}
		if got := readMSR(t, unit, hw.MSRPerfEvtSel0+1); got != general.ControlWord() {
			t.Fatalf("cycle %d: event select = 0x%x, want 0x%x", cycle, got, general.ControlWord())
		}
		if got := readMSR(t, unit, hw.MSRFixedCtrCtrl); got != 0xB03 {
			t.Fatalf("cycle %d: fixed control = 0x%x, want 0xb03", cycle, got)
		}
		if got := readMSR(t, unit, hw.MSRPerfGlobalCtrl); got != 1<<1|1<<34 {
			t.Fatalf("cycle %d: global enable = 0x%x", cycle, got)
		}

		for _, c := range []*Counter{general, fixed} {
			if err := c.Stop(); err != nil {
				t.Fatalf("Stop %s: %v", c.Slot(), err)
			}
			if c.Running() {
				t.Fatalf("%s still running after Stop", c.Slot())
			}
		}
		if got := readMSR(t, unit, hw.MSRPerfEvtSel0+1); got != 0 {
			t.Fatalf("cycle %d: event select = 0x%x after stop", cycle, got)
		}
		if got := readMSR(t, unit, hw.MSRFixedCtrCtrl); got != 0x3 {
			t.Fatalf("cycle %d: fixed control = 0x%x after stop, want 0x3", cycle, got)
		}
		if got := readMSR(t, unit, hw.MSRPerfGlobalCtrl); got != 0 {
			t.Fatalf("cycle %d: global enable = 0x%x after stop", cycle, got)
		}
	}
}

func TestStoppedCounterKeepsValue(t *testing.T) {
	unit, ctrl := newTestController(t, vpmu.DefaultConfig())
	c := NewCounter(ctrl)
	mustBuild(t, c, cyclesEvent(), 0)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	unit.Count(vpmu.CoreCycles, 50)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	unit.Count(vpmu.CoreCycles, 50)

	if v, _ := c.Read(); v != 50 {
		t.Fatalf("Read = %d, want 50", v)
	}
}

func TestOverflowAfterBoundary(t *testing.T) {
	tests := []struct {
		name      string
		fullWidth bool
		fixed     bool
		threshold uint64
	}{
		{name: "general full width", fullWidth: true, threshold: 1000},
		{name: "general legacy width", fullWidth: false, threshold: 1000},
		{name: "fixed", fullWidth: true, fixed: true, threshold: 1000},
		{name: "threshold zero", fullWidth: true, threshold: 0},
		{name: "legacy width largest threshold", fullWidth: false, threshold: 1<<31 - 1},
		{name: "full width past legacy range", fullWidth: true, threshold: 1 << 31},
		{name: "full width largest threshold", fullWidth: true, threshold: 1<<48 - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := vpmu.DefaultConfig()
			cfg.FullWidthWrite = tt.fullWidth
			unit, ctrl := newTestController(t, cfg)

			c := NewCounter(ctrl)
			desc := cyclesEvent()
			if tt.fixed {
				desc = EventDescriptor{Counter: Target{Fixed: true, FixedIndex: 1}}
			}
			mustBuild(t, c, desc, 0)
			if err := c.OverflowAfter(tt.threshold); err != nil {
				t.Fatalf("OverflowAfter: %v", err)
			}
			if err := c.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}

			unit.Count(vpmu.CoreCycles, tt.threshold)
			if ov, err := c.CheckOverflow(); err != nil || ov {
				t.Fatalf("CheckOverflow after %d events = %t, %v", tt.threshold, ov, err)
			}
			unit.Count(vpmu.CoreCycles, 1)
			if ov, err := c.CheckOverflow(); err != nil || !ov {
				t.Fatalf("CheckOverflow after %d events = %t, %v", tt.threshold+1, ov, err)
			}
			if v, _ := c.Read(); v != 0 {
				t.Fatalf("counter = %d after wrap, want 0", v)
			}
		})
	}
}

func TestOverflowAfterRejectsUnrepresentableThreshold(t *testing.T) {
	tests := []struct {
		name      string
		fullWidth bool
		fixed     bool
		threshold uint64
		max       uint64
	}{
		{name: "legacy general", threshold: 1 << 31, max: 1<<31 - 1},
		{name: "legacy general 32 bits", threshold: 1<<32 - 1, max: 1<<31 - 1},
		{name: "full width general", fullWidth: true, threshold: 1 << 48, max: 1<<48 - 1},
		{name: "fixed without full-width writes", fixed: true, threshold: 1 << 48, max: 1<<48 - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := vpmu.DefaultConfig()
			cfg.FullWidthWrite = tt.fullWidth
			unit, ctrl := newTestController(t, cfg)

			c := NewCounter(ctrl)
			desc := cyclesEvent()
			if tt.fixed {
				desc = EventDescriptor{Counter: Target{Fixed: true, FixedIndex: 1}}
			}
			mustBuild(t, c, desc, 0)
			if err := c.Reset(); err != nil {
				t.Fatalf("Reset: %v", err)
			}

			if got := c.MaxThreshold(); got != tt.max {
				t.Fatalf("MaxThreshold = %#x, want %#x", got, tt.max)
			}
			if err := c.OverflowAfter(tt.threshold); !errors.Is(err, ErrThresholdOutOfRange) {
				t.Fatalf("OverflowAfter(%#x) err = %v", tt.threshold, err)
			}
			if err := c.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			unit.Count(vpmu.CoreCycles, 1)
			if v, _ := c.Read(); v != 1 {
				t.Fatalf("counter = %d, rejected threshold was loaded", v)
			}
		})
	}
}

func TestReadMasksLegacyWidth(t *testing.T) {
	cfg := vpmu.DefaultConfig()
	cfg.FullWidthWrite = false
	unit, ctrl := newTestController(t, cfg)
	c := NewCounter(ctrl)
	mustBuild(t, c, cyclesEvent(), 0)

	// A legacy write sign-extends into the upper counter bits.
	writeMSR(t, unit, hw.MSRPMC0, 0xFFFFFF00)
	v, err := c.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != 0xFFFFFF00 {
		t.Fatalf("Read = 0x%x, want 0xffffff00", v)
	}
}

func TestUnbuiltCounter(t *testing.T) {
	_, ctrl := newTestController(t, vpmu.DefaultConfig())
	c := NewCounter(ctrl)

	if err := c.Reset(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Reset err = %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Start err = %v", err)
	}
	if err := c.Stop(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Stop err = %v", err)
	}
	if _, err := c.Read(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Read err = %v", err)
	}
	if _, err := c.IsInUse(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("IsInUse err = %v", err)
	}
}

func TestRebuildWhileRunning(t *testing.T) {
	_, ctrl := newTestController(t, vpmu.DefaultConfig())
	c := NewCounter(ctrl)
	mustBuild(t, c, cyclesEvent(), 0)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.BuildFromEvent(cyclesEvent(), 1); !errors.Is(err, ErrCounterRunning) {
		t.Fatalf("BuildFromEvent while running err = %v", err)
	}
	if used, err := c.IsInUse(); err != nil || !used {
		t.Fatalf("IsInUse = %t, %v while running", used, err)
	}
}
