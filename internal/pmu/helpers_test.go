package pmu

import (
	"testing"

	"github.com/tinyrange/pmc/internal/hw"
	"github.com/tinyrange/pmc/internal/vpmu"
)

func newTestController(t *testing.T, cfg vpmu.Config) (*vpmu.PMU, *GlobalController) {
	t.Helper()
	unit := vpmu.New(cfg)
	caps, err := Discover(unit, unit)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	return unit, NewGlobalController(caps, unit)
}

func readMSR(t *testing.T, unit *vpmu.PMU, reg uint32) uint64 {
	t.Helper()
	v, err := unit.ReadMSR(reg)
	if err != nil {
		t.Fatalf("rdmsr 0x%x: %v", reg, err)
	}
	return v
}

func writeMSR(t *testing.T, unit *vpmu.PMU, reg uint32, value uint64) {
	t.Helper()
	if err := unit.WriteMSR(reg, value); err != nil {
		t.Fatalf("wrmsr 0x%x: %v", reg, err)
	}
}

func readLVT(t *testing.T, unit *vpmu.PMU) uint32 {
	t.Helper()
	v, err := hw.ReadMMIO32(unit, hw.LAPICDefaultBase+hw.LAPICLVTPerfMon)
	if err != nil {
		t.Fatalf("read LVT: %v", err)
	}
	return v
}

func cyclesEvent() EventDescriptor {
	return EventDescriptor{
		Name:      "CPU_CLK_UNHALTED.CORE",
		EventCode: One(0x3C),
		UnitMask:  One(0x00),
	}
}

func mustBuild(t *testing.T, c *Counter, desc EventDescriptor, index uint8) {
	t.Helper()
	if err := c.BuildFromEvent(desc, index); err != nil {
		t.Fatalf("BuildFromEvent(%s, %d): %v", desc.Name, index, err)
	}
}
