// Package events provides hardware event descriptors: the architectural
// events every Intel PMU enumerates through CPUID, and catalogs of
// model-specific events loaded from YAML.
package events

import "github.com/tinyrange/pmc/internal/pmu"

// Architectural events in CPUID.0AH:EBX bit order.
var architectural = []pmu.EventDescriptor{
	{Name: "CPU_CLK_UNHALTED.THREAD_P", EventCode: pmu.One(0x3C), UnitMask: pmu.One(0x00)},
	{Name: "INST_RETIRED.ANY_P", EventCode: pmu.One(0xC0), UnitMask: pmu.One(0x00)},
	{Name: "CPU_CLK_UNHALTED.REF_XCLK", EventCode: pmu.One(0x3C), UnitMask: pmu.One(0x01)},
	{Name: "LONGEST_LAT_CACHE.REFERENCE", EventCode: pmu.One(0x2E), UnitMask: pmu.One(0x4F)},
	{Name: "LONGEST_LAT_CACHE.MISS", EventCode: pmu.One(0x2E), UnitMask: pmu.One(0x41)},
	{Name: "BR_INST_RETIRED.ALL_BRANCHES", EventCode: pmu.One(0xC4), UnitMask: pmu.One(0x00)},
	{Name: "BR_MISP_RETIRED.ALL_BRANCHES", EventCode: pmu.One(0xC5), UnitMask: pmu.One(0x00)},
}

// Events counted by the fixed-function counters, by counter index.
var fixed = []pmu.EventDescriptor{
	{Name: "INST_RETIRED.ANY", Counter: pmu.Target{Fixed: true, FixedIndex: 0}},
	{Name: "CPU_CLK_UNHALTED.THREAD", Counter: pmu.Target{Fixed: true, FixedIndex: 1}},
	{Name: "CPU_CLK_UNHALTED.REF_TSC", Counter: pmu.Target{Fixed: true, FixedIndex: 2}},
}

// Architectural returns the architectural and fixed-function events caps
// reports as present.
func Architectural(caps pmu.Capabilities) *Catalog {
	c := NewCatalog()
	for bit, desc := range architectural {
		if caps.EventAvailable(uint8(bit)) {
			c.Add(desc)
		}
	}
	for _, desc := range fixed {
		if caps.Contains(pmu.Fixed(desc.Counter.FixedIndex)) {
			c.Add(desc)
		}
	}
	return c
}
