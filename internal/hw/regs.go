package hw

// CPUID leaves.
const (
	LeafVendor      = 0x00
	LeafFeatures    = 0x01
	LeafPerfMonitor = 0x0A
)

// FeaturePDCM is CPUID.01H:ECX bit 15, set when IA32_PERF_CAPABILITIES exists.
const FeaturePDCM = 1 << 15

// Architectural performance-monitoring MSRs.
const (
	MSRApicBase          = 0x0000001B
	MSRPMC0              = 0x000000C1 // IA32_PMCx, legacy 32-bit writes
	MSRPerfEvtSel0       = 0x00000186 // IA32_PERFEVTSELx
	MSRPerfCapabilities  = 0x00000345
	MSRFixedCtr0         = 0x00000309 // IA32_FIXED_CTRx
	MSRFixedCtrCtrl      = 0x0000038D
	MSRPerfGlobalStatus  = 0x0000038E
	MSRPerfGlobalCtrl    = 0x0000038F
	MSRPerfGlobalOvfCtrl = 0x00000390
	MSRAPMC0             = 0x000004C1 // IA32_A_PMCx, full-width alias
	MSRX2APICBase        = 0x00000800
)

// PerfCapFullWidthWrite is IA32_PERF_CAPABILITIES bit 13.
const PerfCapFullWidthWrite = 1 << 13

// IA32_PERFEVTSELx fields.
const (
	EvtSelEventShift = 0
	EvtSelUmaskShift = 8
	EvtSelUSR        = 1 << 16
	EvtSelOS         = 1 << 17
	EvtSelEdge       = 1 << 18
	EvtSelPC         = 1 << 19
	EvtSelINT        = 1 << 20
	EvtSelAnyThread  = 1 << 21
	EvtSelEN         = 1 << 22
	EvtSelINV        = 1 << 23
	EvtSelCmaskShift = 24
)

// IA32_FIXED_CTR_CTRL nibble fields, shifted by 4*index.
const (
	FixedCtrlOS        = 1 << 0
	FixedCtrlUSR       = 1 << 1
	FixedCtrlAnyThread = 1 << 2
	FixedCtrlPMI       = 1 << 3
	FixedCtrlRingAll   = FixedCtrlOS | FixedCtrlUSR
	FixedCtrlNibble    = 0xF
)

// FixedGlobalShift is the bit offset of fixed counters in the global enable,
// status and acknowledge registers.
const FixedGlobalShift = 32

// PMCSelectorFixed marks a fixed-function counter in the counter-read selector.
const PMCSelectorFixed = 1 << 30

// Local APIC.
const (
	LAPICDefaultBase  uint64 = 0xFEE00000
	LAPICPageSize     uint64 = 0x1000
	LAPICLVTPerfMon   uint64 = 0x340
	LVTVectorMask            = 0xFF
	LVTMasked                = 1 << 16
	ApicBaseX2APIC           = 1 << 10
	ApicBaseEnable           = 1 << 11
	ApicBaseAddressMask      = 0x000FFFFFFFFFF000
)
