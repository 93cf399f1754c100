package pmu

import "fmt"

// Tuple holds an event code or unit mask. Catalog entries for some
// off-core events carry two values; only the single form can be encoded.
type Tuple struct {
	Values []uint8
}

// One returns a single-valued tuple.
func One(v uint8) Tuple { return Tuple{Values: []uint8{v}} }

// Two returns a two-valued tuple.
func Two(a, b uint8) Tuple { return Tuple{Values: []uint8{a, b}} }

func (t Tuple) single() (uint8, bool) {
	if len(t.Values) != 1 {
		return 0, false
	}
	return t.Values[0], true
}

func (t Tuple) String() string {
	switch len(t.Values) {
	case 0:
		return "-"
	case 1:
		return fmt.Sprintf("0x%02x", t.Values[0])
	default:
		return fmt.Sprintf("0x%02x,0x%02x", t.Values[0], t.Values[1])
	}
}

// Target is the kind of counter an event can be counted on.
type Target struct {
	// Fixed selects a fixed-function counter; FixedIndex names it.
	Fixed      bool
	FixedIndex uint8

	// Allowed restricts general-purpose placement to the counters whose bit
	// is set. Zero allows every counter.
	Allowed uint64
}

// EventDescriptor describes one hardware event as published by an event
// catalog.
type EventDescriptor struct {
	Name        string
	Description string
	EventCode   Tuple
	UnitMask    Tuple
	EdgeDetect  bool
	AnyThread   bool
	Invert      bool
	CounterMask uint8
	Counter     Target
}

// RawEvent is a general-purpose event selection given directly as register
// fields.
type RawEvent struct {
	EventCode   uint32
	UnitMask    uint32
	User        bool
	OS          bool
	CounterMask uint8
	EdgeDetect  bool
}
