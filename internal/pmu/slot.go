package pmu

import (
	"fmt"

	"github.com/tinyrange/pmc/internal/hw"
)

// Slot identifies one hardware counter. It is implemented only by General and
// Fixed.
type Slot interface {
	isSlot()
	Index() uint8
	String() string
}

// General is the general-purpose counter at the given index.
type General uint8

func (General) isSlot() {}

func (g General) Index() uint8 { return uint8(g) }

func (g General) String() string { return fmt.Sprintf("general%d", uint8(g)) }

// Fixed is the fixed-function counter at the given index.
type Fixed uint8

func (Fixed) isSlot() {}

func (f Fixed) Index() uint8 { return uint8(f) }

func (f Fixed) String() string { return fmt.Sprintf("fixed%d", uint8(f)) }

// globalBit returns the slot's bit position in the global enable, status and
// acknowledge registers.
func globalBit(s Slot) uint {
	switch s := s.(type) {
	case General:
		return uint(s)
	case Fixed:
		return uint(s) + hw.FixedGlobalShift
	default:
		panic(fmt.Sprintf("pmu: unknown slot type %T", s))
	}
}

// slotFromGlobalBit is the inverse of globalBit.
func slotFromGlobalBit(bit uint) Slot {
	if bit < hw.FixedGlobalShift {
		return General(bit)
	}
	return Fixed(bit - hw.FixedGlobalShift)
}
