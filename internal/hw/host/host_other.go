//go:build !linux

package host

import "github.com/tinyrange/pmc/internal/hw"

// Platform is unavailable on this operating system.
type Platform struct{}

var _ hw.Platform = &Platform{}

func Open(opts Options) (*Platform, error) {
	return nil, ErrUnsupported
}

func (p *Platform) APICBase() uint64 { return 0 }

func (p *Platform) Pin() (func(), error) { return nil, ErrUnsupported }

func (p *Platform) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return hostCPUID(leaf, subleaf)
}

func (p *Platform) ReadMSR(reg uint32) (uint64, error)      { return 0, ErrUnsupported }
func (p *Platform) WriteMSR(reg uint32, value uint64) error { return ErrUnsupported }
func (p *Platform) ReadPMC(selector uint32) (uint64, error) { return 0, ErrUnsupported }
func (p *Platform) ReadMMIO(addr uint64, data []byte) error { return ErrUnsupported }
func (p *Platform) WriteMMIO(addr uint64, data []byte) error {
	return ErrUnsupported
}

func (p *Platform) Close() error { return nil }
