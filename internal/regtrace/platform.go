package regtrace

import (
	"encoding/binary"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/pmc/internal/hw"
)

// Platform forwards every access to an inner hw.Platform and records it.
// Recording failures never fail the access; the first one is logged.
type Platform struct {
	inner  hw.Platform
	log    *Log
	source string
	logger *slog.Logger
	warned atomic.Bool
}

var _ hw.Platform = &Platform{}

// Wrap returns p with every access recorded to log under source.
func Wrap(p hw.Platform, log *Log, source string) *Platform {
	return &Platform{inner: p, log: log, source: source, logger: slog.Default()}
}

// SetLogger overrides where recording failures are reported.
func (p *Platform) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	p.logger = l
}

// Unwrap returns the traced platform.
func (p *Platform) Unwrap() hw.Platform { return p.inner }

func (p *Platform) record(kind Kind, addr uint64, err error, values ...uint64) {
	e := Entry{Kind: kind, Source: p.source, Addr: addr, Values: values}
	if err != nil {
		e.Err = err.Error()
	}
	if rerr := p.log.Record(e); rerr != nil && !p.warned.Swap(true) {
		p.logger.Warn("register trace stopped recording", "source", p.source, "error", rerr)
	}
}

func (p *Platform) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	eax, ebx, ecx, edx = p.inner.CPUID(leaf, subleaf)
	p.record(KindCPUID, uint64(leaf)<<32|uint64(subleaf), nil,
		uint64(eax), uint64(ebx), uint64(ecx), uint64(edx))
	return
}

func (p *Platform) ReadMSR(reg uint32) (uint64, error) {
	v, err := p.inner.ReadMSR(reg)
	p.record(KindReadMSR, uint64(reg), err, v)
	return v, err
}

func (p *Platform) WriteMSR(reg uint32, value uint64) error {
	err := p.inner.WriteMSR(reg, value)
	p.record(KindWriteMSR, uint64(reg), err, value)
	return err
}

func (p *Platform) ReadPMC(selector uint32) (uint64, error) {
	v, err := p.inner.ReadPMC(selector)
	p.record(KindReadPMC, uint64(selector), err, v)
	return v, err
}

func (p *Platform) ReadMMIO(addr uint64, data []byte) error {
	err := p.inner.ReadMMIO(addr, data)
	p.record(KindReadMMIO, addr, err, mmioValue(data))
	return err
}

func (p *Platform) WriteMMIO(addr uint64, data []byte) error {
	err := p.inner.WriteMMIO(addr, data)
	p.record(KindWriteMMIO, addr, err, mmioValue(data))
	return err
}

func mmioValue(data []byte) uint64 {
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:])
}
