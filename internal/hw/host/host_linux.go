//go:build linux

package host

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/pmc/internal/hw"
)

// Platform is the Linux host backend.
type Platform struct {
	opts   Options
	logger *slog.Logger

	msrFd int

	mu       sync.Mutex
	closed   bool
	apicBase uint64
	x2apic   bool
	memFd    int
	lapic    []byte
}

var _ hw.Platform = &Platform{}

// Open opens the msr device of opts.CPU and reads IA32_APIC_BASE to locate
// the local APIC. /dev/mem is only mapped on the first xAPIC access.
func Open(opts Options) (*Platform, error) {
	opts = opts.normalize()

	path := opts.msrPath()
	fd, err := unix.Open(path, unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	p := &Platform{
		opts:   opts,
		logger: opts.Logger,
		msrFd:  fd,
		memFd:  -1,
	}

	base, err := p.ReadMSR(hw.MSRApicBase)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("read apic base: %w", err)
	}
	p.apicBase = base & hw.ApicBaseAddressMask
	p.x2apic = base&hw.ApicBaseX2APIC != 0

	p.logger.Debug("host platform opened",
		"cpu", opts.CPU,
		"apicBase", fmt.Sprintf("%#x", p.apicBase),
		"x2apic", p.x2apic,
	)
	return p, nil
}

// APICBase returns the physical base of the local APIC page.
func (p *Platform) APICBase() uint64 { return p.apicBase }

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the platform's CPU. The returned function undoes both.
func (p *Platform) Pin() (func(), error) {
	runtime.LockOSThread()

	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("get affinity: %w", err)
	}
	var set unix.CPUSet
	set.Set(p.opts.CPU)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("pin to cpu %d: %w", p.opts.CPU, err)
	}

	return func() {
		if err := unix.SchedSetaffinity(0, &old); err != nil {
			p.logger.Warn("restore affinity", "error", err)
		}
		runtime.UnlockOSThread()
	}, nil
}

// CPUID implements hw.CPUID. The result describes the CPU the calling thread
// runs on.
func (p *Platform) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return hostCPUID(leaf, subleaf)
}

// ReadMSR implements hw.MSRAccessor.
func (p *Platform) ReadMSR(reg uint32) (uint64, error) {
	if p.isClosed() {
		return 0, hw.ErrPlatformClosed
	}
	var buf [8]byte
	n, err := unix.Pread(p.msrFd, buf[:], int64(reg))
	if err != nil {
		return 0, fmt.Errorf("rdmsr 0x%x on cpu %d: %w", reg, p.opts.CPU, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("rdmsr 0x%x on cpu %d: short read %d", reg, p.opts.CPU, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteMSR implements hw.MSRAccessor.
func (p *Platform) WriteMSR(reg uint32, value uint64) error {
	if p.isClosed() {
		return hw.ErrPlatformClosed
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	n, err := unix.Pwrite(p.msrFd, buf[:], int64(reg))
	if err != nil {
		return fmt.Errorf("wrmsr 0x%x on cpu %d: %w", reg, p.opts.CPU, err)
	}
	if n != len(buf) {
		return fmt.Errorf("wrmsr 0x%x on cpu %d: short write %d", reg, p.opts.CPU, n)
	}
	return nil
}

// ReadPMC implements hw.CounterReader by reading the counter's MSR. The msr
// driver executes the read on the target CPU, so the value is exact.
func (p *Platform) ReadPMC(selector uint32) (uint64, error) {
	return p.ReadMSR(counterRegister(selector))
}

func (p *Platform) apicOffset(addr uint64, size int) (uint64, error) {
	if addr < p.apicBase || addr >= p.apicBase+hw.LAPICPageSize {
		return 0, fmt.Errorf("mmio 0x%x: outside local APIC page", addr)
	}
	if size != 4 {
		return 0, fmt.Errorf("mmio 0x%x size %d: %w", addr, size, hw.ErrMMIOAccessLength)
	}
	return addr - p.apicBase, nil
}

// ReadMMIO implements hw.MmioHandler for the local APIC page.
func (p *Platform) ReadMMIO(addr uint64, data []byte) error {
	off, err := p.apicOffset(addr, len(data))
	if err != nil {
		return err
	}
	if p.x2apic {
		reg, err := x2apicRegister(off)
		if err != nil {
			return err
		}
		v, err := p.ReadMSR(reg)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(data, uint32(v))
		return nil
	}

	word, err := p.lapicWord(off)
	if err != nil {
		return err
	}
	return p.onCore(func() error {
		binary.LittleEndian.PutUint32(data, atomic.LoadUint32(word))
		return nil
	})
}

// WriteMMIO implements hw.MmioHandler for the local APIC page.
func (p *Platform) WriteMMIO(addr uint64, data []byte) error {
	off, err := p.apicOffset(addr, len(data))
	if err != nil {
		return err
	}
	value := binary.LittleEndian.Uint32(data)
	if p.x2apic {
		reg, err := x2apicRegister(off)
		if err != nil {
			return err
		}
		return p.WriteMSR(reg, uint64(value))
	}

	word, err := p.lapicWord(off)
	if err != nil {
		return err
	}
	return p.onCore(func() error {
		atomic.StoreUint32(word, value)
		return nil
	})
}

// onCore runs fn on the configured CPU. The xAPIC page decodes to the APIC of
// whichever CPU issues the access, so every load and store through the
// mapping must happen there.
func (p *Platform) onCore(fn func() error) error {
	unpin, err := p.Pin()
	if err != nil {
		return err
	}
	defer unpin()
	return fn()
}

// lapicWord returns the mapped register at off, mapping the page on first use.
// APIC registers must be accessed with a single aligned 32-bit load or store.
func (p *Platform) lapicWord(off uint64) (*uint32, error) {
	if off&0x3 != 0 {
		return nil, fmt.Errorf("mmio offset 0x%x: unaligned", off)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, hw.ErrPlatformClosed
	}
	if p.lapic == nil {
		fd, err := unix.Open(p.opts.MemDevice, unix.O_CLOEXEC|unix.O_RDWR|unix.O_SYNC, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p.opts.MemDevice, err)
		}
		mem, err := unix.Mmap(fd, int64(p.apicBase), int(hw.LAPICPageSize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("map local apic at 0x%x: %w", p.apicBase, err)
		}
		p.memFd = fd
		p.lapic = mem
	}
	return (*uint32)(unsafe.Pointer(&p.lapic[off])), nil
}

func (p *Platform) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close unmaps the APIC page and closes the device nodes.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	if p.lapic != nil {
		if err := unix.Munmap(p.lapic); err != nil {
			firstErr = fmt.Errorf("unmap local apic: %w", err)
		}
		p.lapic = nil
	}
	if p.memFd >= 0 {
		if err := unix.Close(p.memFd); err != nil && firstErr == nil {
			firstErr = err
		}
		p.memFd = -1
	}
	if err := unix.Close(p.msrFd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
