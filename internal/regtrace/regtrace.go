// Package regtrace records privileged register accesses to a compact binary
// log so counter programming can be replayed and inspected offline.
//
// Each record is laid out as:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - payload bytes
//
// The payload is the register address (8 bytes), the value count (2 bytes),
// the error length (2 bytes), the values (8 bytes each) and the error text.
//
// Writers reserve space by atomically advancing the log offset, so concurrent
// records never interleave and the file order is the reservation order.
package regtrace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindCPUID
	KindReadMSR
	KindWriteMSR
	KindReadPMC
	KindReadMMIO
	KindWriteMMIO
)

func (k Kind) String() string {
	switch k {
	case KindCPUID:
		return "cpuid"
	case KindReadMSR:
		return "rdmsr"
	case KindWriteMSR:
		return "wrmsr"
	case KindReadPMC:
		return "rdpmc"
	case KindReadMMIO:
		return "mmio-read"
	case KindWriteMMIO:
		return "mmio-write"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

const headerSize = 16

var ErrClosed = errors.New("regtrace: log closed")

// Entry is one register access.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string

	// Addr is the MSR number, the counter selector, the MMIO address, or the
	// CPUID leaf in the high 32 bits and subleaf in the low 32 bits.
	Addr uint64

	// Values holds eax..edx for CPUID and the transferred value otherwise.
	Values []uint64

	// Err is the accessor's error text, empty on success.
	Err string
}

func (e Entry) String() string {
	s := fmt.Sprintf("%s %s 0x%x", e.Source, e.Kind, e.Addr)
	for _, v := range e.Values {
		s += fmt.Sprintf(" 0x%x", v)
	}
	if e.Err != "" {
		s += " error=" + e.Err
	}
	return s
}

func encode(e Entry) []byte {
	payload := 12 + 8*len(e.Values) + len(e.Err)
	buf := make([]byte, headerSize+len(e.Source)+payload)

	binary.LittleEndian.PutUint16(buf[0:2], uint16(e.Kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(e.Source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(payload))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.Time.UnixNano()))

	p := buf[headerSize:]
	p = p[copy(p, e.Source):]
	binary.LittleEndian.PutUint64(p[0:8], e.Addr)
	binary.LittleEndian.PutUint16(p[8:10], uint16(len(e.Values)))
	binary.LittleEndian.PutUint16(p[10:12], uint16(len(e.Err)))
	p = p[12:]
	for _, v := range e.Values {
		binary.LittleEndian.PutUint64(p, v)
		p = p[8:]
	}
	copy(p, e.Err)
	return buf
}

func decodeHeader(header []byte) (kind Kind, sourceLength uint16, payloadLength uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	payloadLength = binary.LittleEndian.Uint32(header[4:8])
	ts = int64(binary.LittleEndian.Uint64(header[8:16]))
	return
}

func decodePayload(e *Entry, p []byte) error {
	if len(p) < 12 {
		return fmt.Errorf("regtrace: payload too short (%d bytes)", len(p))
	}
	e.Addr = binary.LittleEndian.Uint64(p[0:8])
	n := int(binary.LittleEndian.Uint16(p[8:10]))
	errLen := int(binary.LittleEndian.Uint16(p[10:12]))
	p = p[12:]
	if len(p) != 8*n+errLen {
		return fmt.Errorf("regtrace: payload length mismatch")
	}
	if n > 0 {
		e.Values = make([]uint64, n)
		for i := range e.Values {
			e.Values[i] = binary.LittleEndian.Uint64(p)
			p = p[8:]
		}
	}
	e.Err = string(p)
	return nil
}

// Writer is the destination of a Log.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Log appends entries to a Writer. It is safe for concurrent use.
type Log struct {
	w      Writer
	offset atomic.Int64
	closed atomic.Bool
	now    func() time.Time
}

// New returns a log writing to w from offset zero.
func New(w Writer) *Log {
	return &Log{w: w, now: time.Now}
}

// Create truncates path so successive runs don't leave stale trailing records.
func Create(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

// Record appends e. A zero Time is replaced with the current time.
func (l *Log) Record(e Entry) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	if len(e.Source) > 0xFFFF || len(e.Err) > 0xFFFF || len(e.Values) > 0xFFFF {
		return fmt.Errorf("regtrace: entry too large")
	}

	buf := encode(e)
	off := l.offset.Add(int64(len(buf))) - int64(len(buf))
	if _, err := l.w.WriteAt(buf, off); err != nil {
		return fmt.Errorf("regtrace: write at %d: %w", off, err)
	}
	return nil
}

// Size returns the number of bytes reserved so far.
func (l *Log) Size() int64 {
	return l.offset.Load()
}

func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.w.Close()
}

type write struct {
	off  int64
	data []byte
}

// Buffer is an in-memory Writer. Writes may arrive out of order; Bytes
// assembles them.
type Buffer struct {
	data    sync.Map
	maxSize atomic.Int64
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.data.Store(off, write{off: off, data: append([]byte{}, p...)})
	end := off + int64(len(p))
	for {
		val := b.maxSize.Load()
		if val >= end || b.maxSize.CompareAndSwap(val, end) {
			break
		}
	}
	return len(p), nil
}

func (b *Buffer) Close() error {
	return nil
}

// Bytes returns the assembled contents.
func (b *Buffer) Bytes() []byte {
	data := make([]byte, b.maxSize.Load())
	b.data.Range(func(key, value any) bool {
		w := value.(write)
		copy(data[w.off:], w.data)
		return true
	})
	return data
}
