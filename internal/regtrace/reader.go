package regtrace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"
)

type SearchOptions struct {
	// The start and end timestamps to search within.
	Start time.Time
	End   time.Time

	// Only return entries of these kinds.
	Kinds []Kind

	// Only return entries for these sources.
	Sources []string

	// Limit returns at most this many entries when positive.
	Limit int
}

func (o SearchOptions) match(e indexEntry, source string) bool {
	ts := time.Unix(0, e.unixNano)
	if !o.Start.IsZero() && ts.Before(o.Start) {
		return false
	}
	if !o.End.IsZero() && ts.After(o.End) {
		return false
	}
	if len(o.Kinds) > 0 && !contains(o.Kinds, e.kind) {
		return false
	}
	if len(o.Sources) > 0 && !contains(o.Sources, source) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

type indexEntry struct {
	offset   int64
	kind     Kind
	source   int
	unixNano int64
}

// Reader iterates a trace in the order it was written.
type Reader struct {
	r       io.ReaderAt
	entries []indexEntry
	sources []string
}

// NewReader indexes every record readable from indexReader; record bodies are
// later fetched from r.
func NewReader(r io.ReaderAt, indexReader io.Reader) (*Reader, error) {
	ret := &Reader{r: r}
	if err := ret.indexAll(indexReader); err != nil {
		return nil, fmt.Errorf("index trace: %w", err)
	}
	return ret, nil
}

// OpenReader opens and indexes the trace at path.
func OpenReader(path string) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace: %w", err)
	}
	r, err := NewReader(f, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

func (r *Reader) indexAll(in io.Reader) error {
	br := bufio.NewReaderSize(in, 1024*1024)
	sourceIndex := make(map[string]int)

	var header [headerSize]byte
	var sourceBuffer [64 * 1024]byte
	var offset int64
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read header at %d: %w", offset, err)
		}
		kind, sourceLength, payloadLength, ts := decodeHeader(header[:])
		if kind == KindInvalid {
			return fmt.Errorf("invalid header at %d", offset)
		}
		if _, err := io.ReadFull(br, sourceBuffer[:sourceLength]); err != nil {
			return fmt.Errorf("read source at %d: %w", offset, err)
		}
		if _, err := br.Discard(int(payloadLength)); err != nil {
			return fmt.Errorf("skip payload at %d: %w", offset, err)
		}

		source := string(sourceBuffer[:sourceLength])
		idx, ok := sourceIndex[source]
		if !ok {
			idx = len(r.sources)
			sourceIndex[source] = idx
			r.sources = append(r.sources, source)
		}
		r.entries = append(r.entries, indexEntry{offset: offset, kind: kind, source: idx, unixNano: ts})
		offset += headerSize + int64(sourceLength) + int64(payloadLength)
	}
}

// Sources returns every source in order of first appearance.
func (r *Reader) Sources() []string {
	return append([]string(nil), r.sources...)
}

// Len returns the number of records.
func (r *Reader) Len() int {
	return len(r.entries)
}

func (r *Reader) load(ie indexEntry) (Entry, error) {
	var header [headerSize]byte
	if _, err := r.r.ReadAt(header[:], ie.offset); err != nil {
		return Entry{}, err
	}
	_, sourceLength, payloadLength, _ := decodeHeader(header[:])

	payload := make([]byte, payloadLength)
	if _, err := r.r.ReadAt(payload, ie.offset+headerSize+int64(sourceLength)); err != nil {
		return Entry{}, err
	}
	e := Entry{
		Time:   time.Unix(0, ie.unixNano),
		Kind:   ie.kind,
		Source: r.sources[ie.source],
	}
	if err := decodePayload(&e, payload); err != nil {
		return Entry{}, fmt.Errorf("record at %d: %w", ie.offset, err)
	}
	return e, nil
}

// Search calls fn for every matching entry in write order.
func (r *Reader) Search(opts SearchOptions, fn func(Entry) error) error {
	n := 0
	for _, ie := range r.entries {
		if !opts.match(ie, r.sources[ie.source]) {
			continue
		}
		if opts.Limit > 0 && n >= opts.Limit {
			return nil
		}
		e, err := r.load(ie)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		n++
	}
	return nil
}

// Each calls fn for every entry in write order.
func (r *Reader) Each(fn func(Entry) error) error {
	return r.Search(SearchOptions{}, fn)
}

// Count returns the number of entries matching opts.
func (r *Reader) Count(opts SearchOptions) int {
	count := 0
	for _, ie := range r.entries {
		if opts.match(ie, r.sources[ie.source]) {
			count++
		}
	}
	if opts.Limit > 0 && count > opts.Limit {
		count = opts.Limit
	}
	return count
}
