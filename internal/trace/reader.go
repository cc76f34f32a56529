package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Record is one decoded trace entry.
type Record struct {
	Time     time.Time
	Category Category
	Kind     Kind
	Data     []byte
}

// SearchOptions filters records.
type SearchOptions struct {
	Start time.Time
	End   time.Time

	// Mask limits results to these categories; zero means all.
	Mask Category

	// Limit stops after this many matches; zero means no limit.
	Limit int
}

func (o SearchOptions) match(rec indexEntry) bool {
	if o.Mask != 0 && rec.category&o.Mask == 0 {
		return false
	}
	if !o.Start.IsZero() && rec.ts < o.Start.UnixNano() {
		return false
	}
	if !o.End.IsZero() && rec.ts > o.End.UnixNano() {
		return false
	}
	return true
}

type indexEntry struct {
	off      int64
	category Category
	kind     Kind
	length   uint32
	ts       int64
}

// Reader reads back a trace log in write order.
type Reader struct {
	r     io.ReaderAt
	index []indexEntry
}

// NewReader indexes the first size bytes of r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	rd := &Reader{r: r}
	var hdr [headerLen]byte
	for off := int64(0); off < size; {
		if _, err := r.ReadAt(hdr[:], off); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("trace: read header at %d: %w", off, err)
		}
		e := indexEntry{
			off:      off,
			category: Category(binary.LittleEndian.Uint16(hdr[0:2])),
			kind:     Kind(binary.LittleEndian.Uint16(hdr[2:4])),
			length:   binary.LittleEndian.Uint32(hdr[4:8]),
			ts:       int64(binary.LittleEndian.Uint64(hdr[8:16])),
		}
		if e.kind == KindInvalid {
			return nil, fmt.Errorf("trace: invalid record at %d", off)
		}
		rd.index = append(rd.index, e)
		off += headerLen + int64(e.length)
	}
	return rd, nil
}

// NewReaderFromFile opens and indexes a trace file.
func NewReaderFromFile(name string) (*Reader, io.Closer, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: open %s: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("trace: stat %s: %w", name, err)
	}
	rd, err := NewReader(f, st.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return rd, f, nil
}

// Search calls fn for each matching record in write order.
func (r *Reader) Search(opts SearchOptions, fn func(Record) error) error {
	n := 0
	for _, e := range r.index {
		if !opts.match(e) {
			continue
		}
		data := make([]byte, e.length)
		if _, err := r.r.ReadAt(data, e.off+headerLen); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("trace: read record at %d: %w", e.off, err)
		}
		if err := fn(Record{
			Time:     time.Unix(0, e.ts),
			Category: e.category,
			Kind:     e.kind,
			Data:     data,
		}); err != nil {
			return err
		}
		n++
		if opts.Limit > 0 && n >= opts.Limit {
			break
		}
	}
	return nil
}

// Each calls fn for every record.
func (r *Reader) Each(fn func(Record) error) error {
	return r.Search(SearchOptions{}, fn)
}

// Count returns the number of matching records.
func (r *Reader) Count(opts SearchOptions) int {
	n := 0
	for _, e := range r.index {
		if opts.match(e) {
			n++
			if opts.Limit > 0 && n >= opts.Limit {
				break
			}
		}
	}
	return n
}

// Categories returns the union of categories present in the log.
func (r *Reader) Categories() Category {
	var c Category
	for _, e := range r.index {
		c |= e.category
	}
	return c
}
