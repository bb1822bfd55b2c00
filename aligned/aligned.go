// Package aligned serves byte-range reads of any offset and length from a
// source that only supports sector-aligned, sector-sized I/O.
//
// A Cache keeps one sliding window of the source in a buffer whose address
// is itself sector aligned, which is what raw or direct disk access demands.
// Small forward-moving reads are amortized into large aligned reads; when a
// read runs past the window, the overlapping tail is kept and only the rest is
// fetched.
package aligned

import (
	"errors"
	"fmt"
	"io"
	"math"
	"unsafe"

	"github.com/kochman/netblock"
)

// unset is the window offset before the first successful fill.
const unset = -1

// Cache is not safe for concurrent use. It does not own the source and never
// closes it.
type Cache struct {
	in io.ReadSeeker

	arena []byte // the allocation; buf lives inside it
	buf   []byte // aligned, len(buf) is the capacity

	sectorSize int
	offset     int64 // source offset of buf[0], or unset
	length     int   // valid bytes in buf
}

// New allocates a cache over in holding bufferSectors sectors of sectorSize
// bytes. sectorSize must be a power of two.
func New(in io.ReadSeeker, sectorSize, bufferSectors int) (*Cache, error) {
	if sectorSize <= 0 || sectorSize&(sectorSize-1) != 0 {
		return nil, fmt.Errorf("sector size %d is not a power of two", sectorSize)
	}
	if bufferSectors <= 0 {
		return nil, fmt.Errorf("buffer of %d sectors is too small", bufferSectors)
	}
	if bufferSectors > math.MaxInt/sectorSize-1 {
		return nil, fmt.Errorf("%w: %d sectors of %d bytes", netblock.ErrOutOfMemory, bufferSectors, sectorSize)
	}

	capacity := sectorSize * bufferSectors
	arena := make([]byte, capacity+sectorSize)

	// the extra sector guarantees an aligned address exists inside arena
	base := uintptr(unsafe.Pointer(&arena[0]))
	pad := int((uintptr(sectorSize) - base%uintptr(sectorSize)) % uintptr(sectorSize))
	if pad+capacity > len(arena) {
		panic("aligned: window outside of allocation")
	}

	return &Cache{
		in:         in,
		arena:      arena,
		buf:        arena[pad : pad+capacity : pad+capacity],
		sectorSize: sectorSize,
		offset:     unset,
	}, nil
}

// Read returns a view of up to n bytes of the source starting at offset. The
// view is valid until the next call on the cache and may be shorter than n
// when the window or the source ends first. Reading at or past the end of
// the source returns io.EOF.
//
// On error the window is invalidated and the next Read refetches.
func (c *Cache) Read(offset int64, n int) ([]byte, error) {
	if offset < 0 || n < 0 {
		return nil, errors.New("negative offset or length")
	}

	if c.contains(offset, n) {
		start := int(offset - c.offset)
		return c.buf[start : start+n], nil
	}

	aligned := offset &^ int64(c.sectorSize-1)
	correction := 0
	if c.offset != unset && c.offset <= aligned && aligned < c.offset+int64(c.length) {
		usable := int(aligned - c.offset)
		correction = copy(c.buf, c.buf[usable:c.length])
	}

	// until the fill succeeds the buffer no longer matches any window
	c.offset = unset
	c.length = 0

	got := 0
	if correction < len(c.buf) {
		_, err := c.in.Seek(aligned+int64(correction), io.SeekStart)
		if err != nil {
			return nil, err
		}
		got, err = c.in.Read(c.buf[correction:])
		if err != nil && err != io.EOF {
			return nil, err
		}
	}

	c.offset = aligned
	c.length = correction + got

	skip := int(offset - aligned)
	if skip >= c.length {
		return nil, io.EOF
	}
	available := c.length - skip
	if n < available {
		available = n
	}
	return c.buf[skip : skip+available], nil
}

// ReadAt implements io.ReaderAt on top of Read.
func (c *Cache) ReadAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		b, err := c.Read(off+int64(done), len(p)-done)
		if err != nil {
			return done, err
		}
		done += copy(p[done:], b)
	}
	return done, nil
}

// Invalidate drops the window. Callers must invalidate after writing to the
// source behind the cache's back.
func (c *Cache) Invalidate() {
	c.offset = unset
	c.length = 0
}

// Window returns the source range currently held, as an offset and a length.
// The offset is -1 before the first successful Read.
func (c *Cache) Window() (int64, int) {
	return c.offset, c.length
}

// Capacity is the size of the window buffer in bytes.
func (c *Cache) Capacity() int {
	return len(c.buf)
}

// Buffer exposes the aligned window buffer, mainly so tests can check its
// address.
func (c *Cache) Buffer() []byte {
	return c.buf
}

func (c *Cache) contains(offset int64, n int) bool {
	return c.offset != unset &&
		c.offset <= offset &&
		offset+int64(n) <= c.offset+int64(c.length)
}
