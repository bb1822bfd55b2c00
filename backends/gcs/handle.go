package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/kochman/netblock"
	"github.com/kochman/netblock/internal"
)

// Handle is an open image. It implements netblock.Device; every write goes
// straight to the band objects it touches.
type Handle struct {
	netblock.ErrorState

	b        bucket
	image    string
	size     uint64
	bandSize uint64
	cache    *bandCache

	owner  io.Closer
	closed bool
}

func newHandle(b bucket, image string, m manifest) *Handle {
	return &Handle{
		b:        b,
		image:    image,
		size:     m.Size,
		bandSize: m.BlockSize,
		cache:    newBandCache(),
	}
}

func (h *Handle) Stat() (uint32, error) {
	if h.closed {
		return 0, netblock.ErrClosed
	}
	return uint32(h.size / 1024), nil
}

// band returns the full contents of band idx. Short or missing band objects
// are padded with zeros.
func (h *Handle) band(idx uint64) ([]byte, error) {
	if b, ok := h.cache.get(idx); ok {
		return b, nil
	}

	b := make([]byte, h.bandSize)
	raw, err := h.b.get(context.Background(), bandKey(h.image, idx))
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		// never written
	case err != nil:
		return nil, fmt.Errorf("%w: unable to read band %d: %w", netblock.ErrTransport, idx, err)
	default:
		copy(b, raw)
	}
	h.cache.put(idx, b)
	return b, nil
}

// span checks the request and returns its byte offset and length.
func (h *Handle) span(startSector, numSectors uint32, p []byte) (uint64, uint64, error) {
	if h.closed {
		return 0, 0, netblock.ErrClosed
	}
	if err := netblock.CheckBuffer(numSectors, p); err != nil {
		return 0, 0, err
	}
	off := uint64(startSector) * netblock.SectorSize
	n := uint64(numSectors) * netblock.SectorSize
	if off+n > h.size {
		return 0, 0, fmt.Errorf("sectors %d+%d are past the end of %s", startSector, numSectors, h.image)
	}
	return off, n, nil
}

func (h *Handle) Read(startSector, numSectors uint32, p []byte) (int, error) {
	off, n, err := h.span(startSector, numSectors, p)
	if err != nil {
		return 0, h.Record(err)
	}

	done := uint64(0)
	for done < n {
		idx := (off + done) / h.bandSize
		inBand := (off + done) % h.bandSize
		take := min(h.bandSize-inBand, n-done)

		b, err := h.band(idx)
		if err != nil {
			return int(done), h.Record(err)
		}
		copy(p[done:done+take], b[inBand:inBand+take])
		done += take
	}
	return int(done), nil
}

// Write rewrites every band the range touches.
func (h *Handle) Write(startSector, numSectors uint32, p []byte) (int, error) {
	off, n, err := h.span(startSector, numSectors, p)
	if err != nil {
		return 0, h.Record(err)
	}

	done := uint64(0)
	for done < n {
		idx := (off + done) / h.bandSize
		inBand := (off + done) % h.bandSize
		take := min(h.bandSize-inBand, n-done)

		old, err := h.band(idx)
		if err != nil {
			return int(done), h.Record(err)
		}
		merged := make([]byte, len(old))
		copy(merged, old)
		copy(merged[inBand:inBand+take], p[done:done+take])

		if err := h.b.put(context.Background(), bandKey(h.image, idx), merged); err != nil {
			return int(done), h.Record(fmt.Errorf("%w: unable to write band %d: %w", netblock.ErrTransport, idx, err))
		}
		h.cache.put(idx, merged)

		internal.Trace("band written", internal.Fields{
			internal.FieldBackend: "gcs",
			internal.FieldSector:  (off + done) / netblock.SectorSize,
			internal.FieldSectors: take / netblock.SectorSize,
		})
		done += take
	}
	return int(done), nil
}

// Flush has nothing to do: a write returns once its bands are stored.
func (h *Handle) Flush() error {
	if h.closed {
		return netblock.ErrClosed
	}
	return nil
}

func (h *Handle) Poweroff() error {
	return h.Record(netblock.ErrNotSupported)
}

func (h *Handle) Close() error {
	if h.closed {
		return netblock.ErrClosed
	}
	h.closed = true
	if h.owner != nil {
		return h.owner.Close()
	}
	return nil
}
