//go:build darwin || linux

// Package file is the local backend: a raw disk, a block device or a plain
// image file.
package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/kochman/netblock"
	"golang.org/x/sys/unix"
)

// Probe opens path when it names an existing file or device. A path that
// does not exist, or names a directory, is not compatible.
func Probe(settings netblock.Settings, path string) (netblock.Device, error) {
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, netblock.ErrNotCompatible
	}
	if err != nil {
		return nil, fmt.Errorf("unable to stat %s: %w", path, err)
	}
	if st.IsDir() {
		return nil, netblock.ErrNotCompatible
	}

	h, err := Open(path)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Create makes a new zero-filled image file of size bytes and opens it.
func Create(path string, size int64) (netblock.Device, error) {
	if size <= 0 || size%netblock.SectorSize != 0 {
		return nil, fmt.Errorf("image size %d is not a positive multiple of %d", size, netblock.SectorSize)
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("unable to create image %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to size image to %d bytes: %w", size, err)
	}
	return &Handle{path: path, fd: fd, size: size}, nil
}

// Open opens an existing file or device for reading and writing. The size is
// taken from the end offset, which also works for block devices.
func Open(path string) (*Handle, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}
	size, err := unix.Seek(fd, 0, io.SeekEnd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to size %s: %w", path, err)
	}
	return &Handle{path: path, fd: fd, size: size}, nil
}

type Handle struct {
	netblock.ErrorState

	path   string
	fd     int
	size   int64
	closed bool
}

func (h *Handle) Stat() (uint32, error) {
	if h.closed {
		return 0, netblock.ErrClosed
	}
	return uint32(h.size / 1024), nil
}

// span checks the request against the device and returns its byte range.
func (h *Handle) span(startSector, numSectors uint32, p []byte) (int64, int, error) {
	if h.closed {
		return 0, 0, netblock.ErrClosed
	}
	if err := netblock.CheckBuffer(numSectors, p); err != nil {
		return 0, 0, err
	}
	off := int64(startSector) * netblock.SectorSize
	n := int(numSectors) * netblock.SectorSize
	if off+int64(n) > h.size {
		return 0, 0, fmt.Errorf("sectors %d+%d are past the end of %s", startSector, numSectors, h.path)
	}
	return off, n, nil
}

func (h *Handle) Read(startSector, numSectors uint32, p []byte) (int, error) {
	off, n, err := h.span(startSector, numSectors, p)
	if err != nil {
		return 0, h.Record(err)
	}

	total := 0
	for total < n {
		got, err := unix.Pread(h.fd, p[total:n], off+int64(total))
		if err != nil {
			return total, h.Record(fmt.Errorf("pread at offset %d: %w", off+int64(total), err))
		}
		if got == 0 {
			return total, h.Record(fmt.Errorf("pread at offset %d: %w", off+int64(total), io.ErrUnexpectedEOF))
		}
		total += got
	}
	return total, nil
}

func (h *Handle) Write(startSector, numSectors uint32, p []byte) (int, error) {
	off, n, err := h.span(startSector, numSectors, p)
	if err != nil {
		return 0, h.Record(err)
	}

	total := 0
	for total < n {
		written, err := unix.Pwrite(h.fd, p[total:n], off+int64(total))
		if err != nil {
			return total, h.Record(fmt.Errorf("pwrite at offset %d: %w", off+int64(total), err))
		}
		total += written
	}
	return total, nil
}

func (h *Handle) Flush() error {
	if h.closed {
		return netblock.ErrClosed
	}
	if err := unix.Fsync(h.fd); err != nil {
		return h.Record(fmt.Errorf("fsync %s: %w", h.path, err))
	}
	return nil
}

// Poweroff is not something a local file can do.
func (h *Handle) Poweroff() error {
	return h.Record(netblock.ErrNotSupported)
}

func (h *Handle) Close() error {
	if h.closed {
		return netblock.ErrClosed
	}
	h.closed = true
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("unable to close %s: %w", h.path, err)
	}
	return nil
}
