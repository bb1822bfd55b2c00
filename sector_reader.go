package netblock

import (
	"errors"
	"fmt"
	"io"
)

// SectorReader presents a Device as an io.ReadSeeker. Every Read must start
// on a sector boundary and is rounded down to whole sectors; this is the
// shape of I/O the aligned cache issues.
type SectorReader struct {
	dev  Device
	size int64
	pos  int64
}

// NewSectorReader reads the device size once through Stat.
func NewSectorReader(dev Device) (*SectorReader, error) {
	kb, err := dev.Stat()
	if err != nil {
		return nil, fmt.Errorf("unable to stat device: %w", err)
	}
	return &SectorReader{
		dev:  dev,
		size: int64(kb) * 1024,
	}, nil
}

// Size is the device capacity in bytes.
func (r *SectorReader) Size() int64 {
	return r.size
}

func (r *SectorReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	r.pos = abs
	return abs, nil
}

func (r *SectorReader) Read(p []byte) (int, error) {
	if r.pos%SectorSize != 0 {
		return 0, fmt.Errorf("unaligned read position %d", r.pos)
	}
	if r.pos >= r.size {
		return 0, io.EOF
	}

	want := int64(len(p))
	if r.pos+want > r.size {
		want = r.size - r.pos
	}
	sectors := want / SectorSize
	if sectors == 0 {
		return 0, fmt.Errorf("read of %d bytes is shorter than a sector", len(p))
	}

	n, err := r.dev.Read(uint32(r.pos/SectorSize), uint32(sectors), p[:sectors*SectorSize])
	r.pos += int64(n)
	return n, err
}
