package netblock_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/go-test/deep"
	"github.com/kochman/netblock"
	"github.com/kochman/netblock/internal/devtest"
)

func TestSectorReader(t *testing.T) {
	dev := devtest.New(8)
	r, err := netblock.NewSectorReader(dev)
	if err != nil {
		t.Fatalf("unable to create reader: %v", err)
	}
	if r.Size() != 8*netblock.SectorSize {
		t.Errorf("expected size %d, got %d", 8*netblock.SectorSize, r.Size())
	}

	if _, err := r.Seek(2*netblock.SectorSize, io.SeekStart); err != nil {
		t.Fatalf("unable to seek: %v", err)
	}
	p := make([]byte, 3*netblock.SectorSize+100)
	n, err := r.Read(p)
	if err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	if n != 3*netblock.SectorSize {
		t.Errorf("expected whole sectors only, got %d bytes", n)
	}
	if !bytes.Equal(p[:n], dev.Data[2*netblock.SectorSize:5*netblock.SectorSize]) {
		t.Error("read data differs from device")
	}

	// the tail is clamped to the device
	if _, err := r.Seek(-netblock.SectorSize, io.SeekEnd); err != nil {
		t.Fatalf("unable to seek: %v", err)
	}
	n, err = r.Read(p)
	if err != nil {
		t.Fatalf("unable to read tail: %v", err)
	}
	if n != netblock.SectorSize {
		t.Errorf("expected one sector at the tail, got %d bytes", n)
	}
	if _, err := r.Read(p); err != io.EOF {
		t.Errorf("expected io.EOF at end, got %v", err)
	}

	want := []devtest.Call{{Start: 2, Sectors: 3}, {Start: 7, Sectors: 1}}
	if diff := deep.Equal(dev.Reads, want); diff != nil {
		t.Error(diff)
	}
}

func TestSectorReaderRejectsUnaligned(t *testing.T) {
	r, err := netblock.NewSectorReader(devtest.New(4))
	if err != nil {
		t.Fatalf("unable to create reader: %v", err)
	}
	if _, err := r.Seek(10, io.SeekStart); err != nil {
		t.Fatalf("unable to seek: %v", err)
	}
	if _, err := r.Read(make([]byte, netblock.SectorSize)); err == nil {
		t.Error("expected error for unaligned position")
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("unable to seek: %v", err)
	}
	if _, err := r.Read(make([]byte, 100)); err == nil {
		t.Error("expected error for a read shorter than a sector")
	}
}
