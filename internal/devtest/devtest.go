// Package devtest provides an in-memory netblock.Device that counts the I/O
// issued against it.
package devtest

import (
	"fmt"

	"github.com/kochman/netblock"
)

// Call is one Read or Write issued against a Device.
type Call struct {
	Start   uint32
	Sectors uint32
}

type Device struct {
	netblock.ErrorState

	Data      []byte
	Reads     []Call
	Writes    []Call
	Flushes   int
	Poweroffs int
	Closed    bool

	// FailReads makes every Read fail with this error when set.
	FailReads error
}

// New returns a device of the given number of sectors whose byte at offset i
// is byte(i*7+i/512).
func New(sectors int) *Device {
	d := &Device{Data: make([]byte, sectors*netblock.SectorSize)}
	for i := range d.Data {
		d.Data[i] = byte(i*7 + i/netblock.SectorSize)
	}
	return d
}

func (d *Device) Stat() (uint32, error) {
	return uint32(len(d.Data) / 1024), nil
}

func (d *Device) Read(start, num uint32, p []byte) (int, error) {
	d.Reads = append(d.Reads, Call{Start: start, Sectors: num})
	if d.FailReads != nil {
		return 0, d.Record(d.FailReads)
	}
	if err := netblock.CheckBuffer(num, p); err != nil {
		return 0, d.Record(err)
	}
	off := int(start) * netblock.SectorSize
	end := off + int(num)*netblock.SectorSize
	if end > len(d.Data) {
		return 0, d.Record(fmt.Errorf("read past end: sector %d+%d", start, num))
	}
	return copy(p, d.Data[off:end]), nil
}

func (d *Device) Write(start, num uint32, p []byte) (int, error) {
	d.Writes = append(d.Writes, Call{Start: start, Sectors: num})
	if err := netblock.CheckBuffer(num, p); err != nil {
		return 0, d.Record(err)
	}
	off := int(start) * netblock.SectorSize
	end := off + int(num)*netblock.SectorSize
	if end > len(d.Data) {
		return 0, d.Record(fmt.Errorf("write past end: sector %d+%d", start, num))
	}
	return copy(d.Data[off:end], p), nil
}

func (d *Device) Flush() error {
	d.Flushes++
	return nil
}

func (d *Device) Poweroff() error {
	d.Poweroffs++
	return nil
}

func (d *Device) Close() error {
	d.Closed = true
	return nil
}

// ReadBytes is the number of bytes requested by all Reads so far.
func (d *Device) ReadBytes() int {
	total := 0
	for _, c := range d.Reads {
		total += int(c.Sectors) * netblock.SectorSize
	}
	return total
}
