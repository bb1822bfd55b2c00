package udpnet

import (
	"bytes"
	"testing"

	"github.com/go-test/deep"
)

func TestCommandWireLayout(t *testing.T) {
	c := Command{
		Command:    CmdRead,
		Sector:     0x01020304,
		NumSectors: 16,
		Response:   queryMagic,
	}
	var buf [CommandLen]byte
	c.Encode(buf[:])

	want := []byte{
		0x64, 0x61, 0x65, 0x72,
		0x04, 0x03, 0x02, 0x01,
		0x10, 0x00, 0x00, 0x00,
		0x29, 0x2d, 0x3a, 0x00,
	}
	if !bytes.Equal(buf[:], want) {
		t.Errorf("expected %x, got %x", want, buf)
	}

	var got Command
	got.Decode(buf[:])
	if diff := deep.Equal(got, c); diff != nil {
		t.Error(diff)
	}
}

func TestDataPacketLayout(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, pairBytes)
	p := DataPacket{Payload: payload, Command: CmdWrite, Start: 6}

	buf := make([]byte, DataPacketLen)
	n, err := p.Encode(buf)
	if err != nil {
		t.Fatalf("unable to encode: %v", err)
	}
	if n != 1032 {
		t.Errorf("expected 1032 byte datagram, got %d", n)
	}
	if !bytes.Equal(buf[pairBytes:], []byte{0x74, 0x69, 0x72, 0x77, 6, 0, 0, 0}) {
		t.Errorf("unexpected trailer %x", buf[pairBytes:])
	}

	if _, err := p.Encode(make([]byte, 100)); err == nil {
		t.Error("expected error for short buffer")
	}
	short := DataPacket{Payload: payload[:10]}
	if _, err := short.Encode(buf); err == nil {
		t.Error("expected error for short payload")
	}
	if err := new(DataPacket).Decode(buf[:20]); err == nil {
		t.Error("expected error for truncated datagram")
	}
}

func TestBitmask(t *testing.T) {
	var m Bitmask
	m.SetPair(0)
	m.SetPair(17)
	m.Set(63)

	if !m.PairDone(0) || !m.PairDone(17) {
		t.Error("expected pairs 0 and 17 to be done")
	}
	if m.PairDone(1) || m.Get(33) {
		t.Error("expected pair 1 and bit 33 to be pending")
	}
	if m[1] != 1<<2|1<<31 {
		t.Errorf("expected word 1 to be %#x, got %#x", uint32(1<<2|1<<31), m[1])
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("unable to write bitmask: %v", err)
	}
	if buf.Len() != BitmaskWords*4 {
		t.Errorf("expected %d bytes, got %d", BitmaskWords*4, buf.Len())
	}

	var back Bitmask
	if _, err := back.ReadFrom(&buf); err != nil {
		t.Fatalf("unable to read bitmask: %v", err)
	}
	if diff := deep.Equal(back, m); diff != nil {
		t.Error(diff)
	}

	if _, err := back.ReadFrom(bytes.NewReader(make([]byte, 12))); err == nil {
		t.Error("expected error for truncated bitmask")
	}
}
