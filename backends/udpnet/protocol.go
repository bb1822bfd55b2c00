package udpnet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kochman/netblock"
)

// Port is the TCP and UDP port the remote agent listens on.
const Port = 0x4712

// MaxSectors is the largest number of sectors moved by one command.
const MaxSectors = 2048

// Commands understood by the agent.
const (
	CmdStat      uint32 = 0x73746174
	CmdRead      uint32 = 0x72656164
	CmdWrite     uint32 = 0x77726974
	CmdWriteStat uint32 = 0x77726973
	CmdFlush     uint32 = 0x666c7368
	CmdPoweroff  uint32 = 0x706f7778
)

const (
	// CommandLen is the size of a command packet on the control channel.
	CommandLen = 16

	queryMagic   uint32 = 0x003a2d29
	executeMagic uint32 = 0x7d3a2d29

	// NoPayload in the response field means the agent failed and sends
	// nothing more.
	NoPayload uint32 = 0xffffffff
)

const (
	pairBytes = 2 * netblock.SectorSize

	// DataPacketLen is the size of one datagram on the data channel: two
	// sectors followed by the command and the start sector.
	DataPacketLen = pairBytes + 8

	// BitmaskWords is the size of a retransmission bitmask in 32-bit words.
	BitmaskWords = (MaxSectors + 31) / 32
)

// All integers on the wire are little-endian.
var order = binary.LittleEndian

// Command is the fixed 16-byte record exchanged on the control channel. As a
// request Response carries a magic value; as a reply it carries the result.
type Command struct {
	Command    uint32
	Sector     uint32
	NumSectors uint32
	Response   uint32
}

func (c *Command) Encode(dst []byte) {
	order.PutUint32(dst[0:4], c.Command)
	order.PutUint32(dst[4:8], c.Sector)
	order.PutUint32(dst[8:12], c.NumSectors)
	order.PutUint32(dst[12:16], c.Response)
}

func (c *Command) Decode(src []byte) {
	c.Command = order.Uint32(src[0:4])
	c.Sector = order.Uint32(src[4:8])
	c.NumSectors = order.Uint32(src[8:12])
	c.Response = order.Uint32(src[12:16])
}

// echoes reports whether reply repeats the command, sector and count of c.
func (c *Command) echoes(reply *Command) bool {
	return reply.Command == c.Command &&
		reply.Sector == c.Sector &&
		reply.NumSectors == c.NumSectors
}

// DataPacket carries one sector pair on the data channel.
type DataPacket struct {
	Payload []byte // pairBytes long
	Command uint32
	Start   uint32
}

func (p *DataPacket) Encode(dst []byte) (int, error) {
	if len(dst) < DataPacketLen {
		return 0, fmt.Errorf("buffer too small: need %d, got %d", DataPacketLen, len(dst))
	}
	if len(p.Payload) != pairBytes {
		return 0, fmt.Errorf("payload is %d bytes, want %d", len(p.Payload), pairBytes)
	}
	copy(dst[:pairBytes], p.Payload)
	order.PutUint32(dst[pairBytes:pairBytes+4], p.Command)
	order.PutUint32(dst[pairBytes+4:DataPacketLen], p.Start)
	return DataPacketLen, nil
}

func (p *DataPacket) Decode(src []byte) error {
	if len(src) != DataPacketLen {
		return fmt.Errorf("datagram is %d bytes, want %d", len(src), DataPacketLen)
	}
	p.Payload = src[:pairBytes]
	p.Command = order.Uint32(src[pairBytes : pairBytes+4])
	p.Start = order.Uint32(src[pairBytes+4 : DataPacketLen])
	return nil
}

// Bitmask tracks which sectors of a write chunk the agent has received. A
// sector pair is identified by the bit of its first sector, so pair p is bit
// 2p. A set bit means received.
type Bitmask [BitmaskWords]uint32

func (m *Bitmask) Set(bit int) {
	m[bit/32] |= 1 << (bit % 32)
}

func (m *Bitmask) Get(bit int) bool {
	return m[bit/32]&(1<<(bit%32)) != 0
}

// PairDone reports whether sector pair p has been received.
func (m *Bitmask) PairDone(p int) bool {
	return m.Get(2 * p)
}

func (m *Bitmask) SetPair(p int) {
	m.Set(2 * p)
}

// ReadFrom replaces the mask with exactly BitmaskWords words read from r.
func (m *Bitmask) ReadFrom(r io.Reader) (int64, error) {
	var raw [BitmaskWords * 4]byte
	n, err := io.ReadFull(r, raw[:])
	if err != nil {
		return int64(n), err
	}
	for i := range m {
		m[i] = order.Uint32(raw[i*4:])
	}
	return int64(n), nil
}

// WriteTo sends the mask in wire form.
func (m *Bitmask) WriteTo(w io.Writer) (int64, error) {
	var raw [BitmaskWords * 4]byte
	for i, word := range m {
		order.PutUint32(raw[i*4:], word)
	}
	n, err := w.Write(raw[:])
	return int64(n), err
}
