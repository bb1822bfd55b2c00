package nbd

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
)

type connection struct {
	id string
	nc net.Conn
	b  *bufio.ReadWriter
}

func newConnection(id string, nc net.Conn) *connection {
	return &connection{
		id: id,
		nc: nc,
		b:  bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc)),
	}
}

func (c *connection) ReadFull(p []byte) error {
	_, err := io.ReadFull(c.b, p)
	return err
}

func (c *connection) ReadUint32() (uint32, error) {
	var p [4]byte
	_, err := io.ReadFull(c.b, p[:])
	return binary.BigEndian.Uint32(p[:]), err
}

func (c *connection) ReadUint64() (uint64, error) {
	var p [8]byte
	_, err := io.ReadFull(c.b, p[:])
	return binary.BigEndian.Uint64(p[:]), err
}

// Write calls buffer until Flush; the first error sticks in the bufio.Writer
// and comes back from Flush.
func (c *connection) WriteUint16(data uint16) {
	c.b.Write(binary.BigEndian.AppendUint16(nil, data))
}

func (c *connection) WriteUint32(data uint32) {
	c.b.Write(binary.BigEndian.AppendUint32(nil, data))
}

func (c *connection) WriteUint64(data uint64) {
	c.b.Write(binary.BigEndian.AppendUint64(nil, data))
}

func (c *connection) Write(p []byte) {
	c.b.Write(p)
}

func (c *connection) Flush() error {
	return c.b.Flush()
}

func (c *connection) optionReply(opt, typ uint32, data []byte) error {
	c.WriteUint64(optReplyMagic)
	c.WriteUint32(opt)
	c.WriteUint32(typ)
	c.WriteUint32(uint32(len(data)))
	c.Write(data)
	return c.Flush()
}

func (c *connection) simpleReply(errno uint32, handle uint64, data []byte) error {
	c.WriteUint32(replyMagic)
	c.WriteUint32(errno)
	c.WriteUint64(handle)
	if errno == 0 {
		c.Write(data)
	}
	return c.Flush()
}
