// Package nbd exports a netblock.Device as a Network Block Device, following
// https://github.com/NetworkBlockDevice/nbd/blob/cb20c16354cccf4698fde74c42f5fb8542b289ae/doc/proto.md
//
// Only the fixed newstyle handshake and simple replies are spoken.
package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/kochman/netblock"
	"github.com/kochman/netblock/aligned"
	"github.com/kochman/netblock/internal"
)

var errAborted = errors.New("client aborted negotiation")

// Server exports one device under one name. Clients are served one at a
// time since a Device is not safe for concurrent use.
type Server struct {
	dev   netblock.Device
	name  string
	size  int64
	cache *aligned.Cache
}

// NewServer prepares dev for export. Reads are served through a window of
// cacheSectors sectors.
func NewServer(dev netblock.Device, name string, cacheSectors int) (*Server, error) {
	r, err := netblock.NewSectorReader(dev)
	if err != nil {
		return nil, fmt.Errorf("unable to size device: %w", err)
	}
	cache, err := aligned.New(r, netblock.SectorSize, cacheSectors)
	if err != nil {
		return nil, fmt.Errorf("unable to create read cache: %w", err)
	}
	return &Server{
		dev:   dev,
		name:  name,
		size:  r.Size(),
		cache: cache,
	}, nil
}

// Size is the exported size in bytes.
func (s *Server) Size() int64 {
	return s.size
}

// Serve accepts connections until ln is closed.
func (s *Server) Serve(ln net.Listener) error {
	internal.Info("serving device", internal.Fields{
		internal.FieldAddr:   ln.Addr().String(),
		internal.FieldExport: s.name,
	})
	for {
		nc, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unable to accept: %w", err)
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		s.ServeConn(nc)
	}
}

// ServeConn runs one client session to completion and closes nc.
func (s *Server) ServeConn(nc net.Conn) error {
	defer nc.Close()
	c := newConnection(uuid.NewString(), nc)
	fields := internal.Fields{
		internal.FieldSession: c.id,
		internal.FieldAddr:    nc.RemoteAddr().String(),
	}
	internal.Debug("client connected", fields)

	err := s.negotiate(c)
	if err == nil {
		err = s.transmit(c)
	}
	switch {
	case err == nil, errors.Is(err, errAborted):
		internal.Debug("client disconnected", fields)
		return nil
	default:
		internal.Warn("client session failed", internal.Fields{
			internal.FieldSession: c.id,
			internal.FieldError:   err.Error(),
		})
		return err
	}
}

// negotiate runs the handshake and the option haggling. It returns nil when
// the client moves on to transmission.
func (s *Server) negotiate(c *connection) error {
	c.WriteUint64(nbdMagic)
	c.WriteUint64(optMagic)
	c.WriteUint16(flagFixedNewstyle | flagNoZeroes)
	if err := c.Flush(); err != nil {
		return fmt.Errorf("unable to send greeting: %w", err)
	}

	clientFlags, err := c.ReadUint32()
	if err != nil {
		return fmt.Errorf("unable to read client flags: %w", err)
	}
	if clientFlags&clientFlagFixedNewstyle == 0 {
		return fmt.Errorf("client flags %#x lack fixed newstyle", clientFlags)
	}
	noZeroes := clientFlags&clientFlagNoZeroes != 0

	for {
		magic, err := c.ReadUint64()
		if err != nil {
			return fmt.Errorf("unable to read option: %w", err)
		}
		if magic != optMagic {
			return fmt.Errorf("bad option magic %#x", magic)
		}
		opt, err := c.ReadUint32()
		if err != nil {
			return fmt.Errorf("unable to read option: %w", err)
		}
		length, err := c.ReadUint32()
		if err != nil {
			return fmt.Errorf("unable to read option length: %w", err)
		}
		if length > 64<<10 {
			return fmt.Errorf("option %d too long: %d bytes", opt, length)
		}
		data := make([]byte, length)
		if err := c.ReadFull(data); err != nil {
			return fmt.Errorf("unable to read option data: %w", err)
		}
		internal.Trace("option received", internal.Fields{
			internal.FieldSession:  c.id,
			internal.FieldResponse: opt,
		})

		switch opt {
		case optExportName:
			if string(data) != s.name {
				return fmt.Errorf("unknown export %q", data)
			}
			c.WriteUint64(uint64(s.size))
			c.WriteUint16(transHasFlags | transSendFlush)
			if !noZeroes {
				c.Write(make([]byte, 124))
			}
			return c.Flush()

		case optAbort:
			c.optionReply(opt, repAck, nil)
			return errAborted

		case optInfo, optGo:
			done, err := s.info(c, opt, data)
			if err != nil || done {
				return err
			}

		default:
			if err := c.optionReply(opt, repErrUnsup, nil); err != nil {
				return err
			}
		}
	}
}

// info answers NBD_OPT_INFO and NBD_OPT_GO. done is true once a GO has been
// acknowledged.
func (s *Server) info(c *connection, opt uint32, data []byte) (bool, error) {
	if len(data) < 6 {
		return false, c.optionReply(opt, repErrInvalid, nil)
	}
	nameLen := binary.BigEndian.Uint32(data)
	if uint64(nameLen)+6 > uint64(len(data)) {
		return false, c.optionReply(opt, repErrInvalid, nil)
	}
	name := string(data[4 : 4+nameLen])
	rest := data[4+nameLen:]
	numReqs := int(binary.BigEndian.Uint16(rest))
	if len(rest) != 2+2*numReqs {
		return false, c.optionReply(opt, repErrInvalid, nil)
	}
	if name != s.name {
		return false, c.optionReply(opt, repErrUnknown, nil)
	}

	export := binary.BigEndian.AppendUint16(nil, infoExport)
	export = binary.BigEndian.AppendUint64(export, uint64(s.size))
	export = binary.BigEndian.AppendUint16(export, transHasFlags|transSendFlush)
	if err := c.optionReply(opt, repInfo, export); err != nil {
		return false, err
	}

	for i := 0; i < numReqs; i++ {
		if binary.BigEndian.Uint16(rest[2+2*i:]) != infoBlockSize {
			continue
		}
		bs := binary.BigEndian.AppendUint16(nil, infoBlockSize)
		bs = binary.BigEndian.AppendUint32(bs, netblock.SectorSize)
		bs = binary.BigEndian.AppendUint32(bs, uint32(s.cache.Capacity()))
		bs = binary.BigEndian.AppendUint32(bs, maxPayload)
		if err := c.optionReply(opt, repInfo, bs); err != nil {
			return false, err
		}
	}

	if err := c.optionReply(opt, repAck, nil); err != nil {
		return false, err
	}
	return opt == optGo, nil
}

// transmit serves requests until the client disconnects.
func (s *Server) transmit(c *connection) error {
	var hdr [28]byte
	for {
		if err := c.ReadFull(hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("unable to read request: %w", err)
		}
		if magic := binary.BigEndian.Uint32(hdr[0:]); magic != requestMagic {
			return fmt.Errorf("bad request magic %#x", magic)
		}
		typ := binary.BigEndian.Uint16(hdr[6:])
		handle := binary.BigEndian.Uint64(hdr[8:])
		offset := binary.BigEndian.Uint64(hdr[16:])
		length := binary.BigEndian.Uint32(hdr[24:])

		var err error
		switch typ {
		case cmdRead:
			err = s.read(c, handle, offset, length)
		case cmdWrite:
			err = s.write(c, handle, offset, length)
		case cmdFlush:
			errno := uint32(0)
			if ferr := s.dev.Flush(); ferr != nil {
				internal.Warn("flush failed", internal.Fields{
					internal.FieldSession: c.id,
					internal.FieldError:   ferr.Error(),
				})
				errno = errIO
			}
			err = c.simpleReply(errno, handle, nil)
		case cmdDisc:
			return nil
		default:
			err = c.simpleReply(errInval, handle, nil)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) inRange(offset uint64, length uint32) bool {
	return length <= maxPayload && offset <= uint64(s.size) && uint64(length) <= uint64(s.size)-offset
}

func (s *Server) read(c *connection, handle, offset uint64, length uint32) error {
	if !s.inRange(offset, length) {
		return c.simpleReply(errInval, handle, nil)
	}
	p := make([]byte, length)
	if _, err := s.cache.ReadAt(p, int64(offset)); err != nil {
		internal.Warn("read failed", internal.Fields{
			internal.FieldSession: c.id,
			internal.FieldSector:  offset / netblock.SectorSize,
			internal.FieldError:   err.Error(),
		})
		return c.simpleReply(errIO, handle, nil)
	}
	return c.simpleReply(0, handle, p)
}

func (s *Server) write(c *connection, handle, offset uint64, length uint32) error {
	if length > maxPayload {
		return fmt.Errorf("write of %d bytes exceeds %d", length, maxPayload)
	}
	p := make([]byte, length)
	if err := c.ReadFull(p); err != nil {
		return fmt.Errorf("unable to read write payload: %w", err)
	}
	if !s.inRange(offset, length) || offset%netblock.SectorSize != 0 || length%netblock.SectorSize != 0 {
		return c.simpleReply(errInval, handle, nil)
	}

	_, err := s.dev.Write(uint32(offset/netblock.SectorSize), length/netblock.SectorSize, p)
	s.cache.Invalidate()
	if err != nil {
		internal.Warn("write failed", internal.Fields{
			internal.FieldSession: c.id,
			internal.FieldSector:  offset / netblock.SectorSize,
			internal.FieldError:   err.Error(),
		})
		return c.simpleReply(errIO, handle, nil)
	}
	return c.simpleReply(0, handle, nil)
}
