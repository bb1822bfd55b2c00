// Package udpnet reaches a disk exposed by a remote agent. Commands and
// replies travel over TCP; bulk write payload is flooded over UDP and the
// agent reports, through a bitmask on the TCP connection, which sector pairs
// it is still missing.
package udpnet

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kochman/netblock"
	"github.com/kochman/netblock/internal"
	"github.com/kochman/netblock/internal/metrics"
)

// Handle is one session with a remote agent. It implements netblock.Device
// and is not safe for concurrent use.
type Handle struct {
	netblock.ErrorState

	id   string
	ctrl net.Conn
	data net.Conn

	// pacing: after every quickPackets datagrams the flood pauses for
	// delayTime. quickPackets moves between 1 and quickCeiling+1.
	quickPackets int
	quickCeiling int
	delayTime    time.Duration
	sleep        func(time.Duration)

	metrics *metrics.TransferCollector
	closed  bool
}

// Probe connects to the agent at path when path is a dotted-quad IPv4
// address. Any other path yields netblock.ErrNotCompatible so that dispatch
// can try the next backend; a failure to connect is a hard error.
func Probe(settings netblock.Settings, path string) (netblock.Device, error) {
	ip, ok := ParseAddress(path)
	if !ok {
		return nil, netblock.ErrNotCompatible
	}
	h, err := Dial(settings, net.JoinHostPort(ip.String(), strconv.Itoa(Port)))
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Dial opens the control connection and the data association to addr.
// Both must succeed; otherwise whatever was opened is closed again and the
// connect error is returned.
func Dial(settings netblock.Settings, addr string) (*Handle, error) {
	ctrl, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to connect to %s: %w", netblock.ErrTransport, addr, err)
	}
	data, err := net.Dial("udp", addr)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("%w: unable to open data channel to %s: %w", netblock.ErrTransport, addr, err)
	}

	h := New(settings, ctrl, data)
	internal.Info("connected to remote agent", internal.Fields{
		internal.FieldAddr:    addr,
		internal.FieldSession: h.id,
		internal.FieldQuick:   h.quickPackets,
	})
	return h, nil
}

// New builds a session over already established channels. The handle owns
// both connections from now on.
func New(settings netblock.Settings, ctrl, data net.Conn) *Handle {
	quick := netblock.IntSetting(settings, internal.KeyQuickPackets, defaultQuickPackets)
	if quick < 1 {
		quick = 1
	}
	delay := defaultDelayTime
	if us := netblock.IntSetting(settings, internal.KeyDelayTime, -1); us >= 0 {
		delay = time.Duration(us) * time.Microsecond
	}

	return &Handle{
		id:           uuid.NewString(),
		ctrl:         ctrl,
		data:         data,
		quickPackets: quick,
		quickCeiling: quick,
		delayTime:    delay,
		sleep:        time.Sleep,
	}
}

// Instrument makes the session report to c.
func (h *Handle) Instrument(c *metrics.TransferCollector) {
	h.metrics = c
	c.SetQuickPackets(h.quickPackets)
}

// QuickPackets is the current pacing burst size.
func (h *Handle) QuickPackets() int {
	return h.quickPackets
}

// query sends a command and waits for its reply. When payload is not nil
// and the agent did not answer NoPayload, numSectors sectors of payload
// follow the reply and are read into it.
func (h *Handle) query(command, sector, numSectors uint32, payload []byte) (uint32, error) {
	req := Command{
		Command:    command,
		Sector:     sector,
		NumSectors: numSectors,
		Response:   queryMagic,
	}
	var buf [CommandLen]byte
	req.Encode(buf[:])

	if _, err := h.ctrl.Write(buf[:]); err != nil {
		return 0, fmt.Errorf("%w: unable to send command: %w", netblock.ErrTransport, err)
	}
	if _, err := io.ReadFull(h.ctrl, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: unable to receive reply: %w", netblock.ErrTransport, err)
	}

	var reply Command
	reply.Decode(buf[:])
	if !req.echoes(&reply) {
		return 0, fmt.Errorf("%w: reply %#x/%d/%d does not match command %#x/%d/%d",
			netblock.ErrProtocol,
			reply.Command, reply.Sector, reply.NumSectors,
			req.Command, req.Sector, req.NumSectors)
	}

	if payload != nil && reply.Response != NoPayload {
		want := int(numSectors) * netblock.SectorSize
		if _, err := io.ReadFull(h.ctrl, payload[:want]); err != nil {
			return 0, fmt.Errorf("%w: unable to receive %d payload bytes: %w", netblock.ErrTransport, want, err)
		}
	}
	return reply.Response, nil
}

// execute sends a command that gets no reply.
func (h *Handle) execute(command, sector, numSectors uint32) error {
	req := Command{
		Command:    command,
		Sector:     sector,
		NumSectors: numSectors,
		Response:   executeMagic,
	}
	var buf [CommandLen]byte
	req.Encode(buf[:])

	if _, err := h.ctrl.Write(buf[:]); err != nil {
		return fmt.Errorf("%w: unable to send command: %w", netblock.ErrTransport, err)
	}
	return nil
}

func (h *Handle) Stat() (uint32, error) {
	if h.closed {
		return 0, netblock.ErrClosed
	}
	kb, err := h.query(CmdStat, 0, 0, nil)
	if err != nil {
		return 0, h.Record(err)
	}
	if kb == NoPayload {
		h.metrics.ObserveServerError()
		return 0, h.Record(fmt.Errorf("%w: stat failed", netblock.ErrServer))
	}
	return kb, nil
}

// Read fetches the sectors in chunks of at most MaxSectors. The first chunk
// that fails ends the read; nothing is retried.
func (h *Handle) Read(startSector, numSectors uint32, p []byte) (int, error) {
	if h.closed {
		return 0, netblock.ErrClosed
	}
	if err := netblock.CheckBuffer(numSectors, p); err != nil {
		return 0, h.Record(err)
	}

	total := 0
	for numSectors > 0 {
		n := numSectors
		if n > MaxSectors {
			n = MaxSectors
		}
		chunk := p[total : total+int(n)*netblock.SectorSize]

		resp, err := h.query(CmdRead, startSector, n, chunk)
		if err != nil {
			return total, h.Record(err)
		}
		if resp != n {
			h.metrics.ObserveServerError()
			return total, h.Record(fmt.Errorf("%w: read of %d sectors at %d answered %#x",
				netblock.ErrServer, n, startSector, resp))
		}

		startSector += n
		numSectors -= n
		total += len(chunk)
		h.metrics.ObserveRead(len(chunk))
	}
	return total, nil
}

// Write sends the sectors in chunks of at most MaxSectors, each through the
// flood and status protocol in writeChunk.
func (h *Handle) Write(startSector, numSectors uint32, p []byte) (int, error) {
	if h.closed {
		return 0, netblock.ErrClosed
	}
	if err := netblock.CheckBuffer(numSectors, p); err != nil {
		return 0, h.Record(err)
	}

	total := 0
	for numSectors > 0 {
		n := numSectors
		if n > MaxSectors {
			n = MaxSectors
		}
		chunk := p[total : total+int(n)*netblock.SectorSize]

		if err := h.writeChunk(startSector, n, chunk); err != nil {
			if errors.Is(err, netblock.ErrServer) {
				h.metrics.ObserveServerError()
			}
			return total, h.Record(err)
		}

		startSector += n
		numSectors -= n
		total += len(chunk)
		h.metrics.ObserveWrite(len(chunk))
	}
	return total, nil
}

// Flush asks the agent to commit its buffers. The reply value carries no
// meaning.
func (h *Handle) Flush() error {
	if h.closed {
		return netblock.ErrClosed
	}
	if _, err := h.query(CmdFlush, 0, 0, nil); err != nil {
		return h.Record(err)
	}
	return nil
}

func (h *Handle) Poweroff() error {
	if h.closed {
		return netblock.ErrClosed
	}
	return h.Record(h.execute(CmdPoweroff, 0, 0))
}

// Close shuts down both channels. Only the first call does anything.
func (h *Handle) Close() error {
	if h.closed {
		return netblock.ErrClosed
	}
	h.closed = true

	var firstErr error
	if err := h.ctrl.Close(); err != nil {
		firstErr = fmt.Errorf("unable to close control channel: %w", err)
	}
	if err := h.data.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unable to close data channel: %w", err)
	}
	internal.Debug("session closed", internal.Fields{
		internal.FieldSession: h.id,
	})
	return firstErr
}
