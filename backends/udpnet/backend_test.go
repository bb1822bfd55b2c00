package udpnet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/kochman/netblock"
)

type settings map[string]int

func (s settings) IsSet(key string) bool {
	_, ok := s[key]
	return ok
}

func (s settings) GetInt(key string) int { return s[key] }

func (s settings) GetString(key string) string { return "" }

// captureConn stands in for the data channel and keeps every datagram.
type captureConn struct {
	net.Conn

	mu      sync.Mutex
	packets []DataPacket
	closed  bool
}

func (c *captureConn) Write(p []byte) (int, error) {
	var dp DataPacket
	if err := dp.Decode(append([]byte(nil), p...)); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.packets = append(c.packets, dp)
	c.mu.Unlock()
	return len(p), nil
}

func (c *captureConn) Close() error {
	c.closed = true
	return nil
}

func (c *captureConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func (c *captureConn) starts(from, to int) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	starts := []uint32{}
	for _, p := range c.packets[from:to] {
		starts = append(starts, p.Start)
	}
	return starts
}

// agent plays the remote side of the control channel.
type agent struct {
	conn net.Conn
}

func (a *agent) next() (Command, error) {
	var buf [CommandLen]byte
	if _, err := io.ReadFull(a.conn, buf[:]); err != nil {
		return Command{}, err
	}
	var c Command
	c.Decode(buf[:])
	return c, nil
}

func (a *agent) expect(command, sector, numSectors uint32) (Command, error) {
	c, err := a.next()
	if err != nil {
		return c, err
	}
	if c.Command != command || c.Sector != sector || c.NumSectors != numSectors {
		return c, fmt.Errorf("expected %#x/%d/%d, got %#x/%d/%d",
			command, sector, numSectors, c.Command, c.Sector, c.NumSectors)
	}
	if c.Response != queryMagic {
		return c, fmt.Errorf("expected query magic, got %#x", c.Response)
	}
	return c, nil
}

func (a *agent) reply(c Command, response uint32, payload []byte) error {
	c.Response = response
	var buf [CommandLen]byte
	c.Encode(buf[:])
	if _, err := a.conn.Write(buf[:]); err != nil {
		return err
	}
	if payload != nil {
		_, err := a.conn.Write(payload)
		return err
	}
	return nil
}

type testSession struct {
	h      *Handle
	agent  *agent
	data   *captureConn
	pauses int
}

func newTestSession(t *testing.T, s settings) *testSession {
	t.Helper()
	client, remote := net.Pipe()
	ts := &testSession{
		agent: &agent{conn: remote},
		data:  &captureConn{},
	}
	ts.h = New(s, client, ts.data)
	ts.h.sleep = func(time.Duration) { ts.pauses++ }
	t.Cleanup(func() {
		remote.Close()
		client.Close()
	})
	return ts
}

// run executes the agent script in the background; wait returns its error.
func run(script func() error) (wait func() error) {
	done := make(chan error, 1)
	go func() { done <- script() }()
	return func() error { return <-done }
}

func sectors(n int) []byte {
	p := make([]byte, n*netblock.SectorSize)
	for i := range p {
		p[i] = byte(i/netblock.SectorSize + i*3)
	}
	return p
}

func TestStat(t *testing.T) {
	ts := newTestSession(t, nil)
	wait := run(func() error {
		c, err := ts.agent.expect(CmdStat, 0, 0)
		if err != nil {
			return err
		}
		return ts.agent.reply(c, 4096, nil)
	})

	kb, err := ts.h.Stat()
	if err != nil {
		t.Fatalf("unable to stat: %v", err)
	}
	if kb != 4096 {
		t.Errorf("expected 4096 KB, got %d", kb)
	}
	if err := wait(); err != nil {
		t.Fatalf("agent: %v", err)
	}
}

func TestQueryRejectsMismatchedEcho(t *testing.T) {
	mutations := map[string]func(*Command){
		"command": func(c *Command) { c.Command = CmdRead },
		"sector":  func(c *Command) { c.Sector++ },
		"count":   func(c *Command) { c.NumSectors++ },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			ts := newTestSession(t, nil)
			wait := run(func() error {
				c, err := ts.agent.next()
				if err != nil {
					return err
				}
				mutate(&c)
				return ts.agent.reply(c, 1, nil)
			})

			_, err := ts.h.Stat()
			if !errors.Is(err, netblock.ErrProtocol) {
				t.Fatalf("expected protocol error, got %v", err)
			}
			if ts.h.LastError() == "" {
				t.Error("expected last error to be recorded")
			}
			if err := wait(); err != nil {
				t.Fatalf("agent: %v", err)
			}
		})
	}
}

func TestReadInChunks(t *testing.T) {
	const start = 100
	total := MaxSectors + 10
	want := sectors(total)

	ts := newTestSession(t, nil)
	wait := run(func() error {
		c, err := ts.agent.expect(CmdRead, start, MaxSectors)
		if err != nil {
			return err
		}
		if err := ts.agent.reply(c, MaxSectors, want[:MaxSectors*netblock.SectorSize]); err != nil {
			return err
		}
		c, err = ts.agent.expect(CmdRead, start+MaxSectors, 10)
		if err != nil {
			return err
		}
		return ts.agent.reply(c, 10, want[MaxSectors*netblock.SectorSize:])
	})

	p := make([]byte, len(want))
	n, err := ts.h.Read(start, uint32(total), p)
	if err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	if n != len(want) {
		t.Errorf("expected %d bytes, got %d", len(want), n)
	}
	if !bytes.Equal(p, want) {
		t.Error("read data differs from agent data")
	}
	if err := wait(); err != nil {
		t.Fatalf("agent: %v", err)
	}
}

func TestReadServerError(t *testing.T) {
	ts := newTestSession(t, nil)
	wait := run(func() error {
		c, err := ts.agent.expect(CmdRead, 0, 4)
		if err != nil {
			return err
		}
		return ts.agent.reply(c, NoPayload, nil)
	})

	n, err := ts.h.Read(0, 4, make([]byte, 4*netblock.SectorSize))
	if !errors.Is(err, netblock.ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 bytes, got %d", n)
	}
	if err := wait(); err != nil {
		t.Fatalf("agent: %v", err)
	}
}

func TestReadStopsAtFirstFailedChunk(t *testing.T) {
	ts := newTestSession(t, nil)
	wait := run(func() error {
		c, err := ts.agent.expect(CmdRead, 0, MaxSectors)
		if err != nil {
			return err
		}
		if err := ts.agent.reply(c, MaxSectors, sectors(MaxSectors)); err != nil {
			return err
		}
		c, err = ts.agent.expect(CmdRead, MaxSectors, MaxSectors)
		if err != nil {
			return err
		}
		// a short count still carries the full payload
		return ts.agent.reply(c, 7, sectors(MaxSectors))
	})

	p := make([]byte, 3*MaxSectors*netblock.SectorSize)
	n, err := ts.h.Read(0, 3*MaxSectors, p)
	if !errors.Is(err, netblock.ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}
	if n != MaxSectors*netblock.SectorSize {
		t.Errorf("expected %d bytes before the failure, got %d", MaxSectors*netblock.SectorSize, n)
	}
	if err := wait(); err != nil {
		t.Fatalf("agent: %v", err)
	}
}

func TestReadShortBuffer(t *testing.T) {
	ts := newTestSession(t, nil)
	if _, err := ts.h.Read(0, 2, make([]byte, 600)); !errors.Is(err, netblock.ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
}

func TestFlush(t *testing.T) {
	ts := newTestSession(t, nil)
	wait := run(func() error {
		c, err := ts.agent.expect(CmdFlush, 0, 0)
		if err != nil {
			return err
		}
		return ts.agent.reply(c, 0, nil)
	})
	if err := ts.h.Flush(); err != nil {
		t.Fatalf("unable to flush: %v", err)
	}
	if err := wait(); err != nil {
		t.Fatalf("agent: %v", err)
	}
}

func TestPoweroffExpectsNoReply(t *testing.T) {
	ts := newTestSession(t, nil)
	wait := run(func() error {
		c, err := ts.agent.next()
		if err != nil {
			return err
		}
		want := Command{Command: CmdPoweroff, Response: executeMagic}
		if diff := deep.Equal(c, want); diff != nil {
			return fmt.Errorf("unexpected command: %v", diff)
		}
		return nil
	})
	if err := ts.h.Poweroff(); err != nil {
		t.Fatalf("unable to power off: %v", err)
	}
	if err := wait(); err != nil {
		t.Fatalf("agent: %v", err)
	}
}

func TestCloseOnce(t *testing.T) {
	ts := newTestSession(t, nil)
	if err := ts.h.Close(); err != nil {
		t.Fatalf("unable to close: %v", err)
	}
	if !ts.data.closed {
		t.Error("expected data channel to be closed")
	}
	if err := ts.h.Close(); !errors.Is(err, netblock.ErrClosed) {
		t.Errorf("expected ErrClosed on second close, got %v", err)
	}
	if _, err := ts.h.Stat(); !errors.Is(err, netblock.ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestLastErrorDispose(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.h.Read(0, 1, nil)
	msg := ts.h.LastError()
	if msg == "" {
		t.Fatal("expected a last error")
	}
	ts.h.DisposeError(msg)
	if got := ts.h.LastError(); got != "" {
		t.Errorf("expected no last error after dispose, got %q", got)
	}
}

func TestProbeNotCompatible(t *testing.T) {
	for _, path := range []string{"10.0.0", "10.0.0.1x", "256.0.0.1", "host.example.com", "/dev/sda"} {
		dev, err := Probe(nil, path)
		if !errors.Is(err, netblock.ErrNotCompatible) {
			t.Errorf("%q: expected ErrNotCompatible, got %v", path, err)
		}
		if dev != nil {
			t.Errorf("%q: expected no device", path)
		}
	}
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	defer ln.Close()

	wait := run(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()
		a := &agent{conn: conn}
		c, err := a.expect(CmdStat, 0, 0)
		if err != nil {
			return err
		}
		return a.reply(c, 64, nil)
	})

	h, err := Dial(settings{"udp_quick_packets": 3, "udp_delay_time": 10}, ln.Addr().String())
	if err != nil {
		t.Fatalf("unable to dial: %v", err)
	}
	defer h.Close()

	if h.quickPackets != 3 || h.delayTime != 10*time.Microsecond {
		t.Errorf("expected pacing 3/10µs, got %d/%v", h.quickPackets, h.delayTime)
	}
	kb, err := h.Stat()
	if err != nil {
		t.Fatalf("unable to stat: %v", err)
	}
	if kb != 64 {
		t.Errorf("expected 64 KB, got %d", kb)
	}
	if err := wait(); err != nil {
		t.Fatalf("agent: %v", err)
	}
}

func TestDialFailureKeepsConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(nil, addr)
	if !errors.Is(err, netblock.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) || opErr.Op != "dial" {
		t.Errorf("expected the dial error to be kept, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	ts := newTestSession(t, settings{})
	if ts.h.quickPackets != defaultQuickPackets {
		t.Errorf("expected %d quick packets, got %d", defaultQuickPackets, ts.h.quickPackets)
	}
	if ts.h.delayTime != defaultDelayTime {
		t.Errorf("expected delay %v, got %v", defaultDelayTime, ts.h.delayTime)
	}
}
