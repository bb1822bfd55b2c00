package backends

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-test/deep"
	"github.com/kochman/netblock"
	"github.com/kochman/netblock/internal/devtest"
)

func TestProbeOrder(t *testing.T) {
	var tried []string
	want := devtest.New(4)
	boom := errors.New("boom")

	decline := func(name string) candidate {
		return candidate{name, func(netblock.Settings, string) (netblock.Device, error) {
			tried = append(tried, name)
			return nil, netblock.ErrNotCompatible
		}}
	}
	accept := func(name string, err error) candidate {
		return candidate{name, func(netblock.Settings, string) (netblock.Device, error) {
			tried = append(tried, name)
			if err != nil {
				return nil, err
			}
			return want, nil
		}}
	}

	dev, err := probe([]candidate{decline("a"), accept("b", nil), accept("c", nil)}, nil, "x")
	if err != nil {
		t.Fatalf("unable to probe: %v", err)
	}
	if dev != want {
		t.Error("expected device from second backend")
	}
	if diff := deep.Equal(tried, []string{"a", "b"}); diff != nil {
		t.Error(diff)
	}

	tried = nil
	_, err = probe([]candidate{accept("a", boom), accept("b", nil)}, nil, "x")
	if !errors.Is(err, boom) {
		t.Errorf("expected open failure to end the search, got %v", err)
	}
	if diff := deep.Equal(tried, []string{"a"}); diff != nil {
		t.Error(diff)
	}

	_, err = probe([]candidate{decline("a"), decline("b")}, nil, "x")
	if !errors.Is(err, netblock.ErrNotCompatible) {
		t.Errorf("expected not compatible, got %v", err)
	}
}

func TestOpenRejectsUnknownPath(t *testing.T) {
	// not an address, not a bucket, not a file
	path := filepath.Join(t.TempDir(), "missing")
	if _, err := Open(nil, path); !errors.Is(err, netblock.ErrNotCompatible) {
		t.Errorf("expected not compatible, got %v", err)
	}
	// a malformed address falls through to the later backends
	if _, err := Open(nil, "10.0.0"); !errors.Is(err, netblock.ErrNotCompatible) {
		t.Errorf("expected not compatible, got %v", err)
	}
}

func TestOpenLocalImage(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("no local backend on " + runtime.GOOS)
	}
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 4*netblock.SectorSize), 0o644); err != nil {
		t.Fatalf("unable to write image: %v", err)
	}

	dev, err := Open(nil, path)
	if err != nil {
		t.Fatalf("unable to open: %v", err)
	}
	defer dev.Close()
	kb, err := dev.Stat()
	if err != nil {
		t.Fatalf("unable to stat: %v", err)
	}
	if kb != 2 {
		t.Errorf("expected 2 KB, got %d", kb)
	}
}
