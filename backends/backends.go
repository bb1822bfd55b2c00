// Package backends picks the backend that understands a device path.
package backends

import (
	"errors"
	"fmt"

	"github.com/kochman/netblock"
	"github.com/kochman/netblock/backends/file"
	"github.com/kochman/netblock/backends/gcs"
	"github.com/kochman/netblock/backends/udpnet"
	"github.com/kochman/netblock/internal"
)

// ProbeFunc opens path, or returns netblock.ErrNotCompatible when the path
// is not meant for it.
type ProbeFunc func(settings netblock.Settings, path string) (netblock.Device, error)

type candidate struct {
	name  string
	probe ProbeFunc
}

// Order is fixed: a remote agent address, then an object store path, then
// anything on the local filesystem.
var candidates = []candidate{
	{"udpnet", udpnet.Probe},
	{"gcs", gcs.Probe},
	{"file", file.Probe},
}

// Open returns the first backend that accepts path. A backend that accepts
// the path but fails to open it ends the search with its error.
func Open(settings netblock.Settings, path string) (netblock.Device, error) {
	return probe(candidates, settings, path)
}

func probe(cs []candidate, settings netblock.Settings, path string) (netblock.Device, error) {
	for _, c := range cs {
		dev, err := c.probe(settings, path)
		if errors.Is(err, netblock.ErrNotCompatible) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		internal.Debug("opened device", internal.Fields{
			internal.FieldBackend: c.name,
			internal.FieldPath:    path,
		})
		return dev, nil
	}
	return nil, fmt.Errorf("%w: no backend accepts %q", netblock.ErrNotCompatible, path)
}
