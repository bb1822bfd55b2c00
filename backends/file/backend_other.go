//go:build !darwin && !linux

package file

import "github.com/kochman/netblock"

// Probe never matches on platforms without pread and pwrite.
func Probe(settings netblock.Settings, path string) (netblock.Device, error) {
	return nil, netblock.ErrNotCompatible
}

func Create(path string, size int64) (netblock.Device, error) {
	return nil, netblock.ErrNotSupported
}
