//go:build !windows

package udpnet

import "time"

const (
	defaultQuickPackets = 7
	defaultDelayTime    = 1000 * time.Microsecond
)
