package udpnet

import "time"

// The Windows scheduler sleeps in whole milliseconds, so the pause is longer
// and taken more often.
const (
	defaultQuickPackets = 5
	defaultDelayTime    = 2 * time.Millisecond
)
