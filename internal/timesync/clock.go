// ABOUTME: Process-local monotonic clock used for all timing decisions
// ABOUTME: Micros since process start plus a sample-frame convenience reading
package timesync

import (
	"time"

	"github.com/haileys/bark/internal/protocol"
)

var epoch = time.Now()

// NowMicros reads the local monotonic clock in micros. Each machine
// counts from its own process start; only differences are meaningful,
// and cross-machine relationships come from sync exchanges.
func NowMicros() uint64 {
	return uint64(time.Since(epoch).Microseconds())
}

// Now reads the local monotonic clock in sample frames.
func Now() protocol.Timestamp {
	return protocol.TimestampFromMicros(NowMicros())
}
