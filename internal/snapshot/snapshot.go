// Package snapshot holds the data model shared by the poller, the queue
// and the broadcaster.
package snapshot

import "time"

// Topic names a data stream subscribers attach to, e.g. a trading symbol
// such as "tBTCUSD".
type Topic string

func (t Topic) String() string { return string(t) }

// Snapshot is one upstream payload tagged with its topic and production time.
// Payload is opaque and forwarded as is.
type Snapshot struct {
	Topic      Topic
	Payload    []byte
	ProducedAt time.Time
}
