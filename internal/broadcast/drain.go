// internal/broadcast/drain.go
package broadcast

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/snapshot-broadcaster/internal/metrics"
	"github.com/YaganovValera/snapshot-broadcaster/internal/snapshot"
)

// SnapshotQueue is the consumer side of the snapshot queue.
type SnapshotQueue interface {
	Dequeue() (snapshot.Snapshot, bool)
	Len() int
}

// Drain broadcasts snapshots from q until q is shut down and empty.
// With workers > 1 snapshots are consumed concurrently and only each
// worker's own sequence stays ordered. ctx carries trace context only;
// cancelling it does not stop the drain.
func (s *Server) Drain(ctx context.Context, q SnapshotQueue, workers int) {
	if workers <= 1 {
		s.drain(ctx, q)
		return
	}

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			s.drain(ctx, q)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Server) drain(ctx context.Context, q SnapshotQueue) {
	for {
		snap, ok := q.Dequeue()
		if !ok {
			return
		}
		metrics.QueueDepth.Set(float64(q.Len()))

		s.Broadcast(ctx, snap.Topic, snap.Payload)
		if !snap.ProducedAt.IsZero() {
			metrics.DeliveryLatency.Observe(s.clock.Since(snap.ProducedAt).Seconds())
		}
	}
}
