package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/snapshot-broadcaster/internal/snapshot"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
)

type echoSource struct{}

func (echoSource) FetchSnapshot(_ context.Context, topic snapshot.Topic, _ int) ([]byte, error) {
	return []byte(topic), nil
}

type panicSource struct{ calls atomic.Int32 }

func (p *panicSource) FetchSnapshot(context.Context, snapshot.Topic, int) ([]byte, error) {
	if p.calls.Add(1) == 1 {
		panic("parser exploded")
	}
	return []byte("recovered"), nil
}

func TestManager_WatchIsIdempotent(t *testing.T) {
	sink := make(chanSink, 16)
	m := NewManager(Config{}, echoSource{}, sink, clockwork.NewFakeClock(), logger.NewNop())
	defer m.Stop()

	assert.True(t, m.Watch("tBTCUSD"))
	assert.False(t, m.Watch("tBTCUSD"))
	assert.True(t, m.Watch("tETHUSD"))
	assert.False(t, m.Watch(""))

	assert.Equal(t, []snapshot.Topic{"tBTCUSD", "tETHUSD"}, m.Watched())

	got := map[snapshot.Topic]bool{}
	got[next(t, sink).Topic] = true
	got[next(t, sink).Topic] = true
	assert.Equal(t, map[snapshot.Topic]bool{"tBTCUSD": true, "tETHUSD": true}, got)
}

func TestManager_UnwatchStopsOnlyThatTopic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := make(chanSink, 16)
	m := NewManager(Config{}, echoSource{}, sink, clock, logger.NewNop())
	defer m.Stop()

	m.Watch("tBTCUSD")
	m.Watch("tETHUSD")
	next(t, sink)
	next(t, sink)
	clock.BlockUntil(2)

	assert.True(t, m.Unwatch("tBTCUSD"))
	assert.False(t, m.Unwatch("tBTCUSD"))
	assert.Equal(t, []snapshot.Topic{"tETHUSD"}, m.Watched())

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, snapshot.Topic("tETHUSD"), next(t, sink).Topic)
}

func TestManager_ReleaseDoesNotWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := make(chanSink, 16)
	m := NewManager(Config{}, echoSource{}, sink, clock, logger.NewNop())
	defer m.Stop()

	require.True(t, m.Watch("tBTCUSD"))
	next(t, sink)
	clock.BlockUntil(1)

	assert.True(t, m.Release("tBTCUSD"))
	assert.False(t, m.Release("tBTCUSD"))
	assert.False(t, m.Release("never-watched"))
	assert.Empty(t, m.Watched())

	require.True(t, m.Watch("tBTCUSD"), "released topic can be watched again")
	assert.Equal(t, snapshot.Topic("tBTCUSD"), next(t, sink).Topic)
}

func TestManager_StopJoinsAll(t *testing.T) {
	sink := make(chanSink, 16)
	m := NewManager(Config{}, echoSource{}, sink, clockwork.NewFakeClock(), logger.NewNop())

	for _, topic := range []snapshot.Topic{"a", "b", "c"} {
		require.True(t, m.Watch(topic))
	}
	m.Stop()

	assert.Empty(t, m.Watched())
	assert.False(t, m.Watch("d"), "watch after stop")
	m.Stop()
}

func TestManager_PanicIsContained(t *testing.T) {
	sink := make(chanSink, 4)
	src := &panicSource{}
	m := NewManager(Config{}, src, sink, clockwork.NewFakeClock(), logger.NewNop())
	defer m.Stop()

	require.True(t, m.Watch("tBTCUSD"))
	assert.Eventually(t, func() bool { return len(m.Watched()) == 0 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, m.Watch("tBTCUSD"), "topic can be watched again after its poller died")
	assert.Equal(t, "recovered", string(next(t, sink).Payload))
}
