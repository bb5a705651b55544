package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFIFO_SingleProducer(t *testing.T) {
	q := New[int]()
	for i := 0; i < 1000; i++ {
		q.Enqueue(i)
	}
	for i := 0; i < 1000; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Len())
}

// Each producer's items must come out in its own submission order,
// whatever the interleaving between producers.
func TestFIFO_ConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 500
	type item struct{ producer, seq int }

	q := New[item]()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(item{p, i})
			}
		}(p)
	}

	done := make(chan struct{})
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	total := 0
	go func() {
		defer close(done)
		for {
			it, ok := q.Dequeue()
			if !ok {
				return
			}
			assert.Equal(t, last[it.producer]+1, it.seq, "producer %d out of order", it.producer)
			last[it.producer] = it.seq
			total++
		}
	}()

	wg.Wait()
	q.Shutdown()
	<-done
	assert.Equal(t, producers*perProducer, total)
}

func TestShutdown_DrainsThenCloses(t *testing.T) {
	const n = 10
	q := New[string]()
	for i := 0; i < n; i++ {
		q.Enqueue(string(rune('a' + i)))
	}
	q.Shutdown()
	assert.True(t, q.Closed())

	for i := 0; i < n; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok, "item %d lost after shutdown", i)
		assert.Equal(t, string(rune('a'+i)), v)
	}
	v, ok := q.Dequeue()
	assert.False(t, ok)
	assert.Zero(t, v)

	// stays closed
	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestShutdown_Idempotent(t *testing.T) {
	q := New[int]()
	q.Shutdown()
	q.Shutdown()
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestShutdown_WakesAllBlockedConsumers(t *testing.T) {
	q := New[int]()
	const consumers = 4

	var wg sync.WaitGroup
	results := make(chan bool, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Dequeue()
			results <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()
	wg.Wait()
	close(results)
	for ok := range results {
		assert.False(t, ok)
	}
}

func TestDequeue_BlocksUntilEnqueue(t *testing.T) {
	q := New[int]()
	got := make(chan int, 1)
	go func() {
		v, ok := q.Dequeue()
		if ok {
			got <- v
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("Dequeue returned before any Enqueue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Enqueue(7)
	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake up")
	}
}

// Multiple consumers share the work: every item is delivered exactly once.
func TestMultipleConsumers_ExactlyOnce(t *testing.T) {
	const n = 2000
	q := New[int]()

	var mu sync.Mutex
	seen := make(map[int]int, n)
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := q.Dequeue()
				if !ok {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < n; i++ {
		q.Enqueue(i)
	}
	q.Shutdown()
	wg.Wait()

	require.Len(t, seen, n)
	for v, c := range seen {
		assert.Equal(t, 1, c, "item %d delivered %d times", v, c)
	}
}
