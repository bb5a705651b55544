// internal/poller/manager.go
package poller

import (
	"context"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/YaganovValera/snapshot-broadcaster/internal/metrics"
	"github.com/YaganovValera/snapshot-broadcaster/internal/snapshot"
	"github.com/YaganovValera/snapshot-broadcaster/internal/upstream"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/safe"
)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one independent poller per watched topic.
type Manager struct {
	cfg   Config
	src   upstream.Source
	sink  Sink
	clock clockwork.Clock
	log   *logger.Logger
	group *safe.Group

	base   context.Context
	stopFn context.CancelFunc

	mu      sync.Mutex
	tasks   map[snapshot.Topic]*task
	stopped bool
}

// NewManager returns a manager with nothing watched. clock may be nil.
func NewManager(cfg Config, src upstream.Source, sink Sink, clock clockwork.Clock, log *logger.Logger) *Manager {
	cfg.ApplyDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		src:    src,
		sink:   sink,
		clock:  clock,
		log:    log.Named("poller-manager"),
		group:  safe.NewGroup(log),
		base:   base,
		stopFn: cancel,
		tasks:  make(map[snapshot.Topic]*task),
	}
}

// Watch starts polling topic. It returns false if topic is already watched,
// empty, or the manager was stopped.
func (m *Manager) Watch(topic snapshot.Topic) bool {
	if topic == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	if _, ok := m.tasks[topic]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(m.base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.tasks[topic] = t
	metrics.WatchedTopics.Set(float64(len(m.tasks)))

	p := New(topic, m.src, m.sink, m.cfg, m.clock, m.log)
	m.group.Go("poller/"+topic.String(), func() {
		defer close(t.done)
		defer m.forget(topic, t)
		p.Run(ctx)
	})
	m.log.Info("watching topic", zap.String("topic", topic.String()))
	return true
}

// Unwatch cancels topic's poller and waits for it to exit. It reports
// whether topic was watched.
func (m *Manager) Unwatch(topic snapshot.Topic) bool {
	t := m.detach(topic)
	if t == nil {
		return false
	}
	<-t.done
	return true
}

// Release cancels topic's poller without waiting. A fetch already in
// flight may still enqueue once. Stop joins released pollers.
func (m *Manager) Release(topic snapshot.Topic) bool {
	if m.detach(topic) == nil {
		return false
	}
	m.log.Info("released topic", zap.String("topic", topic.String()))
	return true
}

func (m *Manager) detach(topic snapshot.Topic) *task {
	m.mu.Lock()
	t, ok := m.tasks[topic]
	if ok {
		delete(m.tasks, topic)
		metrics.WatchedTopics.Set(float64(len(m.tasks)))
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	t.cancel()
	return t
}

// Watched lists watched topics, sorted.
func (m *Manager) Watched() []snapshot.Topic {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]snapshot.Topic, 0, len(m.tasks))
	for topic := range m.tasks {
		out = append(out, topic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stop cancels every poller and waits for all of them. After Stop no
// poller will enqueue again and Watch is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.tasks = make(map[snapshot.Topic]*task)
	m.mu.Unlock()

	m.stopFn()
	m.group.Wait()
	metrics.WatchedTopics.Set(0)
}

// forget drops t if it is still the registered task for topic, so a
// panicked poller can be watched again.
func (m *Manager) forget(topic snapshot.Topic, t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tasks[topic]; ok && cur == t {
		delete(m.tasks, topic)
		metrics.WatchedTopics.Set(float64(len(m.tasks)))
	}
}
