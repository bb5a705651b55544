// internal/registry/registry.go
package registry

import (
	"sort"
	"sync"

	"github.com/YaganovValera/snapshot-broadcaster/internal/snapshot"
)

// Member is anything the registry can hold. ID must be stable and unique
// for the lifetime of the member.
type Member interface {
	ID() string
}

// Registry maps topics to the set of members subscribed to them.
// All methods are safe for concurrent use; the lock is never held while
// the caller talks to a member.
type Registry[M Member] struct {
	mu     sync.Mutex
	topics map[snapshot.Topic]map[string]M
}

// New returns an empty registry.
func New[M Member]() *Registry[M] {
	return &Registry[M]{topics: make(map[snapshot.Topic]map[string]M)}
}

// Add subscribes m to topic. Adding the same pair twice is a no-op.
// first reports whether topic went from zero to one member.
func (r *Registry[M]) Add(topic snapshot.Topic, m M) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.topics[topic]
	if !ok {
		set = make(map[string]M)
		r.topics[topic] = set
	}
	if _, dup := set[m.ID()]; dup {
		return false
	}
	set[m.ID()] = m
	return len(set) == 1
}

// RemoveAll drops m from every topic and returns the topics it left,
// sorted. Unknown members are fine.
func (r *Registry[M]) RemoveAll(m M) []snapshot.Topic {
	id := m.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	var left []snapshot.Topic
	for topic, set := range r.topics {
		if _, ok := set[id]; !ok {
			continue
		}
		delete(set, id)
		left = append(left, topic)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
	sortTopics(left)
	return left
}

// Subscribers returns a copy of topic's member set. Order is unspecified.
func (r *Registry[M]) Subscribers(topic snapshot.Topic) []M {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.topics[topic]
	if len(set) == 0 {
		return nil
	}
	out := make([]M, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	return out
}

// Topics lists topics with at least one member, sorted.
func (r *Registry[M]) Topics() []snapshot.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]snapshot.Topic, 0, len(r.topics))
	for topic, set := range r.topics {
		if len(set) > 0 {
			out = append(out, topic)
		}
	}
	sortTopics(out)
	return out
}

// Len is the member count of topic.
func (r *Registry[M]) Len(topic snapshot.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}

// Count is the number of (topic, member) pairs.
func (r *Registry[M]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, set := range r.topics {
		n += len(set)
	}
	return n
}

func sortTopics(ts []snapshot.Topic) {
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
}
