package stream

import (
	"context"
	"sync"
)

// Broadcaster fans change notifications out to local watchers keyed by
// topic and owner. Notifications coalesce: a watcher that has not drained
// its previous signal receives nothing new.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewBroadcaster creates a Broadcaster with no watchers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan struct{}]struct{})}
}

// Watch registers a watcher for (topic, owner). The returned func removes it
// and is safe to call more than once.
func (b *Broadcaster) Watch(topic, owner string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	k := watchKey(topic, owner)
	b.mu.Lock()
	set, ok := b.subs[k]
	if !ok {
		set = make(map[chan struct{}]struct{})
		b.subs[k] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			set := b.subs[k]
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, k)
			}
		})
	}
}

// Notify signals every watcher of (topic, owner).
func (b *Broadcaster) Notify(topic, owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[watchKey(topic, owner)] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watchers returns the number of watchers registered for (topic, owner).
func (b *Broadcaster) Watchers(topic, owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[watchKey(topic, owner)])
}

func watchKey(topic, owner string) string {
	return topic + ":" + owner
}

// Publish notifies local watchers. It lets a Broadcaster stand in for the
// redis notifier when the service runs on a single instance.
func (b *Broadcaster) Publish(_ context.Context, topic, owner string) error {
	b.Notify(topic, owner)
	return nil
}
