// Package stream implements live snapshot subscriptions: a query result that
// is re-delivered in full every time the store reports a change.
package stream

import (
	"context"
	"sync"
)

// Watcher hands out change notifications for one (topic, owner) pair.
type Watcher interface {
	Watch(topic, owner string) (<-chan struct{}, func())
}

// FetchFunc loads the current snapshot.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Subscription delivers snapshots of T until it is closed.
type Subscription[T any] struct {
	ch     chan T
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Open starts a subscription. The first snapshot is fetched immediately and
// a new one after every change notification. A failed fetch is passed to
// onErr and the subscription waits for the next notification, so consumers
// keep the last state they saw.
func Open[T any](ctx context.Context, w Watcher, topic, owner string, fetch FetchFunc[T], onErr func(error)) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	// Register before the first fetch so a change racing with it is not lost.
	notes, stop := w.Watch(topic, owner)
	s := &Subscription[T]{
		ch:     make(chan T),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump(ctx, notes, stop, fetch, onErr)
	return s
}

func (s *Subscription[T]) pump(ctx context.Context, notes <-chan struct{}, stop func(), fetch FetchFunc[T], onErr func(error)) {
	defer close(s.done)
	defer close(s.ch)
	defer stop()
	for {
		v, err := fetch(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			if onErr != nil {
				onErr(err)
			}
		default:
			select {
			case s.ch <- v:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notes:
			if !ok {
				return
			}
		}
	}
}

// C returns the snapshot channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Done is closed once the subscription has fully stopped.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Close stops the subscription and waits for it to wind down. After Close
// returns no further snapshot is delivered. Close is idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
	<-s.done
}
