package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
	}
	var zero T
	return zero
}

func TestSubscriptionDeliversInitialAndChangedSnapshots(t *testing.T) {
	b := NewBroadcaster()
	var n atomic.Int32
	fetch := func(context.Context) (int32, error) { return n.Add(1), nil }

	sub := Open(context.Background(), b, "tasks", "u1", fetch, nil)
	defer sub.Close()

	if v := receive(t, sub.C()); v != 1 {
		t.Fatalf("expected initial snapshot 1, got %d", v)
	}
	b.Notify("tasks", "u1")
	if v := receive(t, sub.C()); v != 2 {
		t.Fatalf("expected snapshot 2 after change, got %d", v)
	}
}

func TestSubscriptionIgnoresOtherOwners(t *testing.T) {
	b := NewBroadcaster()
	var n atomic.Int32
	sub := Open(context.Background(), b, "tasks", "u1", func(context.Context) (int32, error) { return n.Add(1), nil }, nil)
	defer sub.Close()
	receive(t, sub.C())

	b.Notify("tasks", "u2")
	b.Notify("preferences", "u1")
	select {
	case v := <-sub.C():
		t.Fatalf("unexpected snapshot %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionReportsFetchErrors(t *testing.T) {
	b := NewBroadcaster()
	boom := errors.New("boom")
	var calls atomic.Int32
	fetch := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "ok", nil
	}
	var mu sync.Mutex
	var got []error
	sub := Open(context.Background(), b, "tasks", "u1", fetch, func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	})
	defer sub.Close()

	time.Sleep(20 * time.Millisecond)
	b.Notify("tasks", "u1")
	if v := receive(t, sub.C()); v != "ok" {
		t.Fatalf("unexpected snapshot %q", v)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !errors.Is(got[0], boom) {
		t.Fatalf("expected one reported error, got %v", got)
	}
}

func TestSubscriptionCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	sub := Open(context.Background(), b, "tasks", "u1", func(context.Context) (int, error) { return 1, nil }, nil)
	receive(t, sub.C())

	sub.Close()
	sub.Close()

	b.Notify("tasks", "u1")
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel after Close")
	}
	if w := b.Watchers("tasks", "u1"); w != 0 {
		t.Fatalf("expected watcher to be removed, got %d", w)
	}
}

func TestSubscriptionCloseWhileBlockedOnSend(t *testing.T) {
	b := NewBroadcaster()
	sub := Open(context.Background(), b, "tasks", "u1", func(context.Context) (int, error) { return 1, nil }, nil)

	done := make(chan struct{})
	go func() {
		sub.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return while the pump was blocked")
	}
}

func TestBroadcasterCoalescesNotifications(t *testing.T) {
	b := NewBroadcaster()
	ch, stop := b.Watch("tasks", "u1")
	defer stop()

	b.Notify("tasks", "u1")
	b.Notify("tasks", "u1")
	b.Notify("tasks", "u1")

	<-ch
	select {
	case <-ch:
		t.Fatal("expected notifications to coalesce")
	default:
	}
}
