package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func newBarePool(t *testing.T, buf int, handoff time.Duration) *WritePool {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return &WritePool{
		jobs:    make(chan writeJob, buf),
		timeout: time.Second,
		handoff: handoff,
		logger:  logger,
	}
}

func TestTryEnqueueWaitsForCapacity(t *testing.T) {
	p := newBarePool(t, 1, 50*time.Millisecond)
	p.jobs <- writeJob{}

	done := make(chan bool, 1)
	go func() {
		done <- p.tryEnqueue(writeJob{})
	}()

	select {
	case <-done:
		t.Fatal("tryEnqueue returned before capacity was freed")
	case <-time.After(20 * time.Millisecond):
	}

	<-p.jobs

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected successful enqueue after capacity freed")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for enqueue completion")
	}
}

func TestTryEnqueueTimesOut(t *testing.T) {
	p := newBarePool(t, 1, 30*time.Millisecond)
	p.jobs <- writeJob{}

	if p.tryEnqueue(writeJob{}) {
		t.Fatal("expected enqueue to fail when timeout elapsed")
	}
	select {
	case <-p.jobs:
	default:
		t.Fatal("expected channel to remain full after timeout")
	}
}

func TestTryEnqueueReturnsFalseWhenClosed(t *testing.T) {
	p := newBarePool(t, 0, 0)
	close(p.jobs)

	if p.tryEnqueue(writeJob{}) {
		t.Fatal("expected enqueue to fail when channel is closed")
	}
}

func TestSubmitRunsInlineWhenSaturated(t *testing.T) {
	p := newBarePool(t, 0, 0)

	var ran atomic.Bool
	p.Submit(writeJob{op: "add", owner: "u", run: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	if !ran.Load() {
		t.Fatal("expected job to run on the calling goroutine")
	}
}

func TestSubmitRollsBackFailedJob(t *testing.T) {
	p := newBarePool(t, 0, 0)

	var rolledBack atomic.Bool
	p.Submit(writeJob{
		op:       "add",
		owner:    "u",
		run:      func(context.Context) error { return errors.New("boom") },
		rollback: func() { rolledBack.Store(true) },
	})
	if !rolledBack.Load() {
		t.Fatal("expected rollback after failed job")
	}
}

func TestWritePoolWorkersDrainOnClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewWritePool(PoolConfig{Workers: 2, Buffer: 16, Timeout: time.Second}, logger)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		p.Submit(writeJob{op: "toggle", run: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("expected job context to carry a deadline")
			}
			count.Add(1)
			return nil
		}})
	}
	p.Close()
	if got := count.Load(); got != 10 {
		t.Fatalf("expected 10 jobs to run, got %d", got)
	}

	// A closed pool still runs work, inline.
	var ran atomic.Bool
	p.Submit(writeJob{op: "toggle", run: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	if !ran.Load() {
		t.Fatal("expected closed pool to run job inline")
	}
}
