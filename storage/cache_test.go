package storage

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"todo-api/domain"
)

type stubBackend struct {
	listTasksFn        func(ctx context.Context, owner string) ([]domain.Task, error)
	commitTasksFn      func(ctx context.Context, owner string, ops []domain.TaskOp) error
	getPreferenceFn    func(ctx context.Context, owner string) (domain.Preference, bool, error)
	mergePreferenceFn  func(ctx context.Context, owner string, patch domain.PreferencePatch) error
	deletePreferenceFn func(ctx context.Context, owner string) error
}

func (s *stubBackend) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	if s.listTasksFn == nil {
		return nil, errors.New("unexpected ListTasks call")
	}
	return s.listTasksFn(ctx, owner)
}

func (s *stubBackend) GetTask(context.Context, string, string) (domain.Task, error) {
	return domain.Task{}, errors.New("unexpected GetTask call")
}

func (s *stubBackend) CommitTasks(ctx context.Context, owner string, ops []domain.TaskOp) error {
	if s.commitTasksFn == nil {
		return errors.New("unexpected CommitTasks call")
	}
	return s.commitTasksFn(ctx, owner, ops)
}

func (s *stubBackend) GetPreference(ctx context.Context, owner string) (domain.Preference, bool, error) {
	if s.getPreferenceFn == nil {
		return domain.Preference{}, false, errors.New("unexpected GetPreference call")
	}
	return s.getPreferenceFn(ctx, owner)
}

func (s *stubBackend) MergePreference(ctx context.Context, owner string, patch domain.PreferencePatch) error {
	if s.mergePreferenceFn == nil {
		return errors.New("unexpected MergePreference call")
	}
	return s.mergePreferenceFn(ctx, owner, patch)
}

func (s *stubBackend) DeletePreference(ctx context.Context, owner string) error {
	if s.deletePreferenceFn == nil {
		return errors.New("unexpected DeletePreference call")
	}
	return s.deletePreferenceFn(ctx, owner)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheListTasksMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	owner := "owner-1"
	expected := []domain.Task{{ID: "t1", Title: "Write code", Order: 0, OwnerID: owner, Version: "W/\"1\""}}

	var calls int
	cache := NewCache(&stubBackend{
		listTasksFn: func(ctx context.Context, o string) ([]domain.Task, error) {
			calls++
			if o != owner {
				t.Fatalf("unexpected owner: %s", o)
			}
			return append([]domain.Task(nil), expected...), nil
		},
	}, client, time.Minute)

	tasks, err := cache.ListTasks(ctx, owner)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if ttl := mr.TTL(tasksCacheKey(owner)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.ListTasks(ctx, owner)
	if err != nil {
		t.Fatalf("list cached tasks: %v", err)
	}
	if !reflect.DeepEqual(cached, expected) {
		t.Fatalf("cached tasks lost fields: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached read to avoid backend, calls=%d", calls)
	}
}

func TestCacheGetPreferenceRemembersAbsence(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	var calls int
	cache := NewCache(&stubBackend{
		getPreferenceFn: func(context.Context, string) (domain.Preference, bool, error) {
			calls++
			return domain.Preference{}, false, nil
		},
	}, client, time.Minute)

	for i := 0; i < 2; i++ {
		_, ok, err := cache.GetPreference(ctx, "owner")
		if err != nil {
			t.Fatalf("get preference: %v", err)
		}
		if ok {
			t.Fatalf("expected missing preference")
		}
	}
	if calls != 1 {
		t.Fatalf("expected one backend read, got %d", calls)
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	if err := client.Set(ctx, tasksCacheKey("owner"), []byte("{not json"), time.Hour).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	cache := NewCache(&stubBackend{
		listTasksFn: func(context.Context, string) ([]domain.Task, error) {
			return []domain.Task{{ID: "t1"}}, nil
		},
	}, client, 0)

	tasks, err := cache.ListTasks(ctx, "owner")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected backend tasks, got %#v", tasks)
	}
	if mr.Exists(tasksCacheKey("owner")) {
		t.Fatalf("zero TTL must not populate the cache")
	}
}

func TestCacheCommitEvictsTasks(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	owner := "evict-owner"
	if err := client.Set(ctx, tasksCacheKey(owner), []byte("[]"), time.Hour).Err(); err != nil {
		t.Fatalf("seed tasks cache: %v", err)
	}
	if err := client.Set(ctx, preferencesCacheKey(owner), []byte("{}"), time.Hour).Err(); err != nil {
		t.Fatalf("seed preferences cache: %v", err)
	}

	var calls int
	cache := NewCache(&stubBackend{
		commitTasksFn: func(_ context.Context, o string, ops []domain.TaskOp) error {
			calls++
			if o != owner || len(ops) != 1 {
				t.Fatalf("unexpected commit %s %#v", o, ops)
			}
			return nil
		},
	}, client, time.Minute)

	if err := cache.CommitTasks(ctx, owner, []domain.TaskOp{domain.DeleteOp("t1", "")}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected backend commit, got %d calls", calls)
	}
	if mr.Exists(tasksCacheKey(owner)) {
		t.Fatalf("tasks cache key should be evicted")
	}
	if !mr.Exists(preferencesCacheKey(owner)) {
		t.Fatalf("preferences cache key should be untouched")
	}
}

func TestCacheFailedCommitStillEvicts(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	owner := "evict-error"
	if err := client.Set(ctx, tasksCacheKey(owner), []byte("[]"), time.Hour).Err(); err != nil {
		t.Fatalf("seed tasks cache: %v", err)
	}
	cache := NewCache(&stubBackend{
		commitTasksFn: func(context.Context, string, []domain.TaskOp) error {
			return domain.ErrConcurrencyConflict
		},
	}, client, time.Minute)

	err := cache.CommitTasks(ctx, owner, []domain.TaskOp{domain.DeleteOp("t1", "v1")})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if mr.Exists(tasksCacheKey(owner)) {
		t.Fatalf("tasks cache should be evicted after a failed commit")
	}
}

func TestCacheMergePreferenceEvicts(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	owner := "pref-owner"
	if err := client.Set(ctx, preferencesCacheKey(owner), []byte(`{"preference":{"darkMode":false},"exists":true}`), time.Hour).Err(); err != nil {
		t.Fatalf("seed preferences cache: %v", err)
	}
	var got domain.PreferencePatch
	cache := NewCache(&stubBackend{
		mergePreferenceFn: func(_ context.Context, _ string, patch domain.PreferencePatch) error {
			got = patch
			return nil
		},
	}, client, time.Minute)

	if err := cache.MergePreference(ctx, owner, domain.PreferencePatch{DarkMode: domain.BoolPtr(true)}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got.DarkMode == nil || !*got.DarkMode {
		t.Fatalf("unexpected patch %#v", got)
	}
	if mr.Exists(preferencesCacheKey(owner)) {
		t.Fatalf("preferences cache key should be evicted")
	}
}

func TestCacheWithoutRedisPassesThrough(t *testing.T) {
	var calls int
	cache := NewCache(&stubBackend{
		listTasksFn: func(context.Context, string) ([]domain.Task, error) {
			calls++
			return nil, nil
		},
		commitTasksFn: func(context.Context, string, []domain.TaskOp) error { return nil },
	}, nil, time.Minute)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := cache.ListTasks(ctx, "owner"); err != nil {
			t.Fatalf("list tasks: %v", err)
		}
	}
	if err := cache.CommitTasks(ctx, "owner", nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected every read to reach the backend, got %d", calls)
	}
}

func TestCacheFillStartedBeforeWriteIsDiscarded(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	owner := "racing-owner"

	var mu sync.Mutex
	backend := []domain.Task{{ID: "t1", Title: "Water plants", OwnerID: owner, Version: "v1"}}
	reading := make(chan struct{})
	release := make(chan struct{})
	gated := true
	cache := NewCache(&stubBackend{
		listTasksFn: func(context.Context, string) ([]domain.Task, error) {
			mu.Lock()
			snapshot := append([]domain.Task(nil), backend...)
			wait := gated
			gated = false
			mu.Unlock()
			if wait {
				close(reading)
				<-release
			}
			return snapshot, nil
		},
		commitTasksFn: func(context.Context, string, []domain.TaskOp) error {
			mu.Lock()
			backend[0].Completed = true
			backend[0].Version = "v2"
			mu.Unlock()
			return nil
		},
	}, client, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := cache.ListTasks(ctx, owner)
		done <- err
	}()
	<-reading
	patch := domain.TaskPatch{Completed: domain.BoolPtr(true)}
	if err := cache.CommitTasks(ctx, owner, []domain.TaskOp{domain.UpdateOp("t1", "v1", patch)}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("list tasks: %v", err)
	}

	if mr.Exists(tasksCacheKey(owner)) {
		t.Fatalf("read that started before the write must not fill the cache")
	}
	tasks, err := cache.ListTasks(ctx, owner)
	if err != nil {
		t.Fatalf("list tasks after write: %v", err)
	}
	if len(tasks) != 1 || !tasks[0].Completed || tasks[0].Version != "v2" {
		t.Fatalf("expected post-write snapshot, got %#v", tasks)
	}
	if !mr.Exists(tasksCacheKey(owner)) {
		t.Fatalf("fresh read should fill the cache")
	}
}
