package todos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"todo-api/domain"
	"todo-api/storage"
	"todo-api/stream"
)

type report struct {
	op, owner string
	err       error
}

type recordingSink struct {
	mu      sync.Mutex
	reports []report
}

func (s *recordingSink) Report(_ context.Context, op, owner string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report{op: op, owner: owner, err: err})
}

func (s *recordingSink) all() []report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]report(nil), s.reports...)
}

// flakyStore fails the first commits with the configured error, optionally
// running a concurrent write right before failing.
type flakyStore struct {
	*storage.MemStore
	failures int
	err      error
	before   func()
	commits  int
}

func (f *flakyStore) CommitTasks(ctx context.Context, owner string, ops []domain.TaskOp) error {
	f.commits++
	if f.before != nil {
		before := f.before
		f.before = nil
		before()
	}
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return f.MemStore.CommitTasks(ctx, owner, ops)
}

var testDefaults = []domain.DefaultTask{
	{Title: "first", Completed: true},
	{Title: "second"},
	{Title: "third"},
}

func newAdapter(store Store) (*Adapter, *recordingSink) {
	rs := &recordingSink{}
	return New(store, stream.NewBroadcaster(), rs, testDefaults), rs
}

func list(t *testing.T, store Store, owner string) []domain.Task {
	t.Helper()
	tasks, err := store.ListTasks(context.Background(), owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return tasks
}

func byTitle(tasks []domain.Task) map[string]domain.Task {
	out := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		out[t.Title] = t
	}
	return out
}

func TestAddShiftsExistingTasksDown(t *testing.T) {
	store := storage.NewMemStore()
	a, _ := newAdapter(store)
	ctx := context.Background()

	for _, title := range []string{"one", "two", "three"} {
		if err := a.Add(ctx, "alice", title, false); err != nil {
			t.Fatalf("add %s: %v", title, err)
		}
	}
	if err := a.Add(ctx, "alice", "  four  ", true); err != nil {
		t.Fatalf("add: %v", err)
	}
	tasks := list(t, store, "alice")
	want := []string{"four", "three", "two", "one"}
	if len(tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(tasks))
	}
	for i, task := range tasks {
		if task.Title != want[i] || task.Order != i {
			t.Fatalf("position %d: got %q order %d", i, task.Title, task.Order)
		}
		if task.OwnerID != "alice" {
			t.Fatalf("unexpected owner %q", task.OwnerID)
		}
	}
	if !tasks[0].Completed {
		t.Fatalf("completed flag not stored")
	}
}

func TestAddFailureLeavesStateUnchanged(t *testing.T) {
	mem := storage.NewMemStore()
	a, rs := newAdapter(mem)
	ctx := context.Background()
	if err := a.Add(ctx, "alice", "one", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	before := list(t, mem, "alice")

	boom := errors.New("network down")
	failing := &flakyStore{MemStore: mem, failures: 1, err: boom}
	a.store = failing
	if err := a.Add(ctx, "alice", "two", false); !errors.Is(err, boom) {
		t.Fatalf("expected network error, got %v", err)
	}
	after := list(t, mem, "alice")
	if len(after) != 1 || after[0].Order != before[0].Order || after[0].Version != before[0].Version {
		t.Fatalf("failed add changed state: %#v", after)
	}
	reports := rs.all()
	if len(reports) != 1 || reports[0].op != "todos.add" || reports[0].owner != "alice" || !errors.Is(reports[0].err, boom) {
		t.Fatalf("unexpected reports %#v", reports)
	}
}

func TestAddRejectsEmptyTitle(t *testing.T) {
	store := storage.NewMemStore()
	a, rs := newAdapter(store)
	if err := a.Add(context.Background(), "alice", "   ", false); !errors.Is(err, domain.ErrEmptyTitle) {
		t.Fatalf("expected empty title error, got %v", err)
	}
	if len(list(t, store, "alice")) != 0 {
		t.Fatalf("empty title stored")
	}
	if len(rs.all()) != 1 {
		t.Fatalf("empty title not reported")
	}
}

func TestAddRetriesAfterConcurrentAdd(t *testing.T) {
	mem := storage.NewMemStore()
	a, _ := newAdapter(mem)
	ctx := context.Background()
	if err := a.Add(ctx, "alice", "one", false); err != nil {
		t.Fatalf("add: %v", err)
	}

	other, _ := newAdapter(mem)
	flaky := &flakyStore{MemStore: mem, before: func() {
		if err := other.Add(ctx, "alice", "racer", false); err != nil {
			t.Errorf("concurrent add: %v", err)
		}
	}}
	a.store = flaky
	if err := a.Add(ctx, "alice", "two", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	if flaky.commits != 2 {
		t.Fatalf("expected a retry after the conflict, got %d commits", flaky.commits)
	}
	tasks := list(t, mem, "alice")
	seen := map[int]bool{}
	for _, task := range tasks {
		if seen[task.Order] {
			t.Fatalf("duplicate order %d in %#v", task.Order, tasks)
		}
		seen[task.Order] = true
	}
	if tasks[0].Title != "two" || len(tasks) != 3 {
		t.Fatalf("unexpected tasks %#v", tasks)
	}
}

func TestRetriesAreBounded(t *testing.T) {
	mem := storage.NewMemStore()
	flaky := &flakyStore{MemStore: mem, failures: 100, err: domain.ErrConcurrencyConflict}
	a, rs := newAdapter(flaky)
	err := a.Add(context.Background(), "alice", "one", false)
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if flaky.commits != DefaultMaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", DefaultMaxRetries+1, flaky.commits)
	}
	if len(rs.all()) != 1 {
		t.Fatalf("expected one report")
	}
}

func TestReorderAssignsIndexes(t *testing.T) {
	store := storage.NewMemStore()
	a, _ := newAdapter(store)
	ctx := context.Background()
	for _, title := range []string{"t3", "t2", "t1"} {
		if err := a.Add(ctx, "alice", title, false); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	tasks := byTitle(list(t, store, "alice"))
	ids := []string{tasks["t3"].ID, tasks["t1"].ID, tasks["t2"].ID}
	if err := a.Reorder(ctx, "alice", ids); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	got := byTitle(list(t, store, "alice"))
	if got["t3"].Order != 0 || got["t1"].Order != 1 || got["t2"].Order != 2 {
		t.Fatalf("unexpected orders %#v", got)
	}
}

func TestReorderRejectsPartialLists(t *testing.T) {
	store := storage.NewMemStore()
	a, _ := newAdapter(store)
	ctx := context.Background()
	for _, title := range []string{"a", "b"} {
		if err := a.Add(ctx, "alice", title, false); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	tasks := list(t, store, "alice")
	cases := map[string][]string{
		"missing":   {tasks[0].ID},
		"duplicate": {tasks[0].ID, tasks[0].ID},
		"unknown":   {tasks[0].ID, "ghost"},
	}
	for name, ids := range cases {
		t.Run(name, func(t *testing.T) {
			if err := a.Reorder(ctx, "alice", ids); !errors.Is(err, domain.ErrPartialReorder) {
				t.Fatalf("expected partial reorder error, got %v", err)
			}
		})
	}
	after := list(t, store, "alice")
	for i := range after {
		if after[i].Order != tasks[i].Order {
			t.Fatalf("rejected reorder changed state")
		}
	}
}

func TestToggleFlipsAndIgnoresAbsentTasks(t *testing.T) {
	store := storage.NewMemStore()
	a, rs := newAdapter(store)
	ctx := context.Background()
	if err := a.Add(ctx, "alice", "a", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	id := list(t, store, "alice")[0].ID
	if err := a.Toggle(ctx, "alice", id); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !list(t, store, "alice")[0].Completed {
		t.Fatalf("toggle did not complete the task")
	}
	if err := a.Toggle(ctx, "alice", id); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if list(t, store, "alice")[0].Completed {
		t.Fatalf("second toggle did not reopen the task")
	}
	if err := a.Toggle(ctx, "alice", "ghost"); err != nil {
		t.Fatalf("toggle of absent task: %v", err)
	}
	if err := a.Toggle(ctx, "bob", id); err != nil {
		t.Fatalf("toggle of another owner's task: %v", err)
	}
	if len(rs.all()) != 0 {
		t.Fatalf("unexpected reports %#v", rs.all())
	}
}

func TestRemoveIgnoresAbsentTasks(t *testing.T) {
	store := storage.NewMemStore()
	a, _ := newAdapter(store)
	ctx := context.Background()
	if err := a.Add(ctx, "alice", "a", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	id := list(t, store, "alice")[0].ID
	if err := a.Remove(ctx, "alice", id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := a.Remove(ctx, "alice", id); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if len(list(t, store, "alice")) != 0 {
		t.Fatalf("task not removed")
	}
}

func TestClearCompletedKeepsOtherOrders(t *testing.T) {
	store := storage.NewMemStore()
	a, _ := newAdapter(store)
	ctx := context.Background()
	for i, title := range []string{"a", "b", "c", "d"} {
		if err := a.Add(ctx, "alice", title, i%2 == 0); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	before := byTitle(list(t, store, "alice"))
	if err := a.ClearCompleted(ctx, "alice"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	after := list(t, store, "alice")
	if len(after) != 2 {
		t.Fatalf("expected 2 tasks, got %#v", after)
	}
	for _, task := range after {
		if task.Completed {
			t.Fatalf("completed task survived: %#v", task)
		}
		if task.Order != before[task.Title].Order {
			t.Fatalf("order of %s changed", task.Title)
		}
	}
	if err := a.ClearCompleted(ctx, "alice"); err != nil {
		t.Fatalf("clear with nothing completed: %v", err)
	}
}

func TestResetToDefaults(t *testing.T) {
	store := storage.NewMemStore()
	a, _ := newAdapter(store)
	ctx := context.Background()
	if err := a.Add(ctx, "alice", "mine", false); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := a.ResetToDefaults(ctx, "alice", false); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := list(t, store, "alice"); len(got) != len(testDefaults)+1 {
		t.Fatalf("reset without wipe dropped tasks: %#v", got)
	}

	if err := a.ResetToDefaults(ctx, "alice", true); err != nil {
		t.Fatalf("reset with wipe: %v", err)
	}
	got := list(t, store, "alice")
	if len(got) != len(testDefaults) {
		t.Fatalf("expected only defaults, got %#v", got)
	}
	for i, d := range testDefaults {
		if got[i].Title != d.Title || got[i].Completed != d.Completed || got[i].Order != i {
			t.Fatalf("default %d: got %#v", i, got[i])
		}
	}
}

func TestResetWithWipeRefusesOversizedBatch(t *testing.T) {
	store := storage.NewMemStore()
	a, _ := newAdapter(store)
	ctx := context.Background()
	ops := make([]domain.TaskOp, domain.MaxBatchOps-1)
	for i := range ops {
		ops[i] = domain.InsertOp(domain.Task{Title: "x", Order: i})
	}
	if err := store.CommitTasks(ctx, "alice", ops); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := a.ResetToDefaults(ctx, "alice", true); !errors.Is(err, domain.ErrBatchTooLarge) {
		t.Fatalf("expected batch too large, got %v", err)
	}
	if n := len(list(t, store, "alice")); n != domain.MaxBatchOps-1 {
		t.Fatalf("refused reset changed state: %d tasks", n)
	}
}

func TestDeleteAllForIdentityChunksLargeLists(t *testing.T) {
	store := storage.NewMemStore()
	a, _ := newAdapter(store)
	ctx := context.Background()
	for batch := 0; batch < 2; batch++ {
		ops := make([]domain.TaskOp, 80)
		for i := range ops {
			ops[i] = domain.InsertOp(domain.Task{Title: "x", Order: batch*80 + i})
		}
		if err := store.CommitTasks(ctx, "alice", ops); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := a.Add(ctx, "bob", "keep", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.DeleteAllForIdentity(ctx, "alice"); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if n := len(list(t, store, "alice")); n != 0 {
		t.Fatalf("expected no tasks, got %d", n)
	}
	if n := len(list(t, store, "bob")); n != 1 {
		t.Fatalf("other owner affected: %d tasks", n)
	}
}

func TestOperationsRequireOwner(t *testing.T) {
	a, rs := newAdapter(storage.NewMemStore())
	if err := a.Add(context.Background(), "", "a", false); !errors.Is(err, domain.ErrNoIdentity) {
		t.Fatalf("expected no identity, got %v", err)
	}
	if len(rs.all()) != 1 {
		t.Fatalf("missing owner not reported")
	}
}

func TestSubscribeDeliversSnapshotsAfterWrites(t *testing.T) {
	b := stream.NewBroadcaster()
	store := storage.NewNotifying(storage.NewMemStore(), b, nil)
	a := New(store, b, nil, testDefaults)
	ctx := context.Background()

	sub := a.Subscribe(ctx, "alice")
	defer sub.Close()
	next := func() []domain.Task {
		t.Helper()
		select {
		case tasks := <-sub.C():
			return tasks
		case <-time.After(time.Second):
			t.Fatal("no snapshot")
			return nil
		}
	}
	if got := next(); len(got) != 0 {
		t.Fatalf("expected empty initial snapshot, got %#v", got)
	}
	if err := a.Add(ctx, "alice", "a", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	got := next()
	if len(got) != 1 || got[0].Title != "a" {
		t.Fatalf("unexpected snapshot %#v", got)
	}
	if err := a.Add(ctx, "bob", "b", false); err != nil {
		t.Fatalf("add: %v", err)
	}
	select {
	case tasks := <-sub.C():
		t.Fatalf("received another owner's change: %#v", tasks)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWritesAreTraced(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	a, _ := newAdapter(storage.NewMemStore())
	if err := a.ResetToDefaults(context.Background(), "alice", false); err != nil {
		t.Fatalf("reset: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "todos.reset" {
		t.Fatalf("unexpected spans %#v", spans)
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	if attrs["todo.owner"].AsString() != "alice" || attrs["todo.ops"].AsInt64() != int64(len(testDefaults)) {
		t.Fatalf("unexpected attributes %#v", spans[0].Attributes)
	}
}
