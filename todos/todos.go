// Package todos maps a user's task list onto the document store: live
// snapshots in, atomic batches out.
package todos

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"todo-api/domain"
	"todo-api/sink"
	"todo-api/stream"
)

// DefaultMaxRetries bounds how often a batch built from a stale read is
// rebuilt and resubmitted.
const DefaultMaxRetries = 3

// Store is the part of the document store the adapter needs.
type Store interface {
	ListTasks(ctx context.Context, owner string) ([]domain.Task, error)
	GetTask(ctx context.Context, owner, id string) (domain.Task, error)
	CommitTasks(ctx context.Context, owner string, ops []domain.TaskOp) error
}

// Adapter issues task writes for one owner at a time and exposes the owner's
// task list as a snapshot subscription.
type Adapter struct {
	store      Store
	watcher    stream.Watcher
	sink       sink.Reporter
	defaults   []domain.DefaultTask
	tracer     trace.Tracer
	maxRetries int
}

// New creates an Adapter. A nil reporter discards failures.
func New(store Store, watcher stream.Watcher, reporter sink.Reporter, defaults []domain.DefaultTask) *Adapter {
	if reporter == nil {
		reporter = sink.Discard{}
	}
	return &Adapter{
		store:      store,
		watcher:    watcher,
		sink:       reporter,
		defaults:   defaults,
		tracer:     otel.Tracer("todo-api/todos"),
		maxRetries: DefaultMaxRetries,
	}
}

// Subscribe streams the owner's tasks sorted by order. Read failures are
// reported and the stream keeps its last snapshot.
func (a *Adapter) Subscribe(ctx context.Context, owner string) *stream.Subscription[[]domain.Task] {
	fetch := func(ctx context.Context) ([]domain.Task, error) {
		tasks, err := a.store.ListTasks(ctx, owner)
		if err != nil {
			return nil, err
		}
		domain.SortByOrder(tasks)
		return tasks, nil
	}
	onErr := func(err error) { a.sink.Report(ctx, "todos.subscribe", owner, err) }
	return stream.Open(ctx, a.watcher, domain.TopicTasks, owner, fetch, onErr)
}

// Add inserts a task at the top of the list and moves every existing task
// down by one, in a single batch.
func (a *Adapter) Add(ctx context.Context, owner, title string, completed bool) error {
	return a.run(ctx, "add", owner, func(ctx context.Context, span trace.Span) error {
		title := domain.NormalizeTitle(title)
		if title == "" {
			return domain.ErrEmptyTitle
		}
		return a.retry(ctx, span, func() error {
			tasks, err := a.store.ListTasks(ctx, owner)
			if err != nil {
				return err
			}
			if len(tasks)+1 > domain.MaxBatchOps {
				return domain.ErrBatchTooLarge
			}
			ops := make([]domain.TaskOp, 0, len(tasks)+1)
			for _, t := range tasks {
				ops = append(ops, domain.UpdateOp(t.ID, t.Version, domain.TaskPatch{Order: domain.IntPtr(t.Order + 1)}))
			}
			ops = append(ops, domain.InsertOp(domain.Task{Title: title, Completed: completed, Order: 0, OwnerID: owner}))
			return a.commit(ctx, span, owner, ops)
		})
	})
}

// Remove deletes a task. Removing an absent task is not an error.
func (a *Adapter) Remove(ctx context.Context, owner, id string) error {
	return a.run(ctx, "remove", owner, func(ctx context.Context, span trace.Span) error {
		err := a.commit(ctx, span, owner, []domain.TaskOp{domain.DeleteOp(id, "")})
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	})
}

// Toggle flips the completed flag of a task. Toggling an absent task is not
// an error.
func (a *Adapter) Toggle(ctx context.Context, owner, id string) error {
	return a.run(ctx, "toggle", owner, func(ctx context.Context, span trace.Span) error {
		return a.retry(ctx, span, func() error {
			t, err := a.store.GetTask(ctx, owner, id)
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			patch := domain.TaskPatch{Completed: domain.BoolPtr(!t.Completed)}
			return a.commit(ctx, span, owner, []domain.TaskOp{domain.UpdateOp(t.ID, t.Version, patch)})
		})
	})
}

// Reorder sets each task's order to its index in ids. ids must name exactly
// the owner's current tasks.
func (a *Adapter) Reorder(ctx context.Context, owner string, ids []string) error {
	return a.run(ctx, "reorder", owner, func(ctx context.Context, span trace.Span) error {
		return a.retry(ctx, span, func() error {
			tasks, err := a.store.ListTasks(ctx, owner)
			if err != nil {
				return err
			}
			byID, err := matchTaskSet(tasks, ids)
			if err != nil {
				return err
			}
			ops := make([]domain.TaskOp, 0, len(ids))
			for i, id := range ids {
				ops = append(ops, domain.UpdateOp(id, byID[id].Version, domain.TaskPatch{Order: domain.IntPtr(i)}))
			}
			return a.commit(ctx, span, owner, ops)
		})
	})
}

func matchTaskSet(tasks []domain.Task, ids []string) (map[string]domain.Task, error) {
	if len(ids) != len(tasks) {
		return nil, fmt.Errorf("%w: got %d ids for %d tasks", domain.ErrPartialReorder, len(ids), len(tasks))
	}
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: unknown task %s", domain.ErrPartialReorder, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: task %s listed twice", domain.ErrPartialReorder, id)
		}
		seen[id] = struct{}{}
	}
	return byID, nil
}

// ClearCompleted deletes every completed task. Other tasks keep their order.
func (a *Adapter) ClearCompleted(ctx context.Context, owner string) error {
	return a.run(ctx, "clear_completed", owner, func(ctx context.Context, span trace.Span) error {
		return a.retry(ctx, span, func() error {
			tasks, err := a.store.ListTasks(ctx, owner)
			if err != nil {
				return err
			}
			var ops []domain.TaskOp
			for _, t := range tasks {
				if t.Completed {
					ops = append(ops, domain.DeleteOp(t.ID, t.Version))
				}
			}
			return a.commitChunks(ctx, span, owner, ops)
		})
	})
}

// ResetToDefaults inserts the default task set with order equal to each
// default's position. With wipe the owner's current tasks are deleted in the
// same batch.
func (a *Adapter) ResetToDefaults(ctx context.Context, owner string, wipe bool) error {
	return a.run(ctx, "reset", owner, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(attribute.Bool("todo.wipe", wipe))
		return a.retry(ctx, span, func() error {
			var ops []domain.TaskOp
			if wipe {
				tasks, err := a.store.ListTasks(ctx, owner)
				if err != nil {
					return err
				}
				for _, t := range tasks {
					ops = append(ops, domain.DeleteOp(t.ID, t.Version))
				}
			}
			for i, d := range a.defaults {
				ops = append(ops, domain.InsertOp(domain.Task{Title: d.Title, Completed: d.Completed, Order: i, OwnerID: owner}))
			}
			if len(ops) > domain.MaxBatchOps {
				return domain.ErrBatchTooLarge
			}
			return a.commit(ctx, span, owner, ops)
		})
	})
}

// DeleteAllForIdentity removes every task of owner. Large lists are deleted
// in several batches.
func (a *Adapter) DeleteAllForIdentity(ctx context.Context, owner string) error {
	return a.run(ctx, "delete_all", owner, func(ctx context.Context, span trace.Span) error {
		return a.retry(ctx, span, func() error {
			tasks, err := a.store.ListTasks(ctx, owner)
			if err != nil {
				return err
			}
			ops := make([]domain.TaskOp, 0, len(tasks))
			for _, t := range tasks {
				ops = append(ops, domain.DeleteOp(t.ID, ""))
			}
			return a.commitChunks(ctx, span, owner, ops)
		})
	})
}

func (a *Adapter) run(ctx context.Context, op, owner string, fn func(ctx context.Context, span trace.Span) error) error {
	name := "todos." + op
	ctx, span := a.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("todo.owner", owner)))
	defer span.End()
	var err error
	if owner == "" {
		err = domain.ErrNoIdentity
	} else {
		err = fn(ctx, span)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.sink.Report(ctx, name, owner, err)
	}
	return err
}

// retry reruns attempt while it fails because the batch was built from a
// snapshot that changed underneath it.
func (a *Adapter) retry(ctx context.Context, span trace.Span, attempt func() error) error {
	var err error
	for i := 0; i <= a.maxRetries; i++ {
		if i > 0 {
			span.AddEvent("retry", trace.WithAttributes(attribute.Int("todo.attempt", i)))
		}
		err = attempt()
		if !errors.Is(err, domain.ErrConcurrencyConflict) && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (a *Adapter) commit(ctx context.Context, span trace.Span, owner string, ops []domain.TaskOp) error {
	span.SetAttributes(attribute.Int("todo.ops", len(ops)))
	if len(ops) == 0 {
		return nil
	}
	return a.store.CommitTasks(ctx, owner, ops)
}

func (a *Adapter) commitChunks(ctx context.Context, span trace.Span, owner string, ops []domain.TaskOp) error {
	span.SetAttributes(attribute.Int("todo.ops", len(ops)))
	for start := 0; start < len(ops); start += domain.MaxBatchOps {
		end := min(start+domain.MaxBatchOps, len(ops))
		if err := a.store.CommitTasks(ctx, owner, ops[start:end]); err != nil {
			return err
		}
	}
	return nil
}
