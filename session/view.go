package session

import (
	"context"
	"sync"

	"todo-api/domain"
	"todo-api/stream"
)

// TaskSource opens task snapshot subscriptions.
type TaskSource interface {
	Subscribe(ctx context.Context, owner string) *stream.Subscription[[]domain.Task]
}

// PreferenceSource opens preference snapshot subscriptions.
type PreferenceSource interface {
	Subscribe(ctx context.Context, owner string) *stream.Subscription[domain.Preference]
}

// EventKind says which part of a Snapshot changed.
type EventKind int

const (
	EventIdentity EventKind = iota + 1
	EventTasks
	EventPreferences
)

func (k EventKind) String() string {
	switch k {
	case EventIdentity:
		return "identity"
	case EventTasks:
		return "tasks"
	case EventPreferences:
		return "preferences"
	default:
		return "unknown"
	}
}

// Snapshot is the local state of a session. Tasks and Preference are only
// ever replaced wholesale by the latest store snapshot.
type Snapshot struct {
	Generation       uint64
	Auth             domain.AuthState
	Tasks            []domain.Task
	TasksLoaded      bool
	Preference       domain.Preference
	PreferenceLoaded bool
}

// Event is passed to the View's change callback.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
}

// View keeps a session's local state subscribed to the current identity.
type View struct {
	tasks    TaskSource
	prefs    PreferenceSource
	onChange func(Event)

	// bindMu serializes Bind and Close.
	bindMu  sync.Mutex
	cancel  context.CancelFunc
	taskSub *stream.Subscription[[]domain.Task]
	prefSub *stream.Subscription[domain.Preference]
	wg      sync.WaitGroup

	mu   sync.Mutex
	snap Snapshot
}

// NewView creates an unbound view. onChange must not block.
func NewView(tasks TaskSource, prefs PreferenceSource, onChange func(Event)) *View {
	if onChange == nil {
		onChange = func(Event) {}
	}
	return &View{tasks: tasks, prefs: prefs, onChange: onChange}
}

// Bind points the view at st's identity. Subscriptions of the previous
// identity are closed, and their forwarders drained, before anything of the
// new identity is delivered. Rebinding the same identity only refreshes it.
func (v *View) Bind(ctx context.Context, st domain.AuthState) {
	v.bindMu.Lock()
	defer v.bindMu.Unlock()

	v.mu.Lock()
	prev := v.snap.Auth.Identity
	if prev != nil && st.Identity != nil && prev.ID == st.Identity.ID {
		v.snap.Auth = st
		snap := v.copyLocked()
		v.mu.Unlock()
		v.onChange(Event{Kind: EventIdentity, Snapshot: snap})
		return
	}
	v.mu.Unlock()

	v.unbindLocked()

	v.mu.Lock()
	v.snap = Snapshot{Generation: v.snap.Generation + 1, Auth: st}
	gen := v.snap.Generation
	snap := v.copyLocked()
	v.mu.Unlock()
	v.onChange(Event{Kind: EventIdentity, Snapshot: snap})

	if st.Identity == nil {
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	owner := st.Identity.ID
	v.taskSub = v.tasks.Subscribe(subCtx, owner)
	v.prefSub = v.prefs.Subscribe(subCtx, owner)

	v.wg.Add(2)
	go func(sub *stream.Subscription[[]domain.Task]) {
		defer v.wg.Done()
		for tasks := range sub.C() {
			v.update(gen, EventTasks, func(s *Snapshot) {
				s.Tasks = tasks
				s.TasksLoaded = true
			})
		}
	}(v.taskSub)
	go func(sub *stream.Subscription[domain.Preference]) {
		defer v.wg.Done()
		for p := range sub.C() {
			v.update(gen, EventPreferences, func(s *Snapshot) {
				s.Preference = p
				s.PreferenceLoaded = true
			})
		}
	}(v.prefSub)
}

func (v *View) unbindLocked() {
	if v.taskSub != nil {
		v.taskSub.Close()
		v.taskSub = nil
	}
	if v.prefSub != nil {
		v.prefSub.Close()
		v.prefSub = nil
	}
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	v.wg.Wait()
}

func (v *View) update(gen uint64, kind EventKind, mutate func(*Snapshot)) {
	v.mu.Lock()
	if v.snap.Generation != gen {
		v.mu.Unlock()
		return
	}
	mutate(&v.snap)
	snap := v.copyLocked()
	v.mu.Unlock()
	v.onChange(Event{Kind: kind, Snapshot: snap})
}

func (v *View) copyLocked() Snapshot {
	snap := v.snap
	snap.Tasks = append([]domain.Task(nil), v.snap.Tasks...)
	return snap
}

// Snapshot returns a copy of the current local state.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.copyLocked()
}

// Close ends every subscription. The view can be bound again afterwards.
func (v *View) Close() {
	v.bindMu.Lock()
	defer v.bindMu.Unlock()
	v.unbindLocked()
	v.mu.Lock()
	v.snap.Generation++
	v.mu.Unlock()
}
