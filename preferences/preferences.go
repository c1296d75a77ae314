// Package preferences keeps the per-identity preference document.
package preferences

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"todo-api/domain"
	"todo-api/sink"
	"todo-api/stream"
)

// Store is the part of the document store the adapter needs.
type Store interface {
	GetPreference(ctx context.Context, owner string) (domain.Preference, bool, error)
	MergePreference(ctx context.Context, owner string, patch domain.PreferencePatch) error
	DeletePreference(ctx context.Context, owner string) error
}

// Adapter reads and writes one owner's preference document at a time.
type Adapter struct {
	store   Store
	watcher stream.Watcher
	sink    sink.Reporter
	tracer  trace.Tracer
}

// New creates an Adapter. A nil reporter discards failures.
func New(store Store, watcher stream.Watcher, reporter sink.Reporter) *Adapter {
	if reporter == nil {
		reporter = sink.Discard{}
	}
	return &Adapter{store: store, watcher: watcher, sink: reporter, tracer: otel.Tracer("todo-api/preferences")}
}

// Subscribe streams the owner's preference. A missing document reads as the
// zero Preference.
func (a *Adapter) Subscribe(ctx context.Context, owner string) *stream.Subscription[domain.Preference] {
	fetch := func(ctx context.Context) (domain.Preference, error) {
		p, _, err := a.store.GetPreference(ctx, owner)
		return p, err
	}
	onErr := func(err error) { a.sink.Report(ctx, "preferences.subscribe", owner, err) }
	return stream.Open(ctx, a.watcher, domain.TopicPreferences, owner, fetch, onErr)
}

// SetDarkMode merges the dark mode flag into the owner's document, leaving
// other fields alone.
func (a *Adapter) SetDarkMode(ctx context.Context, owner string, on bool) error {
	return a.run(ctx, "set_dark_mode", owner, func(ctx context.Context) error {
		return a.store.MergePreference(ctx, owner, domain.PreferencePatch{DarkMode: domain.BoolPtr(on)})
	})
}

// Delete removes the owner's document.
func (a *Adapter) Delete(ctx context.Context, owner string) error {
	return a.run(ctx, "delete", owner, func(ctx context.Context) error {
		return a.store.DeletePreference(ctx, owner)
	})
}

func (a *Adapter) run(ctx context.Context, op, owner string, fn func(ctx context.Context) error) error {
	name := "preferences." + op
	ctx, span := a.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("todo.owner", owner)))
	defer span.End()
	err := domain.ErrNoIdentity
	if owner != "" {
		err = fn(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.sink.Report(ctx, name, owner, err)
	}
	return err
}
