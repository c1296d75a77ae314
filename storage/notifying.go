package storage

import (
	"context"

	log "github.com/sirupsen/logrus"

	"todo-api/domain"
)

// Backend is the document store the adapters read from and write to.
type Backend interface {
	ListTasks(ctx context.Context, owner string) ([]domain.Task, error)
	GetTask(ctx context.Context, owner, id string) (domain.Task, error)
	CommitTasks(ctx context.Context, owner string, ops []domain.TaskOp) error
	GetPreference(ctx context.Context, owner string) (domain.Preference, bool, error)
	MergePreference(ctx context.Context, owner string, patch domain.PreferencePatch) error
	DeletePreference(ctx context.Context, owner string) error
}

// Publisher announces document changes.
type Publisher interface {
	Publish(ctx context.Context, topic, owner string) error
}

// Notifying publishes a change notification after every successful write of
// the wrapped backend.
type Notifying struct {
	Backend
	pub    Publisher
	logger *log.Logger
}

// NewNotifying wraps base so that every successful write is announced on pub.
func NewNotifying(base Backend, pub Publisher, logger *log.Logger) *Notifying {
	if base == nil {
		panic("storage.NewNotifying: base backend is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Notifying{Backend: base, pub: pub, logger: logger}
}

// CommitTasks commits ops and announces the owner's task list as changed.
func (n *Notifying) CommitTasks(ctx context.Context, owner string, ops []domain.TaskOp) error {
	if err := n.Backend.CommitTasks(ctx, owner, ops); err != nil {
		return err
	}
	if len(ops) > 0 {
		n.publish(ctx, domain.TopicTasks, owner)
	}
	return nil
}

// MergePreference merges patch and announces the owner's preference as changed.
func (n *Notifying) MergePreference(ctx context.Context, owner string, patch domain.PreferencePatch) error {
	if err := n.Backend.MergePreference(ctx, owner, patch); err != nil {
		return err
	}
	n.publish(ctx, domain.TopicPreferences, owner)
	return nil
}

// DeletePreference deletes the document and announces the change.
func (n *Notifying) DeletePreference(ctx context.Context, owner string) error {
	if err := n.Backend.DeletePreference(ctx, owner); err != nil {
		return err
	}
	n.publish(ctx, domain.TopicPreferences, owner)
	return nil
}

// publish failures are logged only: the write itself is already durable.
func (n *Notifying) publish(ctx context.Context, topic, owner string) {
	if n.pub == nil {
		return
	}
	if err := n.pub.Publish(context.WithoutCancel(ctx), topic, owner); err != nil {
		n.logger.WithError(err).WithFields(log.Fields{"topic": topic, "owner": owner}).Error("failed to publish change")
	}
}
