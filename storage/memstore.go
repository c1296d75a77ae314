package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"todo-api/domain"
)

// MemStore is an in-process document store with the same batch and
// concurrency semantics as Storage. It backs single-instance deployments and
// tests.
type MemStore struct {
	mu          sync.Mutex
	seq         uint64
	tasks       map[string]map[string]domain.Task
	prefs       map[string]domain.Preference
	identities  map[string]domain.IdentityRecord
	credentials map[string]domain.CredentialRecord
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:       make(map[string]map[string]domain.Task),
		prefs:       make(map[string]domain.Preference),
		identities:  make(map[string]domain.IdentityRecord),
		credentials: make(map[string]domain.CredentialRecord),
	}
}

func (m *MemStore) nextVersion() string {
	m.seq++
	return strconv.FormatUint(m.seq, 10)
}

// ListTasks returns owner's tasks sorted by order.
func (m *MemStore) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := make([]domain.Task, 0, len(m.tasks[owner]))
	for _, t := range m.tasks[owner] {
		tasks = append(tasks, t)
	}
	domain.SortByOrder(tasks)
	return tasks, nil
}

// GetTask reads one task. A missing task yields domain.ErrNotFound.
func (m *MemStore) GetTask(ctx context.Context, owner, id string) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[owner][id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

// CommitTasks validates the whole batch against the current state before
// applying any of it.
func (m *MemStore) CommitTasks(ctx context.Context, owner string, ops []domain.TaskOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ops) > domain.MaxBatchOps {
		return domain.ErrBatchTooLarge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.tasks[owner]
	touched := make(map[string]struct{}, len(ops))
	ids := make([]string, len(ops))
	for i, op := range ops {
		id := op.Task.ID
		if op.Kind == domain.OpInsert && id == "" {
			id = uuid.NewString()
		}
		if _, dup := touched[id]; dup {
			return fmt.Errorf("task %s appears twice in one batch", id)
		}
		touched[id] = struct{}{}
		ids[i] = id
		existing, exists := current[id]
		switch op.Kind {
		case domain.OpInsert:
			if exists {
				return fmt.Errorf("%w: task %s already exists", domain.ErrConcurrencyConflict, id)
			}
		case domain.OpUpdate, domain.OpDelete:
			if !exists {
				return fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
			}
			if op.Task.Version != "" && op.Task.Version != existing.Version {
				return fmt.Errorf("%w: task %s changed", domain.ErrConcurrencyConflict, id)
			}
		default:
			return fmt.Errorf("unknown task op %d", op.Kind)
		}
	}
	if len(ops) == 0 {
		return nil
	}
	if current == nil {
		current = make(map[string]domain.Task)
		m.tasks[owner] = current
	}
	for i, op := range ops {
		id := ids[i]
		switch op.Kind {
		case domain.OpInsert:
			t := op.Task
			t.ID = id
			t.OwnerID = owner
			t.Version = m.nextVersion()
			current[id] = t
		case domain.OpUpdate:
			t := current[id]
			if op.Patch.Completed != nil {
				t.Completed = *op.Patch.Completed
			}
			if op.Patch.Order != nil {
				t.Order = *op.Patch.Order
			}
			t.Version = m.nextVersion()
			current[id] = t
		case domain.OpDelete:
			delete(current, id)
		}
	}
	if len(current) == 0 {
		delete(m.tasks, owner)
	}
	return nil
}

// GetPreference reads owner's preference. ok is false when none was written.
func (m *MemStore) GetPreference(ctx context.Context, owner string) (domain.Preference, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Preference{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[owner]
	return p, ok, nil
}

// MergePreference creates the preference or merges patch into it.
func (m *MemStore) MergePreference(ctx context.Context, owner string, patch domain.PreferencePatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.prefs[owner]
	if patch.DarkMode != nil {
		p.DarkMode = *patch.DarkMode
	}
	m.prefs[owner] = p
	return nil
}

// DeletePreference removes owner's preference. Deleting a missing one succeeds.
func (m *MemStore) DeletePreference(ctx context.Context, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prefs, owner)
	return nil
}

// CreateIdentity stores a new identity record.
func (m *MemStore) CreateIdentity(ctx context.Context, rec domain.IdentityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[rec.ID]; ok {
		return fmt.Errorf("%w: identity %s exists", domain.ErrConcurrencyConflict, rec.ID)
	}
	m.identities[rec.ID] = cloneRecord(rec)
	return nil
}

// GetIdentity reads an identity. Missing identities yield domain.ErrIdentityNotFound.
func (m *MemStore) GetIdentity(ctx context.Context, id string) (domain.IdentityRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdentityRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.identities[id]
	if !ok {
		return domain.IdentityRecord{}, domain.ErrIdentityNotFound
	}
	return cloneRecord(rec), nil
}

// SaveIdentity replaces an existing identity record.
func (m *MemStore) SaveIdentity(ctx context.Context, rec domain.IdentityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[rec.ID]; !ok {
		return domain.ErrIdentityNotFound
	}
	m.identities[rec.ID] = cloneRecord(rec)
	return nil
}

// DeleteIdentity removes an identity. Deleting a missing one succeeds.
func (m *MemStore) DeleteIdentity(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities, id)
	return nil
}

func credentialKey(provider, subject string) string {
	return provider + "\x00" + subject
}

// GetCredential looks a credential up. Missing credentials yield domain.ErrNotFound.
func (m *MemStore) GetCredential(ctx context.Context, provider, subject string) (domain.CredentialRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.CredentialRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.credentials[credentialKey(provider, subject)]
	if !ok {
		return domain.CredentialRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// AddCredential binds a credential to an identity. A credential already
// claimed yields domain.ErrCredentialTaken.
func (m *MemStore) AddCredential(ctx context.Context, rec domain.CredentialRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := credentialKey(rec.Provider, rec.Subject)
	if _, ok := m.credentials[k]; ok {
		return domain.ErrCredentialTaken
	}
	m.credentials[k] = rec
	return nil
}

// DeleteCredential removes a credential. Deleting a missing one succeeds.
func (m *MemStore) DeleteCredential(ctx context.Context, provider, subject string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, credentialKey(provider, subject))
	return nil
}

func cloneRecord(rec domain.IdentityRecord) domain.IdentityRecord {
	rec.Providers = append([]string(nil), rec.Providers...)
	rec.Credentials = append([]domain.CredentialKey(nil), rec.Credentials...)
	return rec
}
