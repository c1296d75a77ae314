package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"todo-api/domain"
)

func seedTasks(t *testing.T, m *MemStore, owner string, titles ...string) []domain.Task {
	t.Helper()
	ops := make([]domain.TaskOp, len(titles))
	for i, title := range titles {
		ops[i] = domain.InsertOp(domain.Task{Title: title, Order: i})
	}
	if err := m.CommitTasks(context.Background(), owner, ops); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tasks, err := m.ListTasks(context.Background(), owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return tasks
}

func TestMemStoreCommitAssignsIDsAndVersions(t *testing.T) {
	m := NewMemStore()
	tasks := seedTasks(t, m, "alice", "a", "b")
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.ID == "" || task.Version == "" {
			t.Fatalf("task %d missing id or version: %#v", i, task)
		}
		if task.OwnerID != "alice" {
			t.Fatalf("unexpected owner %q", task.OwnerID)
		}
		if task.Order != i {
			t.Fatalf("tasks not sorted by order: %#v", tasks)
		}
	}
	other, _ := m.ListTasks(context.Background(), "bob")
	if len(other) != 0 {
		t.Fatalf("bob sees alice's tasks: %#v", other)
	}
}

func TestMemStoreBatchIsAtomic(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	tasks := seedTasks(t, m, "alice", "a")

	err := m.CommitTasks(ctx, "alice", []domain.TaskOp{
		domain.InsertOp(domain.Task{Title: "new"}),
		domain.UpdateOp(tasks[0].ID, "stale", domain.TaskPatch{Order: domain.IntPtr(1)}),
	})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	after, _ := m.ListTasks(ctx, "alice")
	if len(after) != 1 || after[0].Order != 0 || after[0].Version != tasks[0].Version {
		t.Fatalf("failed batch left partial state: %#v", after)
	}
}

func TestMemStoreUpdateMissingTask(t *testing.T) {
	m := NewMemStore()
	err := m.CommitTasks(context.Background(), "alice", []domain.TaskOp{
		domain.UpdateOp("ghost", "", domain.TaskPatch{Completed: domain.BoolPtr(true)}),
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemStoreUpdateBumpsVersion(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	tasks := seedTasks(t, m, "alice", "a")
	err := m.CommitTasks(ctx, "alice", []domain.TaskOp{
		domain.UpdateOp(tasks[0].ID, tasks[0].Version, domain.TaskPatch{Completed: domain.BoolPtr(true)}),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := m.GetTask(ctx, "alice", tasks[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Completed || got.Title != "a" {
		t.Fatalf("merge lost fields: %#v", got)
	}
	if got.Version == tasks[0].Version {
		t.Fatalf("version not bumped")
	}
}

func TestMemStoreRejectsLargeAndDuplicateBatches(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	ops := make([]domain.TaskOp, domain.MaxBatchOps+1)
	for i := range ops {
		ops[i] = domain.InsertOp(domain.Task{Title: "x"})
	}
	if err := m.CommitTasks(ctx, "alice", ops); !errors.Is(err, domain.ErrBatchTooLarge) {
		t.Fatalf("expected batch too large, got %v", err)
	}
	tasks := seedTasks(t, m, "alice", "a")
	err := m.CommitTasks(ctx, "alice", []domain.TaskOp{
		domain.DeleteOp(tasks[0].ID, ""),
		domain.DeleteOp(tasks[0].ID, ""),
	})
	if err == nil {
		t.Fatalf("expected duplicate entity error")
	}
	if got, _ := m.ListTasks(ctx, "alice"); len(got) != 1 {
		t.Fatalf("rejected batch applied: %#v", got)
	}
}

func TestMemStorePreferences(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	if _, ok, err := m.GetPreference(ctx, "alice"); err != nil || ok {
		t.Fatalf("expected no document, ok=%v err=%v", ok, err)
	}
	if err := m.MergePreference(ctx, "alice", domain.PreferencePatch{DarkMode: domain.BoolPtr(true)}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := m.MergePreference(ctx, "alice", domain.PreferencePatch{}); err != nil {
		t.Fatalf("empty merge: %v", err)
	}
	p, ok, _ := m.GetPreference(ctx, "alice")
	if !ok || !p.DarkMode {
		t.Fatalf("unexpected preference %#v ok=%v", p, ok)
	}
	if err := m.DeletePreference(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := m.GetPreference(ctx, "alice"); ok {
		t.Fatalf("preference survived delete")
	}
}

func TestMemStoreIdentities(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	rec := domain.IdentityRecord{Identity: domain.Identity{ID: "id-1", Anonymous: true}, CreatedAt: time.Unix(10, 0)}
	if err := m.CreateIdentity(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateIdentity(ctx, rec); err == nil {
		t.Fatalf("expected duplicate identity error")
	}
	rec.Anonymous = false
	rec.Providers = []string{domain.ProviderPassword}
	if err := m.SaveIdentity(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.Providers[0] = "mutated"
	got, err := m.GetIdentity(ctx, "id-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Anonymous || len(got.Providers) != 1 || got.Providers[0] != domain.ProviderPassword {
		t.Fatalf("unexpected identity %#v", got)
	}
	if err := m.DeleteIdentity(ctx, "id-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetIdentity(ctx, "id-1"); !errors.Is(err, domain.ErrIdentityNotFound) {
		t.Fatalf("expected identity not found, got %v", err)
	}
	if err := m.SaveIdentity(ctx, rec); !errors.Is(err, domain.ErrIdentityNotFound) {
		t.Fatalf("save of deleted identity: %v", err)
	}
}

func TestMemStoreCredentials(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	rec := domain.CredentialRecord{Provider: domain.ProviderPassword, Subject: "a@example.com", IdentityID: "id-1"}
	if err := m.AddCredential(ctx, rec); err != nil {
		t.Fatalf("add: %v", err)
	}
	rec.IdentityID = "id-2"
	if err := m.AddCredential(ctx, rec); !errors.Is(err, domain.ErrCredentialTaken) {
		t.Fatalf("expected credential taken, got %v", err)
	}
	got, err := m.GetCredential(ctx, domain.ProviderPassword, "a@example.com")
	if err != nil || got.IdentityID != "id-1" {
		t.Fatalf("unexpected credential %#v err=%v", got, err)
	}
	if err := m.DeleteCredential(ctx, domain.ProviderPassword, "a@example.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetCredential(ctx, domain.ProviderPassword, "a@example.com"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
