package domain

import (
	"sort"
	"strings"
)

// MaxBatchOps is the largest number of operations a single atomic batch may carry.
const MaxBatchOps = 100

// Task represents a single todo item owned by one identity.
type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	Order     int    `json:"order"`
	OwnerID   string `json:"ownerId"`
	// Version is the store's concurrency token. Empty means unconditional.
	Version string `json:"-"`
}

// TaskPatch carries the fields an update rewrites. Nil fields are left untouched.
type TaskPatch struct {
	Completed *bool `json:"completed,omitempty"`
	Order     *int  `json:"order,omitempty"`
}

// OpKind identifies the kind of a batched task write.
type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// TaskOp is one write inside an atomic batch.
type TaskOp struct {
	Kind  OpKind
	Task  Task
	Patch TaskPatch
}

// InsertOp creates a task. The store assigns an id when t.ID is empty.
func InsertOp(t Task) TaskOp {
	return TaskOp{Kind: OpInsert, Task: t}
}

// UpdateOp merges patch into the task identified by id. A non-empty version
// makes the whole batch fail when the stored task has changed since it was read.
func UpdateOp(id, version string, patch TaskPatch) TaskOp {
	return TaskOp{Kind: OpUpdate, Task: Task{ID: id, Version: version}, Patch: patch}
}

// DeleteOp removes the task identified by id.
func DeleteOp(id, version string) TaskOp {
	return TaskOp{Kind: OpDelete, Task: Task{ID: id, Version: version}}
}

// SortByOrder sorts tasks by ascending order, breaking ties by id so the
// result is deterministic.
func SortByOrder(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// NormalizeTitle trims surrounding whitespace from a task title.
func NormalizeTitle(title string) string {
	return strings.TrimSpace(title)
}

func BoolPtr(b bool) *bool { return &b }

func IntPtr(i int) *int { return &i }
