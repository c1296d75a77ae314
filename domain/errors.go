package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict indicates that the underlying storage rejected a
	// batch because one of its entities changed since it was read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrNotFound reports that a batch referenced an entity that no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrBatchTooLarge is returned for batches over MaxBatchOps operations.
	ErrBatchTooLarge = errors.New("batch exceeds maximum operation count")
	// ErrPartialReorder is returned when a reorder list is not exactly the
	// owner's current task set.
	ErrPartialReorder = errors.New("reorder list does not match current tasks")
	ErrEmptyTitle     = errors.New("task title is empty")

	ErrMergeConflict       = errors.New("merge conflict")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrNoIdentity          = errors.New("no active identity")
	ErrIdentityNotFound    = errors.New("identity not found")
	ErrCredentialTaken     = errors.New("credential already registered")
	ErrUnsupportedProvider = errors.New("unsupported credential provider")
)

// MergeConflictError is returned when a credential being attached to an
// anonymous identity already belongs to another identity.
type MergeConflictError struct {
	Credential Credential
	ExistingID string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict: %s credential belongs to identity %s", e.Credential.Provider, e.ExistingID)
}

func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}
