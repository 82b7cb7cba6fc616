package lock

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by lock operations.
var (
	// ErrLockConflict is returned when another owner holds a live lease.
	ErrLockConflict = errors.New("resource locked by another owner")

	// ErrTransientStore is returned when the lock backend could not answer.
	// Callers retry; it is never treated as a grant.
	ErrTransientStore = errors.New("lock store unavailable, try again")

	// ErrInvalidRequest is returned when the resource or owner is missing.
	ErrInvalidRequest = errors.New("resource id and owner id are required")
)

// ConflictError describes the live lease that blocked an acquire.
type ConflictError struct {
	ResourceID string
	OwnerID    string
	OwnerLabel string
	ExpiresAt  time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s owns %s", ErrLockConflict, e.OwnerLabel, e.ResourceID)
}

func (e *ConflictError) Unwrap() error {
	return ErrLockConflict
}

// LockedBy returns the display label of the holder when err is a conflict.
func LockedBy(err error) (string, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.OwnerLabel, true
	}
	return "", false
}
