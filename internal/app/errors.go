package app

import (
	"errors"
	"fmt"
	"net/http"

	"scriptsync/api/internal/auth"
	"scriptsync/api/internal/lock"
	"scriptsync/api/internal/presence"
)

// DomainError is what the HTTP layer writes back. LockedBy is lifted to the
// top of a 409 body so clients can show the holder without reading details.
type DomainError struct {
	Status   int
	Code     string
	Message  string
	LockedBy string
	Details  any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(err error) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
}

func lockedError(conflict *lock.ConflictError) *DomainError {
	e := domainError(http.StatusConflict, "LOCKED", fmt.Sprintf("Locked by %s", conflict.OwnerLabel), map[string]any{
		"resourceId": conflict.ResourceID,
		"ownerId":    conflict.OwnerID,
		"expiresAt":  conflict.ExpiresAt,
	})
	e.LockedBy = conflict.OwnerLabel
	return e
}

// toDomainError maps service and store errors onto the HTTP error taxonomy.
func toDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var conflict *lock.ConflictError
	if errors.As(err, &conflict) {
		return lockedError(conflict)
	}
	switch {
	case errors.Is(err, lock.ErrInvalidRequest), errors.Is(err, presence.ErrInvalidRequest):
		return validationError(err)
	case isTransient(err):
		return domainError(http.StatusServiceUnavailable, "TRY_AGAIN", "Temporarily unavailable, try again", nil)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	default:
		return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
	}
}
