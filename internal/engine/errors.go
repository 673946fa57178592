package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
)

// Category is the user-facing classification of a sync failure.
type Category string

const (
	CategoryNetwork   Category = "network"
	CategoryAuth      Category = "auth"
	CategoryRateLimit Category = "rate_limit"
	CategoryServer    Category = "server"
	CategoryUnknown   Category = "unknown"
)

var (
	// ErrNoRowsAffected indicates a remote write that reported success without touching a
	// row, which is how row-level security rejects a write. It requires re-authentication.
	ErrNoRowsAffected = errors.New("engine: remote write affected no rows")
	// ErrOffline indicates a sync attempted while the client is offline.
	ErrOffline = errors.New("engine: client is offline")
	// ErrNotFound indicates a local write against a missing or deleted entity.
	ErrNotFound = errors.New("engine: entity not found")
	// ErrAlreadyExists indicates a create for an id that is already live locally.
	ErrAlreadyExists = errors.New("engine: entity already exists")
	// ErrUnknownTable indicates a table that is not synced.
	ErrUnknownTable = errors.New("engine: table is not synced")
	// ErrInvalidValue indicates a field operation on a value of the wrong type.
	ErrInvalidValue = errors.New("engine: invalid field value")

	errMissingStore  = errors.New("engine: record store is required")
	errMissingQueue  = errors.New("engine: outbox queue is required")
	errMissingRemote = errors.New("engine: remote backend is required")
	errMissingTables = errors.New("engine: at least one table is required")
)

// SyncError is a classified sync failure. Message is meant for people; Cause keeps the
// diagnostic detail.
type SyncError struct {
	Category  Category
	Message   string
	Transient bool
	Cause     error
}

func (e *SyncError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("sync %s error: %s", e.Category, e.Message)
	}
	return fmt.Sprintf("sync %s error: %s: %v", e.Category, e.Message, e.Cause)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// classify wraps err into a SyncError. A SyncError passes through unchanged.
func classify(err error) *SyncError {
	if err == nil {
		return nil
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr
	}
	switch {
	case errors.Is(err, ErrOffline):
		return &SyncError{Category: CategoryNetwork, Message: "You are offline. Changes are saved locally.", Transient: true, Cause: err}
	case errors.Is(err, ErrNoRowsAffected):
		return &SyncError{Category: CategoryAuth, Message: "The server rejected a change. Please sign in again.", Cause: err}
	case errors.Is(err, auth.ErrMissingSessionToken), errors.Is(err, auth.ErrInvalidSessionToken),
		errors.Is(err, auth.ErrExpiredSessionToken), errors.Is(err, auth.ErrMissingSessionSubject),
		errors.Is(err, auth.ErrSessionMismatch):
		return &SyncError{Category: CategoryAuth, Message: "Your session has expired. Please sign in again.", Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &SyncError{Category: CategoryNetwork, Message: "The server took too long to respond.", Transient: true, Cause: err}
	}
	switch remote.Classify(err) {
	case remote.KindNetwork, remote.KindTimeout:
		return &SyncError{Category: CategoryNetwork, Message: "Unable to reach the server.", Transient: true, Cause: err}
	case remote.KindRateLimit:
		return &SyncError{Category: CategoryRateLimit, Message: "Too many requests. Sync will retry shortly.", Transient: true, Cause: err}
	case remote.KindServer:
		return &SyncError{Category: CategoryServer, Message: "The server had a problem. Sync will retry shortly.", Transient: true, Cause: err}
	case remote.KindAuth, remote.KindPermission:
		return &SyncError{Category: CategoryAuth, Message: "Your session is no longer valid. Please sign in again.", Cause: err}
	default:
		return &SyncError{Category: CategoryUnknown, Message: "Sync failed.", Cause: err}
	}
}

func needsReauth(err *SyncError) bool {
	return err != nil && err.Category == CategoryAuth
}
