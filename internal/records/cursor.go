package records

import (
	"context"
	"errors"
	"time"
)

const (
	cursorKeyPrefix   = "sync_cursor:"
	deviceIDKey       = "device_id"
	remotePurgePrefix = "remote_purge:"
)

// ErrMissingUserID indicates that a per-user value was requested without a user.
var ErrMissingUserID = errors.New("records: user id is required")

// LoadCursor returns the user's sync cursor. The boolean is false when no cursor exists.
func (s *Store) LoadCursor(ctx context.Context, userID string) (time.Time, bool, error) {
	if userID == "" {
		return time.Time{}, false, ErrMissingUserID
	}
	raw, found, err := s.GetMeta(ctx, cursorKeyPrefix+userID)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	cursor, err := ParseTimestamp(raw)
	if err != nil {
		// A corrupted cursor is treated as absent so the next pull starts over.
		return time.Time{}, false, nil
	}
	return cursor, true, nil
}

// AdvanceCursor moves the user's cursor to candidate when candidate is later than the
// stored value, and returns the cursor in effect afterwards.
func (s *Store) AdvanceCursor(ctx context.Context, userID string, candidate time.Time) (time.Time, error) {
	current, found, err := s.LoadCursor(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	if candidate.IsZero() || (found && !candidate.After(current)) {
		return current, nil
	}
	if err := s.SetMeta(ctx, cursorKeyPrefix+userID, FormatTimestamp(candidate)); err != nil {
		return current, err
	}
	return candidate.UTC().Truncate(time.Millisecond), nil
}

// ResetCursor forgets the user's cursor so the next pull is a full one.
func (s *Store) ResetCursor(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	return s.DeleteMeta(ctx, cursorKeyPrefix+userID)
}

// DeviceID returns the persisted device id, creating it with newID on first use.
func (s *Store) DeviceID(ctx context.Context, newID func() (string, error)) (string, error) {
	existing, found, err := s.GetMeta(ctx, deviceIDKey)
	if err != nil {
		return "", err
	}
	if found && existing != "" {
		return existing, nil
	}
	created, err := newID()
	if err != nil {
		return "", err
	}
	if err := s.SetMeta(ctx, deviceIDKey, created); err != nil {
		return "", err
	}
	return created, nil
}

// LastRemotePurge returns when tombstones were last purged remotely for the user.
func (s *Store) LastRemotePurge(ctx context.Context, userID string) (time.Time, error) {
	raw, found, err := s.GetMeta(ctx, remotePurgePrefix+userID)
	if err != nil || !found {
		return time.Time{}, err
	}
	stamp, err := ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, nil
	}
	return stamp, nil
}

// MarkRemotePurge records a remote tombstone purge for the user.
func (s *Store) MarkRemotePurge(ctx context.Context, userID string, at time.Time) error {
	return s.SetMeta(ctx, remotePurgePrefix+userID, FormatTimestamp(at))
}
