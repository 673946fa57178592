package outbox

import "time"

// DefaultMaxRetries is the attempt count after which an entry is dropped.
const DefaultMaxRetries = 5

const maxBackoffShift = 30

// BackoffDelay returns how long an entry with the given retry count waits after its
// last attempt: 0 for a fresh entry, then 1s, 2s, 4s, ...
func BackoffDelay(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	shift := retries - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return time.Second << uint(shift)
}

// IsDue reports whether an entry may be sent at now.
func IsDue(entry Entry, now time.Time, maxRetries int) bool {
	if maxRetries > 0 && entry.Retries >= maxRetries {
		return false
	}
	if entry.Retries <= 0 {
		return true
	}
	eligibleAt := entry.Timestamp().Add(BackoffDelay(entry.Retries))
	return !now.Before(eligibleAt)
}
