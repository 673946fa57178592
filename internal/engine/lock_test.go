package engine

import (
	"testing"
	"time"
)

func TestCycleLockAdmitsOneHolder(t *testing.T) {
	lock := newCycleLock(time.Minute, time.Now)
	generation, ok := lock.tryAcquire(nil)
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	if _, ok := lock.tryAcquire(nil); ok {
		t.Fatalf("expected second acquire to fail while held")
	}
	lock.release(generation)
	if lock.isHeld() {
		t.Fatalf("expected lock to be free after release")
	}
}

func TestCycleLockWatchdogEvictsStuckHolder(t *testing.T) {
	lock := newCycleLock(20*time.Millisecond, time.Now)
	expired := make(chan uint64, 1)
	stale, ok := lock.tryAcquire(func(generation uint64) { expired <- generation })
	if !ok {
		t.Fatalf("expected acquire to succeed")
	}

	select {
	case generation := <-expired:
		if generation != stale {
			t.Fatalf("expected watchdog for generation %d, got %d", stale, generation)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watchdog never fired")
	}
	if lock.isHeld() {
		t.Fatalf("expected watchdog to release the lock")
	}

	fresh, ok := lock.tryAcquire(nil)
	if !ok {
		t.Fatalf("expected acquire after eviction to succeed")
	}
	lock.release(stale)
	if !lock.isHeld() {
		t.Fatalf("expected a stale release to leave the new holder in place")
	}
	lock.release(fresh)
}

func TestCycleLockEvictsExpiredHolderOnAcquire(t *testing.T) {
	clock := newTestClock()
	lock := newCycleLock(time.Minute, clock.Now)
	if _, ok := lock.tryAcquire(nil); !ok {
		t.Fatalf("expected acquire to succeed")
	}
	clock.Advance(2 * time.Minute)
	if _, ok := lock.tryAcquire(nil); !ok {
		t.Fatalf("expected an expired holder to be evicted")
	}
}
