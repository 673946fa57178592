package engine

import (
	"sync"
	"time"
)

// cycleLock admits one sync cycle at a time. Callers that find it held give up instead of
// waiting. A holder past the timeout is evicted by the watchdog.
type cycleLock struct {
	mu         sync.Mutex
	timeout    time.Duration
	clock      func() time.Time
	held       bool
	generation uint64
	acquiredAt time.Time
	watchdog   *time.Timer
}

func newCycleLock(timeout time.Duration, clock func() time.Time) *cycleLock {
	return &cycleLock{timeout: timeout, clock: clock}
}

// tryAcquire takes the lock and arms the watchdog, which calls onExpire after the timeout
// unless the holder released first. A stale holder is evicted on the spot.
func (l *cycleLock) tryAcquire(onExpire func(generation uint64)) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held && l.clock().Sub(l.acquiredAt) < l.timeout {
		return 0, false
	}
	if l.watchdog != nil {
		l.watchdog.Stop()
	}
	l.held = true
	l.generation++
	l.acquiredAt = l.clock()
	generation := l.generation
	if onExpire != nil {
		l.watchdog = time.AfterFunc(l.timeout, func() {
			if l.forceRelease(generation) {
				onExpire(generation)
			}
		})
	}
	return generation, true
}

// release frees the lock if generation still holds it.
func (l *cycleLock) release(generation uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || l.generation != generation {
		return
	}
	l.held = false
	if l.watchdog != nil {
		l.watchdog.Stop()
		l.watchdog = nil
	}
}

func (l *cycleLock) forceRelease(generation uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || l.generation != generation {
		return false
	}
	l.held = false
	l.watchdog = nil
	return true
}

func (l *cycleLock) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
