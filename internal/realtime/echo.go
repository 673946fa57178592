package realtime

import (
	"sync"
	"time"
)

// DefaultEchoTTL is how long an applied realtime change stays in the echo set.
const DefaultEchoTTL = 5 * time.Second

// EchoSet remembers entities recently applied from the realtime channel so the next pull
// does not process them again.
type EchoSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock func() time.Time
	seen  map[string]time.Time
}

// NewEchoSet constructs an EchoSet. A non-positive ttl uses DefaultEchoTTL.
func NewEchoSet(ttl time.Duration, clock func() time.Time) *EchoSet {
	if ttl <= 0 {
		ttl = DefaultEchoTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &EchoSet{ttl: ttl, clock: clock, seen: make(map[string]time.Time)}
}

// Mark records that the entity was just applied.
func (s *EchoSet) Mark(table, entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[echoKey(table, entityID)] = s.clock()
	s.pruneLocked()
}

// Recent reports whether the entity was applied within the TTL.
func (s *EchoSet) Recent(table, entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	markedAt, ok := s.seen[echoKey(table, entityID)]
	if !ok {
		return false
	}
	if s.clock().Sub(markedAt) >= s.ttl {
		delete(s.seen, echoKey(table, entityID))
		return false
	}
	return true
}

// Len returns the number of unexpired entries.
func (s *EchoSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.seen)
}

func (s *EchoSet) pruneLocked() {
	now := s.clock()
	for key, markedAt := range s.seen {
		if now.Sub(markedAt) >= s.ttl {
			delete(s.seen, key)
		}
	}
}

func echoKey(table, entityID string) string {
	return table + ":" + entityID
}
