// Package tabs elects one leader among the client instances sharing a local database and
// relays sync notifications between them.
package tabs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultLeaderTimeout     = 5 * time.Second
)

// MessageType identifies a coordination message.
type MessageType string

const (
	MessageClaim        MessageType = "claim"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageResign       MessageType = "resign"
	MessageSyncComplete MessageType = "sync_complete"
	MessageLocalWrite   MessageType = "local_write"
)

// Message is one broadcast between tabs.
type Message struct {
	Type      MessageType
	TabID     string
	ClaimedAt time.Time
	Table     string
	EntityID  string
}

// Broadcaster carries messages between tabs.
type Broadcaster interface {
	Publish(message Message)
	Subscribe(ctx context.Context, tabID string) (<-chan Message, func())
}

// Config describes the dependencies of a Coordinator.
type Config struct {
	// Bus is the broadcast channel. Without one the tab always leads.
	Bus               Broadcaster
	TabID             string
	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Coordinator runs leader election for one tab. The tab with the oldest live claim leads;
// ties go to the lower tab id.
type Coordinator struct {
	bus               Broadcaster
	tabID             string
	heartbeatInterval time.Duration
	leaderTimeout     time.Duration
	clock             func() time.Time
	logger            *zap.Logger

	mu                  sync.Mutex
	leader              bool
	claimedAt           time.Time
	leaderID            string
	leaderClaimedAt     time.Time
	lastHeartbeat       time.Time
	nextListener        int64
	leadershipListeners map[int64]func(bool)
	syncListeners       map[int64]func()
	writeListeners      map[int64]func(table, entityID string)
}

// NewCoordinator constructs a Coordinator. A tab id is generated when none is configured.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	tabID := cfg.TabID
	if tabID == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		tabID = generated.String()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	timeout := cfg.LeaderTimeout
	if timeout <= 0 {
		timeout = DefaultLeaderTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		bus:                 cfg.Bus,
		tabID:               tabID,
		heartbeatInterval:   heartbeat,
		leaderTimeout:       timeout,
		clock:               clock,
		logger:              logger,
		leader:              cfg.Bus == nil,
		leadershipListeners: make(map[int64]func(bool)),
		syncListeners:       make(map[int64]func()),
		writeListeners:      make(map[int64]func(table, entityID string)),
	}, nil
}

// TabID returns this tab's id.
func (c *Coordinator) TabID() string {
	return c.tabID
}

// IsLeader reports whether this tab runs the sync timers.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// LeaderID returns the known leader, which may be this tab.
func (c *Coordinator) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader {
		return c.tabID
	}
	return c.leaderID
}

// OnLeadershipChange registers a listener for gaining or losing leadership.
func (c *Coordinator) OnLeadershipChange(listener func(leader bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.leadershipListeners[id] = listener
	return func() {
		c.mu.Lock()
		delete(c.leadershipListeners, id)
		c.mu.Unlock()
	}
}

// OnSyncComplete registers a listener for sync completions announced by other tabs.
func (c *Coordinator) OnSyncComplete(listener func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.syncListeners[id] = listener
	return func() {
		c.mu.Lock()
		delete(c.syncListeners, id)
		c.mu.Unlock()
	}
}

// OnLocalWrite registers a listener for local writes announced by other tabs.
func (c *Coordinator) OnLocalWrite(listener func(table, entityID string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.writeListeners[id] = listener
	return func() {
		c.mu.Lock()
		delete(c.writeListeners, id)
		c.mu.Unlock()
	}
}

// BroadcastSyncComplete tells the other tabs to re-read local storage.
func (c *Coordinator) BroadcastSyncComplete() {
	c.publish(Message{Type: MessageSyncComplete, TabID: c.tabID})
}

// BroadcastLocalWrite tells the other tabs an entity changed locally.
func (c *Coordinator) BroadcastLocalWrite(table, entityID string) {
	c.publish(Message{Type: MessageLocalWrite, TabID: c.tabID, Table: table, EntityID: entityID})
}

// Run claims leadership and participates in the election until ctx is done, then resigns.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	stream, cleanup := c.bus.Subscribe(ctx, c.tabID)
	defer cleanup()

	c.claim(c.clock())
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.resign()
			return ctx.Err()
		case <-ticker.C:
			c.tick(c.clock())
		case message, ok := <-stream:
			if !ok {
				return nil
			}
			c.handle(message, c.clock())
		}
	}
}

// tick sends the leader heartbeat, or claims leadership when the leader went silent.
func (c *Coordinator) tick(now time.Time) {
	c.mu.Lock()
	leader := c.leader
	claimedAt := c.claimedAt
	expired := c.leaderID == "" || now.Sub(c.lastHeartbeat) > c.leaderTimeout
	c.mu.Unlock()

	if leader {
		c.publish(Message{Type: MessageHeartbeat, TabID: c.tabID, ClaimedAt: claimedAt})
		return
	}
	if expired {
		c.logger.Info("leader heartbeat timed out", zap.String("tab_id", c.tabID))
		c.claim(now)
	}
}

func (c *Coordinator) handle(message Message, now time.Time) {
	if message.TabID == c.tabID {
		return
	}
	switch message.Type {
	case MessageClaim, MessageHeartbeat:
		c.observeLeader(message, now)
	case MessageResign:
		c.mu.Lock()
		wasLeader := c.leaderID == message.TabID
		if wasLeader {
			c.leaderID = ""
			c.leaderClaimedAt = time.Time{}
		}
		c.mu.Unlock()
		if wasLeader {
			c.claim(now)
		}
	case MessageSyncComplete:
		for _, listener := range c.syncSnapshot() {
			listener()
		}
	case MessageLocalWrite:
		for _, listener := range c.writeSnapshot() {
			listener(message.Table, message.EntityID)
		}
	}
}

func (c *Coordinator) observeLeader(message Message, now time.Time) {
	c.mu.Lock()
	if c.leader {
		if precedes(c.claimedAt, c.tabID, message.ClaimedAt, message.TabID) {
			claimedAt := c.claimedAt
			c.mu.Unlock()
			c.publish(Message{Type: MessageHeartbeat, TabID: c.tabID, ClaimedAt: claimedAt})
			return
		}
		c.leader = false
		c.leaderID = message.TabID
		c.leaderClaimedAt = message.ClaimedAt
		c.lastHeartbeat = now
		c.mu.Unlock()
		c.logger.Info("yielding leadership", zap.String("tab_id", c.tabID), zap.String("leader_id", message.TabID))
		c.notifyLeadership(false)
		return
	}
	current := c.leaderID != "" && now.Sub(c.lastHeartbeat) <= c.leaderTimeout
	if !current || message.TabID == c.leaderID || precedes(message.ClaimedAt, message.TabID, c.leaderClaimedAt, c.leaderID) {
		c.leaderID = message.TabID
		c.leaderClaimedAt = message.ClaimedAt
		c.lastHeartbeat = now
	}
	c.mu.Unlock()
}

func (c *Coordinator) claim(now time.Time) {
	c.mu.Lock()
	if c.leader {
		c.mu.Unlock()
		return
	}
	c.leader = true
	c.claimedAt = now
	c.leaderID = ""
	c.mu.Unlock()
	c.publish(Message{Type: MessageClaim, TabID: c.tabID, ClaimedAt: now})
	c.notifyLeadership(true)
}

func (c *Coordinator) resign() {
	c.mu.Lock()
	wasLeader := c.leader
	c.leader = false
	c.mu.Unlock()
	if wasLeader {
		c.publish(Message{Type: MessageResign, TabID: c.tabID})
		c.notifyLeadership(false)
	}
}

func (c *Coordinator) publish(message Message) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(message)
}

func (c *Coordinator) notifyLeadership(leader bool) {
	c.mu.Lock()
	listeners := make([]func(bool), 0, len(c.leadershipListeners))
	for _, listener := range c.leadershipListeners {
		listeners = append(listeners, listener)
	}
	c.mu.Unlock()
	for _, listener := range listeners {
		listener(leader)
	}
}

func (c *Coordinator) syncSnapshot() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	listeners := make([]func(), 0, len(c.syncListeners))
	for _, listener := range c.syncListeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

func (c *Coordinator) writeSnapshot() []func(string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	listeners := make([]func(string, string), 0, len(c.writeListeners))
	for _, listener := range c.writeListeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

// precedes orders leadership claims: the older claim wins, then the lower tab id.
func precedes(claimedAt time.Time, tabID string, otherClaimedAt time.Time, otherTabID string) bool {
	if otherTabID == "" {
		return true
	}
	if !claimedAt.Equal(otherClaimedAt) {
		return claimedAt.Before(otherClaimedAt)
	}
	return tabID < otherTabID
}
