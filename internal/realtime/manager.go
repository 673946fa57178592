// Package realtime keeps a change subscription open against the remote backend and feeds
// its events into local storage.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"go.uber.org/zap"
)

// State is the connection state of the realtime channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	// DefaultMaxAttempts bounds consecutive failed connection attempts.
	DefaultMaxAttempts = 8
	// DefaultBaseDelay is the first reconnect delay.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the reconnect delay.
	DefaultMaxDelay = 30 * time.Second
)

var (
	errMissingSubscriber = errors.New("realtime: subscriber is required")
	errMissingApplier    = errors.New("realtime: applier is required")
	errAlreadyRunning    = errors.New("realtime: manager already running")
)

// Applier applies one remote change to local storage. It reports whether local state
// changed.
type Applier interface {
	ApplyRemoteChange(ctx context.Context, event remote.ChangeEvent) (bool, error)
}

// Config describes the dependencies of a Manager.
type Config struct {
	Subscriber  remote.Subscriber
	Applier     Applier
	Tables      []string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	EchoTTL     time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Manager owns the subscription lifecycle: connect, reconnect with backoff, pause while
// offline and give up after MaxAttempts until restarted.
type Manager struct {
	subscriber  remote.Subscriber
	applier     Applier
	tables      []string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	echoes      *EchoSet
	logger      *zap.Logger
	wake        chan struct{}

	mu             sync.Mutex
	state          State
	attempts       int
	online         bool
	running        bool
	lastErr        error
	nextListener   int64
	stateListeners map[int64]func(State)
	dataListeners  map[int64]func(table, entityID string)
}

// NewManager constructs a Manager in the disconnected state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Subscriber == nil {
		return nil, errMissingSubscriber
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscriber:     cfg.Subscriber,
		applier:        cfg.Applier,
		tables:         append([]string(nil), cfg.Tables...),
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		echoes:         NewEchoSet(cfg.EchoTTL, cfg.Clock),
		logger:         logger,
		wake:           make(chan struct{}, 1),
		state:          StateDisconnected,
		online:         true,
		stateListeners: make(map[int64]func(State)),
		dataListeners:  make(map[int64]func(table, entityID string)),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsHealthy reports whether the channel is connected.
func (m *Manager) IsHealthy() bool {
	return m.State() == StateConnected
}

// Attempts returns the number of consecutive failed connection attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastError returns the most recent connection failure.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// RecentlyApplied reports whether the entity was applied from the channel within the echo TTL.
func (m *Manager) RecentlyApplied(table, entityID string) bool {
	return m.echoes.Recent(table, entityID)
}

// OnStateChange registers a state listener and returns its unsubscribe function.
func (m *Manager) OnStateChange(listener func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListener++
	id := m.nextListener
	m.stateListeners[id] = listener
	return func() {
		m.mu.Lock()
		delete(m.stateListeners, id)
		m.mu.Unlock()
	}
}

// OnDataUpdate registers a listener called after a change was applied locally.
func (m *Manager) OnDataUpdate(listener func(table, entityID string)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListener++
	id := m.nextListener
	m.dataListeners[id] = listener
	return func() {
		m.mu.Lock()
		delete(m.dataListeners, id)
		m.mu.Unlock()
	}
}

// SetOnline pauses the channel when offline and resumes it with a fresh attempt budget
// when back online.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	if online {
		m.attempts = 0
	}
	m.mu.Unlock()
	m.signal()
}

// Restart resets the attempt budget and wakes a manager that gave up.
func (m *Manager) Restart() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	m.signal()
}

// Run maintains the subscription until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.setState(StateDisconnected)
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !m.isOnline() {
			m.setState(StateDisconnected)
			if err := m.waitForSignal(ctx, 0); err != nil {
				return err
			}
			continue
		}
		attempts := m.Attempts()
		if attempts >= m.maxAttempts {
			m.logger.Warn("realtime reconnect attempts exhausted", zap.Int("attempts", attempts))
			if err := m.waitForSignal(ctx, 0); err != nil {
				return err
			}
			continue
		}
		if attempts > 0 {
			if err := m.waitForSignal(ctx, m.reconnectDelay(attempts)); err != nil {
				return err
			}
			if !m.isOnline() {
				continue
			}
		}

		m.setState(StateConnecting)
		subscription, err := m.subscriber.Subscribe(ctx, m.tables, func(event remote.ChangeEvent) {
			m.handleEvent(ctx, event)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.recordFailure(err)
			continue
		}
		m.mu.Lock()
		m.attempts = 0
		m.lastErr = nil
		m.mu.Unlock()
		m.setState(StateConnected)
		m.logger.Info("realtime channel connected", zap.Strings("tables", m.tables))

		err = m.holdSubscription(ctx, subscription)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			m.recordFailure(err)
		}
	}
}

// holdSubscription blocks while the subscription is live. It returns nil when the channel
// was paused and the subscription's error when it ended on its own.
func (m *Manager) holdSubscription(ctx context.Context, subscription remote.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			_ = subscription.Close()
			return nil
		case <-subscription.Done():
			err := subscription.Err()
			if err == nil {
				err = remote.NewStatusError(0, "", "subscription closed by server")
			}
			return err
		case <-m.wake:
			if !m.isOnline() {
				_ = subscription.Close()
				m.setState(StateDisconnected)
				return nil
			}
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, event remote.ChangeEvent) {
	entity := event.Record()
	if entity == nil || entity.ID() == "" {
		return
	}
	applied, err := m.applier.ApplyRemoteChange(ctx, event)
	if err != nil {
		m.logger.Error("failed to apply realtime change",
			zap.String("table", event.Table),
			zap.String("entity_id", entity.ID()),
			zap.Error(err))
		return
	}
	m.echoes.Mark(event.Table, entity.ID())
	if !applied {
		return
	}
	m.mu.Lock()
	listeners := make([]func(string, string), 0, len(m.dataListeners))
	for _, listener := range m.dataListeners {
		listeners = append(listeners, listener)
	}
	m.mu.Unlock()
	for _, listener := range listeners {
		listener(event.Table, entity.ID())
	}
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	m.attempts++
	m.lastErr = err
	attempts := m.attempts
	m.mu.Unlock()
	m.logger.Warn("realtime channel failed", zap.Int("attempts", attempts), zap.Error(err))
	m.setState(StateError)
}

func (m *Manager) reconnectDelay(attempts int) time.Duration {
	delay := m.baseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= m.maxDelay {
			return m.maxDelay
		}
	}
	return delay
}

// waitForSignal waits for a wake signal, or for delay when it is positive.
func (m *Manager) waitForSignal(ctx context.Context, delay time.Duration) error {
	var timeout <-chan time.Time
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.wake:
	case <-timeout:
	}
	return nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) isOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	listeners := make([]func(State), 0, len(m.stateListeners))
	for _, listener := range m.stateListeners {
		listeners = append(listeners, listener)
	}
	m.mu.Unlock()
	for _, listener := range listeners {
		listener(state)
	}
}
