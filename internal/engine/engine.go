// Package engine replicates local records to the remote backend: it pushes the outbox,
// pulls remote changes past the per-user cursor and serves reads and writes locally.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/editguard"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the phase of the sync cycle.
type State string

const (
	StateIdle          State = "idle"
	StateAcquiringLock State = "acquiring_lock"
	StatePushing       State = "pushing"
	StatePulling       State = "pulling"
	StateError         State = "error"
	StateOffline       State = "offline"
)

const (
	DefaultPushIterations      = 10
	DefaultLockTimeout         = 60 * time.Second
	DefaultPhaseTimeout        = 30 * time.Second
	DefaultProtectionWindow    = 5 * time.Second
	DefaultPushDebounce        = 2 * time.Second
	DefaultTombstoneRetention  = 7 * 24 * time.Hour
	DefaultRemotePurgeInterval = 24 * time.Hour
	DefaultConflictRetention   = 30 * 24 * time.Hour
	DefaultMaintenanceSchedule = "@every 1h"
)

// Authenticator confirms the session and returns the authenticated user id.
type Authenticator interface {
	Revalidate(ctx context.Context) (string, error)
}

// RealtimeStatus is the view of the realtime channel the engine consults.
type RealtimeStatus interface {
	IsHealthy() bool
	RecentlyApplied(table, entityID string) bool
}

// Broadcaster announces changes to other client instances sharing the local database.
type Broadcaster interface {
	BroadcastSyncComplete()
	BroadcastLocalWrite(table, entityID string)
}

// Config describes the dependencies of an Engine.
type Config struct {
	Store   *records.Store
	Queue   *outbox.Queue
	History *conflict.History
	Remote  remote.Backend
	// Auth confirms the session before syncing. Without it the backend session endpoint is used.
	Auth   Authenticator
	Tables []string
	// DeviceID overrides the persisted device id.
	DeviceID         string
	PushIterations   int
	LockTimeout      time.Duration
	PhaseTimeout     time.Duration
	ProtectionWindow time.Duration
	// PushDebounce delays the push scheduled by a local write. Negative disables it.
	PushDebounce        time.Duration
	TombstoneRetention  time.Duration
	RemotePurgeInterval time.Duration
	ConflictRetention   time.Duration
	EditWindow          time.Duration
	EditStaleAfter      time.Duration
	Clock               func() time.Time
	Logger              *zap.Logger
}

// Engine is the client sync engine.
type Engine struct {
	store               *records.Store
	queue               *outbox.Queue
	history             *conflict.History
	remote              remote.Backend
	auth                Authenticator
	tables              []string
	tableSet            map[string]bool
	configuredDeviceID  string
	pushIterations      int
	phaseTimeout        time.Duration
	protectionWindow    time.Duration
	pushDebounce        time.Duration
	tombstoneRetention  time.Duration
	remotePurgeInterval time.Duration
	conflictRetention   time.Duration
	clock               func() time.Time
	logger              *zap.Logger
	lock                *cycleLock
	edits               *editguard.Registry
	baseCtx             context.Context
	cancel              context.CancelFunc

	mu                sync.Mutex
	state             State
	online            bool
	needsRevalidation bool
	userID            string
	deviceID          string
	lastSyncAt        time.Time
	lastErr           *SyncError
	transientFailures int
	reconciled        bool
	coldChecked       bool
	recentlyModified  map[outbox.EntityKey]time.Time
	discarded         []DiscardedEntry
	realtime          RealtimeStatus
	broadcaster       Broadcaster
	pushTimer         *time.Timer
	nextListener      int64
	syncListeners     map[int64]func(Report)
	changeListeners   map[int64]func(table, entityID string)
	stateListeners    map[int64]func(State)
}

// DiscardedEntry reports an outbox entry dropped after exhausting its retries.
type DiscardedEntry struct {
	Table     string
	EntityID  string
	Operation outbox.OperationType
	Retries   int
}

// Report summarizes one sync cycle.
type Report struct {
	// Skipped is set when another cycle held the lock.
	Skipped     bool
	Pushed      int
	Pulled      int
	Conflicts   int
	Reconciled  int
	Hydrated    bool
	PullSkipped bool
	Discarded   []DiscardedEntry
	Cursor      time.Time
}

// Status is a snapshot of the engine for display.
type Status struct {
	State             State
	Online            bool
	UserID            string
	DeviceID          string
	LastSyncAt        time.Time
	LastError         *SyncError
	Pending           int64
	Discarded         []DiscardedEntry
	NeedsRevalidation bool
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	tables := make([]string, 0, len(cfg.Tables))
	tableSet := make(map[string]bool, len(cfg.Tables))
	for _, table := range cfg.Tables {
		trimmed := strings.TrimSpace(table)
		if trimmed == "" || tableSet[trimmed] {
			continue
		}
		tables = append(tables, trimmed)
		tableSet[trimmed] = true
	}
	if len(tables) == 0 {
		return nil, errMissingTables
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:               cfg.Store,
		queue:               cfg.Queue,
		history:             cfg.History,
		remote:              cfg.Remote,
		auth:                cfg.Auth,
		tables:              tables,
		tableSet:            tableSet,
		configuredDeviceID:  cfg.DeviceID,
		pushIterations:      positiveInt(cfg.PushIterations, DefaultPushIterations),
		phaseTimeout:        positiveDuration(cfg.PhaseTimeout, DefaultPhaseTimeout),
		protectionWindow:    positiveDuration(cfg.ProtectionWindow, DefaultProtectionWindow),
		pushDebounce:        cfg.PushDebounce,
		tombstoneRetention:  positiveDuration(cfg.TombstoneRetention, DefaultTombstoneRetention),
		remotePurgeInterval: positiveDuration(cfg.RemotePurgeInterval, DefaultRemotePurgeInterval),
		conflictRetention:   positiveDuration(cfg.ConflictRetention, DefaultConflictRetention),
		clock:               clock,
		logger:              logger,
		lock:                newCycleLock(positiveDuration(cfg.LockTimeout, DefaultLockTimeout), clock),
		baseCtx:             baseCtx,
		cancel:              cancel,
		state:               StateIdle,
		online:              true,
		recentlyModified:    make(map[outbox.EntityKey]time.Time),
		syncListeners:       make(map[int64]func(Report)),
		changeListeners:     make(map[int64]func(table, entityID string)),
		stateListeners:      make(map[int64]func(State)),
	}
	if e.pushDebounce == 0 {
		e.pushDebounce = DefaultPushDebounce
	}
	edits, err := editguard.NewRegistry(editguard.Config{
		Window:     cfg.EditWindow,
		StaleAfter: cfg.EditStaleAfter,
		Clock:      clock,
		Apply:      e.applyDeferred,
		Logger:     logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.edits = edits
	return e, nil
}

// Close stops scheduled pushes.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	if e.pushTimer != nil {
		e.pushTimer.Stop()
		e.pushTimer = nil
	}
	e.mu.Unlock()
}

// Tables returns the synced tables.
func (e *Engine) Tables() []string {
	return append([]string(nil), e.tables...)
}

// Edits returns the active-edit registry guarding local input.
func (e *Engine) Edits() *editguard.Registry {
	return e.edits
}

// AttachRealtime lets the engine consult the realtime channel.
func (e *Engine) AttachRealtime(status RealtimeStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.realtime = status
}

// AttachBroadcaster lets the engine notify other instances.
func (e *Engine) AttachBroadcaster(broadcaster Broadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcaster = broadcaster
}

// State returns the current cycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// UserID returns the user id confirmed by the last revalidation.
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// SetOnline records network availability. Going offline requires the session to be
// revalidated before the next sync.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	if !online {
		e.needsRevalidation = true
	}
	e.mu.Unlock()
	if !changed {
		return
	}
	if online {
		e.setState(StateIdle)
		e.schedulePush()
		return
	}
	e.setState(StateOffline)
}

// IsOnline reports network availability.
func (e *Engine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Status returns a snapshot of the engine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.queue.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:             e.state,
		Online:            e.online,
		UserID:            e.userID,
		DeviceID:          e.deviceID,
		LastSyncAt:        e.lastSyncAt,
		LastError:         e.lastErr,
		Pending:           pending,
		Discarded:         append([]DiscardedEntry(nil), e.discarded...),
		NeedsRevalidation: e.needsRevalidation,
	}, nil
}

// OnSyncComplete registers a listener called after every completed cycle.
func (e *Engine) OnSyncComplete(listener func(Report)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextListener++
	id := e.nextListener
	e.syncListeners[id] = listener
	return func() {
		e.mu.Lock()
		delete(e.syncListeners, id)
		e.mu.Unlock()
	}
}

// OnLocalChange registers a listener called after an entity changed in local storage.
func (e *Engine) OnLocalChange(listener func(table, entityID string)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextListener++
	id := e.nextListener
	e.changeListeners[id] = listener
	return func() {
		e.mu.Lock()
		delete(e.changeListeners, id)
		e.mu.Unlock()
	}
}

// OnStateChange registers a listener for cycle phase changes.
func (e *Engine) OnStateChange(listener func(State)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextListener++
	id := e.nextListener
	e.stateListeners[id] = listener
	return func() {
		e.mu.Lock()
		delete(e.stateListeners, id)
		e.mu.Unlock()
	}
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	if e.state == state {
		e.mu.Unlock()
		return
	}
	e.state = state
	listeners := make([]func(State), 0, len(e.stateListeners))
	for _, listener := range e.stateListeners {
		listeners = append(listeners, listener)
	}
	e.mu.Unlock()
	for _, listener := range listeners {
		listener(state)
	}
}

func (e *Engine) notifyLocalChange(table, entityID string) {
	e.mu.Lock()
	listeners := make([]func(string, string), 0, len(e.changeListeners))
	for _, listener := range e.changeListeners {
		listeners = append(listeners, listener)
	}
	e.mu.Unlock()
	for _, listener := range listeners {
		listener(table, entityID)
	}
}

func (e *Engine) notifySyncComplete(report Report) {
	e.mu.Lock()
	listeners := make([]func(Report), 0, len(e.syncListeners))
	for _, listener := range e.syncListeners {
		listeners = append(listeners, listener)
	}
	broadcaster := e.broadcaster
	e.mu.Unlock()
	for _, listener := range listeners {
		listener(report)
	}
	if broadcaster != nil {
		broadcaster.BroadcastSyncComplete()
	}
}

func (e *Engine) realtimeStatus() RealtimeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realtime
}

func (e *Engine) ensureDeviceID(ctx context.Context) (string, error) {
	e.mu.Lock()
	if e.deviceID != "" {
		deviceID := e.deviceID
		e.mu.Unlock()
		return deviceID, nil
	}
	e.mu.Unlock()
	deviceID := e.configuredDeviceID
	if deviceID == "" {
		stored, err := e.store.DeviceID(ctx, newID)
		if err != nil {
			return "", err
		}
		deviceID = stored
	}
	e.mu.Lock()
	e.deviceID = deviceID
	e.mu.Unlock()
	return deviceID, nil
}

func (e *Engine) markRecentlyModified(table, entityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.recentlyModified[outbox.EntityKey{Table: table, EntityID: entityID}] = now
	for key, modifiedAt := range e.recentlyModified {
		if now.Sub(modifiedAt) >= e.protectionWindow {
			delete(e.recentlyModified, key)
		}
	}
}

func (e *Engine) recentlyModifiedLocally(table, entityID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	modifiedAt, ok := e.recentlyModified[outbox.EntityKey{Table: table, EntityID: entityID}]
	return ok && e.clock().Sub(modifiedAt) < e.protectionWindow
}

func (e *Engine) checkTable(table string) error {
	if !e.tableSet[table] {
		return ErrUnknownTable
	}
	return nil
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
