// Package editguard shields fields that are being typed into from remote overwrites.
package editguard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"go.uber.org/zap"
)

const (
	// DefaultWindow is how long an edit stays protected after its last activity.
	DefaultWindow = 3 * time.Second
	// DefaultStaleAfter is how long a deferred update may wait before it is discarded.
	DefaultStaleAfter = 60 * time.Second
	// DefaultSweepInterval is the cadence of Run.
	DefaultSweepInterval = time.Second
)

var errMissingApplier = errors.New("editguard: apply function is required")

// ApplyFunc writes a deferred remote entity once protection clears.
type ApplyFunc func(ctx context.Context, table string, entity records.Entity) error

// Config describes the dependencies of a Registry.
type Config struct {
	Window     time.Duration
	StaleAfter time.Duration
	Clock      func() time.Time
	Apply      ApplyFunc
	Logger     *zap.Logger
}

type activeEdit struct {
	table          string
	entityID       string
	field          string
	startedAt      time.Time
	lastActivityAt time.Time
}

type deferredUpdate struct {
	table      string
	entity     records.Entity
	receivedAt time.Time
}

// Registry tracks active edits and remote updates deferred because of them.
type Registry struct {
	mu         sync.Mutex
	window     time.Duration
	staleAfter time.Duration
	clock      func() time.Time
	apply      ApplyFunc
	logger     *zap.Logger
	edits      map[string]*activeEdit
	deferred   map[string]*deferredUpdate
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Apply == nil {
		return nil, errMissingApplier
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		window:     window,
		staleAfter: staleAfter,
		clock:      clock,
		apply:      cfg.Apply,
		logger:     logger,
		edits:      make(map[string]*activeEdit),
		deferred:   make(map[string]*deferredUpdate),
	}, nil
}

func editKey(table, entityID string) string {
	return table + ":" + entityID
}

// MarkEditing starts protecting an entity. An empty field protects every field.
func (r *Registry) MarkEditing(table, entityID, field string) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits[editKey(table, entityID)] = &activeEdit{
		table:          table,
		entityID:       entityID,
		field:          field,
		startedAt:      now,
		lastActivityAt: now,
	}
}

// UpdateEditActivity refreshes the protection window, starting an edit when none exists.
func (r *Registry) UpdateEditActivity(table, entityID, field string) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	key := editKey(table, entityID)
	edit, ok := r.edits[key]
	if !ok {
		r.edits[key] = &activeEdit{table: table, entityID: entityID, field: field, startedAt: now, lastActivityAt: now}
		return
	}
	edit.lastActivityAt = now
	if field != edit.field {
		// Activity on a second field widens protection to the whole entity.
		edit.field = ""
	}
}

// ClearEditing ends protection and applies the deferred update for the entity, if any.
func (r *Registry) ClearEditing(ctx context.Context, table, entityID string) error {
	key := editKey(table, entityID)
	r.mu.Lock()
	delete(r.edits, key)
	pending, ok := r.deferred[key]
	if ok {
		delete(r.deferred, key)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.applyDeferred(ctx, pending)
}

// IsFieldBeingEdited reports whether a field is protected. An empty field asks about the
// entity as a whole.
func (r *Registry) IsFieldBeingEdited(table, entityID, field string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	edit := r.liveEditLocked(editKey(table, entityID))
	if edit == nil {
		return false
	}
	if edit.field == "" || field == "" {
		return true
	}
	return edit.field == field
}

// IsEntityBeingEdited reports whether any field of the entity is protected.
func (r *Registry) IsEntityBeingEdited(table, entityID string) bool {
	return r.IsFieldBeingEdited(table, entityID, "")
}

// Protects reports whether applying the remote entity would touch a protected field.
func (r *Registry) Protects(table string, remote records.Entity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	edit := r.liveEditLocked(editKey(table, remote.ID()))
	if edit == nil {
		return false
	}
	if edit.field == "" || remote.Deleted() {
		return true
	}
	_, touches := remote[edit.field]
	return touches
}

// Defer stores a remote entity until protection clears. Only the newest entity per key is
// retained.
func (r *Registry) Defer(table string, remote records.Entity) {
	key := editKey(table, remote.ID())
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.deferred[key]; ok && existing.entity.UpdatedAt().After(remote.UpdatedAt()) {
		return
	}
	r.deferred[key] = &deferredUpdate{table: table, entity: remote.Clone(), receivedAt: now}
	r.logger.Debug("remote update deferred by active edit",
		zap.String("table", table),
		zap.String("entity_id", remote.ID()))
}

// Deferred returns the number of updates waiting for protection to clear.
func (r *Registry) Deferred() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deferred)
}

// Sweep expires idle edits, applies deferred updates whose protection lapsed, and discards
// deferred updates older than the stale ceiling. It returns how many updates were applied.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	now := r.clock()
	ready := make([]*deferredUpdate, 0)

	r.mu.Lock()
	for key := range r.edits {
		r.liveEditLocked(key)
	}
	for key, pending := range r.deferred {
		if now.Sub(pending.receivedAt) > r.staleAfter {
			delete(r.deferred, key)
			r.logger.Warn("stale deferred update discarded",
				zap.String("table", pending.table),
				zap.String("entity_id", pending.entity.ID()))
			continue
		}
		if _, protected := r.edits[key]; protected {
			continue
		}
		delete(r.deferred, key)
		ready = append(ready, pending)
	}
	r.mu.Unlock()

	var errs []error
	for _, pending := range ready {
		if err := r.applyDeferred(ctx, pending); err != nil {
			errs = append(errs, err)
		}
	}
	return len(ready) - len(errs), errors.Join(errs...)
}

// Run sweeps on a ticker until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("edit protection sweep failed", zap.Error(err))
			}
		}
	}
}

func (r *Registry) liveEditLocked(key string) *activeEdit {
	edit, ok := r.edits[key]
	if !ok {
		return nil
	}
	if r.clock().Sub(edit.lastActivityAt) > r.window {
		delete(r.edits, key)
		return nil
	}
	return edit
}

func (r *Registry) applyDeferred(ctx context.Context, pending *deferredUpdate) error {
	if err := r.apply(ctx, pending.table, pending.entity); err != nil {
		r.logger.Error("deferred update apply failed",
			zap.String("table", pending.table),
			zap.String("entity_id", pending.entity.ID()),
			zap.Error(err))
		return err
	}
	return nil
}
