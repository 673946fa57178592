package engine

import (
	"context"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"go.uber.org/zap"
)

// Get returns a live entity from local storage. Tombstones read as missing.
func (e *Engine) Get(ctx context.Context, table, entityID string) (records.Entity, bool, error) {
	if err := e.checkTable(table); err != nil {
		return nil, false, err
	}
	e.hydrateIfCold(ctx)
	entity, found, err := e.store.Get(ctx, table, entityID)
	if err != nil || !found || entity.Deleted() {
		return nil, false, err
	}
	return entity, true, nil
}

// List returns the live entities of a table, newest first.
func (e *Engine) List(ctx context.Context, table string) ([]records.Entity, error) {
	if err := e.checkTable(table); err != nil {
		return nil, err
	}
	e.hydrateIfCold(ctx)
	return e.store.ListActive(ctx, table, e.UserID())
}

// QueryEqual returns live entities whose field equals value.
func (e *Engine) QueryEqual(ctx context.Context, table, field string, value any) ([]records.Entity, error) {
	if err := e.checkTable(table); err != nil {
		return nil, err
	}
	e.hydrateIfCold(ctx)
	return e.store.QueryEqual(ctx, table, field, value)
}

// QueryRange returns live entities whose field lies within [from, to]. A nil bound is open.
func (e *Engine) QueryRange(ctx context.Context, table, field string, from, to any) ([]records.Entity, error) {
	if err := e.checkTable(table); err != nil {
		return nil, err
	}
	e.hydrateIfCold(ctx)
	return e.store.QueryRange(ctx, table, field, from, to)
}

// hydrateIfCold runs one cycle before the first read of an empty store so a fresh
// install shows remote data. It is attempted once and skipped while a cycle runs.
func (e *Engine) hydrateIfCold(ctx context.Context) {
	e.mu.Lock()
	checked := e.coldChecked
	online := e.online
	e.coldChecked = true
	e.mu.Unlock()
	if checked || !online || e.lock.isHeld() {
		return
	}
	empty, err := e.store.IsEmpty(ctx, e.tables)
	if err != nil || !empty {
		return
	}
	if _, err := e.runCycle(ctx, cycleOptions{}); err != nil {
		e.logger.Warn("cold start hydration failed; serving local data", zap.Error(err))
	}
}
