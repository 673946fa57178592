package engine

import (
	"context"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type applyOutcome struct {
	applied  bool
	conflict bool
	deferred bool
}

// ApplyRemoteChange applies one realtime change event. It reports whether local storage
// changed.
func (e *Engine) ApplyRemoteChange(ctx context.Context, event remote.ChangeEvent) (bool, error) {
	if e.checkTable(event.Table) != nil {
		return false, nil
	}
	entity := event.Record()
	if entity == nil || entity.ID() == "" {
		return false, nil
	}
	if userID := e.UserID(); userID != "" && entity.UserID() != "" && entity.UserID() != userID {
		return false, nil
	}
	var outcome applyOutcome
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		result, err := e.applyRemote(ctx, tx, event.Table, entity)
		outcome = result
		return err
	})
	if err != nil {
		e.logError("engine.apply_realtime", "apply_failed", err,
			zap.String("table", event.Table),
			zap.String("entity_id", entity.ID()))
		return false, err
	}
	if outcome.applied {
		e.announce(event.Table, entity.ID())
	}
	return outcome.applied, nil
}

// applyDeferred applies a remote entity held back while its fields were being edited.
func (e *Engine) applyDeferred(ctx context.Context, table string, entity records.Entity) error {
	var outcome applyOutcome
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		result, err := e.mergeRemote(ctx, tx, table, entity)
		outcome = result
		return err
	})
	if err != nil {
		return err
	}
	if outcome.applied {
		e.announce(table, entity.ID())
	}
	return nil
}

// applyRemote stores a remote entity unless an active edit protects it, in which case it
// is deferred until the edit ends.
func (e *Engine) applyRemote(ctx context.Context, tx *gorm.DB, table string, entity records.Entity) (applyOutcome, error) {
	if e.edits.Protects(table, entity) {
		e.edits.Defer(table, entity)
		e.logger.Debug("remote change deferred by active edit",
			zap.String("table", table),
			zap.String("entity_id", entity.ID()))
		return applyOutcome{deferred: true}, nil
	}
	return e.mergeRemote(ctx, tx, table, entity)
}

// mergeRemote accepts a strictly newer remote entity, or any remote tombstone, when nothing
// is pending locally and otherwise stores the conflict resolver's merge.
func (e *Engine) mergeRemote(ctx context.Context, tx *gorm.DB, table string, entity records.Entity) (applyOutcome, error) {
	store := e.store.WithTx(tx)
	queue := e.queue.WithTx(tx)
	entityID := entity.ID()

	local, found, err := store.Get(ctx, table, entityID)
	if err != nil {
		return applyOutcome{}, err
	}
	if found && e.isOwnEcho(local, entity) {
		return applyOutcome{}, nil
	}
	pending, err := queue.PendingFor(ctx, table, entityID)
	if err != nil {
		return applyOutcome{}, err
	}
	if len(pending) == 0 {
		tombstones := entity.Deleted() && found && !local.Deleted()
		if found && !tombstones && !entity.UpdatedAt().After(local.UpdatedAt()) {
			return applyOutcome{}, nil
		}
		if err := store.Put(ctx, table, entity); err != nil {
			return applyOutcome{}, err
		}
		return applyOutcome{applied: true}, nil
	}

	var localEntity records.Entity
	if found {
		localEntity = local
	}
	result := conflict.Resolve(table, entityID, localEntity, entity, pending)
	if result.Merged != nil {
		if err := store.Put(ctx, table, result.Merged); err != nil {
			return applyOutcome{}, err
		}
	}
	if result.DiscardsPending() {
		if _, err := queue.RemoveForEntity(ctx, table, entityID); err != nil {
			return applyOutcome{}, err
		}
	} else if len(result.Superseded) > 0 {
		if _, err := queue.DropFields(ctx, table, entityID, result.Superseded); err != nil {
			return applyOutcome{}, err
		}
	}
	if result.HasConflicts && e.history != nil {
		if err := e.history.WithTx(tx).Record(ctx, result, localEntity, entity); err != nil {
			return applyOutcome{}, err
		}
	}
	e.logger.Debug("remote change merged with pending local intents",
		zap.String("table", table),
		zap.String("entity_id", entityID),
		zap.String("conflict_type", string(result.Type)),
		zap.String("resolution", string(result.Resolution)))
	return applyOutcome{applied: result.Merged != nil, conflict: result.HasConflicts}, nil
}

// isOwnEcho reports whether a remote entity is this device's own write coming back, which
// can arrive before the push that caused it is acknowledged.
func (e *Engine) isOwnEcho(local, incoming records.Entity) bool {
	e.mu.Lock()
	deviceID := e.deviceID
	e.mu.Unlock()
	if deviceID == "" || incoming.DeviceID() != deviceID {
		return false
	}
	return incoming.Deleted() == local.Deleted() && !incoming.UpdatedAt().After(local.UpdatedAt())
}

func (e *Engine) announce(table, entityID string) {
	e.notifyLocalChange(table, entityID)
	e.mu.Lock()
	broadcaster := e.broadcaster
	e.mu.Unlock()
	if broadcaster != nil {
		broadcaster.BroadcastLocalWrite(table, entityID)
	}
}
