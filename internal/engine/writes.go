package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opWrite = "engine.write"

// Create stores a new entity and records a create intent. A missing id is generated.
func (e *Engine) Create(ctx context.Context, table string, fields map[string]any) (records.Entity, error) {
	if err := e.checkTable(table); err != nil {
		return nil, err
	}
	entity := records.Entity(fields).Clone()
	if entity == nil {
		entity = records.Entity{}
	}
	if entity.ID() == "" {
		id, err := newID()
		if err != nil {
			return nil, err
		}
		entity[records.FieldID] = id
	}
	return e.write(ctx, table, entity.ID(), func(current records.Entity, found bool, now records.Entity) (records.Entity, outbox.Intent, error) {
		if found && !current.Deleted() {
			return nil, outbox.Intent{}, ErrAlreadyExists
		}
		created := entity.Clone()
		created[records.FieldDeleted] = false
		created[records.FieldCreatedAt] = now[records.FieldUpdatedAt]
		return created, outbox.Intent{Operation: outbox.OperationCreate, Payload: withoutKeys(created)}, nil
	})
}

// Update applies patch to an existing entity and records an update intent.
func (e *Engine) Update(ctx context.Context, table, entityID string, patch map[string]any) (records.Entity, error) {
	if err := e.checkTable(table); err != nil {
		return nil, err
	}
	changes := records.Entity{}
	for field, value := range patch {
		if !records.IsMetadataField(field) && field != records.FieldDeleted {
			changes[field] = value
		}
	}
	return e.write(ctx, table, entityID, func(current records.Entity, found bool, _ records.Entity) (records.Entity, outbox.Intent, error) {
		if !found || current.Deleted() {
			return nil, outbox.Intent{}, ErrNotFound
		}
		return current.Merge(changes), outbox.Intent{Operation: outbox.OperationUpdate, Payload: changes.Clone()}, nil
	})
}

// Delete tombstones an entity and records a delete intent.
func (e *Engine) Delete(ctx context.Context, table, entityID string) error {
	if err := e.checkTable(table); err != nil {
		return err
	}
	_, err := e.write(ctx, table, entityID, func(current records.Entity, found bool, _ records.Entity) (records.Entity, outbox.Intent, error) {
		if !found || current.Deleted() {
			return nil, outbox.Intent{}, ErrNotFound
		}
		tombstone := current.Clone()
		tombstone[records.FieldDeleted] = true
		return tombstone, outbox.Intent{Operation: outbox.OperationDelete}, nil
	})
	return err
}

// Increment raises a numeric field by amount. A missing field counts as zero.
func (e *Engine) Increment(ctx context.Context, table, entityID, field string, amount float64) (records.Entity, error) {
	return e.adjust(ctx, table, entityID, field, amount, outbox.OperationIncrement)
}

// Decrement lowers a numeric field by amount.
func (e *Engine) Decrement(ctx context.Context, table, entityID, field string, amount float64) (records.Entity, error) {
	return e.adjust(ctx, table, entityID, field, -amount, outbox.OperationDecrement)
}

func (e *Engine) adjust(ctx context.Context, table, entityID, field string, delta float64, operation outbox.OperationType) (records.Entity, error) {
	if err := e.checkTable(table); err != nil {
		return nil, err
	}
	return e.write(ctx, table, entityID, func(current records.Entity, found bool, _ records.Entity) (records.Entity, outbox.Intent, error) {
		if !found || current.Deleted() {
			return nil, outbox.Intent{}, ErrNotFound
		}
		base := 0.0
		if value, present := current[field]; present && value != nil {
			number, ok := records.Numeric(value)
			if !ok {
				return nil, outbox.Intent{}, fmt.Errorf("%w: %s is not numeric", ErrInvalidValue, field)
			}
			base = number
		}
		next := current.Clone()
		next[field] = base + delta
		magnitude := delta
		if magnitude < 0 {
			magnitude = -magnitude
		}
		return next, outbox.Intent{
			Operation: operation,
			Field:     field,
			Payload:   map[string]any{outbox.PayloadAmount: magnitude},
		}, nil
	})
}

// Toggle flips a boolean field. A missing field counts as false.
func (e *Engine) Toggle(ctx context.Context, table, entityID, field string) (records.Entity, error) {
	if err := e.checkTable(table); err != nil {
		return nil, err
	}
	return e.write(ctx, table, entityID, func(current records.Entity, found bool, _ records.Entity) (records.Entity, outbox.Intent, error) {
		if !found || current.Deleted() {
			return nil, outbox.Intent{}, ErrNotFound
		}
		flag := false
		if value, present := current[field]; present && value != nil {
			typed, ok := value.(bool)
			if !ok {
				return nil, outbox.Intent{}, fmt.Errorf("%w: %s is not boolean", ErrInvalidValue, field)
			}
			flag = typed
		}
		next := current.Clone()
		next[field] = !flag
		return next, outbox.Intent{Operation: outbox.OperationToggle, Field: field}, nil
	})
}

// Set assigns one field.
func (e *Engine) Set(ctx context.Context, table, entityID, field string, value any) (records.Entity, error) {
	if err := e.checkTable(table); err != nil {
		return nil, err
	}
	if records.IsMetadataField(field) || field == records.FieldDeleted {
		return nil, fmt.Errorf("%w: %s is managed by sync", ErrInvalidValue, field)
	}
	return e.write(ctx, table, entityID, func(current records.Entity, found bool, _ records.Entity) (records.Entity, outbox.Intent, error) {
		if !found || current.Deleted() {
			return nil, outbox.Intent{}, ErrNotFound
		}
		next := current.Clone()
		next[field] = value
		return next, outbox.Intent{
			Operation: outbox.OperationSet,
			Field:     field,
			Payload:   map[string]any{outbox.PayloadValue: value},
		}, nil
	})
}

// mutation derives the next entity and its intent from the current one. stamps carries
// the updated_at and device_id of the write.
type mutation func(current records.Entity, found bool, stamps records.Entity) (records.Entity, outbox.Intent, error)

// write reads, mutates and stores an entity together with its outbox intent in one
// transaction, then announces the change and schedules a push.
func (e *Engine) write(ctx context.Context, table, entityID string, mutate mutation) (records.Entity, error) {
	deviceID, err := e.ensureDeviceID(ctx)
	if err != nil {
		return nil, err
	}
	stamps := records.Entity{}
	stamps.Stamp(e.clock(), deviceID)
	userID := e.UserID()

	var written records.Entity
	err = e.store.Transaction(ctx, func(tx *gorm.DB) error {
		store := e.store.WithTx(tx)
		current, found, err := store.Get(ctx, table, entityID)
		if err != nil {
			return err
		}
		next, intent, err := mutate(current, found, stamps)
		if err != nil {
			return err
		}
		next[records.FieldID] = entityID
		next[records.FieldUpdatedAt] = stamps[records.FieldUpdatedAt]
		next[records.FieldDeviceID] = deviceID
		if userID != "" && next.UserID() == "" {
			next[records.FieldUserID] = userID
		}
		if err := store.Put(ctx, table, next); err != nil {
			return err
		}
		intent.Table = table
		intent.EntityID = entityID
		if found {
			if stamp, ok := current[records.FieldUpdatedAt].(string); ok {
				intent.BaseVersion = stamp
			}
			intent.Base = baseValues(current, intent)
		}
		if _, err := e.queue.WithTx(tx).Enqueue(ctx, intent); err != nil {
			return err
		}
		written = next
		return nil
	})
	if err != nil {
		if !isCallerError(err) {
			e.logError(opWrite, "transaction_failed", err,
				zap.String("table", table),
				zap.String("entity_id", entityID))
		}
		return nil, err
	}
	e.markRecentlyModified(table, entityID)
	e.announce(table, entityID)
	e.schedulePush()
	return written, nil
}

// schedulePush runs a background cycle once writes have been quiet for the debounce delay.
func (e *Engine) schedulePush() {
	if e.pushDebounce < 0 || e.baseCtx.Err() != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.online {
		return
	}
	if e.pushTimer != nil {
		e.pushTimer.Stop()
	}
	e.pushTimer = time.AfterFunc(e.pushDebounce, func() {
		if err := e.BackgroundSync(e.baseCtx); err != nil {
			e.logger.Warn("debounced push failed", zap.Error(err))
		}
	})
}

// baseValues captures what the fields an intent changes held before the write.
func baseValues(current records.Entity, intent outbox.Intent) map[string]any {
	switch {
	case intent.Operation.FieldScoped():
		return map[string]any{intent.Field: current[intent.Field]}
	case intent.Operation == outbox.OperationUpdate:
		base := make(map[string]any, len(intent.Payload))
		for field := range intent.Payload {
			base[field] = current[field]
		}
		return base
	default:
		return nil
	}
}

func isCallerError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidValue) || errors.Is(err, ErrUnknownTable)
}
