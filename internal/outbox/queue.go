package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("outbox: database handle is required")

const (
	orderIDAsc        = "id ASC"
	queryEntity       = "table_name = ? AND entity_id = ?"
	opEnqueue         = "outbox.enqueue"
	opListDue         = "outbox.list_due"
	opCoalesce        = "outbox.coalesce"
	opMarkAttempt     = "outbox.mark_attempt"
	opDropFields      = "outbox.drop_fields"
	reasonQueryFailed = "query_failed"
	reasonWriteFailed = "write_failed"
)

// QueueConfig describes the dependencies of a Queue.
type QueueConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	MaxRetries int
	Logger     *zap.Logger
}

// Queue is the durable outbox of pending mutations.
type Queue struct {
	db         *gorm.DB
	clock      func() time.Time
	maxRetries int
	logger     *zap.Logger
}

// DueBatch is the result of ListDue.
type DueBatch struct {
	// Due holds entries eligible for sending now, oldest first.
	Due []Entry
	// Failed holds entries dropped because they exhausted their retries.
	Failed []Entry
}

// CoalesceResult summarizes a coalescing pass.
type CoalesceResult struct {
	Removed   int
	Rewritten int
}

// Changed reports whether the pass modified the queue.
func (r CoalesceResult) Changed() bool {
	return r.Removed > 0 || r.Rewritten > 0
}

// NewQueue constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: cfg.Database, clock: clock, maxRetries: maxRetries, logger: logger}, nil
}

// WithTx returns a Queue bound to an open transaction so an intent is recorded
// atomically with the local write it describes.
func (q *Queue) WithTx(tx *gorm.DB) *Queue {
	return &Queue{db: tx, clock: q.clock, maxRetries: q.maxRetries, logger: q.logger}
}

// MaxRetries returns the attempt ceiling.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue appends an intent.
func (q *Queue) Enqueue(ctx context.Context, intent Intent) (Entry, error) {
	if err := intent.validate(); err != nil {
		return Entry{}, err
	}
	payload, err := encodePayload(intent.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: encode payload: %w", err)
	}
	base, err := encodePayload(intent.Base)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: encode base: %w", err)
	}
	entry := Entry{
		Collection:      intent.Table,
		EntityID:        intent.EntityID,
		Operation:       intent.Operation,
		Field:           intent.Field,
		PayloadJSON:     payload,
		BaseVersion:     intent.BaseVersion,
		BaseJSON:        base,
		TimestampMillis: q.clock().UTC().UnixMilli(),
	}
	if err := q.db.WithContext(ctx).Create(&entry).Error; err != nil {
		q.logError(opEnqueue, reasonWriteFailed, err,
			zap.String("table", intent.Table),
			zap.String("entity_id", intent.EntityID))
		return Entry{}, fmt.Errorf("outbox: enqueue: %w", err)
	}
	return entry, nil
}

// All returns every queued entry, oldest first.
func (q *Queue) All(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := q.db.WithContext(ctx).Order(orderIDAsc).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("outbox: list: %w", err)
	}
	return entries, nil
}

// Count returns the number of queued entries.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&Entry{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("outbox: count: %w", err)
	}
	return count, nil
}

// ListDue returns entries eligible for sending now. Entries that exhausted their retries
// are removed and returned in Failed so the caller can report them.
func (q *Queue) ListDue(ctx context.Context) (DueBatch, error) {
	entries, err := q.All(ctx)
	if err != nil {
		q.logError(opListDue, reasonQueryFailed, err)
		return DueBatch{}, err
	}
	now := q.clock().UTC()
	batch := DueBatch{}
	failedIDs := make([]int64, 0)
	for _, entry := range entries {
		if entry.Retries >= q.maxRetries {
			batch.Failed = append(batch.Failed, entry)
			failedIDs = append(failedIDs, entry.ID)
			continue
		}
		if IsDue(entry, now, q.maxRetries) {
			batch.Due = append(batch.Due, entry)
		}
	}
	if len(failedIDs) > 0 {
		if err := q.Remove(ctx, failedIDs...); err != nil {
			return DueBatch{}, err
		}
		for _, failed := range batch.Failed {
			q.logger.Warn("outbox entry dropped after exhausting retries",
				zap.String("table", failed.Collection),
				zap.String("entity_id", failed.EntityID),
				zap.String("operation", string(failed.Operation)),
				zap.Int("retries", failed.Retries))
		}
	}
	return batch, nil
}

// Coalesce folds redundant entries. It is idempotent: a second pass over an already
// coalesced queue changes nothing.
func (q *Queue) Coalesce(ctx context.Context) (CoalesceResult, error) {
	result := CoalesceResult{}
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []Entry
		if err := tx.Order(orderIDAsc).Find(&entries).Error; err != nil {
			return err
		}
		plan, err := planCoalesce(entries)
		if err != nil {
			return err
		}
		if plan.empty() {
			return nil
		}
		if len(plan.removals) > 0 {
			if err := tx.Where("id IN ?", plan.removals).Delete(&Entry{}).Error; err != nil {
				return err
			}
		}
		for _, rewrite := range plan.rewrites {
			err := tx.Model(&Entry{}).Where("id = ?", rewrite.ID).Updates(map[string]any{
				"operation_type": rewrite.Operation,
				"payload_json":   rewrite.PayloadJSON,
				"base_json":      rewrite.BaseJSON,
			}).Error
			if err != nil {
				return err
			}
		}
		result.Removed = len(plan.removals)
		result.Rewritten = len(plan.rewrites)
		return nil
	})
	if err != nil {
		q.logError(opCoalesce, reasonWriteFailed, err)
		return CoalesceResult{}, fmt.Errorf("outbox: coalesce: %w", err)
	}
	if result.Changed() {
		q.logger.Debug("outbox coalesced",
			zap.Int("removed", result.Removed),
			zap.Int("rewritten", result.Rewritten))
	}
	return result, nil
}

// Ack removes an entry after the remote acknowledged it.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	return q.Remove(ctx, id)
}

// MarkAttempt records a failed attempt: the retry counter grows and the timestamp moves
// to now, which restarts the backoff window.
func (q *Queue) MarkAttempt(ctx context.Context, id int64) (Entry, error) {
	var entry Entry
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&entry).Error; err != nil {
			return err
		}
		entry.Retries++
		entry.TimestampMillis = q.clock().UTC().UnixMilli()
		return tx.Model(&Entry{}).Where("id = ?", id).Updates(map[string]any{
			"retries":      entry.Retries,
			"timestamp_ms": entry.TimestampMillis,
		}).Error
	})
	if err != nil {
		q.logError(opMarkAttempt, reasonWriteFailed, err, zap.Int64("entry_id", id))
		return Entry{}, fmt.Errorf("outbox: mark attempt %d: %w", id, err)
	}
	return entry, nil
}

// Remove deletes entries by id.
func (q *Queue) Remove(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("outbox: remove: %w", err)
	}
	return nil
}

// RemoveForEntity deletes every entry of one entity.
func (q *Queue) RemoveForEntity(ctx context.Context, table, entityID string) (int64, error) {
	result := q.db.WithContext(ctx).Where(queryEntity, table, entityID).Delete(&Entry{})
	if result.Error != nil {
		return 0, fmt.Errorf("outbox: remove %s/%s: %w", table, entityID, result.Error)
	}
	return result.RowsAffected, nil
}

// DropFields removes the pending changes of the given fields of one entity. Update
// payloads lose those keys and are deleted once empty. Field-scoped entries on those
// fields are deleted. Creates and deletes are left alone. It returns the number of entries
// removed.
func (q *Queue) DropFields(ctx context.Context, table, entityID string, fields []string) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	dropped := make(map[string]bool, len(fields))
	for _, field := range fields {
		dropped[field] = true
	}
	removed := 0
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []Entry
		if err := tx.Where(queryEntity, table, entityID).Order(orderIDAsc).Find(&entries).Error; err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Operation.FieldScoped() {
				if dropped[entry.Field] {
					if err := tx.Where("id = ?", entry.ID).Delete(&Entry{}).Error; err != nil {
						return err
					}
					removed++
				}
				continue
			}
			if entry.Operation != OperationUpdate {
				continue
			}
			payload, err := entry.Payload()
			if err != nil {
				return err
			}
			base, err := entry.Base()
			if err != nil {
				return err
			}
			changed := false
			for field := range payload {
				if dropped[field] {
					delete(payload, field)
					delete(base, field)
					changed = true
				}
			}
			if !changed {
				continue
			}
			if len(payload) == 0 {
				if err := tx.Where("id = ?", entry.ID).Delete(&Entry{}).Error; err != nil {
					return err
				}
				removed++
				continue
			}
			encodedPayload, err := encodePayload(payload)
			if err != nil {
				return err
			}
			encodedBase, err := encodePayload(base)
			if err != nil {
				return err
			}
			err = tx.Model(&Entry{}).Where("id = ?", entry.ID).Updates(map[string]any{
				"payload_json": encodedPayload,
				"base_json":    encodedBase,
			}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		q.logError(opDropFields, reasonWriteFailed, err,
			zap.String("table", table),
			zap.String("entity_id", entityID))
		return 0, fmt.Errorf("outbox: drop fields of %s/%s: %w", table, entityID, err)
	}
	return removed, nil
}

// PendingFor returns the entries of one entity, oldest first.
func (q *Queue) PendingFor(ctx context.Context, table, entityID string) ([]Entry, error) {
	var entries []Entry
	err := q.db.WithContext(ctx).Where(queryEntity, table, entityID).Order(orderIDAsc).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: pending %s/%s: %w", table, entityID, err)
	}
	return entries, nil
}

// PendingKeys returns the set of entities with at least one queued entry.
func (q *Queue) PendingKeys(ctx context.Context) (map[EntityKey]struct{}, error) {
	var entries []Entry
	err := q.db.WithContext(ctx).Select("table_name", "entity_id").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: pending keys: %w", err)
	}
	keys := make(map[EntityKey]struct{}, len(entries))
	for _, entry := range entries {
		keys[entry.Key()] = struct{}{}
	}
	return keys, nil
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("outbox error", attrs...)
}
