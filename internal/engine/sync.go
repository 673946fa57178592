package engine

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	opCycle     = "engine.cycle"
	opPush      = "engine.push"
	opPull      = "engine.pull"
	opHydrate   = "engine.hydrate"
	opReconcile = "engine.reconcile"
)

type cycleOptions struct {
	userInitiated bool
	full          bool
}

// PerformSync runs one user-initiated cycle. Any failure is returned as a *SyncError.
func (e *Engine) PerformSync(ctx context.Context) (Report, error) {
	return e.runCycle(ctx, cycleOptions{userInitiated: true})
}

// BackgroundSync runs one quiet cycle. Transient failures are only returned once they
// repeated more often than the outbox retry ceiling.
func (e *Engine) BackgroundSync(ctx context.Context) error {
	_, err := e.runCycle(ctx, cycleOptions{})
	return err
}

// ForceFullSync forgets the cursor, re-enqueues local changes the outbox may have lost
// and pulls everything.
func (e *Engine) ForceFullSync(ctx context.Context) (Report, error) {
	return e.runCycle(ctx, cycleOptions{userInitiated: true, full: true})
}

// ResetSyncCursor forgets the cursor of the current user so the next pull fetches every row.
func (e *Engine) ResetSyncCursor(ctx context.Context) error {
	userID := e.UserID()
	if userID == "" {
		resolved, err := e.authenticate(ctx)
		if err != nil {
			return classify(err)
		}
		userID = resolved
	}
	return e.store.ResetCursor(ctx, userID)
}

func (e *Engine) runCycle(ctx context.Context, opts cycleOptions) (Report, error) {
	if !e.IsOnline() {
		e.setState(StateOffline)
		return Report{Skipped: true}, e.fail(classify(ErrOffline), opts)
	}
	if e.lock.isHeld() {
		e.logger.Debug("sync cycle skipped: another cycle holds the lock")
		return Report{Skipped: true}, nil
	}
	e.setState(StateAcquiringLock)
	generation, ok := e.lock.tryAcquire(e.onLockExpired)
	if !ok {
		e.logger.Debug("sync cycle skipped: another cycle holds the lock")
		return Report{Skipped: true}, nil
	}
	defer e.lock.release(generation)

	report, err := e.cycle(ctx, opts)
	e.mu.Lock()
	e.discarded = append(e.discarded, report.Discarded...)
	e.mu.Unlock()
	for _, dropped := range report.Discarded {
		e.logger.Warn("local change discarded after repeated sync failures",
			zap.String("table", dropped.Table),
			zap.String("entity_id", dropped.EntityID),
			zap.String("operation_type", string(dropped.Operation)))
	}
	if err != nil {
		return report, e.fail(classify(err), opts)
	}

	e.mu.Lock()
	e.lastSyncAt = e.clock()
	e.lastErr = nil
	e.transientFailures = 0
	e.mu.Unlock()
	e.setState(StateIdle)
	e.notifySyncComplete(report)
	return report, nil
}

func (e *Engine) cycle(ctx context.Context, opts cycleOptions) (Report, error) {
	report := Report{}
	userID, err := e.ensureSession(ctx)
	if err != nil {
		return report, err
	}
	if _, err := e.ensureDeviceID(ctx); err != nil {
		return report, err
	}

	if opts.full {
		if err := e.store.ResetCursor(ctx, userID); err != nil {
			return report, err
		}
	}
	e.mu.Lock()
	reconcile := opts.full || !e.reconciled
	e.mu.Unlock()
	if reconcile {
		count, err := e.reconcile(ctx, userID)
		if err != nil {
			return report, err
		}
		report.Reconciled = count
		e.mu.Lock()
		e.reconciled = true
		e.mu.Unlock()
	}

	e.setState(StatePushing)
	pushed, discarded, halt, rejected := e.push(ctx, userID)
	report.Pushed = pushed
	report.Discarded = discarded
	if halt != nil {
		return report, halt
	}

	realtime := e.realtimeStatus()
	if !opts.full && pushed > 0 && realtime != nil && realtime.IsHealthy() {
		report.PullSkipped = true
		return report, rejected
	}

	e.setState(StatePulling)
	empty, err := e.store.IsEmpty(ctx, e.tables)
	if err != nil {
		return report, err
	}
	if empty {
		pulled, cursor, err := e.hydrate(ctx, userID)
		if err != nil {
			return report, err
		}
		report.Hydrated = true
		report.Pulled = pulled
		report.Cursor = cursor
		return report, rejected
	}
	pulled, conflicts, cursor, err := e.pull(ctx, userID)
	if err != nil {
		return report, err
	}
	report.Pulled = pulled
	report.Conflicts = conflicts
	report.Cursor = cursor
	return report, rejected
}

// fail records a classified failure and decides whether the caller sees it.
func (e *Engine) fail(syncErr *SyncError, opts cycleOptions) error {
	e.mu.Lock()
	if needsReauth(syncErr) {
		e.needsRevalidation = true
	}
	if syncErr.Transient {
		e.transientFailures++
	}
	surfaced := opts.userInitiated || !syncErr.Transient || e.transientFailures > e.queue.MaxRetries()
	if surfaced {
		e.lastErr = syncErr
	}
	online := e.online
	e.mu.Unlock()

	if online {
		if surfaced {
			e.setState(StateError)
		} else {
			e.setState(StateIdle)
		}
	}
	e.logger.Warn("sync cycle failed",
		zap.String("category", string(syncErr.Category)),
		zap.Bool("transient", syncErr.Transient),
		zap.Bool("surfaced", surfaced),
		zap.Error(syncErr.Cause))
	if !surfaced {
		return nil
	}
	return syncErr
}

func (e *Engine) onLockExpired(generation uint64) {
	e.logger.Error("sync lock held past its timeout; releasing", zap.Uint64("generation", generation))
	go func() {
		if err := e.BackgroundSync(e.baseCtx); err != nil {
			e.logger.Warn("retry after lock timeout failed", zap.Error(err))
		}
	}()
}

func (e *Engine) ensureSession(ctx context.Context) (string, error) {
	e.mu.Lock()
	userID := e.userID
	revalidate := e.needsRevalidation || userID == ""
	e.mu.Unlock()
	if !revalidate {
		return userID, nil
	}
	return e.authenticate(ctx)
}

func (e *Engine) authenticate(ctx context.Context) (string, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()
	var userID string
	if e.auth != nil {
		resolved, err := e.auth.Revalidate(phaseCtx)
		if err != nil {
			return "", err
		}
		userID = resolved
	} else {
		session, err := e.remote.ValidateSession(phaseCtx)
		if err != nil {
			return "", err
		}
		userID = session.UserID
	}
	e.mu.Lock()
	if e.userID != "" && e.userID != userID {
		e.reconciled = false
	}
	e.userID = userID
	e.needsRevalidation = false
	e.mu.Unlock()
	return userID, nil
}

// push drains the outbox in bounded iterations so entries queued mid-cycle still go out.
// A transient or authentication failure halts the push and is returned as halt; any other
// failure only skips its entry and the first one is returned as rejected.
func (e *Engine) push(ctx context.Context, userID string) (pushed int, discarded []DiscardedEntry, halt error, rejected error) {
	discarded = make([]DiscardedEntry, 0)
	for iteration := 0; iteration < e.pushIterations; iteration++ {
		if _, err := e.queue.Coalesce(ctx); err != nil {
			return pushed, discarded, err, rejected
		}
		batch, err := e.queue.ListDue(ctx)
		if err != nil {
			return pushed, discarded, err, rejected
		}
		for _, failed := range batch.Failed {
			discarded = append(discarded, DiscardedEntry{
				Table:     failed.Collection,
				EntityID:  failed.EntityID,
				Operation: failed.Operation,
				Retries:   failed.Retries,
			})
		}
		if len(batch.Due) == 0 {
			return pushed, discarded, nil, rejected
		}
		for _, entry := range batch.Due {
			err := e.pushOne(ctx, userID, entry)
			if err == nil {
				pushed++
				continue
			}
			if syncErr := classify(err); syncErr.Transient || needsReauth(syncErr) {
				return pushed, discarded, err, rejected
			}
			if rejected == nil {
				rejected = err
			}
		}
	}
	return pushed, discarded, nil, rejected
}

func (e *Engine) pushOne(ctx context.Context, userID string, entry outbox.Entry) error {
	phaseCtx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	err := e.sendEntry(phaseCtx, userID, entry)
	cancel()
	if err == nil {
		return e.queue.Ack(ctx, entry.ID)
	}
	if remote.IsBenign(err) {
		e.logger.Debug("remote already converged",
			zap.String("table", entry.Collection),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err))
		return e.queue.Ack(ctx, entry.ID)
	}
	if _, markErr := e.queue.MarkAttempt(ctx, entry.ID); markErr != nil {
		return markErr
	}
	e.logError(opPush, "send_failed", err,
		zap.String("table", entry.Collection),
		zap.String("entity_id", entry.EntityID),
		zap.String("operation_type", string(entry.Operation)),
		zap.Int("retries", entry.Retries+1))
	return err
}

// sendEntry translates one intent into a remote mutation.
func (e *Engine) sendEntry(ctx context.Context, userID string, entry outbox.Entry) error {
	local, found, err := e.store.Get(ctx, entry.Collection, entry.EntityID)
	if err != nil {
		return err
	}
	payload, err := entry.Payload()
	if err != nil {
		return err
	}
	byID := []remote.Filter{remote.Eq(records.FieldID, entry.EntityID)}

	switch entry.Operation {
	case outbox.OperationCreate:
		row := records.Entity(payload)
		if found {
			row = local.Clone()
		}
		row = e.ownedRow(row, userID, entry.EntityID)
		result, err := e.remote.Insert(ctx, entry.Collection, []records.Entity{row})
		if remote.Classify(err) == remote.KindDuplicate {
			return e.sendUpdate(ctx, entry.Collection, withoutKeys(row), byID)
		}
		if err != nil {
			return err
		}
		if result.RowsAffected == 0 {
			return ErrNoRowsAffected
		}
		return nil

	case outbox.OperationDelete:
		patch := records.Entity{records.FieldDeleted: true}
		if found {
			copyStamps(patch, local)
		} else {
			patch[records.FieldUpdatedAt] = records.FormatTimestamp(e.clock())
		}
		return e.sendUpdate(ctx, entry.Collection, patch, byID)

	case outbox.OperationUpdate:
		patch := records.Entity{}
		for field, value := range payload {
			if !records.IsMetadataField(field) {
				patch[field] = value
			}
		}
		if found {
			copyStamps(patch, local)
		}
		return e.sendPatchOrInsert(ctx, userID, entry, patch, local, found)

	case outbox.OperationSet, outbox.OperationIncrement, outbox.OperationDecrement, outbox.OperationToggle:
		if !found {
			return nil
		}
		patch := records.Entity{entry.Field: local[entry.Field]}
		copyStamps(patch, local)
		return e.sendPatchOrInsert(ctx, userID, entry, patch, local, found)

	default:
		return outbox.ErrInvalidOperation
	}
}

// sendPatchOrInsert updates the remote row, inserting the full local entity when the
// backend has never seen it.
func (e *Engine) sendPatchOrInsert(ctx context.Context, userID string, entry outbox.Entry, patch, local records.Entity, found bool) error {
	byID := []remote.Filter{remote.Eq(records.FieldID, entry.EntityID)}
	err := e.sendUpdate(ctx, entry.Collection, patch, byID)
	if remote.Classify(err) != remote.KindNotFound || !found {
		return err
	}
	row := e.ownedRow(local.Clone(), userID, entry.EntityID)
	result, err := e.remote.Insert(ctx, entry.Collection, []records.Entity{row})
	if err != nil {
		return err
	}
	if result.RowsAffected == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

func (e *Engine) sendUpdate(ctx context.Context, table string, patch records.Entity, filters []remote.Filter) error {
	result, err := e.remote.Update(ctx, table, patch, filters)
	if err != nil {
		return err
	}
	if result.RowsAffected == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

func (e *Engine) ownedRow(row records.Entity, userID, entityID string) records.Entity {
	row[records.FieldID] = entityID
	row[records.FieldUserID] = userID
	if _, ok := row[records.FieldDeleted]; !ok {
		row[records.FieldDeleted] = false
	}
	return row
}

// pull fetches rows changed after the cursor from every table, applies them in one
// transaction and advances the cursor to the newest updated_at seen.
func (e *Engine) pull(ctx context.Context, userID string) (int, int, time.Time, error) {
	cursor, found, err := e.store.LoadCursor(ctx, userID)
	if err != nil {
		return 0, 0, time.Time{}, err
	}
	filters := []remote.Filter{remote.Eq(records.FieldUserID, userID)}
	if found {
		filters = append(filters, remote.Gt(records.FieldUpdatedAt, records.FormatTimestamp(cursor)))
	}
	fetched, err := e.fetchTables(ctx, remote.Query{Filters: filters, OrderBy: records.FieldUpdatedAt})
	if err != nil {
		e.logError(opPull, "fetch_failed", err, zap.String("user_id", userID))
		return 0, 0, cursor, err
	}

	changed := make([]outbox.EntityKey, 0)
	conflicts := 0
	next := cursor
	err = e.store.Transaction(ctx, func(tx *gorm.DB) error {
		for index, table := range e.tables {
			for _, row := range fetched[index] {
				if updatedAt := row.UpdatedAt(); updatedAt.After(next) {
					next = updatedAt
				}
				if e.skipPulled(table, row) {
					continue
				}
				outcome, err := e.applyRemote(ctx, tx, table, row)
				if err != nil {
					return err
				}
				if outcome.applied {
					changed = append(changed, outbox.EntityKey{Table: table, EntityID: row.ID()})
				}
				if outcome.conflict {
					conflicts++
				}
			}
		}
		advanced, err := e.store.WithTx(tx).AdvanceCursor(ctx, userID, next)
		if err != nil {
			return err
		}
		next = advanced
		return nil
	})
	if err != nil {
		e.logError(opPull, "apply_failed", err, zap.String("user_id", userID))
		return 0, 0, cursor, err
	}
	for _, key := range changed {
		e.notifyLocalChange(key.Table, key.EntityID)
	}
	return len(changed), conflicts, next, nil
}

// skipPulled drops rows the local side wrote moments ago and rows the realtime channel
// already applied.
func (e *Engine) skipPulled(table string, row records.Entity) bool {
	if e.recentlyModifiedLocally(table, row.ID()) {
		return true
	}
	if realtime := e.realtimeStatus(); realtime != nil && realtime.RecentlyApplied(table, row.ID()) {
		return true
	}
	return false
}

// hydrate fills an empty local store with every live remote row. The cursor becomes the
// newest updated_at fetched rather than the current time.
func (e *Engine) hydrate(ctx context.Context, userID string) (int, time.Time, error) {
	fetched, err := e.fetchTables(ctx, remote.Query{
		Filters: []remote.Filter{remote.Eq(records.FieldUserID, userID), remote.Eq(records.FieldDeleted, false)},
	})
	if err != nil {
		e.logError(opHydrate, "fetch_failed", err, zap.String("user_id", userID))
		return 0, time.Time{}, err
	}
	total := 0
	var next time.Time
	err = e.store.Transaction(ctx, func(tx *gorm.DB) error {
		store := e.store.WithTx(tx)
		for index, table := range e.tables {
			for _, row := range fetched[index] {
				if updatedAt := row.UpdatedAt(); updatedAt.After(next) {
					next = updatedAt
				}
			}
			if err := store.PutMany(ctx, table, fetched[index]); err != nil {
				return err
			}
			total += len(fetched[index])
		}
		advanced, err := store.AdvanceCursor(ctx, userID, next)
		if err != nil {
			return err
		}
		next = advanced
		return nil
	})
	if err != nil {
		e.logError(opHydrate, "apply_failed", err, zap.String("user_id", userID))
		return 0, time.Time{}, err
	}
	e.logger.Info("local store hydrated", zap.Int("rows", total), zap.String("cursor", records.FormatTimestamp(next)))
	for index, table := range e.tables {
		for _, row := range fetched[index] {
			e.notifyLocalChange(table, row.ID())
		}
	}
	return total, next, nil
}

// fetchTables runs query against every table concurrently. Results are indexed like e.tables.
func (e *Engine) fetchTables(ctx context.Context, query remote.Query) ([][]records.Entity, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()
	results := make([][]records.Entity, len(e.tables))
	group, groupCtx := errgroup.WithContext(phaseCtx)
	for index, table := range e.tables {
		group.Go(func() error {
			rows, err := e.remote.Select(groupCtx, table, query)
			if err != nil {
				return err
			}
			results[index] = rows
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// reconcile re-enqueues local changes newer than the cursor when the outbox is empty,
// which recovers intents lost with a damaged outbox.
func (e *Engine) reconcile(ctx context.Context, userID string) (int, error) {
	pending, err := e.queue.Count(ctx)
	if err != nil {
		return 0, err
	}
	if pending > 0 {
		return 0, nil
	}
	cursor, _, err := e.store.LoadCursor(ctx, userID)
	if err != nil {
		return 0, err
	}
	requeued := 0
	err = e.store.Transaction(ctx, func(tx *gorm.DB) error {
		store := e.store.WithTx(tx)
		queue := e.queue.WithTx(tx)
		for _, table := range e.tables {
			entities, err := store.ListUpdatedAfter(ctx, table, cursor)
			if err != nil {
				return err
			}
			for _, entity := range entities {
				if owner := entity.UserID(); owner != "" && owner != userID {
					continue
				}
				if _, err := queue.Enqueue(ctx, reconcileIntent(table, entity)); err != nil {
					return err
				}
				requeued++
			}
		}
		return nil
	})
	if err != nil {
		e.logError(opReconcile, "requeue_failed", err, zap.String("user_id", userID))
		return 0, err
	}
	if requeued > 0 {
		e.logger.Info("re-enqueued local changes missing from the outbox", zap.Int("count", requeued))
	}
	return requeued, nil
}

func reconcileIntent(table string, entity records.Entity) outbox.Intent {
	if entity.Deleted() {
		return outbox.Intent{Table: table, Operation: outbox.OperationDelete, EntityID: entity.ID()}
	}
	return outbox.Intent{
		Table:     table,
		Operation: outbox.OperationUpdate,
		EntityID:  entity.ID(),
		Payload:   withoutKeys(entity),
	}
}

func copyStamps(patch, local records.Entity) {
	if value, ok := local[records.FieldUpdatedAt]; ok {
		patch[records.FieldUpdatedAt] = value
	}
	if value, ok := local[records.FieldDeviceID]; ok {
		patch[records.FieldDeviceID] = value
	}
}

// withoutKeys drops the fields a patch must never rewrite.
func withoutKeys(entity records.Entity) records.Entity {
	patch := records.Entity{}
	for field, value := range entity {
		if field == records.FieldID || field == records.FieldUserID || field == records.FieldCreatedAt {
			continue
		}
		patch[field] = value
	}
	return patch
}

// HasRemoteUpdates reports whether a background cycle has work: queued local changes or
// remote rows newer than the cursor. Without a cursor it always reports true.
func (e *Engine) HasRemoteUpdates(ctx context.Context) (bool, error) {
	pending, err := e.queue.Count(ctx)
	if err != nil {
		return true, err
	}
	userID := e.UserID()
	if pending > 0 || userID == "" {
		return true, nil
	}
	cursor, found, err := e.store.LoadCursor(ctx, userID)
	if err != nil || !found {
		return true, err
	}
	phaseCtx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()
	return remote.HasUpdates(phaseCtx, e.remote, e.tables, userID, cursor)
}
